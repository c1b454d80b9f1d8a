package reenactService

import (
	"FacePoke/internal/api/reenact"
	"FacePoke/internal/entity"
	contextPkg "FacePoke/pkg/context"
	"FacePoke/pkg/redis"
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

func (s *reenactService) Open(c context.Context) (*Session, error) {
	requestID := contextPkg.GetRequestID(c)

	id, err := s.utils.NewULIDFromTimestamp(time.Now())
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to generate session id")
		return nil, reenact.ErrInternalServerError
	}

	session := newSession(id, s.cfg, s.dial, s.cache, s.metrics, s.log)

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionOpened()
	}

	s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"session_id": id,
	}).Info("Session opened")

	return session, nil
}

func (s *reenactService) Get(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, reenact.ErrSessionNotFound
	}
	return session, nil
}

func (s *reenactService) Close(id string) {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return
	}

	session.Close()
	if s.metrics != nil {
		s.metrics.SessionClosed()
	}

	s.log.WithField("session_id", id).Info("Session closed")
}

// Snapshot returns the live view of a session, falling back to the cached
// snapshot once the connection is gone.
func (s *reenactService) Snapshot(c context.Context, id string) (reenact.SessionView, error) {
	if session, err := s.Get(id); err == nil {
		return session.View(), nil
	}

	if s.cache == nil {
		return reenact.SessionView{}, reenact.ErrSessionNotFound
	}

	payload, err := s.cache.GetSnapshot(c, id)
	if err != nil {
		if !errors.Is(err, redis.ErrSnapshotNotFound) {
			s.log.WithFields(logrus.Fields{
				"request_id": contextPkg.GetRequestID(c),
				"session_id": id,
				"error":      err.Error(),
			}).Error("Failed to read cached session snapshot")
		}
		return reenact.SessionView{}, reenact.ErrSessionNotFound
	}

	var view reenact.SessionView
	if err := json.Unmarshal(payload, &view); err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": contextPkg.GetRequestID(c),
			"session_id": id,
			"error":      err.Error(),
		}).Error("Cached session snapshot is corrupt")
		if err := s.cache.DeleteSnapshot(c, id); err != nil {
			s.log.WithField("session_id", id).Warn("Failed to evict corrupt session snapshot")
		}
		return reenact.SessionView{}, reenact.ErrSessionNotFound
	}

	return view, nil
}

func (s *reenactService) SelectImage(c context.Context, id string, fileName string, data []byte) (reenact.SessionView, error) {
	session, err := s.Get(id)
	if err != nil {
		return reenact.SessionView{}, err
	}

	if err := session.SelectImage(fileName, data); err != nil {
		return session.View(), err
	}

	return session.View(), nil
}

func (s *reenactService) Preview(c context.Context, id string) (entity.Image, error) {
	session, err := s.Get(id)
	if err != nil {
		return entity.Image{}, err
	}

	preview, _ := session.Preview()
	if preview.IsZero() {
		return entity.Image{}, reenact.ErrNoPreview
	}

	return preview, nil
}

func (s *reenactService) Caption(c context.Context, id string, text string) (reenact.SessionView, error) {
	session, err := s.Get(id)
	if err != nil {
		return reenact.SessionView{}, err
	}

	if err := session.Caption(text); err != nil {
		return reenact.SessionView{}, err
	}

	return session.View(), nil
}
