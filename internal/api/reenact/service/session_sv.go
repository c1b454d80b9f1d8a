package reenactService

import (
	"FacePoke/internal/api/reenact"
	"FacePoke/internal/entity"
	"FacePoke/pkg/compositor"
	"FacePoke/pkg/imaging"
	"FacePoke/pkg/metrics"
	"FacePoke/pkg/redis"
	websocketPkg "FacePoke/pkg/websocket"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	dialTimeout    = 10 * time.Second
	persistTimeout = 2 * time.Second
	errUploadFmt   = "transform service unavailable: %s"
)

// DialFunc opens one upstream connection. Every reply read from it is handed
// to onReply on the connection's reader goroutine.
type DialFunc func(ctx context.Context, onReply websocketPkg.ReplyHandler) (websocketPkg.ITransformClient, error)

// Session owns the image session of one browser connection. Events are
// reduced one at a time under mu and take a ticket there; effects run under
// sendMu in ticket order, so readers never wait behind a slow dial.
type Session struct {
	id      string
	log     *logrus.Logger
	cfg     Config
	dial    DialFunc
	cache   redis.IRedis
	metrics *metrics.Metrics
	now     func() time.Time

	mu             sync.Mutex
	state          entity.ImageSession
	version        uint64
	previewVersion uint64
	updatedAt      time.Time
	closed         bool
	nextTicket     uint64

	sendMu      sync.Mutex
	turnCond    *sync.Cond
	turn        uint64
	client      websocketPkg.ITransformClient
	clientEpoch uint64
	upstream    atomic.Pointer[websocketPkg.ITransformClient]

	gestureMu    sync.Mutex
	limiter      *rate.Limiter
	pending      *reenact.GestureRequest
	pendingTimer *time.Timer

	updates chan struct{}
	persist chan struct{}
	done    chan struct{}
}

func newSession(
	id string,
	cfg Config,
	dial DialFunc,
	cache redis.IRedis,
	m *metrics.Metrics,
	log *logrus.Logger,
) *Session {
	state := entity.NewImageSession()
	state.Latency = cfg.Latency

	s := &Session{
		id:      id,
		log:     log,
		cfg:     cfg,
		dial:    dial,
		cache:   cache,
		metrics: m,
		now:     time.Now,
		state:   state,
		limiter: rate.NewLimiter(rate.Every(cfg.Latency.Min), 1),
		updates: make(chan struct{}, 1),
		persist: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.updatedAt = s.now()
	s.turnCond = sync.NewCond(&s.sendMu)

	if cache != nil {
		go s.persistLoop()
	}

	return s
}

func (s *Session) ID() string {
	return s.id
}

// Updates signals after every state change. Signals coalesce, so a reader
// should fetch the latest view rather than count them.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) State() entity.ImageSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) View() reenact.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() reenact.SessionView {
	st := s.state
	return reenact.SessionView{
		Type:              reenact.MessageState,
		ID:                s.id,
		UpstreamConnected: s.upstreamConnected(),
		State:             st.State,
		FileName:          st.FileName,
		RemoteSession:     st.OriginalImageSessionID,
		Metadata:          st.Metadata,
		Params:            st.Params.Clone(),
		Status:            st.Status,
		Error:             st.Error,
		FollowCursor:      st.FollowCursor,
		GazeAtCursor:      st.GazeAtCursor,
		ActiveLandmark:    st.ActiveLandmark,
		HasPreview:        !st.PreviewImage.IsZero(),
		PreviewVersion:    s.previewVersion,
		LatencyMs:         st.Latency.Average.Milliseconds(),
		UpdatedAt:         s.updatedAt,
	}
}

// Preview returns the current preview and its version.
func (s *Session) Preview() (entity.Image, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.PreviewImage, s.previewVersion
}

// SelectImage starts a new epoch and prepares data for upload. Empty data
// clears the session.
func (s *Session) SelectImage(fileName string, data []byte) error {
	if len(data) == 0 {
		s.apply(NoFileEvent{})
		return reenact.ErrNoImageSelected
	}

	next := s.apply(SelectImageEvent{FileName: fileName})

	prepared, err := imaging.Prepare(data, s.cfg.MaxSize, s.cfg.JPEGQuality)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"file_name":  fileName,
			"error":      err.Error(),
		}).Warn("Selected image could not be prepared")

		s.apply(ImageRejectedEvent{Epoch: next.Epoch, Reason: err.Error()})
		if errors.Is(err, imaging.ErrImageTooLarge) {
			return reenact.ErrFileTooLarge
		}
		return reenact.ErrInvalidImage
	}

	s.apply(ImagePreparedEvent{
		Epoch:  next.Epoch,
		Image:  prepared.Image,
		Base64: prepared.Base64,
	})

	return nil
}

// Gesture feeds one pointer sample to the session and reports whether it was
// applied right away. Samples arriving faster than the minimum latency are
// held back; only the newest one is kept and it is applied as soon as the
// limiter allows, so the last position of a burst is never lost.
func (s *Session) Gesture(req reenact.GestureRequest) bool {
	s.gestureMu.Lock()
	if s.pendingTimer == nil && s.limiter.Allow() {
		s.gestureMu.Unlock()
		s.applyGesture(req)
		return true
	}

	if s.pending != nil && s.metrics != nil {
		// the held sample is superseded
		s.metrics.Throttled()
	}
	s.pending = &req
	if s.pendingTimer == nil {
		delay := s.limiter.Reserve().Delay()
		s.pendingTimer = time.AfterFunc(delay, s.flushGesture)
	}
	s.gestureMu.Unlock()
	return false
}

func (s *Session) flushGesture() {
	s.gestureMu.Lock()
	req := s.pending
	s.pending = nil
	s.pendingTimer = nil
	s.gestureMu.Unlock()

	if req != nil {
		s.applyGesture(*req)
	}
}

func (s *Session) applyGesture(req reenact.GestureRequest) {
	s.apply(GestureEvent{
		Landmark: req.Landmark,
		Vector:   req.Vector,
		Mode:     req.Mode,
		At:       s.now(),
	})
}

func (s *Session) SetFlags(flags entity.CursorFlags) {
	s.apply(SetFlagsEvent{Flags: flags})
}

func (s *Session) ResetPreview() {
	s.apply(ResetPreviewEvent{})
}

// Caption draws text over the current preview and makes it the new preview.
func (s *Session) Caption(text string) error {
	snap := s.State()
	if snap.PreviewImage.IsZero() {
		return reenact.ErrNoPreview
	}

	img, _, err := imaging.Decode(snap.PreviewImage.Data)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"error":      err.Error(),
		}).Error("Failed to decode preview for caption")
		return reenact.ErrCaptionFailed
	}

	captioned, err := imaging.EncodePNG(imaging.Caption(img, text))
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"error":      err.Error(),
		}).Error("Failed to encode captioned preview")
		return reenact.ErrCaptionFailed
	}

	s.apply(CaptionEvent{Epoch: snap.Epoch, Image: captioned})
	return nil
}

// HandleReply is the ReplyHandler given to the upstream client.
func (s *Session) HandleReply(reply entity.TransformReply) {
	at := s.now()
	kind := reply.Kind()

	if s.metrics != nil {
		s.metrics.ReplyReceived(string(kind))
	}

	ev := ReplyEvent{Reply: reply, At: at}

	if kind == entity.ReplyImage {
		snap := s.State()
		if !ReplyIsCurrent(snap, reply) {
			// the reducer logs and counts the drop
			s.apply(ev)
			return
		}

		preview, err := s.render(snap, reply.Image)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"session_id": s.id,
				"epoch":      reply.Tag.Epoch,
				"error":      err.Error(),
			}).Warn("Transform reply is not a displayable image")
			if s.metrics != nil {
				s.metrics.Discarded("undecodable_image")
			}
			return
		}
		ev.Preview = preview

		if !snap.LastDispatchAt.IsZero() && at.After(snap.LastDispatchAt) && s.metrics != nil {
			s.metrics.ObserveRoundTrip(at.Sub(snap.LastDispatchAt))
		}
	}

	s.apply(ev)
}

// render turns the returned head into the preview, pasting it back into the
// original when compositing is enabled.
func (s *Session) render(snap entity.ImageSession, data []byte) (entity.Image, error) {
	if !s.cfg.Composite {
		return imaging.Displayable(data)
	}

	head, _, err := imaging.Decode(data)
	if err != nil {
		return entity.Image{}, err
	}

	original, _, err := imaging.Decode(snap.OriginalImage.Data)
	if err != nil {
		return entity.Image{}, err
	}

	out, err := compositor.Composite(original, head, snap.Metadata, s.cfg.Compositor)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"error":      err.Error(),
		}).Debug("Head cannot be placed, showing it alone")
		return imaging.Displayable(data)
	}

	return imaging.EncodePNG(out)
}

// apply reduces ev and runs its effects. Events produced by effects are
// applied afterwards, in order.
func (s *Session) apply(ev Event) entity.ImageSession {
	queue := []Event{ev}
	var last entity.ImageSession

	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]

		s.mu.Lock()
		if s.closed {
			last = s.state
			s.mu.Unlock()
			return last
		}

		prev := s.state
		next, effects := Reduce(prev, ev)
		s.state = next
		s.version++
		s.updatedAt = s.now()
		if !prev.PreviewImage.Equal(next.PreviewImage) {
			s.previewVersion++
		}
		last = next
		ticket := s.nextTicket
		s.nextTicket++
		s.mu.Unlock()

		s.sendMu.Lock()
		for s.turn != ticket {
			s.turnCond.Wait()
		}
		queue = append(queue, s.run(effects)...)
		s.turn++
		s.turnCond.Broadcast()
		s.sendMu.Unlock()

		s.changed()
	}

	return last
}

func (s *Session) run(effects []Effect) []Event {
	var followUps []Event

	for _, effect := range effects {
		switch e := effect.(type) {
		case UploadEffect:
			if ev := s.upload(e); ev != nil {
				followUps = append(followUps, ev)
			}

		case TransformEffect:
			if ev := s.transform(e); ev != nil {
				followUps = append(followUps, ev)
			}

		case DiscardEffect:
			entry := s.log.WithFields(e.Fields).WithFields(logrus.Fields{
				"session_id": s.id,
				"reason":     e.Reason,
			})
			if e.Reason == DiscardStaleReply || e.Reason == DiscardStaleImage {
				entry.Debug("Dropped outdated input")
			} else {
				entry.Warn("Dropped input")
			}
			if s.metrics != nil {
				s.metrics.Discarded(string(e.Reason))
			}

		case RollbackEffect:
			s.log.WithFields(logrus.Fields{
				"session_id": s.id,
				"epoch":      e.Tag.Epoch,
				"remote":     e.Tag.SessionID,
				"error":      e.Message,
			}).Warn("Transform service reported an error, preview reverted")
			if s.metrics != nil {
				s.metrics.RolledBack()
			}

		case FailureEffect:
			s.log.WithFields(logrus.Fields{
				"session_id": s.id,
				"stage":      e.Stage,
				"error":      e.Message,
			}).Warn("Session step failed")
		}
	}

	return followUps
}

// upload replaces the upstream connection with a fresh one for the new epoch
// and sends the image. Failures come back as an error reply for that epoch.
func (s *Session) upload(e UploadEffect) Event {
	s.closeClient()
	if s.isClosed() {
		// reduced before Close but run after it
		return nil
	}

	fail := func(err error) Event {
		s.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"epoch":      e.Tag.Epoch,
			"error":      err.Error(),
		}).Error("Failed to upload image to transform service")

		msg := fmt.Sprintf(errUploadFmt, err.Error())
		return ReplyEvent{
			Reply: entity.TransformReply{Tag: e.Tag, Error: &msg},
			At:    s.now(),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	client, err := s.dial(ctx, s.HandleReply)
	if err != nil {
		return fail(err)
	}

	s.client = client
	s.clientEpoch = e.Tag.Epoch
	s.upstream.Store(&client)
	if s.metrics != nil {
		s.metrics.UpstreamConnections.Add(1)
	}

	if err := client.LoadImage(e.Tag, e.Base64); err != nil {
		return fail(err)
	}

	if s.metrics != nil {
		s.metrics.RequestSent("load_image")
	}
	return nil
}

func (s *Session) transform(e TransformEffect) Event {
	if s.client == nil || s.clientEpoch != e.Tag.Epoch {
		return SendFailedEvent{Tag: e.Tag, Reason: "no upstream connection"}
	}

	if err := s.client.TransformImage(e.Tag, e.SessionID, e.Params); err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"remote":     e.SessionID,
			"error":      err.Error(),
		}).Error("Failed to send transform request")
		return SendFailedEvent{Tag: e.Tag, Reason: err.Error()}
	}

	if s.metrics != nil {
		s.metrics.RequestSent("modify_image")
	}
	return nil
}

// closeClient must be called with sendMu held.
func (s *Session) closeClient() {
	if s.client != nil {
		s.client.Close()
		s.client = nil
		s.clientEpoch = 0
		s.upstream.Store(nil)
		if s.metrics != nil {
			s.metrics.UpstreamConnections.Add(-1)
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) upstreamConnected() bool {
	client := s.upstream.Load()
	return client != nil && (*client).IsConnected()
}

func (s *Session) changed() {
	select {
	case s.updates <- struct{}{}:
	default:
	}

	if s.cache != nil {
		select {
		case s.persist <- struct{}{}:
		default:
		}
	}
}

func (s *Session) persistLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.persist:
			s.saveSnapshot()
		}
	}
}

func (s *Session) saveSnapshot() {
	payload, err := json.Marshal(s.View())
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"error":      err.Error(),
		}).Error("Failed to encode session snapshot")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.cache.SetSnapshot(ctx, s.id, payload, s.cfg.CacheTTL); err != nil {
		s.log.WithFields(logrus.Fields{
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("Failed to cache session snapshot")
	}
}

// Close drops the upstream connection. Replies still in flight are ignored
// and the cached snapshot is kept until it expires.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.gestureMu.Lock()
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
	s.pending = nil
	s.gestureMu.Unlock()

	s.sendMu.Lock()
	s.closeClient()
	s.sendMu.Unlock()

	if s.cache != nil {
		s.saveSnapshot()
	}
	close(s.done)
}
