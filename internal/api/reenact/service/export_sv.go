package reenactService

import (
	"FacePoke/internal/api/reenact"
	"FacePoke/internal/entity"
	contextPkg "FacePoke/pkg/context"
	"FacePoke/pkg/s3"
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

type exportDomain struct {
	*reenactService
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}

// Create uploads the current preview and records it in the export history.
func (s *exportDomain) Create(c context.Context, sessionID string) (reenact.ExportResponse, error) {
	requestID := contextPkg.GetRequestID(c)

	if s.storage == nil || s.repository == nil {
		s.log.WithField("request_id", requestID).Warn("Export requested but storage is not configured")
		return reenact.ExportResponse{}, reenact.ErrExportFailed
	}

	session, err := s.Get(sessionID)
	if err != nil {
		return reenact.ExportResponse{}, err
	}

	state := session.State()
	if state.PreviewImage.IsZero() {
		return reenact.ExportResponse{}, reenact.ErrNoPreview
	}

	now := time.Now()
	exportID, err := s.utils.NewULIDFromTimestamp(now)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to generate export id")
		return reenact.ExportResponse{}, reenact.ErrExportFailed
	}

	key := s3.ExportKey(sessionID, exportID, extensionFor(state.PreviewImage.MimeType))
	location, err := s.storage.UploadObject(c, key, state.PreviewImage.MimeType, state.PreviewImage.Data)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"session_id": sessionID,
			"error":      err.Error(),
		}).Error("Failed to upload export")
		return reenact.ExportResponse{}, reenact.ErrExportFailed
	}

	export := entity.Export{
		ID:        exportID,
		SessionID: sessionID,
		ObjectURL: location,
		Params:    state.Params.Clone(),
		CreatedAt: now.UTC(),
	}

	client, err := s.repository.NewClient(true)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to start export transaction")
		return reenact.ExportResponse{}, reenact.ErrExportFailed
	}
	defer client.Rollback()

	if err := client.Exports.CreateExport(c, export); err != nil {
		s.discardObject(requestID, location)
		return reenact.ExportResponse{}, reenact.ErrExportFailed
	}

	if err := client.Commit(); err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to commit export")
		s.discardObject(requestID, location)
		return reenact.ExportResponse{}, reenact.ErrExportFailed
	}

	s.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"session_id": sessionID,
		"export_id":  exportID,
	}).Info("Preview exported")

	return s.makeResponse(c, export), nil
}

// discardObject removes an uploaded preview that never made it into the
// export history.
func (s *exportDomain) discardObject(requestID, location string) {
	if err := s.storage.DeleteFile(location); err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": requestID,
			"location":   location,
			"error":      err.Error(),
		}).Warn("Failed to remove orphaned export object")
	}
}

func (s *exportDomain) List(c context.Context, sessionID string) (reenact.ExportListResponse, error) {
	if s.repository == nil {
		return reenact.ExportListResponse{}, reenact.ErrExportFailed
	}

	client, err := s.repository.NewClient(false)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"request_id": contextPkg.GetRequestID(c),
			"error":      err.Error(),
		}).Error("Failed to open repository client")
		return reenact.ExportListResponse{}, reenact.ErrInternalServerError
	}

	exports, err := client.Exports.ListBySession(c, sessionID)
	if err != nil {
		return reenact.ExportListResponse{}, reenact.ErrInternalServerError
	}

	res := reenact.ExportListResponse{Exports: make([]reenact.ExportResponse, 0, len(exports))}
	for _, export := range exports {
		res.Exports = append(res.Exports, s.makeResponse(c, export))
	}

	return res, nil
}

// makeResponse presigns the object URL, keeping the plain location when
// signing fails.
func (s *exportDomain) makeResponse(c context.Context, export entity.Export) reenact.ExportResponse {
	url := export.ObjectURL
	if s.storage != nil {
		signed, err := s.storage.PresignUrl(export.ObjectURL)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"request_id": contextPkg.GetRequestID(c),
				"export_id":  export.ID,
				"error":      err.Error(),
			}).Warn("Failed to presign export url")
		} else {
			url = signed
		}
	}

	return reenact.ExportResponse{
		ID:        export.ID,
		SessionID: export.SessionID,
		URL:       url,
		Params:    export.Params,
		CreatedAt: export.CreatedAt,
	}
}
