package reenact

import (
	"FacePoke/pkg/response"
	"net/http"
)

var (
	ErrSessionNotFound      = response.NewError(http.StatusNotFound, "session not found")
	ErrNoPreview            = response.NewError(http.StatusConflict, "no preview image available")
	ErrNoImageSelected      = response.NewError(http.StatusBadRequest, "no image selected")
	ErrInvalidMessage       = response.NewError(http.StatusBadRequest, "invalid message")
	ErrInvalidImage         = response.NewError(http.StatusBadRequest, "invalid image file")
	ErrFileTooLarge         = response.NewError(http.StatusRequestEntityTooLarge, "image file too large")
	ErrTransformUnavailable = response.NewError(http.StatusBadGateway, "transform service unavailable")
	ErrExportFailed         = response.NewError(http.StatusInternalServerError, "failed to export preview")
	ErrCaptionFailed        = response.NewError(http.StatusInternalServerError, "failed to caption preview")
	ErrInternalServerError  = response.NewError(http.StatusInternalServerError, "internal server error")
)
