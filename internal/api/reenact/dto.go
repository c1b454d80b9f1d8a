package reenact

import (
	"FacePoke/internal/entity"
	"time"
)

const (
	MessageGesture = "gesture"
	MessageFlags   = "flags"
	MessageReset   = "reset"
	MessageState   = "state"
	MessageHello   = "hello"
)

// ClientMessage is a JSON text frame sent by the browser.
type ClientMessage struct {
	Type     string                  `json:"type" validate:"required,oneof=gesture flags reset"`
	Landmark *entity.ClosestLandmark `json:"landmark,omitempty"`
	Vector   *entity.Vector          `json:"vector,omitempty"`
	Mode     entity.InteractionMode  `json:"mode,omitempty"`
	Flags    *entity.CursorFlags     `json:"flags,omitempty"`
}

type GestureRequest struct {
	Landmark entity.ClosestLandmark
	Vector   entity.Vector
	Mode     entity.InteractionMode `validate:"required,oneof=HOVERING PRIMARY SECONDARY"`
}

type SelectImageRequest struct {
	FileName    string `json:"file_name"`
	ImageBase64 string `json:"image_base64" validate:"required"`
}

type CaptionRequest struct {
	Text string `json:"text" validate:"max=64"`
}

// SessionView is what the browser and the snapshot endpoint see of a session.
type SessionView struct {
	Type              string                  `json:"type,omitempty"`
	ID                string                  `json:"id"`
	UpstreamConnected bool                    `json:"upstream_connected"`
	State             entity.SessionState     `json:"state"`
	FileName          string                  `json:"file_name,omitempty"`
	RemoteSession     string                  `json:"remote_session,omitempty"`
	Metadata          entity.Metadata         `json:"metadata"`
	Params            entity.Params           `json:"params"`
	Status            string                  `json:"status"`
	Error             string                  `json:"error,omitempty"`
	FollowCursor      bool                    `json:"follow_cursor"`
	GazeAtCursor      bool                    `json:"gaze_at_cursor"`
	ActiveLandmark    *entity.ClosestLandmark `json:"active_landmark,omitempty"`
	HasPreview        bool                    `json:"has_preview"`
	PreviewVersion    uint64                  `json:"preview_version"`
	LatencyMs         int64                   `json:"average_latency_ms"`
	UpdatedAt         time.Time               `json:"updated_at"`
}

type ExportResponse struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	URL       string        `json:"url"`
	Params    entity.Params `json:"params"`
	CreatedAt time.Time     `json:"created_at"`
}

type ExportListResponse struct {
	Exports []ExportResponse `json:"exports"`
}

type SessionResponse struct {
	Data SessionView `json:"data"`
}
