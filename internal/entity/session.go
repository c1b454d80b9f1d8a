package entity

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"time"
)

type SessionState string

const (
	SessionEmpty        SessionState = "EMPTY"
	SessionLoading      SessionState = "LOADING"
	SessionLoaded       SessionState = "LOADED"
	SessionTransforming SessionState = "TRANSFORMING"
)

// Metadata locates the working face crop inside the original image.
type Metadata struct {
	Center [2]float64    `json:"center"`
	Size   float64       `json:"size"`
	BBox   [4][2]float64 `json:"bbox"`
	Angle  float64       `json:"angle"`
}

type Image struct {
	MimeType string
	Data     []byte
}

func (i Image) IsZero() bool {
	return len(i.Data) == 0
}

func (i Image) Equal(other Image) bool {
	return i.MimeType == other.MimeType && bytes.Equal(i.Data, other.Data)
}

func (i Image) DataURL() string {
	if i.IsZero() {
		return ""
	}
	return fmt.Sprintf("data:%s;base64,%s", i.MimeType, base64.StdEncoding.EncodeToString(i.Data))
}

type LatencyBounds struct {
	Min     time.Duration `json:"min"`
	Average time.Duration `json:"average"`
	Max     time.Duration `json:"max"`
}

func DefaultLatencyBounds() LatencyBounds {
	return LatencyBounds{
		Min:     20 * time.Millisecond,
		Average: 190 * time.Millisecond,
		Max:     4000 * time.Millisecond,
	}
}

// ImageSession is the whole interactive state of one portrait.
type ImageSession struct {
	Epoch                  uint64
	State                  SessionState
	FileName               string
	OriginalImage          Image
	PreviewImage           Image
	OriginalImageSessionID string
	Metadata               Metadata
	Params                 Params
	Status                 string
	Error                  string
	Latency                LatencyBounds
	FollowCursor           bool
	GazeAtCursor           bool
	ActiveLandmark         *ClosestLandmark
	InFlight               int
	LastDispatchAt         time.Time
}

func NewImageSession() ImageSession {
	return ImageSession{
		State:   SessionEmpty,
		Params:  Params{},
		Latency: DefaultLatencyBounds(),
	}
}

func (s ImageSession) HasRemoteSession() bool {
	return s.OriginalImageSessionID != ""
}

func (s ImageSession) Flags() CursorFlags {
	return CursorFlags{FollowCursor: s.FollowCursor, GazeAtCursor: s.GazeAtCursor}
}

// RequestTag identifies the session a request was issued for.
type RequestTag struct {
	Epoch     uint64 `json:"epoch"`
	SessionID string `json:"session_id,omitempty"`
}

type LoadedPayload struct {
	U string        `json:"u"`
	C [2]float64    `json:"c"`
	S float64       `json:"s"`
	B [4][2]float64 `json:"b"`
	A float64       `json:"a"`
}

func (l LoadedPayload) Metadata() Metadata {
	return Metadata{
		Center: l.C,
		Size:   l.S,
		BBox:   l.B,
		Angle:  l.A,
	}
}

// TransformReply is one message received from the transform service.
// At most one of Error, Image and Loaded is set.
type TransformReply struct {
	Tag    RequestTag
	Error  *string
	Image  []byte
	Loaded *LoadedPayload
	Raw    []byte
}

type ReplyKind string

const (
	ReplyError   ReplyKind = "error"
	ReplyImage   ReplyKind = "image"
	ReplyLoaded  ReplyKind = "loaded"
	ReplyUnknown ReplyKind = "unknown"
)

func (r TransformReply) Kind() ReplyKind {
	switch {
	case r.Error != nil:
		return ReplyError
	case r.Image != nil:
		return ReplyImage
	case r.Loaded != nil:
		return ReplyLoaded
	default:
		return ReplyUnknown
	}
}

type Export struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	ObjectURL string    `db:"object_url"`
	Params    Params    `db:"-"`
	CreatedAt time.Time `db:"created_at"`
}
