package reenactService

import (
	"FacePoke/internal/entity"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	statusNoFile      = "No file selected"
	statusLoadFailed  = "Failed to load the image"
	errModifyFailed   = "Failed to modify image"
	maxStatusFileName = 16
)

// settleLandmark is the neutral gesture replayed once a remote session is
// acknowledged, so the server starts from a known head pose.
var settleLandmark = entity.ClosestLandmark{
	Group:  entity.GroupBackground,
	Vector: entity.Vector{X: 0.5, Y: 0.5},
}

type Event interface {
	eventName() string
}

type SelectImageEvent struct {
	FileName string
}

type NoFileEvent struct{}

type ImagePreparedEvent struct {
	Epoch  uint64
	Image  entity.Image
	Base64 string
}

type ImageRejectedEvent struct {
	Epoch  uint64
	Reason string
}

type GestureEvent struct {
	Landmark entity.ClosestLandmark
	Vector   entity.Vector
	Mode     entity.InteractionMode
	At       time.Time
}

// ReplyEvent carries a transform reply. For image replies Preview holds the
// already decoded, displayable image.
type ReplyEvent struct {
	Reply   entity.TransformReply
	Preview entity.Image
	At      time.Time
}

// SendFailedEvent reports that a transform request never left the process.
type SendFailedEvent struct {
	Tag    entity.RequestTag
	Reason string
}

type SetFlagsEvent struct {
	Flags entity.CursorFlags
}

type ResetPreviewEvent struct{}

type CaptionEvent struct {
	Epoch uint64
	Image entity.Image
}

func (SelectImageEvent) eventName() string   { return "select_image" }
func (NoFileEvent) eventName() string        { return "no_file" }
func (ImagePreparedEvent) eventName() string { return "image_prepared" }
func (ImageRejectedEvent) eventName() string { return "image_rejected" }
func (GestureEvent) eventName() string       { return "gesture" }
func (ReplyEvent) eventName() string         { return "reply" }
func (SendFailedEvent) eventName() string    { return "send_failed" }
func (SetFlagsEvent) eventName() string      { return "set_flags" }
func (ResetPreviewEvent) eventName() string  { return "reset_preview" }
func (CaptionEvent) eventName() string       { return "caption" }

type Effect interface {
	effectName() string
}

type UploadEffect struct {
	Tag    entity.RequestTag
	Base64 string
}

type TransformEffect struct {
	Tag       entity.RequestTag
	SessionID string
	Params    entity.Params
}

type DiscardReason string

const (
	DiscardNonFinite    DiscardReason = "non_finite_params"
	DiscardStaleReply   DiscardReason = "stale_reply"
	DiscardUnknownReply DiscardReason = "unknown_reply"
	DiscardStaleImage   DiscardReason = "stale_image"
)

// DiscardEffect records an input that was dropped without changing state.
type DiscardEffect struct {
	Reason DiscardReason
	Fields logrus.Fields
}

// RollbackEffect records that the preview was reverted after a remote error.
type RollbackEffect struct {
	Tag     entity.RequestTag
	Message string
}

type FailureEffect struct {
	Stage   string
	Message string
}

func (UploadEffect) effectName() string    { return "upload" }
func (TransformEffect) effectName() string { return "transform" }
func (DiscardEffect) effectName() string   { return "discard" }
func (RollbackEffect) effectName() string  { return "rollback" }
func (FailureEffect) effectName() string   { return "failure" }

// Reduce applies one event to the session and returns the next session with
// the side effects the caller must run. It never mutates s.
func Reduce(s entity.ImageSession, ev Event) (entity.ImageSession, []Effect) {
	switch e := ev.(type) {
	case SelectImageEvent:
		next := resetSession(s)
		next.Epoch = s.Epoch + 1
		next.State = entity.SessionLoading
		next.FileName = e.FileName
		next.Status = fmt.Sprintf("Loading %s", truncateFileName(e.FileName, maxStatusFileName))
		return next, nil

	case NoFileEvent:
		next := resetSession(s)
		next.Epoch = s.Epoch + 1
		next.Status = statusNoFile
		return next, nil

	case ImagePreparedEvent:
		return reduceImagePrepared(s, e)

	case ImageRejectedEvent:
		if e.Epoch != s.Epoch || s.State != entity.SessionLoading {
			return s, []Effect{staleImage(s, e.Epoch)}
		}
		next := resetSession(s)
		next.Status = statusLoadFailed
		return next, []Effect{FailureEffect{Stage: "prepare_image", Message: e.Reason}}

	case GestureEvent:
		if !s.HasRemoteSession() {
			return s, nil
		}
		return applyGesture(s, e.Landmark, e.Vector, e.Mode, e.At, false)

	case ReplyEvent:
		return reduceReply(s, e)

	case SendFailedEvent:
		if e.Tag.Epoch != s.Epoch {
			return s, nil
		}
		next := s
		next.Error = errModifyFailed
		settle(&next)
		return next, []Effect{FailureEffect{Stage: "send_transform", Message: e.Reason}}

	case SetFlagsEvent:
		next := s
		next.FollowCursor = e.Flags.FollowCursor
		next.GazeAtCursor = e.Flags.GazeAtCursor
		return next, nil

	case ResetPreviewEvent:
		if s.OriginalImage.IsZero() {
			return s, nil
		}
		next := s
		next.PreviewImage = s.OriginalImage
		return next, nil

	case CaptionEvent:
		if e.Epoch != s.Epoch || s.OriginalImage.IsZero() {
			return s, []Effect{staleImage(s, e.Epoch)}
		}
		next := s
		next.PreviewImage = e.Image
		return next, nil
	}

	return s, nil
}

func reduceImagePrepared(s entity.ImageSession, e ImagePreparedEvent) (entity.ImageSession, []Effect) {
	if e.Epoch != s.Epoch || s.State != entity.SessionLoading {
		return s, []Effect{staleImage(s, e.Epoch)}
	}

	next := s
	next.State = entity.SessionLoaded
	next.OriginalImage = e.Image
	next.PreviewImage = e.Image
	next.Status = fmt.Sprintf("File selected: %s", truncateFileName(s.FileName, maxStatusFileName))

	return next, []Effect{UploadEffect{
		Tag:    entity.RequestTag{Epoch: s.Epoch},
		Base64: e.Base64,
	}}
}

func reduceReply(s entity.ImageSession, e ReplyEvent) (entity.ImageSession, []Effect) {
	reply := e.Reply

	if !ReplyIsCurrent(s, reply) {
		return s, []Effect{DiscardEffect{
			Reason: DiscardStaleReply,
			Fields: logrus.Fields{
				"kind":            reply.Kind(),
				"reply_epoch":     reply.Tag.Epoch,
				"reply_session":   reply.Tag.SessionID,
				"current_epoch":   s.Epoch,
				"current_session": s.OriginalImageSessionID,
			},
		}}
	}

	switch reply.Kind() {
	case entity.ReplyError:
		next := s
		next.PreviewImage = s.OriginalImage
		next.OriginalImageSessionID = ""
		next.InFlight = 0
		next.State = entity.SessionLoaded
		next.Error = *reply.Error
		return next, []Effect{RollbackEffect{Tag: reply.Tag, Message: *reply.Error}}

	case entity.ReplyImage:
		next := s
		next.PreviewImage = e.Preview
		next.Error = ""
		if !s.LastDispatchAt.IsZero() && e.At.After(s.LastDispatchAt) {
			next.Latency = observeLatency(s.Latency, e.At.Sub(s.LastDispatchAt))
		}
		settle(&next)
		return next, nil

	case entity.ReplyLoaded:
		next := s
		next.OriginalImageSessionID = reply.Loaded.U
		next.Metadata = reply.Loaded.Metadata()
		next.Error = ""
		return applyGesture(next, settleLandmark, entity.Vector{}, entity.ModePrimary, e.At, true)
	}

	return s, []Effect{DiscardEffect{
		Reason: DiscardUnknownReply,
		Fields: logrus.Fields{"payload": string(reply.Raw)},
	}}
}

// ReplyIsCurrent reports whether a reply still belongs to the session. Replies
// from an earlier image are never applied, and image or error replies must
// match the remote session they were requested for.
func ReplyIsCurrent(s entity.ImageSession, reply entity.TransformReply) bool {
	if reply.Tag.Epoch != s.Epoch || s.OriginalImage.IsZero() {
		return false
	}

	switch reply.Kind() {
	case entity.ReplyImage:
		return reply.Tag.SessionID != "" && reply.Tag.SessionID == s.OriginalImageSessionID
	case entity.ReplyError:
		return reply.Tag.SessionID == "" || reply.Tag.SessionID == s.OriginalImageSessionID
	case entity.ReplyLoaded:
		return reply.Loaded.U != ""
	}

	return true
}

func applyGesture(
	s entity.ImageSession,
	landmark entity.ClosestLandmark,
	vector entity.Vector,
	mode entity.InteractionMode,
	at time.Time,
	force bool,
) (entity.ImageSession, []Effect) {
	params, ok := ComputeParams(landmark, vector, mode, s.Params, s.Flags())
	if !ok {
		if mode == entity.ModeHovering || landmark.Group.Known() {
			return s, []Effect{DiscardEffect{
				Reason: DiscardNonFinite,
				Fields: logrus.Fields{
					"group":  landmark.Group,
					"mode":   mode,
					"vector": vector,
				},
			}}
		}
		return s, nil
	}

	active := landmark
	next := s
	next.ActiveLandmark = &active

	if !force && params.Equal(s.Params) {
		return next, nil
	}

	next.Params = params
	next.State = entity.SessionTransforming
	next.InFlight++
	next.LastDispatchAt = at

	return next, []Effect{TransformEffect{
		Tag:       entity.RequestTag{Epoch: s.Epoch, SessionID: s.OriginalImageSessionID},
		SessionID: s.OriginalImageSessionID,
		Params:    params.Clone(),
	}}
}

func settle(s *entity.ImageSession) {
	if s.InFlight > 0 {
		s.InFlight--
	}
	if s.InFlight == 0 && s.State == entity.SessionTransforming {
		s.State = entity.SessionLoaded
	}
}

// resetSession clears everything tied to the current image. Cursor flags
// and the learned latency belong to the connection and survive.
func resetSession(s entity.ImageSession) entity.ImageSession {
	next := entity.NewImageSession()
	next.Epoch = s.Epoch
	next.FollowCursor = s.FollowCursor
	next.GazeAtCursor = s.GazeAtCursor
	next.Latency = s.Latency
	return next
}

func observeLatency(bounds entity.LatencyBounds, sample time.Duration) entity.LatencyBounds {
	avg := bounds.Average + (sample-bounds.Average)/5
	if avg < bounds.Min {
		avg = bounds.Min
	}
	if avg > bounds.Max {
		avg = bounds.Max
	}
	bounds.Average = avg
	return bounds
}

func staleImage(s entity.ImageSession, epoch uint64) DiscardEffect {
	return DiscardEffect{
		Reason: DiscardStaleImage,
		Fields: logrus.Fields{
			"image_epoch":   epoch,
			"current_epoch": s.Epoch,
			"state":         s.State,
		},
	}
}

func truncateFileName(name string, max int) string {
	runes := []rune(name)
	if len(runes) <= max {
		return name
	}
	return string(runes[:max-3]) + "..."
}
