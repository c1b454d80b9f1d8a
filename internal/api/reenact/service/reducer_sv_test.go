package reenactService

import (
	"FacePoke/internal/entity"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testOriginal = entity.Image{MimeType: "image/jpeg", Data: []byte("original")}
	testPreview  = entity.Image{MimeType: "image/jpeg", Data: []byte("preview")}
	testStart    = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
)

func strPtr(s string) *string { return &s }

func loadedPayload(id string) *entity.LoadedPayload {
	return &entity.LoadedPayload{
		U: id,
		C: [2]float64{0.5, 0.5},
		S: 100,
		B: [4][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}},
		A: 0,
	}
}

// preparedSession walks a fresh session up to the point where the upload was
// issued and no remote session exists yet.
func preparedSession(t *testing.T) entity.ImageSession {
	t.Helper()

	s, effects := Reduce(entity.NewImageSession(), SelectImageEvent{FileName: "portrait.jpg"})
	require.Empty(t, effects)
	require.Equal(t, entity.SessionLoading, s.State)

	s, effects = Reduce(s, ImagePreparedEvent{Epoch: s.Epoch, Image: testOriginal, Base64: "b64"})
	require.Len(t, effects, 1)
	require.IsType(t, UploadEffect{}, effects[0])
	return s
}

// acknowledgedSession is preparedSession after the server returned id, with
// the settle transform already answered.
func acknowledgedSession(t *testing.T, id string) entity.ImageSession {
	t.Helper()

	s := preparedSession(t)
	s, effects := Reduce(s, ReplyEvent{
		Reply: entity.TransformReply{Tag: entity.RequestTag{Epoch: s.Epoch}, Loaded: loadedPayload(id)},
		At:    testStart,
	})
	require.Len(t, effects, 1)

	s, effects = Reduce(s, ReplyEvent{
		Reply:   entity.TransformReply{Tag: entity.RequestTag{Epoch: s.Epoch, SessionID: id}, Image: []byte("x")},
		Preview: testPreview,
		At:      testStart.Add(50 * time.Millisecond),
	})
	require.Empty(t, effects)
	require.Equal(t, entity.SessionLoaded, s.State)
	return s
}

func TestReduce_SelectImageUploads(t *testing.T) {
	s := preparedSession(t)

	assert.Equal(t, uint64(1), s.Epoch)
	assert.Equal(t, entity.SessionLoaded, s.State)
	assert.True(t, s.OriginalImage.Equal(testOriginal))
	assert.True(t, s.PreviewImage.Equal(testOriginal))
	assert.False(t, s.HasRemoteSession())
	assert.Equal(t, "File selected: portrait.jpg", s.Status)
}

func TestReduce_LoadedReplyStartsSettleTransform(t *testing.T) {
	s := preparedSession(t)

	next, effects := Reduce(s, ReplyEvent{
		Reply: entity.TransformReply{Tag: entity.RequestTag{Epoch: s.Epoch}, Loaded: loadedPayload("abc")},
		At:    testStart,
	})

	assert.Equal(t, "abc", next.OriginalImageSessionID)
	assert.Equal(t, [2]float64{0.5, 0.5}, next.Metadata.Center)
	assert.Equal(t, 100.0, next.Metadata.Size)
	assert.Equal(t, [4][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}}, next.Metadata.BBox)
	assert.Equal(t, entity.SessionTransforming, next.State)
	assert.Equal(t, 1, next.InFlight)

	require.Len(t, effects, 1)
	transform, ok := effects[0].(TransformEffect)
	require.True(t, ok)
	assert.Equal(t, "abc", transform.SessionID)
	assert.Equal(t, entity.RequestTag{Epoch: s.Epoch, SessionID: "abc"}, transform.Tag)
	assert.InDelta(t, 0, transform.Params[entity.ParamRotateYaw], 1e-9)
	assert.InDelta(t, 0, transform.Params[entity.ParamRotatePitch], 1e-9)
}

func TestReduce_LoadedReplyWithoutIDIsStale(t *testing.T) {
	s := preparedSession(t)

	next, effects := Reduce(s, ReplyEvent{
		Reply: entity.TransformReply{Tag: entity.RequestTag{Epoch: s.Epoch}, Loaded: loadedPayload("")},
	})

	assert.Equal(t, s, next)
	require.Len(t, effects, 1)
	assert.Equal(t, DiscardStaleReply, effects[0].(DiscardEffect).Reason)
}

func TestReduce_GestureSendsParams(t *testing.T) {
	s := acknowledgedSession(t, "abc")

	next, effects := Reduce(s, GestureEvent{
		Landmark: entity.ClosestLandmark{Group: entity.GroupLeftEye},
		Vector:   entity.Vector{X: 0.25, Y: -0.25},
		Mode:     entity.ModePrimary,
		At:       testStart.Add(time.Second),
	})

	require.Len(t, effects, 1)
	transform := effects[0].(TransformEffect)
	assert.InDelta(t, 7.5, transform.Params[entity.ParamPupilX], 1e-9)
	assert.InDelta(t, -1.25, transform.Params[entity.ParamEyes], 1e-9)
	assert.Equal(t, entity.SessionTransforming, next.State)
	assert.Equal(t, testStart.Add(time.Second), next.LastDispatchAt)
	require.NotNil(t, next.ActiveLandmark)
	assert.Equal(t, entity.GroupLeftEye, next.ActiveLandmark.Group)
}

func TestReduce_RepeatedGestureIsNotResent(t *testing.T) {
	s := acknowledgedSession(t, "abc")
	gesture := GestureEvent{
		Landmark: entity.ClosestLandmark{Group: entity.GroupLips},
		Vector:   entity.Vector{X: 0.1, Y: 0.2},
		Mode:     entity.ModePrimary,
	}

	s, effects := Reduce(s, gesture)
	require.Len(t, effects, 1)

	_, effects = Reduce(s, gesture)
	assert.Empty(t, effects)
}

func TestReduce_GestureWithoutRemoteSessionIsNoop(t *testing.T) {
	gesture := GestureEvent{
		Landmark: entity.ClosestLandmark{Group: entity.GroupLips},
		Vector:   entity.Vector{X: 0.1, Y: 0.2},
		Mode:     entity.ModePrimary,
	}

	for name, s := range map[string]entity.ImageSession{
		"empty":    entity.NewImageSession(),
		"prepared": preparedSession(t),
	} {
		t.Run(name, func(t *testing.T) {
			next, effects := Reduce(s, gesture)
			assert.Equal(t, s, next)
			assert.Empty(t, effects)
		})
	}
}

func TestReduce_UnknownGroupIsSilent(t *testing.T) {
	s := acknowledgedSession(t, "abc")

	next, effects := Reduce(s, GestureEvent{
		Landmark: entity.ClosestLandmark{Group: "nose"},
		Vector:   entity.Vector{X: 0.1},
		Mode:     entity.ModePrimary,
	})

	assert.Equal(t, s, next)
	assert.Empty(t, effects)
}

func TestReduce_NonFiniteGestureIsDiscarded(t *testing.T) {
	s := acknowledgedSession(t, "abc")

	next, effects := Reduce(s, GestureEvent{
		Landmark: entity.ClosestLandmark{Group: entity.GroupLips},
		Vector:   entity.Vector{X: math.NaN()},
		Mode:     entity.ModePrimary,
	})

	assert.Equal(t, s, next)
	require.Len(t, effects, 1)
	assert.Equal(t, DiscardNonFinite, effects[0].(DiscardEffect).Reason)
}

func TestReduce_ErrorReplyRollsBack(t *testing.T) {
	s := acknowledgedSession(t, "abc")
	s, _ = Reduce(s, GestureEvent{
		Landmark: entity.ClosestLandmark{Group: entity.GroupFaceOval},
		Vector:   entity.Vector{X: 0.3},
		Mode:     entity.ModePrimary,
	})
	require.Equal(t, entity.SessionTransforming, s.State)

	next, effects := Reduce(s, ReplyEvent{
		Reply: entity.TransformReply{
			Tag:   entity.RequestTag{Epoch: s.Epoch, SessionID: "abc"},
			Error: strPtr("model unavailable"),
		},
	})

	assert.True(t, next.PreviewImage.Equal(testOriginal))
	assert.Empty(t, next.OriginalImageSessionID)
	assert.Equal(t, "model unavailable", next.Error)
	assert.Equal(t, entity.SessionLoaded, next.State)
	assert.Zero(t, next.InFlight)
	require.Len(t, effects, 1)
	assert.IsType(t, RollbackEffect{}, effects[0])

	// gestures are inert until the image is selected again
	after, effects := Reduce(next, GestureEvent{
		Landmark: entity.ClosestLandmark{Group: entity.GroupLips},
		Vector:   entity.Vector{X: 0.2},
		Mode:     entity.ModePrimary,
	})
	assert.Equal(t, next, after)
	assert.Empty(t, effects)
}

func TestReduce_UntaggedErrorRollsBack(t *testing.T) {
	s := acknowledgedSession(t, "abc")

	next, _ := Reduce(s, ReplyEvent{
		Reply: entity.TransformReply{Tag: entity.RequestTag{Epoch: s.Epoch}, Error: strPtr("boom")},
	})

	assert.Equal(t, "boom", next.Error)
	assert.False(t, next.HasRemoteSession())
}

func TestReduce_StaleRepliesAreDropped(t *testing.T) {
	first := acknowledgedSession(t, "abc")

	s, _ := Reduce(first, SelectImageEvent{FileName: "second.png"})
	s, _ = Reduce(s, ImagePreparedEvent{Epoch: s.Epoch, Image: testOriginal, Base64: "b64"})
	s, _ = Reduce(s, ReplyEvent{
		Reply: entity.TransformReply{Tag: entity.RequestTag{Epoch: s.Epoch}, Loaded: loadedPayload("xyz")},
	})
	require.Equal(t, "xyz", s.OriginalImageSessionID)

	tests := []struct {
		name  string
		reply entity.TransformReply
	}{
		{
			name:  "image from previous epoch",
			reply: entity.TransformReply{Tag: entity.RequestTag{Epoch: first.Epoch, SessionID: "abc"}, Image: []byte("old")},
		},
		{
			name:  "error from previous epoch",
			reply: entity.TransformReply{Tag: entity.RequestTag{Epoch: first.Epoch, SessionID: "abc"}, Error: strPtr("late")},
		},
		{
			name:  "image for another remote session",
			reply: entity.TransformReply{Tag: entity.RequestTag{Epoch: s.Epoch, SessionID: "abc"}, Image: []byte("old")},
		},
		{
			name:  "untagged image",
			reply: entity.TransformReply{Tag: entity.RequestTag{Epoch: s.Epoch}, Image: []byte("old")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, effects := Reduce(s, ReplyEvent{Reply: tt.reply, Preview: testPreview})
			assert.Equal(t, s, next)
			require.Len(t, effects, 1)
			assert.Equal(t, DiscardStaleReply, effects[0].(DiscardEffect).Reason)
		})
	}
}

func TestReduce_ImageReplyUpdatesPreviewAndLatency(t *testing.T) {
	s := acknowledgedSession(t, "abc")
	s, _ = Reduce(s, GestureEvent{
		Landmark: entity.ClosestLandmark{Group: entity.GroupLips},
		Vector:   entity.Vector{Y: 0.1},
		Mode:     entity.ModePrimary,
		At:       testStart.Add(time.Second),
	})
	before := s.Latency.Average

	next, effects := Reduce(s, ReplyEvent{
		Reply:   entity.TransformReply{Tag: entity.RequestTag{Epoch: s.Epoch, SessionID: "abc"}, Image: []byte("y")},
		Preview: entity.Image{MimeType: "image/png", Data: []byte("fresh")},
		At:      testStart.Add(time.Second + 40*time.Millisecond),
	})

	assert.Empty(t, effects)
	assert.Equal(t, []byte("fresh"), next.PreviewImage.Data)
	assert.Equal(t, entity.SessionLoaded, next.State)
	assert.Zero(t, next.InFlight)
	assert.Less(t, next.Latency.Average, before)
	assert.GreaterOrEqual(t, next.Latency.Average, next.Latency.Min)
}

func TestReduce_UnknownReplyOnlyLogs(t *testing.T) {
	s := acknowledgedSession(t, "abc")

	next, effects := Reduce(s, ReplyEvent{
		Reply: entity.TransformReply{Tag: entity.RequestTag{Epoch: s.Epoch}, Raw: []byte(`{"foo":1}`)},
	})

	assert.Equal(t, s, next)
	require.Len(t, effects, 1)
	discard := effects[0].(DiscardEffect)
	assert.Equal(t, DiscardUnknownReply, discard.Reason)
	assert.Equal(t, `{"foo":1}`, discard.Fields["payload"])
}

func TestReduce_NoFileResetsToDefaults(t *testing.T) {
	s := acknowledgedSession(t, "abc")
	s, _ = Reduce(s, SetFlagsEvent{Flags: entity.CursorFlags{FollowCursor: true}})

	next, effects := Reduce(s, NoFileEvent{})

	assert.Empty(t, effects)
	assert.Equal(t, entity.SessionEmpty, next.State)
	assert.Equal(t, "No file selected", next.Status)
	assert.True(t, next.OriginalImage.IsZero())
	assert.Empty(t, next.OriginalImageSessionID)
	assert.Empty(t, next.Params)
	assert.True(t, next.FollowCursor)
	assert.Greater(t, next.Epoch, s.Epoch)
}

func TestReduce_ImageRejected(t *testing.T) {
	s, _ := Reduce(entity.NewImageSession(), SelectImageEvent{FileName: "broken.gif"})

	next, effects := Reduce(s, ImageRejectedEvent{Epoch: s.Epoch, Reason: "unknown format"})

	assert.Equal(t, entity.SessionEmpty, next.State)
	assert.Equal(t, "Failed to load the image", next.Status)
	require.Len(t, effects, 1)
	assert.Equal(t, "prepare_image", effects[0].(FailureEffect).Stage)
}

func TestReduce_PreparedImageForOldSelectionIsIgnored(t *testing.T) {
	s, _ := Reduce(entity.NewImageSession(), SelectImageEvent{FileName: "a.jpg"})
	oldEpoch := s.Epoch
	s, _ = Reduce(s, SelectImageEvent{FileName: "b.jpg"})

	next, effects := Reduce(s, ImagePreparedEvent{Epoch: oldEpoch, Image: testOriginal})

	assert.Equal(t, s, next)
	require.Len(t, effects, 1)
	assert.Equal(t, DiscardStaleImage, effects[0].(DiscardEffect).Reason)
}

func TestReduce_SendFailureKeepsSession(t *testing.T) {
	s := acknowledgedSession(t, "abc")
	s, effects := Reduce(s, GestureEvent{
		Landmark: entity.ClosestLandmark{Group: entity.GroupLips},
		Vector:   entity.Vector{X: 0.2},
		Mode:     entity.ModePrimary,
	})
	tag := effects[0].(TransformEffect).Tag

	next, _ := Reduce(s, SendFailedEvent{Tag: tag, Reason: "broken pipe"})

	assert.Equal(t, "Failed to modify image", next.Error)
	assert.Equal(t, "abc", next.OriginalImageSessionID)
	assert.Equal(t, entity.SessionLoaded, next.State)
}

func TestReduce_ResetPreviewAndCaption(t *testing.T) {
	s := acknowledgedSession(t, "abc")
	require.False(t, s.PreviewImage.Equal(testOriginal))

	captioned := entity.Image{MimeType: "image/png", Data: []byte("meme")}
	s, _ = Reduce(s, CaptionEvent{Epoch: s.Epoch, Image: captioned})
	assert.True(t, s.PreviewImage.Equal(captioned))

	s, _ = Reduce(s, ResetPreviewEvent{})
	assert.True(t, s.PreviewImage.Equal(testOriginal))
}

func TestReduce_FlagsSurviveNewImage(t *testing.T) {
	s, _ := Reduce(entity.NewImageSession(), SetFlagsEvent{Flags: entity.CursorFlags{GazeAtCursor: true}})

	s, _ = Reduce(s, SelectImageEvent{FileName: "x.jpg"})

	assert.True(t, s.GazeAtCursor)
	assert.False(t, s.FollowCursor)
}

func TestTruncateFileName(t *testing.T) {
	assert.Equal(t, "short.jpg", truncateFileName("short.jpg", 16))
	assert.Equal(t, "a_very_long_f...", truncateFileName("a_very_long_filename.jpg", 16))
}
