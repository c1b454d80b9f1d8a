package reenactService

import (
	"FacePoke/internal/api/reenact"
	"FacePoke/internal/entity"
	"FacePoke/pkg/metrics"
	"FacePoke/pkg/redis"
	"FacePoke/pkg/utils"
	websocketPkg "FacePoke/pkg/websocket"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentTransform struct {
	Tag       entity.RequestTag
	SessionID string
	Params    entity.Params
}

type fakeClient struct {
	mu         sync.Mutex
	loads      []entity.RequestTag
	transforms []sentTransform
	closed     bool
	failSend   error
	onReply    websocketPkg.ReplyHandler
}

func (f *fakeClient) LoadImage(tag entity.RequestTag, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return f.failSend
	}
	f.loads = append(f.loads, tag)
	return nil
}

func (f *fakeClient) TransformImage(tag entity.RequestTag, sessionID string, params entity.Params) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return f.failSend
	}
	f.transforms = append(f.transforms, sentTransform{tag, sessionID, params})
	return nil
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeClient) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) sentParams() []entity.Params {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entity.Params, 0, len(f.transforms))
	for _, sent := range f.transforms {
		out = append(out, sent.Params)
	}
	return out
}

func (f *fakeClient) lastTransform(t *testing.T) sentTransform {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.transforms)
	return f.transforms[len(f.transforms)-1]
}

type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	err     error
	gate    chan struct{}
}

func (d *fakeDialer) Dial(_ context.Context, onReply websocketPkg.ReplyHandler) (websocketPkg.ITransformClient, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	client := &fakeClient{onReply: onReply}
	d.clients = append(d.clients, client)
	return client, nil
}

func (d *fakeDialer) last(t *testing.T) *fakeClient {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.clients)
	return d.clients[len(d.clients)-1]
}

type fakeCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{items: map[string][]byte{}}
}

func (f *fakeCache) SetSnapshot(_ context.Context, id string, payload []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[id] = payload
	return nil
}

func (f *fakeCache) GetSnapshot(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.items[id]
	if !ok {
		return nil, redis.ErrSnapshotNotFound
	}
	return payload, nil
}

func (f *fakeCache) DeleteSnapshot(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Latency.Min = 0
	return cfg
}

func pngData(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type harness struct {
	svc     *reenactService
	dialer  *fakeDialer
	cache   *fakeCache
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		dialer:  &fakeDialer{},
		cache:   newFakeCache(),
		metrics: metrics.New(),
	}
	h.svc = New(cfg, h.dialer.Dial, h.cache, nil, nil, h.metrics, utils.New(), quietLogger()).(*reenactService)
	return h
}

// loadedSession returns a session whose image was acknowledged as "abc" and
// whose settle transform was answered.
func (h *harness) loadedSession(t *testing.T) (*Session, *fakeClient) {
	t.Helper()
	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, session.SelectImage("portrait.png", pngData(t, 64, 64, color.White)))
	client := h.dialer.last(t)

	client.onReply(entity.TransformReply{
		Tag:    entity.RequestTag{Epoch: 1},
		Loaded: &entity.LoadedPayload{U: "abc"},
	})
	client.onReply(entity.TransformReply{
		Tag:   entity.RequestTag{Epoch: 1, SessionID: "abc"},
		Image: pngData(t, 32, 32, color.Black),
	})

	return session, client
}

func TestSession_FullRoundTrip(t *testing.T) {
	h := newHarness(t, testConfig())

	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)

	require.NoError(t, session.SelectImage("portrait.png", pngData(t, 1600, 800, color.White)))

	client := h.dialer.last(t)
	assert.Equal(t, []entity.RequestTag{{Epoch: 1}}, client.loads)

	state := session.State()
	assert.Equal(t, entity.SessionLoaded, state.State)
	assert.Equal(t, "image/jpeg", state.OriginalImage.MimeType)
	assert.Equal(t, "File selected: portrait.png", state.Status)

	client.onReply(entity.TransformReply{
		Tag:    entity.RequestTag{Epoch: 1},
		Loaded: &entity.LoadedPayload{U: "abc", S: 0.5},
	})

	settle := client.lastTransform(t)
	assert.Equal(t, entity.RequestTag{Epoch: 1, SessionID: "abc"}, settle.Tag)
	assert.Equal(t, "abc", settle.SessionID)
	assert.Equal(t, entity.SessionTransforming, session.State().State)

	_, before := session.Preview()
	client.onReply(entity.TransformReply{
		Tag:   entity.RequestTag{Epoch: 1, SessionID: "abc"},
		Image: pngData(t, 32, 32, color.Black),
	})

	preview, after := session.Preview()
	assert.Equal(t, "image/png", preview.MimeType)
	assert.Greater(t, after, before)

	view := session.View()
	assert.Equal(t, entity.SessionLoaded, view.State)
	assert.Equal(t, "abc", view.RemoteSession)
	assert.True(t, view.HasPreview)

	assertCounter(t, h.metrics, "facepoke_transform_requests_total",
		"Requests sent to the transform service",
		`facepoke_transform_requests_total{type="load_image"} 1`,
		`facepoke_transform_requests_total{type="modify_image"} 1`,
	)
}

func assertCounter(t *testing.T, m *metrics.Metrics, name, help string, series ...string) {
	t.Helper()
	expected := fmt.Sprintf("# HELP %s %s\n# TYPE %s counter\n%s\n", name, help, name, strings.Join(series, "\n"))
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), name))
}

func TestSession_GestureSendsParams(t *testing.T) {
	h := newHarness(t, testConfig())
	session, client := h.loadedSession(t)

	applied := session.Gesture(reenact.GestureRequest{
		Landmark: entity.ClosestLandmark{Group: entity.GroupLeftEye},
		Vector:   entity.Vector{X: 0.25, Y: -0.1},
		Mode:     entity.ModePrimary,
	})
	require.True(t, applied)

	sent := client.lastTransform(t)
	assert.Equal(t, "abc", sent.SessionID)
	assert.InDelta(t, 7.5, sent.Params[entity.ParamPupilX], 1e-9)
	assert.Equal(t, entity.SessionTransforming, session.State().State)
	require.NotNil(t, session.View().ActiveLandmark)
}

func TestSession_GestureThrottled(t *testing.T) {
	cfg := testConfig()
	cfg.Latency.Min = time.Hour
	h := newHarness(t, cfg)

	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)
	defer session.Close()

	req := reenact.GestureRequest{
		Landmark: entity.ClosestLandmark{Group: entity.GroupLips},
		Mode:     entity.ModePrimary,
	}
	assert.True(t, session.Gesture(req))
	assert.False(t, session.Gesture(req), "held until the limiter allows")
	assert.False(t, session.Gesture(req), "replaces the held sample")

	assertCounter(t, h.metrics, "facepoke_gestures_throttled_total",
		"Gestures superseded by a newer sample while throttled",
		"facepoke_gestures_throttled_total 1",
	)
}

func TestSession_LastGestureOfBurstIsSent(t *testing.T) {
	cfg := testConfig()
	cfg.Latency.Min = 30 * time.Millisecond
	h := newHarness(t, cfg)
	session, client := h.loadedSession(t)

	lips := func(y float64) reenact.GestureRequest {
		return reenact.GestureRequest{
			Landmark: entity.ClosestLandmark{Group: entity.GroupLips},
			Vector:   entity.Vector{Y: y},
			Mode:     entity.ModePrimary,
		}
	}

	session.Gesture(lips(-0.1))
	session.Gesture(lips(-0.3))
	assert.False(t, session.Gesture(lips(-0.5)))

	require.Eventually(t, func() bool {
		return session.State().Params[entity.ParamAAA] == 120
	}, time.Second, 5*time.Millisecond)

	assert.InDelta(t, 120, client.lastTransform(t).Params[entity.ParamAAA], 1e-9)
	for _, sent := range client.sentParams() {
		assert.NotEqual(t, 90.0, sent[entity.ParamAAA], "superseded sample must not be sent")
	}
}

func TestSession_ReadsDoNotWaitForDial(t *testing.T) {
	h := newHarness(t, testConfig())
	gate := make(chan struct{})
	h.dialer.gate = gate

	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)

	selected := make(chan error, 1)
	go func() {
		selected <- session.SelectImage("a.png", pngData(t, 16, 16, color.White))
	}()

	require.Eventually(t, func() bool {
		return session.State().State == entity.SessionLoaded
	}, time.Second, 5*time.Millisecond)

	flagged := make(chan struct{})
	go func() {
		session.SetFlags(entity.CursorFlags{FollowCursor: true})
		close(flagged)
	}()

	read := make(chan reenact.SessionView, 1)
	go func() { read <- session.View() }()

	select {
	case view := <-read:
		assert.False(t, view.UpstreamConnected)
	case <-time.After(time.Second):
		t.Fatal("View blocked behind the upload dial")
	}

	close(gate)
	require.NoError(t, <-selected)
	<-flagged

	client := h.dialer.last(t)
	assert.Equal(t, []entity.RequestTag{{Epoch: 1}}, client.loads)
	assert.True(t, session.View().FollowCursor)
	assert.True(t, session.View().UpstreamConnected)
}

func TestSession_DialFailureRollsBack(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.err = errors.New("connection refused")

	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.SelectImage("a.png", pngData(t, 16, 16, color.White)))

	state := session.State()
	assert.Equal(t, entity.SessionLoaded, state.State)
	assert.Equal(t, "transform service unavailable: connection refused", state.Error)
	assert.False(t, state.HasRemoteSession())
	assert.True(t, state.PreviewImage.Equal(state.OriginalImage))

	assertCounter(t, h.metrics, "facepoke_rollbacks_total",
		"Previews reverted after a transform error",
		"facepoke_rollbacks_total 1",
	)
}

func TestSession_SendFailureKeepsRemoteSession(t *testing.T) {
	h := newHarness(t, testConfig())
	session, client := h.loadedSession(t)

	client.mu.Lock()
	client.failSend = errors.New("broken pipe")
	client.mu.Unlock()

	session.Gesture(reenact.GestureRequest{
		Landmark: entity.ClosestLandmark{Group: entity.GroupLips},
		Vector:   entity.Vector{X: 0.3, Y: 0.2},
		Mode:     entity.ModePrimary,
	})

	state := session.State()
	assert.Equal(t, "Failed to modify image", state.Error)
	assert.Equal(t, "abc", state.OriginalImageSessionID)
	assert.Equal(t, entity.SessionLoaded, state.State)
	assert.Zero(t, state.InFlight)
}

func TestSession_NewImageDropsOldEpoch(t *testing.T) {
	h := newHarness(t, testConfig())
	session, first := h.loadedSession(t)

	require.NoError(t, session.SelectImage("second.png", pngData(t, 16, 16, color.Black)))
	second := h.dialer.last(t)

	assert.NotSame(t, first, second)
	assert.False(t, first.IsConnected())
	assert.Equal(t, []entity.RequestTag{{Epoch: 2}}, second.loads)

	_, version := session.Preview()
	first.onReply(entity.TransformReply{
		Tag:   entity.RequestTag{Epoch: 1, SessionID: "abc"},
		Image: pngData(t, 8, 8, color.White),
	})

	_, after := session.Preview()
	assert.Equal(t, version, after)
	assert.Equal(t, uint64(2), session.State().Epoch)

	assertCounter(t, h.metrics, "facepoke_discarded_total",
		"Inputs dropped without changing session state",
		`facepoke_discarded_total{reason="stale_reply"} 1`,
	)
}

func TestSession_UndecodableImageIsDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	session, client := h.loadedSession(t)

	_, version := session.Preview()
	client.onReply(entity.TransformReply{
		Tag:   entity.RequestTag{Epoch: 1, SessionID: "abc"},
		Image: []byte("not an image"),
	})

	_, after := session.Preview()
	assert.Equal(t, version, after)
}

func TestSession_RejectedImage(t *testing.T) {
	h := newHarness(t, testConfig())
	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, session.SelectImage("a.txt", []byte("hello")), reenact.ErrInvalidImage)
	assert.Equal(t, "Failed to load the image", session.State().Status)

	assert.ErrorIs(t, session.SelectImage("", nil), reenact.ErrNoImageSelected)
	assert.Equal(t, "No file selected", session.State().Status)

	// a tiny PNG whose header claims 16000x16000
	huge := pngData(t, 1, 1, color.White)
	binary.BigEndian.PutUint32(huge[16:20], 16000)
	binary.BigEndian.PutUint32(huge[20:24], 16000)
	binary.BigEndian.PutUint32(huge[29:33], crc32.ChecksumIEEE(huge[12:29]))
	assert.ErrorIs(t, session.SelectImage("huge.png", huge), reenact.ErrFileTooLarge)
	assert.Equal(t, "Failed to load the image", session.State().Status)

	assert.Empty(t, h.dialer.clients)
}

func TestSession_CompositesHeadIntoOriginal(t *testing.T) {
	cfg := testConfig()
	cfg.Composite = true
	h := newHarness(t, cfg)

	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.SelectImage("a.png", pngData(t, 200, 100, color.White)))
	client := h.dialer.last(t)

	client.onReply(entity.TransformReply{
		Tag: entity.RequestTag{Epoch: 1},
		Loaded: &entity.LoadedPayload{
			U: "abc",
			C: [2]float64{0.5, 0.5},
			S: 0.25,
			B: [4][2]float64{{0.4, 0.25}, {0.6, 0.25}, {0.6, 0.75}, {0.4, 0.75}},
		},
	})
	client.onReply(entity.TransformReply{
		Tag:   entity.RequestTag{Epoch: 1, SessionID: "abc"},
		Image: pngData(t, 64, 64, color.RGBA{G: 255, A: 255}),
	})

	preview, _ := session.Preview()
	img, err := png.Decode(bytes.NewReader(preview.Data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 100), img.Bounds())

	r, g, b, _ := img.At(100, 50).RGBA()
	assert.Greater(t, g, r)
	assert.Greater(t, g, b)

	r, g, b, _ = img.At(5, 5).RGBA()
	for _, channel := range []uint32{r, g, b} {
		assert.GreaterOrEqual(t, channel>>8, uint32(250))
	}
}

func TestSession_CaptionAndReset(t *testing.T) {
	h := newHarness(t, testConfig())
	session, _ := h.loadedSession(t)

	_, before := session.Preview()
	require.NoError(t, session.Caption("HELLO"))

	preview, after := session.Preview()
	assert.Greater(t, after, before)
	assert.Equal(t, "image/png", preview.MimeType)

	session.ResetPreview()
	state := session.State()
	assert.True(t, state.PreviewImage.Equal(state.OriginalImage))
}

func TestSession_CaptionWithoutPreview(t *testing.T) {
	h := newHarness(t, testConfig())
	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, session.Caption("x"), reenact.ErrNoPreview)
}

func TestSession_UpdatesCoalesce(t *testing.T) {
	h := newHarness(t, testConfig())
	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)

	session.SetFlags(entity.CursorFlags{FollowCursor: true})
	session.SetFlags(entity.CursorFlags{FollowCursor: true, GazeAtCursor: true})

	select {
	case <-session.Updates():
	default:
		t.Fatal("expected an update signal")
	}

	select {
	case <-session.Updates():
		t.Fatal("signals should coalesce")
	default:
	}

	view := session.View()
	assert.True(t, view.FollowCursor)
	assert.True(t, view.GazeAtCursor)
}

func TestSession_CloseDuringDialLeavesNoClient(t *testing.T) {
	h := newHarness(t, testConfig())
	gate := make(chan struct{})
	h.dialer.gate = gate

	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)

	selected := make(chan error, 1)
	go func() {
		selected <- session.SelectImage("a.png", pngData(t, 16, 16, color.White))
	}()
	require.Eventually(t, func() bool {
		return session.State().State == entity.SessionLoaded
	}, time.Second, 5*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		session.Close()
		close(closed)
	}()

	close(gate)
	<-selected
	<-closed

	h.dialer.mu.Lock()
	defer h.dialer.mu.Unlock()
	for _, client := range h.dialer.clients {
		assert.False(t, client.IsConnected())
	}
	assert.False(t, session.View().UpstreamConnected)
}

func TestSession_CloseIgnoresLateReplies(t *testing.T) {
	h := newHarness(t, testConfig())
	session, client := h.loadedSession(t)

	h.svc.Close(session.ID())
	assert.False(t, client.IsConnected())

	_, version := session.Preview()
	client.onReply(entity.TransformReply{
		Tag:   entity.RequestTag{Epoch: 1, SessionID: "abc"},
		Image: pngData(t, 8, 8, color.White),
	})
	_, after := session.Preview()
	assert.Equal(t, version, after)

	select {
	case <-session.Done():
	default:
		t.Fatal("session should be done")
	}
}
