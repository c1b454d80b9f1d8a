package reenactService

import (
	"FacePoke/internal/api/reenact"
	reenactRepository "FacePoke/internal/api/reenact/repository"
	"FacePoke/internal/entity"
	"FacePoke/pkg/metrics"
	"FacePoke/pkg/redis"
	"FacePoke/pkg/utils"
	"context"
	"errors"
	"image/color"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	mu        sync.Mutex
	uploads   map[string][]byte
	deleted   []string
	uploadErr error
}

func (f *fakeStorage) UploadObject(_ context.Context, key string, _ string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[key] = data
	return "https://bucket.s3.amazonaws.com/" + key, nil
}

func (f *fakeStorage) PresignUrl(fileUrl string) (string, error) {
	return fileUrl + "?X-Amz-Signature=test", nil
}

func (f *fakeStorage) DeleteFile(fileUrl string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, fileUrl)
	return nil
}

type fakeExports struct {
	mu        sync.Mutex
	rows      []entity.Export
	commits   int
	createErr error
}

func (f *fakeExports) CreateExport(_ context.Context, export entity.Export) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.rows = append(f.rows, export)
	return nil
}

func (f *fakeExports) ListBySession(_ context.Context, sessionID string) ([]entity.Export, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entity.Export
	for _, row := range f.rows {
		if row.SessionID == sessionID {
			out = append(out, row)
		}
	}
	return out, nil
}

type fakeRepository struct {
	exports *fakeExports
}

func (f *fakeRepository) NewClient(bool) (reenactRepository.Client, error) {
	return reenactRepository.Client{
		Exports: f.exports,
		Commit: func() error {
			f.exports.commits++
			return nil
		},
		Rollback: func() error { return nil },
	}, nil
}

func TestRegistry_GetUnknownSession(t *testing.T) {
	h := newHarness(t, testConfig())

	_, err := h.svc.Get("missing")
	assert.ErrorIs(t, err, reenact.ErrSessionNotFound)

	_, err = h.svc.Snapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, reenact.ErrSessionNotFound)
}

func TestRegistry_SnapshotFallsBackToCache(t *testing.T) {
	h := newHarness(t, testConfig())
	session, _ := h.loadedSession(t)
	id := session.ID()

	live, err := h.svc.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "abc", live.RemoteSession)

	h.svc.Close(id)

	_, err = h.svc.Get(id)
	assert.ErrorIs(t, err, reenact.ErrSessionNotFound)

	cached, err := h.svc.Snapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, cached.ID)
	assert.Equal(t, "abc", cached.RemoteSession)
	assert.Equal(t, entity.SessionLoaded, cached.State)
	assert.True(t, cached.HasPreview)
}

func TestRegistry_CorruptSnapshotIsEvicted(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.cache.SetSnapshot(context.Background(), "broken", []byte("{not json"), 0))

	_, err := h.svc.Snapshot(context.Background(), "broken")
	assert.ErrorIs(t, err, reenact.ErrSessionNotFound)

	_, err = h.cache.GetSnapshot(context.Background(), "broken")
	assert.ErrorIs(t, err, redis.ErrSnapshotNotFound)
}

func TestRegistry_SessionGauges(t *testing.T) {
	h := newHarness(t, testConfig())

	a, err := h.svc.Open(context.Background())
	require.NoError(t, err)
	_, err = h.svc.Open(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), h.metrics.ActiveSessions.Load())
	h.svc.Close(a.ID())
	h.svc.Close(a.ID())
	assert.Equal(t, int64(1), h.metrics.ActiveSessions.Load())
	assert.Equal(t, uint64(2), h.metrics.TotalSessions.Load())
}

func TestRegistry_SelectImageAndPreview(t *testing.T) {
	h := newHarness(t, testConfig())
	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)

	_, err = h.svc.Preview(context.Background(), session.ID())
	assert.ErrorIs(t, err, reenact.ErrNoPreview)

	view, err := h.svc.SelectImage(context.Background(), session.ID(), "a.png", pngData(t, 10, 10, color.White))
	require.NoError(t, err)
	assert.Equal(t, entity.SessionLoaded, view.State)

	preview, err := h.svc.Preview(context.Background(), session.ID())
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", preview.MimeType)

	_, err = h.svc.Caption(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, reenact.ErrSessionNotFound)
}

func exportHarness(t *testing.T, storage *fakeStorage, exports *fakeExports) (*reenactService, *harness) {
	t.Helper()
	h := newHarness(t, testConfig())
	svc := New(testConfig(), h.dialer.Dial, h.cache, storage, &fakeRepository{exports: exports},
		metrics.New(), utils.New(), quietLogger()).(*reenactService)
	return svc, h
}

func TestExport_CreateAndList(t *testing.T) {
	storage := &fakeStorage{}
	exports := &fakeExports{}
	svc, h := exportHarness(t, storage, exports)
	h.svc = svc

	session, _ := h.loadedSession(t)

	res, err := svc.Export().Create(context.Background(), session.ID())
	require.NoError(t, err)

	assert.Equal(t, session.ID(), res.SessionID)
	assert.True(t, strings.HasSuffix(res.URL, "?X-Amz-Signature=test"))
	assert.Contains(t, res.URL, "exports/"+session.ID()+"/"+res.ID+".png")
	assert.Equal(t, 1, exports.commits)
	assert.Len(t, storage.uploads, 1)

	list, err := svc.Export().List(context.Background(), session.ID())
	require.NoError(t, err)
	require.Len(t, list.Exports, 1)
	assert.Equal(t, res.ID, list.Exports[0].ID)
}

func TestExport_Failures(t *testing.T) {
	h := newHarness(t, testConfig())
	session, err := h.svc.Open(context.Background())
	require.NoError(t, err)

	_, err = h.svc.Export().Create(context.Background(), session.ID())
	assert.ErrorIs(t, err, reenact.ErrExportFailed, "no storage configured")

	storage := &fakeStorage{uploadErr: errors.New("access denied")}
	svc, h2 := exportHarness(t, storage, &fakeExports{})
	h2.svc = svc

	empty, err := svc.Open(context.Background())
	require.NoError(t, err)
	_, err = svc.Export().Create(context.Background(), empty.ID())
	assert.ErrorIs(t, err, reenact.ErrNoPreview)

	loaded, _ := h2.loadedSession(t)
	_, err = svc.Export().Create(context.Background(), loaded.ID())
	assert.ErrorIs(t, err, reenact.ErrExportFailed)
}

func TestExport_RemovesObjectWhenHistoryWriteFails(t *testing.T) {
	storage := &fakeStorage{}
	exports := &fakeExports{createErr: errors.New("duplicate key")}
	svc, h := exportHarness(t, storage, exports)
	h.svc = svc

	session, _ := h.loadedSession(t)

	_, err := svc.Export().Create(context.Background(), session.ID())
	assert.ErrorIs(t, err, reenact.ErrExportFailed)

	require.Len(t, storage.uploads, 1)
	require.Len(t, storage.deleted, 1)
	assert.Contains(t, storage.deleted[0], "exports/"+session.ID()+"/")
	assert.Zero(t, exports.commits)
}
