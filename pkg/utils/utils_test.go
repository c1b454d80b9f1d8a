package utils

import (
	"mime/multipart"
	"net/textproto"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULIDFromTimestamp(t *testing.T) {
	u := New()
	at := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

	id, err := u.NewULIDFromTimestamp(at)
	require.NoError(t, err)

	parsed, err := ulid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, ulid.Timestamp(at), parsed.Time())
}

func TestValidateImageFile(t *testing.T) {
	u := New()
	header := func(contentType string, size int64) *multipart.FileHeader {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", contentType)
		return &multipart.FileHeader{Filename: "x", Header: h, Size: size}
	}

	assert.NoError(t, u.ValidateImageFile(header("image/png", 1024)))
	assert.ErrorIs(t, u.ValidateImageFile(nil), ErrNoFile)
	assert.ErrorIs(t, u.ValidateImageFile(header("image/png", u.MaxFileSize()+1)), ErrFileTooLarge)
	assert.ErrorIs(t, u.ValidateImageFile(header("text/plain", 10)), ErrNotAnImage)
}
