package imaging

import (
	"FacePoke/internal/entity"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	_ "image/gif"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	MaxSize     = 800
	JPEGQuality = 95
	// MaxPixels bounds the raster allocated while decoding.
	MaxPixels = 40_000_000

	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
)

var (
	ErrEmptyImage        = errors.New("imaging: empty image")
	ErrUnsupportedFormat = errors.New("imaging: unsupported image format")
	ErrInvalidBase64     = errors.New("imaging: invalid base64 payload")
	ErrImageTooLarge     = errors.New("imaging: image dimensions too large")
)

// Prepared is an uploaded image scaled down and re-encoded for the
// transform service.
type Prepared struct {
	Image  entity.Image
	Base64 string
	Width  int
	Height int
}

// Prepare decodes data, fits it inside maxSize keeping the aspect ratio and
// encodes it as JPEG.
func Prepare(data []byte, maxSize, quality int) (Prepared, error) {
	img, _, err := Decode(data)
	if err != nil {
		return Prepared{}, err
	}

	img = Resize(img, maxSize)

	encoded, err := EncodeJPEG(img, quality)
	if err != nil {
		return Prepared{}, err
	}

	b := img.Bounds()
	return Prepared{
		Image:  encoded,
		Base64: base64.StdEncoding.EncodeToString(encoded.Data),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// Decode checks the header dimensions against MaxPixels before decoding.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}

	if _, err := checkDimensions(data); err != nil {
		return nil, "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", fmt.Errorf("imaging: decode: %w", err)
	}

	return img, format, nil
}

// Displayable checks that data is a decodable image and wraps it unchanged
// with its mime type.
func Displayable(data []byte) (entity.Image, error) {
	if len(data) == 0 {
		return entity.Image{}, ErrEmptyImage
	}

	format, err := checkDimensions(data)
	if err != nil {
		return entity.Image{}, err
	}

	return entity.Image{MimeType: "image/" + format, Data: data}, nil
}

func checkDimensions(data []byte) (string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", ErrUnsupportedFormat
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", ErrEmptyImage
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return "", ErrImageTooLarge
	}
	return format, nil
}

// Fit returns the largest size with the same aspect ratio whose longest side
// is at most maxSize. Sizes already inside the bound are returned unchanged.
func Fit(width, height, maxSize int) (int, int) {
	if width <= maxSize && height <= maxSize {
		return width, height
	}

	if width >= height {
		h := int(float64(height) * float64(maxSize) / float64(width))
		return maxSize, max(h, 1)
	}

	w := int(float64(width) * float64(maxSize) / float64(height))
	return max(w, 1), maxSize
}

func Resize(img image.Image, maxSize int) image.Image {
	b := img.Bounds()
	w, h := Fit(b.Dx(), b.Dy(), maxSize)
	if w == b.Dx() && h == b.Dy() {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}

func EncodeJPEG(img image.Image, quality int) (entity.Image, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return entity.Image{}, fmt.Errorf("imaging: encode jpeg: %w", err)
	}
	return entity.Image{MimeType: MimeJPEG, Data: buf.Bytes()}, nil
}

func EncodePNG(img image.Image) (entity.Image, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return entity.Image{}, fmt.Errorf("imaging: encode png: %w", err)
	}
	return entity.Image{MimeType: MimePNG, Data: buf.Bytes()}, nil
}

// DecodeBase64 accepts plain base64 or a data URL.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 {
			return nil, ErrInvalidBase64
		}
		s = s[idx+1:]
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return data, nil
}
