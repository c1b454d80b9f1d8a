package compositor

import (
	"FacePoke/internal/entity"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

const DefaultFeatherWidth = 20.0

var (
	ErrEmptyImage  = errors.New("compositor: empty image")
	ErrNoPlacement = errors.New("compositor: metadata does not locate the head")
)

type Options struct {
	FeatherWidth float64
}

func DefaultOptions() Options {
	return Options{FeatherWidth: DefaultFeatherWidth}
}

// Composite pastes the transformed head back into a copy of the original
// image at the crop described by meta.
func Composite(original, head image.Image, meta entity.Metadata, opts Options) (*image.RGBA, error) {
	ob, hb := original.Bounds(), head.Bounds()
	if ob.Empty() || hb.Empty() {
		return nil, ErrEmptyImage
	}

	s2d, err := Placement(meta, hb.Dx(), hb.Dy(), ob)
	if err != nil {
		return nil, err
	}

	dst := image.NewRGBA(ob)
	draw.Draw(dst, ob, original, ob.Min, draw.Src)

	feathered := Feather(head, opts.FeatherWidth)
	xdraw.CatmullRom.Transform(dst, s2d, feathered, feathered.Bounds(), xdraw.Over, nil)

	return dst, nil
}

// Feather returns a copy of img whose alpha fades radially from fully opaque
// at min(w,h)/2-width from the centre to transparent at min(w,h)/2.
func Feather(img image.Image, width float64) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))

	radius := float64(min(w, h)) / 2
	inner := math.Max(radius-width, 0)
	cx, cy := float64(w)/2, float64(h)/2

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			d := math.Hypot(float64(x)+0.5-cx, float64(y)+0.5-cy)

			var alpha float64
			switch {
			case d <= inner:
				alpha = 1
			case d >= radius:
				alpha = 0
			default:
				alpha = (radius - d) / (radius - inner)
			}

			c.A = uint8(math.Round(float64(c.A) * alpha))
			out.SetNRGBA(x, y, c)
		}
	}

	return out
}

// Placement returns the affine map from head pixel space into the original
// image. The head's top edge runs from bbox[0] to bbox[1] and its left edge
// from bbox[0] to bbox[3]; the result is then rotated by meta.Angle radians
// around the bbox centre.
func Placement(meta entity.Metadata, headW, headH int, bounds image.Rectangle) (f64.Aff3, error) {
	if headW <= 0 || headH <= 0 {
		return f64.Aff3{}, ErrEmptyImage
	}

	meta = toPixels(meta, bounds)
	ox, oy := float64(bounds.Min.X), float64(bounds.Min.Y)

	p0, p1, p3 := meta.BBox[0], meta.BBox[1], meta.BBox[3]
	ex := [2]float64{p1[0] - p0[0], p1[1] - p0[1]}
	ey := [2]float64{p3[0] - p0[0], p3[1] - p0[1]}

	if math.Abs(ex[0]*ey[1]-ex[1]*ey[0]) < 1 {
		if meta.Size <= 0 {
			return f64.Aff3{}, ErrNoPlacement
		}
		half := meta.Size / 2
		p0 = [2]float64{meta.Center[0] - half, meta.Center[1] - half}
		ex = [2]float64{meta.Size, 0}
		ey = [2]float64{0, meta.Size}
	}

	a := ex[0] / float64(headW)
	b := ey[0] / float64(headH)
	c := p0[0] + ox
	d := ex[1] / float64(headW)
	e := ey[1] / float64(headH)
	f := p0[1] + oy

	cx := c + (ex[0]+ey[0])/2
	cy := f + (ex[1]+ey[1])/2
	sin, cos := math.Sincos(meta.Angle)

	return f64.Aff3{
		cos*a - sin*d, cos*b - sin*e, cos*(c-cx) - sin*(f-cy) + cx,
		sin*a + cos*d, sin*b + cos*e, sin*(c-cx) + cos*(f-cy) + cy,
	}, nil
}

// toPixels scales metadata given in [0,1] units to the image size. A size
// above 1 is already in pixels and is kept.
func toPixels(meta entity.Metadata, bounds image.Rectangle) entity.Metadata {
	if !isNormalized(meta) {
		return meta
	}

	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	out := meta
	out.Center = [2]float64{meta.Center[0] * w, meta.Center[1] * h}
	for i, p := range meta.BBox {
		out.BBox[i] = [2]float64{p[0] * w, p[1] * h}
	}
	if meta.Size <= 1 {
		out.Size = meta.Size * math.Max(w, h)
	}
	return out
}

func isNormalized(meta entity.Metadata) bool {
	in := func(v float64) bool { return v >= 0 && v <= 1 }

	if !in(meta.Center[0]) || !in(meta.Center[1]) {
		return false
	}
	for _, p := range meta.BBox {
		if !in(p[0]) || !in(p[1]) {
			return false
		}
	}
	return true
}
