package imaging

import (
	"image"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const DefaultCaption = "THIS IS MEEME"

// Caption returns a copy of img with text written in white with a black
// outline, centred near the bottom edge. The glyphs are sized to about 8% of
// the image height.
func Caption(img image.Image, text string) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, img, b.Min, draw.Src)

	if text == "" || b.Empty() {
		return dst
	}

	face := basicfont.Face7x13
	fontSize := int(float64(b.Dy()) * 0.08)

	width := font.MeasureString(face, text).Ceil()
	glyphs := image.NewAlpha(image.Rect(0, 0, width, face.Height))
	drawer := &font.Drawer{
		Dst:  glyphs,
		Src:  image.Opaque,
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	drawer.DrawString(text)

	scale := max(1, int(math.Round(float64(fontSize)/float64(face.Height))))
	for scale > 1 && width*scale > b.Dx() {
		scale--
	}

	mask := image.NewAlpha(image.Rect(0, 0, width*scale, face.Height*scale))
	xdraw.NearestNeighbor.Scale(mask, mask.Bounds(), glyphs, glyphs.Bounds(), xdraw.Src, nil)

	baseline := b.Max.Y - max(fontSize, 1)
	x := b.Min.X + (b.Dx()-mask.Bounds().Dx())/2
	y := baseline - face.Ascent*scale
	at := mask.Bounds().Add(image.Pt(x, y))

	stroke := max(1, int(math.Round(float64(fontSize)*0.08)))
	for dy := -stroke; dy <= stroke; dy++ {
		for dx := -stroke; dx <= stroke; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			draw.DrawMask(dst, at.Add(image.Pt(dx, dy)), image.Black, image.Point{}, mask, image.Point{}, draw.Over)
		}
	}
	draw.DrawMask(dst, at, image.White, image.Point{}, mask, image.Point{}, draw.Over)

	return dst
}
