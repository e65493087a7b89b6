package extractor

import (
	"image"
	"image/color"
	"image/draw"
	"strconv"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// MaskFill is the constant value of every non-interactive pixel in a mask
var MaskFill = color.RGBA{R: 192, G: 192, B: 192, A: 255}

var palette = []color.RGBA{
	{R: 220, G: 53, B: 69, A: 255},
	{R: 25, G: 135, B: 84, A: 255},
	{R: 13, G: 110, B: 253, A: 255},
	{R: 255, G: 140, B: 0, A: 255},
	{R: 111, G: 66, B: 193, A: 255},
	{R: 214, G: 51, B: 132, A: 255},
	{R: 32, G: 201, B: 151, A: 255},
	{R: 13, G: 202, B: 240, A: 255},
}

// ordinalColor picks the annotation color for an ordinal
func ordinalColor(ordinal int) color.RGBA {
	if ordinal < 0 {
		ordinal = -ordinal
	}
	return palette[ordinal%len(palette)]
}

func textColor(bg color.RGBA) color.RGBA {
	brightness := int(bg.R)*299 + int(bg.G)*587 + int(bg.B)*114
	if brightness >= 140000 {
		return color.RGBA{A: 255}
	}
	return color.RGBA{R: 255, G: 255, B: 255, A: 255}
}

// toRGBA copies img into a fresh RGBA anchored at the origin
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// grayscaleRGBA returns img converted to gray, stored as RGBA so colored
// annotations can be drawn on top.
func grayscaleRGBA(img *image.RGBA) *image.RGBA {
	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Bounds(), img, img.Bounds().Min, draw.Src)
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), gray, gray.Bounds().Min, draw.Src)
	return dst
}

// buildMask flattens everything outside rects to MaskFill. Each rectangle is
// copied from src once, so the cost is the screen area plus the summed
// rectangle areas.
func buildMask(src *image.RGBA, rects []image.Rectangle) *image.RGBA {
	mask := image.NewRGBA(src.Bounds())
	fillRect(mask, mask.Bounds(), MaskFill)
	for _, r := range rects {
		r = r.Intersect(src.Bounds())
		if r.Empty() {
			continue
		}
		draw.Draw(mask, r, src, r.Min, draw.Src)
	}
	return mask
}

func fillRect(img draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
}

func strokeRect(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	for i := 0; i < thickness; i++ {
		fillRect(img, image.Rect(r.Min.X, r.Min.Y+i, r.Max.X, r.Min.Y+i+1), c)
		fillRect(img, image.Rect(r.Min.X, r.Max.Y-1-i, r.Max.X, r.Max.Y-i), c)
		fillRect(img, image.Rect(r.Min.X+i, r.Min.Y, r.Min.X+i+1, r.Max.Y), c)
		fillRect(img, image.Rect(r.Max.X-1-i, r.Min.Y, r.Max.X-i, r.Max.Y), c)
	}
}

func clampRect(r, bounds image.Rectangle) image.Rectangle {
	if r.Max.X > bounds.Max.X {
		r = r.Add(image.Pt(bounds.Max.X-r.Max.X, 0))
	}
	if r.Min.X < bounds.Min.X {
		r = r.Add(image.Pt(bounds.Min.X-r.Min.X, 0))
	}
	if r.Max.Y > bounds.Max.Y {
		r = r.Add(image.Pt(0, bounds.Max.Y-r.Max.Y))
	}
	if r.Min.Y < bounds.Min.Y {
		r = r.Add(image.Pt(0, bounds.Min.Y-r.Min.Y))
	}
	return r.Intersect(bounds)
}

// labelScale grows labels with the screenshot so a 1080px wide capture gets
// glyphs roughly 28px wide.
func labelScale(width int) int {
	s := width / 270
	if s < 2 {
		return 2
	}
	return s
}

// annotate draws the numbered box for one element
func annotate(img *image.RGBA, r image.Rectangle, ordinal int) {
	c := ordinalColor(ordinal)
	scale := labelScale(img.Bounds().Dx())

	box := r
	if box.Dx() > 20 && box.Dy() > 20 {
		box = box.Inset(5)
	}
	box = box.Intersect(img.Bounds())
	if box.Empty() {
		return
	}
	thickness := scale + 1
	if t := min(box.Dx(), box.Dy()) / 2; thickness > t {
		thickness = max(1, t)
	}
	strokeRect(img, box, c, thickness)

	glyph := renderText(strconv.Itoa(ordinal), textColor(c), c)
	w, h := glyph.Bounds().Dx()*scale, glyph.Bounds().Dy()*scale
	// top-right corner of the box, inside the stroke
	at := image.Rect(box.Max.X-w-thickness*2, box.Min.Y+thickness*2, box.Max.X-thickness*2, box.Min.Y+thickness*2+h)
	at = clampRect(at, img.Bounds())
	xdraw.NearestNeighbor.Scale(img, at, glyph, glyph.Bounds(), xdraw.Src, nil)
}

// renderText draws s with the 7x13 bitmap face on a filled background
func renderText(s string, fg, bg color.Color) *image.RGBA {
	face := basicfont.Face7x13
	const pad = 1
	w := font.MeasureString(face, s).Ceil() + pad*2
	h := face.Metrics().Height.Ceil() + pad*2

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fillRect(img, img.Bounds(), bg)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(fg),
		Face: face,
		Dot:  fixed.P(pad, pad+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)
	return img
}
