package templates

import (
	"crypto/sha256"
	"encoding/hex"
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// DefaultFingerprintWidth is the width masks are reduced to before comparison
const DefaultFingerprintWidth = 256

// Fingerprint reduces img to an 8-bit gray image of the given width, keeping
// the aspect ratio. Images already narrower than width are only converted.
func Fingerprint(img image.Image, width int) *image.Gray {
	b := img.Bounds()
	if width <= 0 || b.Dx() <= width {
		g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
		xdraw.Draw(g, g.Bounds(), img, b.Min, xdraw.Src)
		return g
	}
	h := int(math.Round(float64(b.Dy()) * float64(width) / float64(b.Dx())))
	if h < 1 {
		h = 1
	}
	g := image.NewGray(image.Rect(0, 0, width, h))
	xdraw.ApproxBiLinear.Scale(g, g.Bounds(), img, b, xdraw.Src, nil)
	return g
}

// TemplateID derives a stable identifier from a mask fingerprint, so the same
// popup chrome maps to the same id.
func TemplateID(fp *image.Gray) string {
	h := sha256.New()
	var dims [8]byte
	w, ht := fp.Bounds().Dx(), fp.Bounds().Dy()
	dims[0], dims[1], dims[2], dims[3] = byte(w>>24), byte(w>>16), byte(w>>8), byte(w)
	dims[4], dims[5], dims[6], dims[7] = byte(ht>>24), byte(ht>>16), byte(ht>>8), byte(ht)
	h.Write(dims[:])
	for y := 0; y < ht; y++ {
		row := fp.Pix[y*fp.Stride : y*fp.Stride+w]
		h.Write(row)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// NCC is the zero-mean normalized cross-correlation of two equally sized gray
// images, in [-1, 1]. Differently sized images, or an image with no variance,
// score 0.
func NCC(a, b *image.Gray) float64 {
	if a.Bounds().Size() != b.Bounds().Size() {
		return 0
	}
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	n := float64(w * h)
	if n == 0 {
		return 0
	}

	var sumA, sumB float64
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w]
		rb := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := 0; x < w; x++ {
			sumA += float64(ra[x])
			sumB += float64(rb[x])
		}
	}
	meanA, meanB := sumA/n, sumB/n

	var cross, varA, varB float64
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w]
		rb := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := 0; x < w; x++ {
			da := float64(ra[x]) - meanA
			db := float64(rb[x]) - meanB
			cross += da * db
			varA += da * da
			varB += db * db
		}
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cross / math.Sqrt(varA*varB)
}
