package vision

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
)

// encodeJPEG downscales img so that its long edge is at most maxEdge (0 keeps
// the size) and returns it as base64 JPEG.
func encodeJPEG(img image.Image, quality, maxEdge int) (string, error) {
	img = shrink(img, maxEdge)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode jpeg: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func shrink(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	long := max(w, h)
	if maxEdge <= 0 || long <= maxEdge {
		return img
	}
	nw, nh := w*maxEdge/long, h*maxEdge/long
	dst := image.NewRGBA(image.Rect(0, 0, max(nw, 1), max(nh, 1)))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
	return dst
}
