package resolver

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
)

// saveArtifacts keeps the overlay and mask of a screenshot for later
// inspection.
func saveArtifacts(dir, screenshotID string, overlay, mask image.Image) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}

	if err := writeImage(filepath.Join(dir, screenshotID+"_marked_screenshot.jpeg"), func(f *os.File) error {
		return jpeg.Encode(f, overlay, &jpeg.Options{Quality: 90})
	}); err != nil {
		return err
	}
	return writeImage(filepath.Join(dir, screenshotID+"_single_color_screenshot.png"), func(f *os.File) error {
		return png.Encode(f, mask)
	})
}

func writeImage(path string, encode func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if err := encode(f); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
