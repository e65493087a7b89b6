package templates

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Writer stores template images
type Writer struct {
	dir string
}

// NewWriter creates a Writer over dir
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Save writes the mask as <id>.png. The file is written under a temporary
// name and renamed into place so concurrent scans never decode a partial
// image. An existing template with the same id is left untouched and
// created reports false.
func (w *Writer) Save(id string, mask image.Image) (path string, created bool, err error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", false, fmt.Errorf("create template dir: %w", err)
	}

	final := filepath.Join(w.dir, id+templateExt)
	if _, err := os.Stat(final); err == nil {
		return final, false, nil
	}

	tmp := filepath.Join(w.dir, "."+id+"-"+uuid.NewString()+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return "", false, fmt.Errorf("create template file: %w", err)
	}
	if err := png.Encode(f, mask); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", false, fmt.Errorf("encode template: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", false, fmt.Errorf("close template file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", false, fmt.Errorf("rename template file: %w", err)
	}
	return final, true, nil
}

// Remove deletes the template file for id, if any
func (w *Writer) Remove(id string) error {
	err := os.Remove(filepath.Join(w.dir, id+templateExt))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove template: %w", err)
	}
	return nil
}
