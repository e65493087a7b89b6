// Package extractor turns a screenshot and its clickable regions into the two
// images the pipeline works on: a numbered overlay for the vision service and
// a canonical mask for template fingerprinting.
package extractor

import (
	"context"
	"fmt"
	"image"

	"github.com/pbaille/popdismiss/internal/domain"
	"github.com/sirupsen/logrus"
)

// DefaultMaxClickable is the element count above which extraction is skipped
const DefaultMaxClickable = 12

// Registry is the subset of the element registry the extractor writes to
type Registry interface {
	RecordExists(ctx context.Context, b domain.Bounds, screenshotID string) (bool, error)
	SaveElement(ctx context.Context, b domain.Bounds, screenshotID string, ordinal int) error
}

// Extraction is the result of one Extract call
type Extraction struct {
	// Skipped is set when the screen has too many clickable elements to be
	// analysed; Overlay and Mask are nil in that case.
	Skipped  bool
	Overlay  *image.RGBA
	Mask     *image.RGBA
	Elements []domain.ElementRecord
}

// Extractor renders overlays and masks and registers elements
type Extractor struct {
	registry     Registry
	maxClickable int
	logger       *logrus.Logger
}

// New creates an Extractor. maxClickable <= 0 selects DefaultMaxClickable.
func New(registry Registry, maxClickable int, logger *logrus.Logger) *Extractor {
	if maxClickable <= 0 {
		maxClickable = DefaultMaxClickable
	}
	return &Extractor{
		registry:     registry,
		maxClickable: maxClickable,
		logger:       logger,
	}
}

// Extract builds the overlay and mask for img. Every clickable region not yet
// registered for screenshotID is saved with its ordinal (1-based, document
// order) and drawn on the overlay.
func (e *Extractor) Extract(ctx context.Context, img image.Image, screenshotID string, bounds []domain.Bounds) (*Extraction, error) {
	if len(bounds) > e.maxClickable {
		e.logger.WithFields(logrus.Fields{
			"screenshot_id": screenshotID,
			"clickable":     len(bounds),
			"limit":         e.maxClickable,
		}).Info("too many clickable elements, skipping extraction")
		return &Extraction{Skipped: true}, nil
	}

	src := toRGBA(img)
	overlay := grayscaleRGBA(src)

	rects := make([]image.Rectangle, 0, len(bounds))
	elements := make([]domain.ElementRecord, 0, len(bounds))
	for i, b := range bounds {
		ordinal := i + 1
		rects = append(rects, b.Rect())
		elements = append(elements, domain.ElementRecord{
			Bounds:       b,
			Center:       b.Center(),
			Ordinal:      ordinal,
			ScreenshotID: screenshotID,
		})

		exists, err := e.registry.RecordExists(ctx, b, screenshotID)
		if err != nil {
			return nil, fmt.Errorf("check element %s: %w", b, err)
		}
		if exists {
			continue
		}
		if err := e.registry.SaveElement(ctx, b, screenshotID, ordinal); err != nil {
			return nil, fmt.Errorf("save element %s: %w", b, err)
		}
		annotate(overlay, b.Rect(), ordinal)
	}

	e.logger.WithFields(logrus.Fields{
		"screenshot_id": screenshotID,
		"clickable":     len(bounds),
	}).Debug("extracted overlay and mask")

	return &Extraction{
		Overlay:  overlay,
		Mask:     buildMask(src, rects),
		Elements: elements,
	}, nil
}
