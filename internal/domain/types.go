package domain

import (
	"fmt"
	"image"
	"regexp"
	"strconv"
	"time"
)

// ScreenshotLayout is the timestamp layout embedded in screenshot ids
const ScreenshotLayout = "20060102_150405"

// ScreenshotContext identifies one analysis unit
type ScreenshotContext struct {
	Device     string    `json:"device"`
	CapturedAt time.Time `json:"captured_at"`
	Package    string    `json:"package"`
}

// ID returns the derived screenshot id: device_timestamp_package
func (c ScreenshotContext) ID() string {
	return fmt.Sprintf("%s_%s_%s", c.Device, c.CapturedAt.Format(ScreenshotLayout), c.Package)
}

// Point is a screen coordinate
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Bounds is a clickable region as reported by the UI hierarchy
type Bounds struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// String renders bounds in the uiautomator form [x1,y1][x2,y2]
func (b Bounds) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", b.X1, b.Y1, b.X2, b.Y2)
}

// Center returns the integer midpoint of the region
func (b Bounds) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Rect returns the half-open rectangle covered by the bounds
func (b Bounds) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

var boundsPattern = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)

// ParseBounds parses the uiautomator bounds attribute "[x1,y1][x2,y2]"
func ParseBounds(s string) (Bounds, error) {
	m := boundsPattern.FindStringSubmatch(s)
	if m == nil {
		return Bounds{}, fmt.Errorf("invalid bounds format: %q", s)
	}
	var v [4]int
	for i := range v {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Bounds{}, fmt.Errorf("invalid bounds value %q: %w", m[i+1], err)
		}
		v[i] = n
	}
	b := Bounds{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	if b.X2 < b.X1 || b.Y2 < b.Y1 {
		return Bounds{}, fmt.Errorf("inverted bounds: %s", s)
	}
	return b, nil
}

// ElementRecord is one clickable region observed in one screenshot
type ElementRecord struct {
	Bounds       Bounds `json:"bounds"`
	Center       Point  `json:"center"`
	Ordinal      int    `json:"ordinal"`
	ScreenshotID string `json:"screenshot_id"`
}

// TemplateEntry maps a popup-chrome fingerprint to a resolved dismiss coordinate
type TemplateEntry struct {
	TemplateID string    `json:"template_id"`
	SkipCenter Point     `json:"skip_center"`
	CreatedAt  time.Time `json:"created_at"`
}
