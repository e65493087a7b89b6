package domain

import (
	"testing"
	"time"
)

func TestScreenshotContextID(t *testing.T) {
	ctx := ScreenshotContext{
		Device:     "emulator-5554",
		CapturedAt: time.Date(2026, 3, 1, 9, 4, 5, 0, time.UTC),
		Package:    "com.example.app",
	}
	if got, want := ctx.ID(), "emulator-5554_20260301_090405_com.example.app"; got != want {
		t.Fatalf("ID() = %q, want %q", got, want)
	}
}

func TestParseBounds(t *testing.T) {
	b, err := ParseBounds("[10,20][110,220]")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if b != (Bounds{X1: 10, Y1: 20, X2: 110, Y2: 220}) {
		t.Fatalf("unexpected bounds: %+v", b)
	}
	if b.String() != "[10,20][110,220]" {
		t.Fatalf("round trip mismatch: %s", b.String())
	}
	if c := b.Center(); c != (Point{X: 60, Y: 120}) {
		t.Fatalf("unexpected center: %+v", c)
	}
}

func TestParseBoundsRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "10,20,30,40", "[10,20][5,40]", "[a,b][c,d]", "[1,2][3,4] "} {
		if _, err := ParseBounds(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
