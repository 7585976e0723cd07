package ui

import (
	"fmt"
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"
)

var ansi = regexp.MustCompile("\033\\[[0-9;]*m")

// TestBannerPreview prints the banner so `go test ./pkg/ui -run TestBannerPreview` shows it.
func TestBannerPreview(t *testing.T) {
	fmt.Println(Banner())
}

func TestBannerIncludesWordmark(t *testing.T) {
	banner := Banner()
	if !strings.Contains(banner, "procpulse") {
		t.Fatalf("banner missing procpulse wordmark: %q", banner)
	}
	if !strings.Contains(banner, "process and system pulse") {
		t.Fatalf("banner missing tagline")
	}
	lines := strings.Split(strings.TrimSpace(banner), "\n")
	if len(lines) < 8 {
		t.Fatalf("expected multi-line banner, got %d lines", len(lines))
	}
}

func TestBannerUsesGradientColors(t *testing.T) {
	banner := Banner()
	colors := []string{bold, pulseRed, honeyOrange, beeYellow, mint, seafoam, cobalt, deepIndigo, fuchsia}
	for _, color := range colors {
		if !strings.Contains(banner, color) {
			t.Fatalf("banner missing color code %q", color)
		}
	}
}

func TestBannerWordmarkShape(t *testing.T) {
	lines := strings.Split(Banner(), "\n")
	// nine glyphs, six rows each: P R O C P U L S E
	const rows, width = 6, 83
	for i := 0; i < rows; i++ {
		plain := ansi.ReplaceAllString(lines[i], "")
		if got := utf8.RuneCountInString(plain); got != width {
			t.Fatalf("row %d: got width %d want %d: %q", i, got, width, plain)
		}
		// the gradient has eight colors, so the ninth glyph wraps back to the first
		if got := strings.Count(lines[i], pulseRed); got != 2 {
			t.Fatalf("row %d: got %d pulse red glyphs want 2", i, got)
		}
	}
	if lines[rows] != "" {
		t.Fatalf("expected blank line after wordmark, got %q", lines[rows])
	}
}
