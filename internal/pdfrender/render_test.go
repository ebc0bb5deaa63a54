package pdfrender

import (
	"strings"
	"testing"
)

func TestClipShortTextUnchanged(t *testing.T) {
	s := "Monday 9am Lecture\nWednesday 9am Lab\n"
	if got := clip(s); got != s {
		t.Fatalf("short text must pass through unchanged, got %d bytes", len(got))
	}
}

func TestClipCutsOnLineBoundary(t *testing.T) {
	line := strings.Repeat("x", 100) + "\n"
	s := strings.Repeat(line, maxTextBytes/len(line)+10)
	got := clip(s)
	if len(got) > maxTextBytes {
		t.Fatalf("clipped text still %d bytes, cap is %d", len(got), maxTextBytes)
	}
	if !strings.HasSuffix(got, strings.Repeat("x", 100)) {
		t.Fatalf("expected the cut to land on a line boundary, tail %q", got[len(got)-10:])
	}
}
