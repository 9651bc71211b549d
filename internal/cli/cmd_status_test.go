package cli

import (
	"testing"

	"github.com/orca-dev/orca/internal/model"
)

func TestTruncateShortStringUnchanged(t *testing.T) {
	if got := truncate("short", 60); got != "short" {
		t.Fatalf("expected unchanged string, got %q", got)
	}
}

func TestTruncateLongStringEllipsized(t *testing.T) {
	in := "this prompt is much longer than the column width we allow"
	got := truncate(in, 20)
	if got != in[:19]+"…" {
		t.Fatalf("expected %q, got %q", in[:19]+"…", got)
	}
}

func TestStatusHeadingPlainOmitsEmoji(t *testing.T) {
	got := statusHeading(model.StatusFailed, true)
	if got != "failed" {
		t.Fatalf("expected plain heading %q, got %q", "failed", got)
	}
}

func TestStatusHeadingDecoratedIncludesStatus(t *testing.T) {
	got := statusHeading(model.StatusRunning, false)
	if got == "running" {
		t.Fatalf("expected decorated heading to differ from plain status")
	}
}
