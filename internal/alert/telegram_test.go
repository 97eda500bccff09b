package alert

import (
	"testing"

	"github.com/basket/taskwarden/internal/bus"
)

func TestNew_DoesNotDialTelegram(t *testing.T) {
	// New must not perform network I/O (the real token is validated lazily
	// in Start), so a fake token and nil bus/logger should construct fine.
	ch, err := New("fake-token", []int64{123, 456}, bus.New(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ch.bot != nil {
		t.Fatal("expected bot to remain nil until Start is called")
	}
	if len(ch.allowedIDs) != 2 {
		t.Fatalf("allowedIDs = %v, want 2 entries", ch.allowedIDs)
	}
}

func TestNew_AcceptsEmptyAllowlist(t *testing.T) {
	ch, err := New("fake-token", nil, bus.New(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ch == nil {
		t.Fatal("expected non-nil Channel")
	}
}

func TestEscapeMarkdownV2_EscapesReservedCharacters(t *testing.T) {
	in := "disk free: 1.2GB (below 5GB) [critical]"
	got := escapeMarkdownV2(in)
	want := "disk free: 1\\.2GB \\(below 5GB\\) \\[critical\\]"
	if got != want {
		t.Fatalf("escapeMarkdownV2(%q) = %q, want %q", in, got, want)
	}
}

func TestEscapeMarkdownV2_LeavesPlainTextUnchanged(t *testing.T) {
	in := "all workers healthy"
	if got := escapeMarkdownV2(in); got != in {
		t.Fatalf("escapeMarkdownV2(%q) = %q, want unchanged", in, got)
	}
}

func TestHandle_IgnoresUnexpectedPayloadType(t *testing.T) {
	ch, err := New("fake-token", []int64{1}, bus.New(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// handle must not panic (and must not touch c.bot, which is nil here)
	// when the event carries a payload other than bus.AlertEvent.
	ch.handle(bus.Event{Payload: "not an alert"})
}
