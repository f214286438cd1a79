package sloghooks

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactsKeys(t *testing.T) {
	var buf bytes.Buffer
	h := New(slog.New(slog.NewTextHandler(&buf, nil)), Options{})

	h.IssueFailed("private/report.pdf", errors.New("denied"))

	out := buf.String()
	if strings.Contains(out, "private/report.pdf") {
		t.Fatalf("raw key leaked: %s", out)
	}
	if !strings.Contains(out, "urlcache.issue_failed") || !strings.Contains(out, "denied") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestSelfHealSampling(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := New(l, Options{SelfHealEvery: 3, Redact: func(k string) string { return k }})

	for range 9 {
		h.SelfHeal("url:docs:k", "corrupt")
	}
	if n := strings.Count(buf.String(), "urlcache.self_heal"); n != 3 {
		t.Fatalf("logged %d self-heals, want 3", n)
	}
}

func TestNilLoggerIsSilent(t *testing.T) {
	h := New(nil, Options{})
	h.InvalidateOutage("k", errors.New("a"), errors.New("b"))
	h.Swept(3)
}
