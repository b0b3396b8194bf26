package logring

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestTeeHandlerForwards(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	ring := NewRingBuffer(100)
	handler := NewTeeHandler(inner, ring)

	logger := slog.New(handler)
	logger.Info("hello", "key", "value")

	// Check inner handler received it
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("inner handler did not receive message, got: %s", buf.String())
	}

	// Check ring buffer captured it
	entries := ring.Recent(0, slog.LevelDebug)
	if len(entries) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(entries))
	}
	if entries[0].Message != "hello" {
		t.Errorf("ring entry message = %q, want %q", entries[0].Message, "hello")
	}
	if entries[0].Level != slog.LevelInfo {
		t.Errorf("ring entry level = %v, want %v", entries[0].Level, slog.LevelInfo)
	}
	if v, ok := entries[0].Attrs["key"]; !ok || v != "value" {
		t.Errorf("ring entry attrs[key] = %v, want %q", v, "value")
	}
}

func TestTeeHandlerEnabled(t *testing.T) {
	inner := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	ring := NewRingBuffer(100)
	handler := NewTeeHandler(inner, ring)

	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("should not be enabled for Debug when inner is Warn")
	}
	if !handler.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("should be enabled for Warn")
	}
}

func TestTeeHandlerPromotesComponent(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	ring := NewRingBuffer(100)
	handler := NewTeeHandler(inner, ring)

	logger := slog.New(handler)
	logger.Info("session started", "component", "session", "user", "alice")

	entries := ring.Recent(0, slog.LevelDebug)
	if len(entries) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(entries))
	}
	if entries[0].Component != "session" {
		t.Errorf("entry component = %q, want %q", entries[0].Component, "session")
	}
	if _, ok := entries[0].Attrs["component"]; ok {
		t.Error("component should be promoted out of the attr map")
	}
	if v, ok := entries[0].Attrs["user"]; !ok || v != "alice" {
		t.Errorf("attrs[user] = %v, want %q", v, "alice")
	}
}

func TestTeeHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	ring := NewRingBuffer(100)
	handler := NewTeeHandler(inner, ring)

	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "bus")}))
	logger.Info("test")

	entries := ring.Recent(0, slog.LevelDebug)
	if len(entries) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(entries))
	}
	if entries[0].Component != "bus" {
		t.Errorf("entry component = %q, want %q", entries[0].Component, "bus")
	}
}

func TestTeeHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	ring := NewRingBuffer(100)
	handler := NewTeeHandler(inner, ring)

	logger := slog.New(handler.WithGroup("req"))
	logger.Info("test", "method", "GET")

	entries := ring.Recent(0, slog.LevelDebug)
	if len(entries) != 1 {
		t.Fatalf("ring has %d entries, want 1", len(entries))
	}
	if v, ok := entries[0].Attrs["req.method"]; !ok || v != "GET" {
		t.Errorf("attrs[req.method] = %v, want %q", v, "GET")
	}
}
