package log

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func sampleEvent() Event {
	rt := 12 * time.Millisecond
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: "11111111-2222-3333-4444-555555555555",
		Direction:    DirectionOut,
		Category:     CategoryMessage,
		RemoteAddr:   "hub.local:8084",
		Message: &MessageEvent{
			Kind:      MessageKindReply,
			Name:      "getState",
			MessageID: 42,
			CacheKey:  "getState_my.device.temperature",
			RoundTrip: &rt,
		},
	}
}

func TestEncodeDecodeEvent(t *testing.T) {
	event := sampleEvent()

	data, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent failed: %v", err)
	}

	decoded, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}

	if decoded.ConnectionID != event.ConnectionID {
		t.Errorf("ConnectionID = %q, want %q", decoded.ConnectionID, event.ConnectionID)
	}
	if decoded.Message == nil {
		t.Fatal("Message payload lost in round trip")
	}
	if decoded.Message.Name != "getState" {
		t.Errorf("Message.Name = %q, want getState", decoded.Message.Name)
	}
	if decoded.Message.MessageID != 42 {
		t.Errorf("Message.MessageID = %d, want 42", decoded.Message.MessageID)
	}
	if decoded.Message.RoundTrip == nil || *decoded.Message.RoundTrip != 12*time.Millisecond {
		t.Error("RoundTrip lost in round trip")
	}
}

func TestFileLoggerAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.slog")

	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	fl.Log(sampleEvent())
	fl.Log(Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn",
		Direction:    DirectionLocal,
		Category:     CategoryState,
		StateChange:  &StateChangeEvent{OldState: "CONNECTING", NewState: "CONNECTED"},
	})

	if err := fl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Logging after close is silently ignored.
	fl.Log(sampleEvent())

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	events, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("ReadAll returned %d events, want 2", len(events))
	}
	if events[1].StateChange == nil || events[1].StateChange.NewState != "CONNECTED" {
		t.Error("second event lost its StateChange payload")
	}
}

func TestMultiLogger(t *testing.T) {
	var a, b countingLogger

	ml := NewMultiLogger(&a, &b)
	ml.Log(sampleEvent())
	ml.Log(sampleEvent())

	if a.n != 2 || b.n != 2 {
		t.Errorf("counts = %d/%d, want 2/2", a.n, b.n)
	}
}

type countingLogger struct{ n int }

func (c *countingLogger) Log(Event) { c.n++ }

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	NewSlogAdapter(logger).Log(sampleEvent())

	out := buf.String()
	if !bytes.Contains(buf.Bytes(), []byte("getState")) {
		t.Errorf("slog output missing operation name: %s", out)
	}
	if !bytes.Contains(buf.Bytes(), []byte("REPLY")) {
		t.Errorf("slog output missing message kind: %s", out)
	}
}

func TestOrNoop(t *testing.T) {
	if _, ok := OrNoop(nil).(NoopLogger); !ok {
		t.Error("OrNoop(nil) should return NoopLogger")
	}

	ml := NewMultiLogger()
	if OrNoop(ml) != Logger(ml) {
		t.Error("OrNoop should pass through non-nil loggers")
	}
}

func TestFilteredReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.slog")

	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	fl.Log(sampleEvent())
	fl.Log(Event{
		Timestamp:    time.Now(),
		ConnectionID: "other-conn",
		Direction:    DirectionLocal,
		Category:     CategoryToken,
		Token:        &TokenEvent{Action: "scheduled"},
	})
	fl.Close()

	t.Run("by category", func(t *testing.T) {
		cat := CategoryToken
		r, err := NewFilteredReader(path, Filter{Category: &cat})
		if err != nil {
			t.Fatalf("NewFilteredReader failed: %v", err)
		}
		defer r.Close()

		events, err := r.ReadAll()
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if len(events) != 1 || events[0].Token == nil {
			t.Fatalf("filtered read returned %d events, want 1 token event", len(events))
		}
	})

	t.Run("by connection", func(t *testing.T) {
		r, err := NewFilteredReader(path, Filter{ConnectionID: "no-such-conn"})
		if err != nil {
			t.Fatalf("NewFilteredReader failed: %v", err)
		}
		defer r.Close()

		events, err := r.ReadAll()
		if err != nil {
			t.Fatalf("ReadAll failed: %v", err)
		}
		if len(events) != 0 {
			t.Fatalf("filtered read returned %d events, want 0", len(events))
		}
	})
}
