package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewBackoff()

		// Base values (without jitter): 1s, 2s, 4s, ... capped at 60s.
		expected := []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			32 * time.Second,
			60 * time.Second,
			60 * time.Second, // Should stay at max
		}

		for i, exp := range expected {
			base := b.Current()
			_ = b.Next()

			if base != exp {
				t.Errorf("Attempt %d: base = %v, want %v", i, base, exp)
			}
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff()

		samples := make([]time.Duration, 10)
		for i := range samples {
			samples[i] = b.Peek()
		}

		// All samples should be within [1s, 1.25s].
		for i, s := range samples {
			if s < 1*time.Second || s > time.Duration(float64(time.Second)*1.25)+time.Millisecond {
				t.Errorf("Sample %d: %v out of expected range [1s, 1.25s]", i, s)
			}
		}

		allSame := true
		for i := 1; i < len(samples); i++ {
			if samples[i] != samples[0] {
				allSame = false
				break
			}
		}
		if allSame {
			t.Error("All jittered samples are identical - jitter may not be working")
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff()

		for i := 0; i < 5; i++ {
			b.Next()
		}
		if b.Current() <= InitialBackoff {
			t.Error("Backoff should have increased")
		}

		b.Reset()

		if b.Current() != InitialBackoff {
			t.Errorf("Current() = %v after reset, want %v", b.Current(), InitialBackoff)
		}
		if b.Attempts() != 0 {
			t.Errorf("Attempts() = %d after reset, want 0", b.Attempts())
		}
	})

	t.Run("CustomConfig", func(t *testing.T) {
		b := NewBackoffWithConfig(BackoffConfig{
			Initial:    100 * time.Millisecond,
			Max:        500 * time.Millisecond,
			Multiplier: 2.0,
			Jitter:     0, // Deterministic
		})

		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			500 * time.Millisecond, // Max
			500 * time.Millisecond,
		}
		for i, exp := range expected {
			got := b.Next()
			if got != exp {
				t.Errorf("Next() call %d = %v, want %v", i, got, exp)
			}
		}
	})
}

func TestManagerConnect(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		defer m.Close()

		var gotReconnect atomic.Bool
		var called atomic.Bool
		m.OnConnected(func(reconnect bool) {
			called.Store(true)
			gotReconnect.Store(reconnect)
		})

		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if m.State() != StateConnected {
			t.Errorf("State() = %v, want %v", m.State(), StateConnected)
		}
		if !called.Load() {
			t.Error("OnConnected not invoked")
		}
		if gotReconnect.Load() {
			t.Error("initial connection reported as reconnect")
		}
	})

	t.Run("Failure", func(t *testing.T) {
		connectErr := errors.New("dial failed")
		m := NewManager(func(ctx context.Context) error { return connectErr })
		defer m.Close()

		if err := m.Connect(context.Background()); !errors.Is(err, connectErr) {
			t.Fatalf("Connect() error = %v, want %v", err, connectErr)
		}
		if m.State() != StateDisconnected {
			t.Errorf("State() = %v, want %v", m.State(), StateDisconnected)
		}
	})

	t.Run("AlreadyConnected", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		defer m.Close()

		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if err := m.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
			t.Errorf("second Connect() error = %v, want %v", err, ErrAlreadyConnected)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		m.Close()

		if err := m.Connect(context.Background()); !errors.Is(err, ErrClosed) {
			t.Errorf("Connect() after Close error = %v, want %v", err, ErrClosed)
		}
	})
}

func TestManagerReconnect(t *testing.T) {
	t.Run("ReconnectsAfterLoss", func(t *testing.T) {
		var attempts atomic.Int32
		m := NewManagerWithBackoff(
			func(ctx context.Context) error {
				// Fail the second attempt once to exercise backoff.
				if attempts.Add(1) == 2 {
					return errors.New("transient")
				}
				return nil
			},
			NewBackoffWithConfig(BackoffConfig{
				Initial: 5 * time.Millisecond,
				Max:     20 * time.Millisecond,
				Jitter:  0,
			}),
		)
		defer m.Close()

		reconnected := make(chan bool, 1)
		m.OnConnected(func(reconnect bool) {
			if reconnect {
				select {
				case reconnected <- true:
				default:
				}
			}
		})

		disconnected := make(chan struct{}, 1)
		m.OnDisconnected(func() {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		})

		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		m.ConnectionLost()
		if m.State() != StateReconnecting {
			t.Errorf("State() = %v after loss, want %v", m.State(), StateReconnecting)
		}

		select {
		case <-disconnected:
		case <-time.After(time.Second):
			t.Fatal("OnDisconnected not invoked")
		}

		select {
		case <-reconnected:
		case <-time.After(time.Second):
			t.Fatal("did not reconnect")
		}

		if m.State() != StateConnected {
			t.Errorf("State() = %v after reconnect, want %v", m.State(), StateConnected)
		}
		if got := attempts.Load(); got != 3 {
			t.Errorf("connect attempts = %d, want 3", got)
		}
	})

	t.Run("AutoReconnectDisabled", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		defer m.Close()

		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		m.SetAutoReconnect(false)
		m.ConnectionLost()

		if m.State() != StateDisconnected {
			t.Errorf("State() = %v, want %v", m.State(), StateDisconnected)
		}
	})

	t.Run("LostWhileDisconnectedIsNoop", func(t *testing.T) {
		m := NewManager(func(ctx context.Context) error { return nil })
		defer m.Close()

		var disconnects atomic.Int32
		m.OnDisconnected(func() { disconnects.Add(1) })

		m.ConnectionLost()
		if got := disconnects.Load(); got != 0 {
			t.Errorf("OnDisconnected invoked %d times, want 0", got)
		}
	})
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "DISCONNECTED",
		StateConnecting:   "CONNECTING",
		StateConnected:    "CONNECTED",
		StateReconnecting: "RECONNECTING",
		StateClosed:       "CLOSED",
		State(99):         "UNKNOWN",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
