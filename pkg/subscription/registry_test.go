package subscription

import (
	"errors"
	"sync"
	"testing"

	"github.com/statehub-protocol/statehub-go/pkg/model"
)

// fakeEmitter records subscription traffic sent to the transport.
type fakeEmitter struct {
	mu          sync.Mutex
	connected   bool
	subscribes  []string
	unsubscribe []string
	err         error
}

func (f *fakeEmitter) SendSubscribe(kind Kind, pat, filePattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, kind.String()+":"+pat+":"+filePattern)
	return f.err
}

func (f *fakeEmitter) SendUnsubscribe(kind Kind, pat, filePattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribe = append(f.unsubscribe, kind.String()+":"+pat+":"+filePattern)
	return f.err
}

func (f *fakeEmitter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeEmitter) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	f.mu.Unlock()
}

func (f *fakeEmitter) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribes...)
}

// fakeStates serves canned current values for priming.
type fakeStates struct {
	values map[string][]model.StateChange
	calls  []string
}

func (f *fakeStates) CurrentStates(pat string) ([]model.StateChange, error) {
	f.calls = append(f.calls, pat)
	return f.values[pat], nil
}

func collect(events *[]Event) Callback {
	return func(e Event) error {
		*events = append(*events, e)
		return nil
	}
}

func TestDispatchMatching(t *testing.T) {
	em := &fakeEmitter{connected: true}
	r := NewRegistry(Config{Emitter: em})

	var got []Event
	if _, err := r.Subscribe(KindState, "system.state.*", collect(&got)); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	r.Dispatch(Event{Kind: KindState, ID: "system.state.foo.bar", Payload: &model.State{Val: 1}})
	r.Dispatch(Event{Kind: KindState, ID: "system.other.foo"})
	r.Dispatch(Event{Kind: KindObject, ID: "system.state.foo.bar"}) // wrong kind

	if len(got) != 1 || got[0].ID != "system.state.foo.bar" {
		t.Errorf("dispatched %v, want exactly system.state.foo.bar", got)
	}
}

func TestDispatchOrderWithinPattern(t *testing.T) {
	em := &fakeEmitter{connected: true}
	r := NewRegistry(Config{Emitter: em})

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if _, err := r.Subscribe(KindObject, "dev.*", func(Event) error {
			order = append(order, i)
			return nil
		}); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	r.Dispatch(Event{Kind: KindObject, ID: "dev.1"})

	for i, v := range order {
		if v != i {
			t.Fatalf("dispatch order %v, want registration order", order)
		}
	}
}

func TestCallbackFailureIsolation(t *testing.T) {
	em := &fakeEmitter{connected: true}
	r := NewRegistry(Config{Emitter: em})

	var after int
	r.Subscribe(KindState, "a.*", func(Event) error { return errors.New("callback error") })
	r.Subscribe(KindState, "a.*", func(Event) error { panic("callback panic") })
	r.Subscribe(KindState, "a.*", func(Event) error { after++; return nil })

	r.Dispatch(Event{Kind: KindState, ID: "a.b"})

	if after != 1 {
		t.Errorf("callback after failures ran %d times, want 1", after)
	}
}

func TestSubscribeDeduplicatesPattern(t *testing.T) {
	em := &fakeEmitter{connected: true}
	r := NewRegistry(Config{Emitter: em})

	r.Subscribe(KindState, "a.*", func(Event) error { return nil })
	r.Subscribe(KindState, "a.*", func(Event) error { return nil })

	if n := len(em.sent()); n != 1 {
		t.Errorf("transport received %d subscribes, want 1 (raw-string dedup)", n)
	}
	if r.Count(KindState) != 1 {
		t.Errorf("Count = %d, want 1", r.Count(KindState))
	}
}

func TestUnsubscribeLastCallbackDropsPattern(t *testing.T) {
	em := &fakeEmitter{connected: true}
	r := NewRegistry(Config{Emitter: em})

	var got []Event
	h1, _ := r.Subscribe(KindState, "a.*", collect(&got))
	h2, _ := r.Subscribe(KindState, "a.*", collect(&got))

	if err := r.Unsubscribe(h1); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if len(em.unsubscribe) != 0 {
		t.Error("unsubscribe must not reach transport while callbacks remain")
	}

	if err := r.Unsubscribe(h2); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if r.Count(KindState) != 0 {
		t.Error("empty pattern must be dropped from bookkeeping")
	}
	if len(em.unsubscribe) != 1 {
		t.Errorf("transport received %d unsubscribes, want 1", len(em.unsubscribe))
	}

	// A matching push now invokes nothing.
	before := len(got)
	r.Dispatch(Event{Kind: KindState, ID: "a.b"})
	if len(got) != before {
		t.Error("push after last unsubscribe must invoke no callback")
	}

	// Unsubscribing again is a no-op.
	if err := r.Unsubscribe(h2); err != nil {
		t.Errorf("repeated Unsubscribe returned %v", err)
	}
}

func TestDeferredSubscribeAndPrimingOnConnect(t *testing.T) {
	em := &fakeEmitter{connected: false}
	states := &fakeStates{values: map[string][]model.StateChange{
		"my.device.temperature": {
			{ID: "my.device.temperature", State: &model.State{Val: 21.5, Ack: true}},
		},
	}}
	r := NewRegistry(Config{Emitter: em, States: states})

	var got []Event
	if _, err := r.Subscribe(KindState, "my.device.temperature", collect(&got)); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if len(em.sent()) != 0 {
		t.Fatal("subscribe must not reach transport while disconnected")
	}
	if len(got) != 0 {
		t.Fatal("priming must not run while disconnected")
	}

	// Connect.
	em.setConnected(true)
	if err := r.ResubscribeAll(); err != nil {
		t.Fatalf("ResubscribeAll failed: %v", err)
	}

	if sent := em.sent(); len(sent) != 1 || sent[0] != "STATE:my.device.temperature:" {
		t.Errorf("transport received %v, want exactly one subscribe", sent)
	}
	if len(got) != 1 || got[0].ID != "my.device.temperature" {
		t.Fatalf("primed events = %v, want current value delivery", got)
	}
	if st, ok := got[0].Payload.(*model.State); !ok || st.Val != 21.5 {
		t.Errorf("primed payload = %v, want current state value", got[0].Payload)
	}
}

func TestResubscribeAllIsIdempotentOnBookkeeping(t *testing.T) {
	em := &fakeEmitter{connected: true}
	r := NewRegistry(Config{Emitter: em})

	r.Subscribe(KindState, "a.*", func(Event) error { return nil })
	r.Subscribe(KindObject, "b.*", func(Event) error { return nil })

	before := r.Count(KindState) + r.Count(KindObject)
	r.ResubscribeAll()
	r.ResubscribeAll()

	if after := r.Count(KindState) + r.Count(KindObject); after != before {
		t.Errorf("ResubscribeAll mutated bookkeeping: %d -> %d", before, after)
	}
	// 2 initial + 2 per ResubscribeAll.
	if n := len(em.sent()); n != 6 {
		t.Errorf("transport received %d subscribes, want 6", n)
	}
}

func TestFileSubscriptionFilenameFilter(t *testing.T) {
	em := &fakeEmitter{connected: true}
	r := NewRegistry(Config{Emitter: em})

	var got []Event
	if _, err := r.SubscribeFiles("vis.0", "main/*.json", collect(&got)); err != nil {
		t.Fatalf("SubscribeFiles failed: %v", err)
	}

	r.Dispatch(Event{Kind: KindFile, ID: "vis.0", Filename: "main/views.json"})
	r.Dispatch(Event{Kind: KindFile, ID: "vis.0", Filename: "main/logo.png"})
	r.Dispatch(Event{Kind: KindFile, ID: "other.0", Filename: "main/views.json"})

	if len(got) != 1 || got[0].Filename != "main/views.json" {
		t.Errorf("dispatched %v, want only main/views.json on vis.0", got)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	em := &fakeEmitter{connected: true}
	r := NewRegistry(Config{Emitter: em})

	r.Subscribe(KindState, "a.*", func(Event) error { return nil })
	r.SubscribeFiles("vis.0", "*", func(Event) error { return nil })

	if err := r.UnsubscribeAll(); err != nil {
		t.Fatalf("UnsubscribeAll failed: %v", err)
	}
	if r.Count(KindState)+r.Count(KindFile) != 0 {
		t.Error("UnsubscribeAll must clear bookkeeping")
	}
	if len(em.unsubscribe) != 2 {
		t.Errorf("transport received %d unsubscribes, want 2", len(em.unsubscribe))
	}
}
