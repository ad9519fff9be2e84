package kvstore

import (
	"testing"
	"time"
)

func TestMemoryStoreBasic(t *testing.T) {
	store := NewMemoryStore()
	c := store.NewClient()

	if _, ok, _ := c.Get("missing"); ok {
		t.Error("Get on empty store should report absent")
	}

	if err := c.Set("k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, ok, err := c.Get("k")
	if err != nil || !ok || v != "v" {
		t.Errorf("Get = %q/%v/%v, want v/true/nil", v, ok, err)
	}

	if err := c.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := c.Get("k"); ok {
		t.Error("key should be absent after Delete")
	}

	// Deleting an absent key is not an error.
	if err := c.Delete("k"); err != nil {
		t.Errorf("Delete of absent key returned %v", err)
	}
}

func TestMemoryStoreWatchSkipsOwnWrites(t *testing.T) {
	store := NewMemoryStore()
	a := store.NewClient()
	b := store.NewClient()

	var aSeen, bSeen []Change
	stopA := a.Watch(func(ch Change) { aSeen = append(aSeen, ch) })
	defer stopA()
	stopB := b.Watch(func(ch Change) { bSeen = append(bSeen, ch) })
	defer stopB()

	if err := a.Set("token", "t1"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if len(aSeen) != 0 {
		t.Errorf("writer observed its own write: %v", aSeen)
	}
	if len(bSeen) != 1 || bSeen[0].Key != "token" || bSeen[0].Value != "t1" {
		t.Fatalf("sibling saw %v, want one change token=t1", bSeen)
	}

	if err := a.Delete("token"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(bSeen) != 2 || !bSeen[1].Deleted {
		t.Fatalf("sibling saw %v, want delete notification", bSeen)
	}
}

func TestMemoryStoreWatchStop(t *testing.T) {
	store := NewMemoryStore()
	a := store.NewClient()
	b := store.NewClient()

	var seen int
	stop := b.Watch(func(Change) { seen++ })
	a.Set("k", "1")
	stop()
	a.Set("k", "2")

	if seen != 1 {
		t.Errorf("watcher fired %d times, want 1", seen)
	}
}

func TestMemoryClientClosed(t *testing.T) {
	store := NewMemoryStore()
	c := store.NewClient()
	c.Close()

	if err := c.Set("k", "v"); err != ErrClosed {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}
	if _, _, err := c.Get("k"); err != ErrClosed {
		t.Errorf("Get after Close = %v, want ErrClosed", err)
	}
}

func TestFileStoreBasic(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer s.Close()

	if err := s.Set("statehub.tokens", "a;b;c"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, ok, err := s.Get("statehub.tokens")
	if err != nil || !ok || v != "a;b;c" {
		t.Errorf("Get = %q/%v/%v, want a;b;c/true/nil", v, ok, err)
	}

	// Keys with separators stay inside the store directory.
	if err := s.Set("weird/../key", "x"); err != nil {
		t.Fatalf("Set with separators failed: %v", err)
	}
	v, ok, _ = s.Get("weird/../key")
	if !ok || v != "x" {
		t.Errorf("escaped key round trip = %q/%v", v, ok)
	}

	if err := s.Delete("statehub.tokens"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := s.Get("statehub.tokens"); ok {
		t.Error("key should be absent after Delete")
	}
}

func TestFileStoreWatchSiblingProcess(t *testing.T) {
	dir := t.TempDir()

	a, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer a.Close()

	b, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer b.Close()

	changes := make(chan Change, 4)
	stop := b.Watch(func(ch Change) { changes <- ch })
	defer stop()

	if err := a.Set("lease", `{"holder":"x"}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	select {
	case ch := <-changes:
		if ch.Key != "lease" || ch.Value != `{"holder":"x"}` {
			t.Errorf("change = %+v, want lease write", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fsnotify change")
	}
}

func TestFileStoreDeleteNotEchoedToSelf(t *testing.T) {
	dir := t.TempDir()

	a, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer a.Close()

	b, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	defer b.Close()

	aSeen := make(chan Change, 4)
	stopA := a.Watch(func(ch Change) { aSeen <- ch })
	defer stopA()
	bSeen := make(chan Change, 4)
	stopB := b.Watch(func(ch Change) { bSeen <- ch })
	defer stopB()

	if err := a.Set("lease", `{"holder":"x"}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	select {
	case <-bSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sibling write")
	}

	if err := a.Delete("lease"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// The sibling store observes the delete; the deleting store does not.
	select {
	case ch := <-bSeen:
		if ch.Key != "lease" || !ch.Deleted {
			t.Errorf("sibling change = %+v, want lease delete", ch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sibling delete")
	}
	select {
	case ch := <-aSeen:
		t.Errorf("deleting store saw its own change: %+v", ch)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFileStoreClosed(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if err := s.Set("k", "v"); err != ErrClosed {
		t.Errorf("Set after Close = %v, want ErrClosed", err)
	}
}
