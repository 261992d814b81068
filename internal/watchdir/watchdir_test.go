package watchdir

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsDumpFile(t *testing.T) {
	cases := map[string]bool{
		"trace.dump":  true,
		"session.log": true,
		"notes.txt":   false,
		"noext":       false,
		"dump":        false,
	}
	for name, want := range cases {
		if got := isDumpFile(name); got != want {
			t.Errorf("isDumpFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestNew_DefaultsBufferSize(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Paths: []string{dir}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Stop()
	// Events() must be non-nil and usable regardless of which platform
	// implementation was selected.
	if w.Events() == nil {
		t.Fatal("expected non-nil events channel")
	}
	if got := cap(w.Events()); got != DefaultBufferSize {
		t.Errorf("cap(Events()) = %d, want DefaultBufferSize (%d)", got, DefaultBufferSize)
	}
}

func TestNew_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Paths: []string{dir}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
	// Channel must be closed after Stop.
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed channel read")
	}
}

func TestNew_DetectsNewFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Paths: []string{dir}, BufferSize: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "proc 123 456.dump")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write dump: %v", err)
	}

	select {
	case evt, ok := <-w.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		if evt.Path != path {
			t.Errorf("expected event for %s, got %s", path, evt.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for file creation event")
	}
}
