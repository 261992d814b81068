// Package watchdir provides continuous, directory-level notification of new
// or modified dump/log files for the scan driver's watch mode.
//
// Build-tag conventions for platform-specific implementations:
//
//	inotify_linux.go (//go:build linux) — inotify-based implementation
//	poll_other.go (//go:build !linux) — polling-based fallback
//
// Platform-specific files register a constructor via init():
//
//	func init() { platformFactory = newInotifyWatcher }
package watchdir

import (
	"strings"
	"time"
)

// EventType describes why a path was reported.
type EventType string

const (
	// EventCreated indicates a new file appeared in a watched directory.
	EventCreated EventType = "created"
	// EventModified indicates an existing file's contents changed.
	EventModified EventType = "modified"
)

// Event is a single directory-change notification emitted by a Watcher.
type Event struct {
	Path      string
	Type      EventType
	Timestamp time.Time
}

// DefaultBufferSize is the capacity of the channel returned by Watcher.Events
// when Config.BufferSize is unset.
const DefaultBufferSize = 64

// DefaultPollInterval is the scan frequency used by the polling fallback
// watcher on platforms without inotify support.
const DefaultPollInterval = 500 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	// Paths is the initial set of directories to monitor for *.dump/*.log
	// files. Watch is called with these paths before New returns.
	Paths []string

	// BufferSize is the capacity of the Events channel. Zero or negative
	// uses DefaultBufferSize.
	BufferSize int
}

// Watcher monitors one or more directories and reports new or modified
// dump/log files. Implementations must be safe for concurrent use.
type Watcher interface {
	// Watch begins monitoring the given directories. It may be called only
	// once per Watcher instance.
	Watch(paths []string) error

	// Stop ceases monitoring and releases all held resources, including
	// closing the Events channel. It blocks until internal goroutines have
	// exited and is idempotent.
	Stop() error

	// Events returns the channel on which Events are delivered. It is
	// closed when Stop returns.
	Events() <-chan Event
}

// platformFactory is registered by platform-specific files in their init().
// When nil, New falls back to the pure-Go polling watcher.
var platformFactory func(cfg Config) (Watcher, error)

// New constructs a Watcher from cfg. On Linux it returns an inotify-backed
// watcher; on other platforms (or if the platform implementation fails to
// register) it returns a polling watcher that rescans every
// DefaultPollInterval.
func New(cfg Config) (Watcher, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	var (
		w   Watcher
		err error
	)
	if platformFactory != nil {
		w, err = platformFactory(cfg)
	} else {
		w = newPollWatcher(cfg.BufferSize, DefaultPollInterval)
	}
	if err != nil {
		return nil, err
	}

	if len(cfg.Paths) > 0 {
		if err := w.Watch(cfg.Paths); err != nil {
			_ = w.Stop()
			return nil, err
		}
	}
	return w, nil
}

// emitOnce is a small helper shared by both implementations: it performs a
// non-blocking send, dropping the event and returning false if the channel
// is full.
func emitOnce(ch chan<- Event, evt Event) bool {
	select {
	case ch <- evt:
		return true
	default:
		return false
	}
}

// isDumpFile reports whether name has an extension the driver knows how to
// process.
func isDumpFile(name string) bool {
	return strings.HasSuffix(name, ".dump") || strings.HasSuffix(name, ".log")
}
