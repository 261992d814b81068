//go:build linux

package watchdir

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

func init() {
	platformFactory = newInotifyWatcher
}

// dirMask watches for files being fully written (IN_CLOSE_WRITE) or moved
// into place (IN_MOVED_TO, the standard atomic-rename publish pattern), plus
// IN_CREATE for tools that write a complete file in a single syscall.
const dirMask uint32 = unix.IN_CLOSE_WRITE | unix.IN_MOVED_TO | unix.IN_CREATE

const inotifyEventHeaderSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// inotifyWatcher monitors one or more directories via the Linux inotify
// subsystem and reports complete *.dump/*.log files as they appear.
type inotifyWatcher struct {
	fd  int
	wds map[int32]string // watch descriptor -> directory path

	events   chan Event
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newInotifyWatcher(cfg Config) (Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("watchdir: inotify init: %w", err)
	}
	return &inotifyWatcher{
		fd:     fd,
		wds:    make(map[int32]string),
		events: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}, nil
}

func (iw *inotifyWatcher) Watch(paths []string) error {
	for _, p := range paths {
		wd, err := unix.InotifyAddWatch(iw.fd, p, dirMask)
		if err != nil {
			return fmt.Errorf("watchdir: add watch %q: %w", p, err)
		}
		iw.wds[int32(wd)] = p
	}

	iw.wg.Add(1)
	go iw.run()
	return nil
}

func (iw *inotifyWatcher) Stop() error {
	iw.stopOnce.Do(func() {
		close(iw.done)
		iw.wg.Wait()
		_ = unix.Close(iw.fd)
		close(iw.events)
	})
	return nil
}

func (iw *inotifyWatcher) Events() <-chan Event {
	return iw.events
}

func (iw *inotifyWatcher) run() {
	defer iw.wg.Done()

	buf := make([]byte, 4096)
	pfd := []unix.PollFd{{Fd: int32(iw.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-iw.done:
			return
		default:
		}

		n, err := unix.Poll(pfd, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(iw.fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			return
		}
		if nr == 0 {
			continue
		}

		iw.parseEvents(buf[:nr])
	}
}

func (iw *inotifyWatcher) parseEvents(buf []byte) {
	for offset := 0; offset < len(buf); {
		if offset+inotifyEventHeaderSize > len(buf) {
			break
		}
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += inotifyEventHeaderSize

		var name string
		if raw.Len > 0 {
			end := offset + int(raw.Len)
			if end > len(buf) {
				break
			}
			nameBytes := buf[offset:end]
			if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name = string(nameBytes)
			offset = end
		}

		if name == "" || !isDumpFile(name) {
			continue
		}

		dir, ok := iw.wds[raw.Wd]
		if !ok {
			continue
		}

		evtType := EventCreated
		if raw.Mask&unix.IN_CLOSE_WRITE != 0 {
			evtType = EventModified
		}

		evt := Event{
			Path:      filepath.Join(dir, name),
			Type:      evtType,
			Timestamp: time.Now().UTC(),
		}
		emitOnce(iw.events, evt)
	}
}
