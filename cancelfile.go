package wirejson

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// NewCancellationFolder mints a fresh per-connection folder for file-based
// cancellation markers. Both sides must be handed the same folder out of
// band, typically on the responder's command line.
func NewCancellationFolder() (string, error) {
	dir := filepath.Join(os.TempDir(), "wirejson-cancellation", uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create cancellation folder: %w", err)
	}
	return dir, nil
}

// FileCancellation is the out-of-band strategy for responders whose handlers
// run tight synchronous loops: instead of a message, the requester drops a
// marker file named after the request id into the shared folder, and the
// responder's token checks for the marker on every Cancelled read. A folder
// watcher additionally latches tokens as soon as the marker appears, so
// Done and handler contexts fire without waiting for a poll.
func FileCancellation(folder string) CancellationStrategy {
	return CancellationStrategy{
		Sender:   &fileSender{folder: folder},
		Receiver: &fileReceiver{folder: folder, sources: make(map[string]*fileSource)},
	}
}

// Marker names stay deterministic on both sides: decimal for numeric ids,
// hex of the string for string ids.
func markerName(id ID) string {
	if id.kind == idString {
		return hex.EncodeToString([]byte(id.str))
	}
	return id.String()
}

type fileSender struct {
	folder string
}

func (s *fileSender) SendCancel(_ context.Context, _ *Conn, id ID) error {
	if err := os.MkdirAll(s.folder, 0o700); err != nil {
		return fmt.Errorf("create cancellation folder: %w", err)
	}
	path := filepath.Join(s.folder, markerName(id))
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		return fmt.Errorf("write cancellation marker: %w", err)
	}
	return nil
}

func (s *fileSender) Cleanup(id ID) {
	os.Remove(filepath.Join(s.folder, markerName(id)))
}

type fileReceiver struct {
	folder string

	mu      sync.Mutex
	sources map[string]*fileSource
	watcher *fsnotify.Watcher
	closed  bool
}

func (r *fileReceiver) NewSource(id ID) (TokenSource, error) {
	name := markerName(id)
	src := &fileSource{
		name:     name,
		path:     filepath.Join(r.folder, name),
		receiver: r,
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	if !r.closed && r.watcher == nil {
		// Watching is best effort; polling covers a watcher that could not
		// start.
		if w, err := fsnotify.NewWatcher(); err == nil {
			if os.MkdirAll(r.folder, 0o700) == nil && w.Add(r.folder) == nil {
				r.watcher = w
				go r.watch(w)
			} else {
				w.Close()
			}
		}
	}
	r.sources[name] = src
	r.mu.Unlock()

	// The marker may already exist if cancellation raced ahead of dispatch.
	if _, err := os.Stat(src.path); err == nil {
		src.latch()
	}
	return src, nil
}

func (r *fileReceiver) watch(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create) {
				continue
			}
			r.mu.Lock()
			src := r.sources[filepath.Base(ev.Name)]
			r.mu.Unlock()
			if src != nil {
				src.latch()
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

func (r *fileReceiver) remove(name string) {
	r.mu.Lock()
	delete(r.sources, name)
	r.mu.Unlock()
}

func (r *fileReceiver) Close() error {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.closed = true
	r.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}

type fileSource struct {
	name     string
	path     string
	receiver *fileReceiver
	once     sync.Once
	done     chan struct{}
}

func (s *fileSource) Token() CancelToken { return fileToken{s} }

func (s *fileSource) Cancel() { s.latch() }

func (s *fileSource) latch() {
	s.once.Do(func() { close(s.done) })
}

func (s *fileSource) Dispose() { s.receiver.remove(s.name) }

type fileToken struct {
	src *fileSource
}

// Cancelled polls the marker file until the first detection, then stays
// latched without touching the filesystem again.
func (t fileToken) Cancelled() bool {
	select {
	case <-t.src.done:
		return true
	default:
	}
	if _, err := os.Stat(t.src.path); err == nil {
		t.src.latch()
		return true
	}
	return false
}

func (t fileToken) Done() <-chan struct{} { return t.src.done }
