package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/geultto/sheetsync/internal/schema"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a table file was created or renamed into place.
	OpCreate EventOp = iota
	// OpModify indicates a table file was written.
	OpModify
	// OpDelete indicates a table file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// TableEvent reports a change to a table file.
type TableEvent struct {
	Table schema.Table
	Path  string
	Op    EventOp
}

// Watcher watches the data directory for changes to table files. Operators
// occasionally fix rows by hand; the store uses these events to drop stale
// cached reads.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan TableEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewWatcher creates a Watcher. It emits nothing until Start is called.
func NewWatcher() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		watcher: w,
		events:  make(chan TableEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (w *Watcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch data directory %s: %w", dir, err)
	}

	w.dir = dir
	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and closes the event channels.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of table file changes.
func (w *Watcher) Events() <-chan TableEvent {
	return w.events
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if te, ok := convertEvent(event); ok {
				select {
				case w.events <- te:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event on <table>.csv to a TableEvent.
// Temporary files and unknown names are ignored.
func convertEvent(event fsnotify.Event) (TableEvent, bool) {
	base := filepath.Base(event.Name)
	if !strings.HasSuffix(base, ".csv") {
		return TableEvent{}, false
	}
	t := schema.Table(strings.TrimSuffix(base, ".csv"))
	if !t.Valid() {
		return TableEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return TableEvent{}, false
	}

	return TableEvent{Table: t, Path: event.Name, Op: op}, true
}

// Watch starts invalidating cached tables whenever their files change on
// disk. It is optional; without it the store only sees its own writes.
func (s *Store) Watch() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watcher != nil {
		return nil
	}
	w, err := NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Start(s.dir); err != nil {
		_ = w.watcher.Close()
		return err
	}

	s.watcher = w
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.consume(w, s.done)
	return nil
}

func (s *Store) consume(w *Watcher, done <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			s.logger.Debug("table file changed", "table", ev.Table, "op", ev.Op)
			s.Invalidate(ev.Table)
		case err, ok := <-w.Errors():
			if !ok {
				return
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}

// Close stops the watcher if one is running.
func (s *Store) Close() error {
	s.watchMu.Lock()
	w := s.watcher
	s.watcher = nil
	done := s.done
	s.watchMu.Unlock()

	if w == nil {
		return nil
	}
	close(done)
	err := w.Stop()
	s.wg.Wait()
	return err
}
