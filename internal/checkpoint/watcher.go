package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"afm-trainer/internal/domain"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reports checkpoint files as the toolkit writes them into a directory.
// Writes to the same file are debounced so a large checkpoint is reported once.
type Watcher struct {
	dir      string
	debounce time.Duration
	log      zerolog.Logger
	onSaved  func(domain.Checkpoint)

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	// inflight counts timer callbacks that passed the closed check.
	inflight sync.WaitGroup
}

// NewWatcher creates a watcher for dir. onSaved runs on a timer goroutine.
func NewWatcher(dir string, log zerolog.Logger, onSaved func(domain.Checkpoint)) *Watcher {
	return &Watcher{
		dir:      dir,
		debounce: defaultDebounce,
		log:      log.With().Str("component", "checkpoint_watcher").Logger(),
		onSaved:  onSaved,
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled. It returns an error only if the watch
// could not be established.
func (w *Watcher) Run(ctx context.Context, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	w.mu.Lock()
	w.closed = false
	w.mu.Unlock()
	if ready != nil {
		close(ready)
	}

	defer w.stopPending()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, _, ok := Classify(filepath.Base(event.Name)); !ok {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		if w.closed {
			w.mu.Unlock()
			return
		}
		w.inflight.Add(1)
		w.mu.Unlock()
		defer w.inflight.Done()
		w.emit(path)
	})
}

func (w *Watcher) emit(path string) {
	kind, tag, ok := Classify(filepath.Base(path))
	if !ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if w.onSaved != nil {
		w.onSaved(domain.Checkpoint{Kind: kind, Tag: tag, Path: path, ModTime: info.ModTime()})
	}
}

// stopPending cancels queued reports and waits for any report in progress,
// so onSaved never runs after Run returns.
func (w *Watcher) stopPending() {
	w.mu.Lock()
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.inflight.Wait()
}
