package tasks

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cellflow/internal/fsutil"
)

// DefaultSettle is how long a TIFF must stay unchanged before it is reported.
const DefaultSettle = 2 * time.Second

// InboxEvent reports a TIFF that has finished arriving in the inbox.
type InboxEvent struct {
	Path string    `json:"path"`
	Size int64     `json:"size"`
	Time time.Time `json:"time"`
}

// InboxWatcher monitors the inbox for new stacks.
type InboxWatcher struct {
	watcher *fsnotify.Watcher
	Events  chan InboxEvent
	dir     string
	settle  time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewInboxWatcher watches dir. A file is reported once no write has touched
// it for settle; settle <= 0 selects DefaultSettle.
func NewInboxWatcher(dir string, settle time.Duration, logger *slog.Logger) (*InboxWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &InboxWatcher{
		watcher: watcher,
		Events:  make(chan InboxEvent, 100),
		dir:     dir,
		settle:  settle,
		logger:  logger,
		pending: make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring the inbox.
func (w *InboxWatcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("watching inbox", "dir", w.dir, "settle", w.settle)
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and closes Events.
func (w *InboxWatcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
	close(w.Events)
	w.mu.Unlock()
	return err
}

func (w *InboxWatcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !fsutil.IsTIFF(event.Name) || fsutil.IsHidden(event.Name) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				w.touch(event.Name)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				w.forget(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("inbox watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// touch (re)arms the settle timer of path.
func (w *InboxWatcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() { w.emit(path) })
}

func (w *InboxWatcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *InboxWatcher) emit(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[path]; !ok {
		return
	}
	delete(w.pending, path)

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	ev := InboxEvent{Path: path, Size: info.Size(), Time: time.Now()}
	select {
	case w.Events <- ev:
	default:
		w.logger.Warn("inbox event buffer full, dropping event", "path", path)
	}
}
