// Package watcher reloads configuration files when they change on disk.
package watcher

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"axiom/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

// ReloadCallback is called with the path of a file that changed. Bursts
// of events are coalesced into one call.
type ReloadCallback func(path string) error

// Watcher monitors individual files for changes.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*fileWatcher // absolute path → watcher
	debounce time.Duration
	callback ReloadCallback
	log      *logrus.Entry
}

type fileWatcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}
}

// New creates a file watcher. debounce <= 0 uses the default interval.
func New(debounce time.Duration, callback ReloadCallback) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		watchers: make(map[string]*fileWatcher),
		debounce: debounce,
		callback: callback,
		log:      logging.NewLogger("watcher"),
	}
}

// Watch starts watching path. The parent directory is watched so that
// editors that replace the file on save are still seen.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.watchers[abs]; ok {
		return nil
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return err
	}

	fw := &fileWatcher{
		path:      abs,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}
	w.watchers[abs] = fw

	go w.watchLoop(fw)
	w.log.WithField("path", abs).Debug("Watching file")
	return nil
}

// Unwatch stops watching path.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	w.mu.Lock()
	fw, ok := w.watchers[abs]
	if ok {
		delete(w.watchers, abs)
	}
	w.mu.Unlock()

	if ok {
		close(fw.cancel)
		fw.fsWatcher.Close()
	}
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(fw *fileWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-fw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fw.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.reload(fw)
			})

		case err, ok := <-fw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).WithField("path", fw.path).Warn("Watcher error")
		}
	}
}

func (w *Watcher) reload(fw *fileWatcher) {
	if w.callback == nil {
		return
	}
	if err := w.callback(fw.path); err != nil {
		// The previous contents stay in effect.
		w.log.WithError(err).WithField("path", fw.path).Warn("Reload failed")
		return
	}
	w.log.WithField("path", fw.path).Info("Reloaded")
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.watchers))
	for p := range w.watchers {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	for _, p := range paths {
		w.Unwatch(p)
	}
}
