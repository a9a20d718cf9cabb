package overlay

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches an overlay file's parent directory for changes and
// invokes onReload whenever the file is created or rewritten. Watching the
// parent directory rather than the file itself catches editors that save
// by writing a temp file and renaming it over the original.
type Watcher struct {
	logger    *slog.Logger
	mu        sync.Mutex
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates an unstarted Watcher.
func NewWatcher(logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{logger: logger.With("component", "overlay.Watcher")}
}

// Watch begins watching the parent directory of path, calling onReload(path)
// on every fsnotify Write or Create event that targets path specifically.
func (w *Watcher) Watch(path string, onReload func(path string)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(absPath)

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return err
	}

	w.mu.Lock()
	w.fsWatcher = fsWatcher
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.watchLoop(absPath, onReload)
	return nil
}

func (w *Watcher) watchLoop(absPath string, onReload func(path string)) {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			targetAbs, err := filepath.Abs(event.Name)
			if err != nil || targetAbs != absPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Info("overlay file changed, reloading", "path", absPath, "op", event.Op.String())
			onReload(absPath)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("overlay watch error", "error", err)
		}
	}
}

// Stop closes the underlying fsnotify watcher and waits for the watch loop
// goroutine to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fsWatcher := w.fsWatcher
	done := w.done
	w.mu.Unlock()

	if fsWatcher == nil {
		return nil
	}
	err := fsWatcher.Close()
	if done != nil {
		<-done
	}
	return err
}
