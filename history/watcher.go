package history

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates the reader's sessionId→file cache whenever the
// projects root changes. The CLI appends to existing files and creates
// new project directories at will, so any event is grounds to drop the
// cache; the next fetch rebuilds it.
type Watcher struct {
	reader  *Reader
	watcher *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher over the reader's projects root. Missing
// roots are tolerated: the watcher starts once the directory appears at
// the next Start call.
func NewWatcher(reader *Reader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{reader: reader, watcher: fw}, nil
}

// Start begins watching the root and every existing project directory.
func (w *Watcher) Start() error {
	if _, err := os.Stat(w.reader.root); err == nil {
		if err := w.watcher.Add(w.reader.root); err != nil {
			return err
		}
		entries, err := os.ReadDir(w.reader.root)
		if err == nil {
			for _, entry := range entries {
				if entry.IsDir() {
					// Best effort: a vanished dir between ReadDir and
					// Add is not fatal.
					w.watcher.Add(filepath.Join(w.reader.root, entry.Name()))
				}
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("projects watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			w.watcher.Add(event.Name)
		}
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.reader.InvalidateCache()
	}
}

// Stop tears the watcher down and waits for the event loop to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	w.wg.Wait()
}
