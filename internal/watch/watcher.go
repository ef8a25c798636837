// Package watch reloads rig sources when their files change.
package watch

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/normanking/mannequin/internal/bus"
)

// Watcher watches files and calls a reload function after they change.
// Editors often write a file in several steps, so events for the same file
// are coalesced over a debounce window.
type Watcher struct {
	watcher  *fsnotify.Watcher
	eventBus *bus.EventBus
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	files   map[string]func() error // cleaned path -> reload
	pending map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher and starts its event loop.
func New(debounce time.Duration, eventBus *bus.EventBus, logger zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "watch").Logger(),
		debounce: debounce,
		files:    make(map[string]func() error),
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.watchLoop()
	return w, nil
}

// Watch registers reload for path. The parent directory is watched so that
// atomic replace-by-rename saves are seen.
func (w *Watcher) Watch(path string, reload func() error) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	w.files[abs] = reload
	w.logger.Debug().Str("path", abs).Msg("Watching")
	return nil
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule(filepath.Clean(event.Name))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	reload, ok := w.files[path]
	if !ok {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		w.fire(path, reload)
	})
}

func (w *Watcher) fire(path string, reload func() error) {
	err := reload()
	data := map[string]any{"path": path}
	if err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("Reload failed")
		data["error"] = err.Error()
	} else {
		w.logger.Info().Str("path", path).Msg("Reloaded")
	}
	if w.eventBus != nil {
		w.eventBus.Publish(bus.Event{Type: bus.EventTypeSourceChanged, Source: path, Data: data})
	}
}

// Close stops the watcher. Pending reloads are dropped.
func (w *Watcher) Close() error {
	close(w.done)

	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
