package gateway

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"deckhand/internal/gateway/websocket"
	"deckhand/pkg/logger"
)

const debounceDelay = 100 * time.Millisecond

// ReloadFunc reloads whatever lives at a watched path.
type ReloadFunc func(path string) error

type watchTarget struct {
	path   string
	dir    bool
	reload ReloadFunc
}

// matches reports whether an event on name concerns the target.
func (t watchTarget) matches(name string) bool {
	name = filepath.Clean(name)
	if !t.dir {
		return name == t.path
	}
	return name == t.path || strings.HasPrefix(name, t.path+string(filepath.Separator))
}

// Watcher monitors watched files and directories, runs their reload
// function and notifies clients.
type Watcher struct {
	watcher  *fsnotify.Watcher
	hub      *websocket.Hub
	targets  []watchTarget
	stopCh   chan struct{}
	stopOnce sync.Once
	debounce map[string]*time.Timer
	delay    time.Duration
	mu       sync.Mutex
}

// NewWatcher creates a new file watcher. hub may be nil.
func NewWatcher(hub *websocket.Hub) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:  w,
		hub:      hub,
		stopCh:   make(chan struct{}),
		debounce: make(map[string]*time.Timer),
		delay:    debounceDelay,
	}, nil
}

// Watch registers reload for path. A file is watched through its parent
// directory so that editors that replace the file are still seen.
func (w *Watcher) Watch(path string, reload ReloadFunc) error {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	t := watchTarget{path: path, dir: info.IsDir(), reload: reload}
	watchDir := path
	if !t.dir {
		watchDir = filepath.Dir(path)
	}
	if err := w.watcher.Add(watchDir); err != nil {
		return err
	}

	w.mu.Lock()
	w.targets = append(w.targets, t)
	w.mu.Unlock()
	return nil
}

// Paths returns the watched paths.
func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.targets))
	for i, t := range w.targets {
		out[i] = t.path
	}
	return out
}

// Start begins processing file system events.
func (w *Watcher) Start() {
	go w.run()
}

// run processes file system events.
func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.handleEvent(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("File watcher error")
		}
	}
}

// handleEvent debounces events per watched target.
func (w *Watcher) handleEvent(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, t := range w.targets {
		if !t.matches(name) {
			continue
		}
		if timer, ok := w.debounce[t.path]; ok {
			timer.Stop()
		}
		t := t
		w.debounce[t.path] = time.AfterFunc(w.delay, func() {
			w.mu.Lock()
			delete(w.debounce, t.path)
			w.mu.Unlock()

			w.fire(t)
		})
	}
}

func (w *Watcher) fire(t watchTarget) {
	select {
	case <-w.stopCh:
		return
	default:
	}

	if t.reload != nil {
		if err := t.reload(t.path); err != nil {
			logger.Warn().Err(err).Str("path", t.path).Msg("Reload failed, keeping previous version")
			return
		}
	}
	logger.Info().Str("path", t.path).Msg("Reloaded")
	if w.hub != nil {
		w.hub.NotifyReload(t.path)
	}
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)

		w.mu.Lock()
		for _, timer := range w.debounce {
			timer.Stop()
		}
		w.mu.Unlock()

		w.watcher.Close()
	})
}
