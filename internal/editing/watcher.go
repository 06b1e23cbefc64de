package editing

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/aide-ai/aide/internal/logging"
)

// Watcher reports writes to working-set files made outside of edit streams.
// It watches the parent directory of every registered file, since editors
// often replace files instead of writing them in place.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func(path string)

	mu      sync.Mutex
	dirs    map[string]struct{}
	files   map[string]struct{}
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher that calls onChange with the cleaned path of
// every registered file that was written or recreated.
func NewWatcher(onChange func(path string)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  w,
		onChange: onChange,
		dirs:     make(map[string]struct{}),
		files:    make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Add registers path.
func (w *Watcher) Add(path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = struct{}{}
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = struct{}{}
	return nil
}

// Start begins delivering changes.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	log := logging.Component("editing.watcher")

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path := filepath.Clean(ev.Name)
			w.mu.Lock()
			_, tracked := w.files[path]
			w.mu.Unlock()
			if tracked {
				w.onChange(path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("file watcher error")
		}
	}
}

// Stop stops the watcher and waits for the delivery loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
