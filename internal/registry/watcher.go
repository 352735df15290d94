package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes inside the component directories so the daemon
// can rebuild its registry without waiting for a restart.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dirs      []string
	debounce  time.Duration
	logger    *slog.Logger

	changes chan struct{}
	errors  chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a watcher over dirs. Bursts of events are collapsed
// into one notification after debounce.
func NewWatcher(dirs []string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		dirs:      dirs,
		debounce:  debounce,
		logger:    logger,
		changes:   make(chan struct{}, 1),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Changes delivers one value per debounced burst of changes.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start watches every directory that exists. Missing directories are
// skipped; their creation is still noticed through the root mtime check
// on the next registry load.
func (w *Watcher) Start() error {
	watched := 0
	for _, dir := range w.dirs {
		if err := w.fsWatcher.Add(dir); err != nil {
			w.logger.Debug("not watching component directory", "dir", dir, "error", err)
			continue
		}
		watched++
	}
	w.logger.Debug("watching component directories", "count", watched)

	w.wg.Add(1)
	go w.eventLoop()
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	return w.fsWatcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			select {
			case w.changes <- struct{}{}:
			default:
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}
