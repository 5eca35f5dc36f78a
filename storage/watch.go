package storage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Reloader is implemented by the export storage adapters, whose in-memory
// copy can be refreshed from disk.
type Reloader interface {
	Reload() error
}

// ExportWatcher watches an export directory and reloads an export adapter
// whenever its CSV files change, so long-running consumers see fresh data
// after a new export lands.
type ExportWatcher struct {
	watcher  *fsnotify.Watcher
	reloader Reloader
	logger   Logger
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// Logger is the minimal logging interface accepted across the module.
type Logger interface {
	Printf(format string, args ...any)
}

// NewExportWatcher creates a watcher for the given reloader. The watcher
// must be started with Start before it reloads anything.
func NewExportWatcher(reloader Reloader, logger Logger) (*ExportWatcher, error) {
	if reloader == nil {
		return nil, fmt.Errorf("%w: a reloader is required", ErrInvalidInput)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create export watcher: %w", err)
	}
	return &ExportWatcher{
		watcher:  watcher,
		reloader: reloader,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching dir for changes to .csv files.
func (w *ExportWatcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("export watcher already running")
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch export directory %s: %w", dir, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (w *ExportWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("close export watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *ExportWatcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".csv") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.reloader.Reload(); err != nil && w.logger != nil {
				w.logger.Printf("export reload after %s: %v", event.Name, err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Printf("export watcher: %v", err)
			}
		}
	}
}
