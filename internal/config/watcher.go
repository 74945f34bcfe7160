package config

import (
	"path/filepath"
	"sync"
	"time"

	"uiscout/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches .scout/config.yaml for changes and reloads it.
// Events are debounced because editors fire several write events per save.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	configPath  string
	debounceDur time.Duration
	lastEvent   time.Time
	onReload    func(*Config)
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a Watcher for the config file inside dataDir.
// onReload is invoked with the freshly loaded config after each change;
// it may be nil.
func NewWatcher(dataDir string, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fw,
		configPath:  filepath.Join(dataDir, "config.yaml"),
		debounceDur: 500 * time.Millisecond,
		onReload:    onReload,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. The watch is on the directory, not the file,
// because some editors replace the file on save and break inode watches.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}

	w.running = true
	go w.loop()
	logging.Get(logging.CategoryConfig).Info("Config watcher started on %s", w.configPath)
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastEvent) < w.debounceDur {
				w.mu.Unlock()
				continue
			}
			w.lastEvent = time.Now()
			w.mu.Unlock()

			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Warn("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	logging.Get(logging.CategoryConfig).Info("Config changed, reloading: %s", w.configPath)

	cfg, err := Load(w.configPath)
	if err != nil {
		logging.Get(logging.CategoryConfig).Error("Config reload failed: %v", err)
		return
	}

	if err := logging.ReloadConfig(); err != nil {
		logging.Get(logging.CategoryConfig).Warn("Logging config reload failed: %v", err)
	}

	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop halts the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.watcher.Close()
	<-w.doneCh
}
