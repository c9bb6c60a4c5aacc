package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher hot-reloads the config file. Only the fields safe to change at
// runtime are picked up: log level and the ICE server list. Everything else
// needs a restart.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	closed  chan struct{}

	mu  sync.RWMutex
	cfg Config
}

// Watch starts watching path. cfg is the already-loaded config the watcher
// serves until the file changes.
func Watch(path string, cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// the watch would die with the old inode.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		path:    path,
		watcher: fsw,
		closed:  make(chan struct{}),
		cfg:     cfg,
	}

	go w.watchLoop()
	return w, nil
}

// Current returns the latest valid config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// ICEServers returns the current ICE server list.
func (w *Watcher) ICEServers() []ICEServer {
	return w.Current().ICE.Servers
}

func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.closed:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("config watch error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warnw("config reload failed, keeping previous", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.cfg
	w.cfg.Log = cfg.Log
	w.cfg.ICE = cfg.ICE
	w.mu.Unlock()

	if prev.Log.Level != cfg.Log.Level {
		if err := logging.SetLogLevel("*", cfg.Log.Level); err != nil {
			log.Warnw("apply log level failed", "level", cfg.Log.Level, "err", err)
		} else {
			log.Infow("log level changed", "level", cfg.Log.Level)
		}
	}
	log.Infow("config reloaded", "path", w.path)
}
