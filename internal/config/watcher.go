package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds the callback that fires when the policy rules
// file changes. Kept as a struct (rather than a bare func param) so
// additional hot-reloadable files can be added without changing
// NewWatcher's signature.
type WatchTargets struct {
	// OnRulesChange fires when the policy rules file is written or
	// created. Typically triggers policy.Engine.Reload() so `airsentryd
	// policy add`/`remove` take effect without restarting the proxy.
	OnRulesChange func()
}

// Watcher monitors a directory for changes to the policy rules file
// using fsnotify, so rule edits take effect without a restart.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher creates a file watcher on the directory containing the
// policy rules file named rulesFile. The watcher starts processing
// events immediately in a background goroutine; call Close to stop
// it.
func NewWatcher(dir, rulesFile string, targets WatchTargets) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		done:      make(chan struct{}),
	}

	go w.processEvents(filepath.Base(rulesFile), targets)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

func (w *Watcher) processEvents(rulesBasename string, targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != rulesBasename {
				continue
			}
			slog.Info("policy rules file changed, triggering reload")
			if targets.OnRulesChange != nil {
				targets.OnRulesChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
