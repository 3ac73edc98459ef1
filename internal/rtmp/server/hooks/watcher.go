// Hook script directory watcher.
// Watches a directory of shell scripts named "<event_type>.sh" and keeps the
// manager's registered shell hooks in sync with its contents, so an operator
// can drop in or remove a hook script without restarting the server.
package hooks

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ScriptWatcher hot-reloads shell hooks from a directory. Each regular file
// directly inside the watched directory whose name matches "<event>.sh" is
// registered under EventType(event); the hook id is the file's base name, so
// a later rename/remove can unregister the exact hook it replaces.
type ScriptWatcher struct {
	dir     string
	manager *HookManager
	timeout time.Duration
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewScriptWatcher creates a watcher over dir. Call Start to begin watching
// and perform the initial scan; call Close to stop.
func NewScriptWatcher(dir string, manager *HookManager, timeout time.Duration, logger *slog.Logger) (*ScriptWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &ScriptWatcher{
		dir:     dir,
		manager: manager,
		timeout: timeout,
		logger:  logger.With("component", "hook_script_watcher", "dir", dir),
		watcher: w,
		done:    make(chan struct{}),
	}, nil
}

// Start performs an initial scan of the directory then runs the fsnotify
// event loop in a background goroutine until Close is called.
func (sw *ScriptWatcher) Start() error {
	entries, err := filepath.Glob(filepath.Join(sw.dir, "*.sh"))
	if err != nil {
		return err
	}
	for _, path := range entries {
		sw.register(path)
	}
	go sw.loop()
	return nil
}

func (sw *ScriptWatcher) loop() {
	for {
		select {
		case <-sw.done:
			return
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handle(ev)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("watch error", "error", err)
		}
	}
}

func (sw *ScriptWatcher) handle(ev fsnotify.Event) {
	if !strings.HasSuffix(ev.Name, ".sh") {
		return
	}
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		sw.register(ev.Name)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		sw.unregister(ev.Name)
	}
}

func (sw *ScriptWatcher) register(path string) {
	id := filepath.Base(path)
	eventName := strings.TrimSuffix(id, ".sh")
	sw.manager.UnregisterHook(EventType(eventName), id)
	hook := NewShellHook(id, path, sw.timeout)
	if err := sw.manager.RegisterHook(EventType(eventName), hook); err != nil {
		sw.logger.Error("register hook script", "path", path, "error", err)
		return
	}
	sw.logger.Info("loaded hook script", "event_type", eventName, "path", path)
}

func (sw *ScriptWatcher) unregister(path string) {
	id := filepath.Base(path)
	eventName := strings.TrimSuffix(id, ".sh")
	if sw.manager.UnregisterHook(EventType(eventName), id) {
		sw.logger.Info("unloaded hook script", "event_type", eventName, "path", path)
	}
}

// Close stops the watch loop and releases the underlying fsnotify watcher.
func (sw *ScriptWatcher) Close() error {
	close(sw.done)
	return sw.watcher.Close()
}
