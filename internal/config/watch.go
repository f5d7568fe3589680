package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"dabba-client/internal/logging"
)

// debounce window for editors that truncate+write settings in two events.
const settingsReloadDelay = 200 * time.Millisecond

// WatchSettings watches the settings file and invokes onChange with each
// freshly loaded snapshot. It returns once the watcher goroutine is running;
// the goroutine stops when ctx is canceled.
func WatchSettings(ctx context.Context, logger *logging.Logger, onChange func(ClientSettings)) error {
	if logger == nil {
		panic("config.WatchSettings: logger must not be nil")
	}
	if onChange == nil {
		panic("config.WatchSettings: onChange must not be nil")
	}
	path, err := SettingsPath()
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to initialize fsnotify watcher: %w", err)
	}
	// Watch the directory: the file may not exist yet, and editors often
	// replace it via rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		var pendingC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				logger.Debug("stopping settings watcher: context canceled")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				logger.Debugf("settings fsnotify event: op=%s path=%s", event.Op.String(), event.Name)
				if pending == nil {
					pending = time.NewTimer(settingsReloadDelay)
				} else {
					pending.Reset(settingsReloadDelay)
				}
				pendingC = pending.C
			case <-pendingC:
				pendingC = nil
				settings, loadErr := loadSettingsFrom(path)
				if loadErr != nil {
					logger.Warn("failed to reload settings", logging.Field("error", loadErr))
					continue
				}
				logger.Debug("settings reloaded", logging.Field("debug", settings.Debug))
				onChange(settings)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("settings watcher error", logging.Field("error", watchErr))
			}
		}
	}()
	return nil
}
