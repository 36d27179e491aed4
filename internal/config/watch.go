package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the config file whenever it changes on disk and delivers
// each valid snapshot to onChange. Snapshots that fail to load or validate
// are logged and skipped. Watch blocks until stop is closed.
func Watch(path string, stop <-chan struct{}, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	// Watch the directory, not the file: editors replace the file on save,
	// which invalidates a watch set on the file itself.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching config directory: %w", err)
	}

	logrus.Debugf("Watching %s for changes", abs)

	for {
		select {
		case <-stop:
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			evAbs, _ := filepath.Abs(ev.Name)
			if evAbs != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logrus.Errorf("Config reload failed: %v", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				logrus.Errorf("Reloaded config is invalid: %v", err)
				continue
			}

			logrus.Infof("Config reloaded from %s", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.Errorf("Config watcher error: %v", err)
		}
	}
}
