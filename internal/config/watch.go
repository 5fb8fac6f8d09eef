package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Debounce is how long the file must stay quiet before it is reloaded.
// Editors often write a file in several steps.
var Debounce = 300 * time.Millisecond

// Watch reloads the file at path whenever it is written or replaced and
// calls onChange with the new configuration. Files that fail to load are
// logged and ignored. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log logrus.FieldLogger, onChange func(*Config)) error {
	if path == "" {
		path = DefaultFile
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// the directory is watched so that atomic replaces are seen
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	log = log.WithField("path", path)
	log.Debug("watching configuration")

	timer := time.NewTimer(Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("configuration watcher error")

		case <-timer.C:
			config, err := Load(path)
			if err != nil {
				log.WithError(err).Error("configuration not reloaded")
				continue
			}
			log.Info("configuration reloaded")
			onChange(config)
		}
	}
}
