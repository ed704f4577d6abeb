package templates

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads templates from dir whenever a file there is written, created
// or removed. A removed override falls back to the built-in version. It blocks
// until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, dir string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateFile(event.Name) {
				continue
			}
			r.handleEvent(event, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("template watcher error", "error", err)
		}
	}
}

func (r *Registry) handleEvent(event fsnotify.Event, logger *slog.Logger) {
	switch {
	case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
		id, err := r.LoadFile(event.Name)
		if err != nil {
			logger.Warn("template reload failed", "file", event.Name, "error", err)
			return
		}
		logger.Info("template reloaded", "template", id, "file", event.Name)
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		ids := r.forgetSource(event.Name)
		if len(ids) == 0 {
			return
		}
		if err := r.loadBuiltins(ids); err != nil {
			logger.Error("restore builtin templates", "error", err)
			return
		}
		logger.Info("template override removed", "templates", ids, "file", event.Name)
	}
}
