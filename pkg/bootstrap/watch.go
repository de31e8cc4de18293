package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watch runs a pass at start and again whenever the rules file changes,
// until ctx is cancelled. A failing pass is reported and watching goes on.
func (cmd *LoadCmd) watch(ctx context.Context, out io.Writer, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	path, err := filepath.Abs(cmd.Config)
	if err != nil {
		return err
	}
	// Watch the directory: editors replace the file rather than write it.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	cmd.runWatchedPass(ctx, out, logger)
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopped watching", "file", path)
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isConfigChange(event, path) {
				continue
			}
			logger.Info("rules file changed, reloading", "file", path, "op", event.Op.String())
			cmd.runWatchedPass(ctx, out, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
		}
	}
}

func (cmd *LoadCmd) runWatchedPass(ctx context.Context, out io.Writer, logger *slog.Logger) {
	code, err := cmd.runOnce(ctx, out, logger)
	if err != nil {
		logger.Error("load pass failed", "error", err)
		return
	}
	if code != exitOK {
		logger.Warn("load pass incomplete, waiting for the next change", "exit_code", code)
	}
}

// isConfigChange reports whether event changed the contents of path.
func isConfigChange(event fsnotify.Event, path string) bool {
	if filepath.Clean(event.Name) != path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create)
}
