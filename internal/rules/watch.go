package rules

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the table at path into store whenever the file changes,
// until ctx is done. A version that fails to parse is logged and the
// previous table stays live.
func Watch(ctx context.Context, path string, store *Store) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules: create watcher: %w", err)
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("rules: watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				reload(path, store)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				zap.L().Warn("Rule watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func reload(path string, store *Store) {
	t, err := Load(path)
	if err != nil {
		zap.L().Warn("Ignoring invalid rule table", zap.String("path", path), zap.Error(err))
		return
	}
	prev := store.Get()
	store.Set(t)
	prevVersion := 0
	if prev != nil {
		prevVersion = prev.Version
	}
	zap.L().Info("Rule table reloaded",
		zap.String("path", path),
		zap.Int("previousVersion", prevVersion),
		zap.Int("version", t.Version),
		zap.Int("rules", len(t.Rules)))
}
