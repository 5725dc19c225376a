package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nyx-1037/ql-tiku2-opensource-sub000/internal/logger"
)

const policyDebounce = 200 * time.Millisecond

// WatchPolicy reloads the policy file whenever it changes and passes the result to onChange.
// A file that fails to parse is logged and ignored. It blocks until ctx is done.
func WatchPolicy(ctx context.Context, path string, onChange func(Policy)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := func() {
		p, err := LoadPolicy(path)
		if err != nil {
			logger.WarnWithFields("policy reload failed", logger.Fields{"path": path, "error": err.Error()})
			return
		}
		logger.InfoWithFields("policy reloaded", logger.Fields{"path": path, "tiers": len(p.Tiers)})
		onChange(p)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(policyDebounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WarnWithFields("policy watcher error", logger.Fields{"error": err.Error()})
		}
	}
}
