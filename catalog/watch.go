package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// LoadReciters reads a reciter list from a JSON file in the same shape as the
// bundled data/reciters.json.
func LoadReciters(path string) ([]Reciter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var reciters []Reciter
	if err := json.Unmarshal(raw, &reciters); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if err := validateReciters(reciters); err != nil {
		return nil, err
	}
	return reciters, nil
}

// Watch applies the reciter file at path and keeps it applied whenever it
// changes until ctx is cancelled. The parent directory is watched rather than
// the file itself so editors that save by renaming are picked up too.
// A broken file is logged and the previous list stays live.
func (c *Catalog) Watch(ctx context.Context, path string) error {
	path = filepath.Clean(path)
	c.reload(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					c.reload(path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.With(slog.Any("error", err)).Error("Reciter file watcher failed")
			}
		}
	}()
	return nil
}

func (c *Catalog) reload(path string) {
	reciters, err := LoadReciters(path)
	if err != nil {
		slog.With(slog.String("path", path), slog.Any("error", err)).Warn("Ignoring reciter file")
		return
	}
	if err := c.ReplaceReciters(reciters); err != nil {
		slog.With(slog.String("path", path), slog.Any("error", err)).Warn("Ignoring reciter file")
		return
	}
	slog.With(slog.String("path", path), slog.Int("reciters", len(reciters))).Info("Loaded reciters")
}
