package param

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"
)

// LoadValues reads a YAML document of top level parameters.
func LoadValues(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryExternal, "read parameter file").
			WithMetadata(map[string]any{"path": path})
	}
	values := map[string]any{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "parse parameter file").
			WithMetadata(map[string]any{"path": path})
	}
	return values, nil
}

// LoadFile seeds the store from a YAML file and returns how many values were
// applied.
func (s *Store) LoadFile(path string) (int, error) {
	values, err := LoadValues(path)
	if err != nil {
		return 0, err
	}
	return s.Apply(values), nil
}

// Watch reloads path whenever it is written or replaced and hands the values
// to apply, or to the store itself when apply is nil. It blocks until ctx is
// done.
func (s *Store) Watch(ctx context.Context, path string, apply func(map[string]any)) error {
	if apply == nil {
		apply = func(values map[string]any) { s.Apply(values) }
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "create parameter watcher")
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "resolve parameter file")
	}
	// editors replace files, so watch the directory and filter by name
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrap(err, errors.CategoryExternal, "watch parameter directory").
			WithMetadata(map[string]any{"path": abs})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			values, err := LoadValues(abs)
			if err != nil {
				s.logger.Warn("parameter reload failed: %v", err)
				continue
			}
			if len(values) == 0 {
				// truncated mid-write
				continue
			}
			s.logger.Debug("reloaded %d parameters from %s", len(values), abs)
			apply(values)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("parameter watcher error: %v", err)
		}
	}
}
