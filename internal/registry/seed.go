// SPDX-License-Identifier: MIT

package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML shape operators maintain:
//
//	encoders:
//	  - did: did:key:z6Mk...
//	    name: rack-3-encoder
//	    owner: ops
//	    active: true
type seedFile struct {
	Encoders []seedEntry `yaml:"encoders"`
}

type seedEntry struct {
	DID    string `yaml:"did"`
	Name   string `yaml:"name"`
	Owner  string `yaml:"owner"`
	Active *bool  `yaml:"active"`
}

// ImportSeed merges the seed file into the registry. Entries missing a DID are
// skipped with a warning. Active defaults to true.
func (r *Registry) ImportSeed(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read seed %s: %w", path, err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("registry: parse seed %s: %w", path, err)
	}

	imported := 0
	for _, entry := range seed.Encoders {
		if entry.DID == "" {
			r.logger.Warn().Str("event", "registry.seed.skip").Str("name", entry.Name).
				Msg("seed entry without DID skipped")
			continue
		}
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		if err := r.Upsert(ctx, &Encoder{
			DID:      entry.DID,
			Name:     entry.Name,
			Owner:    entry.Owner,
			IsActive: active,
		}); err != nil {
			return err
		}
		imported++
	}
	r.logger.Info().Str("event", "registry.seed.imported").
		Str("path", path).Int("encoders", imported).
		Msg("registry seed imported")
	return nil
}

// WatchSeed re-imports the seed file whenever it changes, until ctx is done.
// Import failures are logged; the previous registry contents stay in effect.
func (r *Registry) WatchSeed(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: seed watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("registry: watch %s: %w", path, err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := r.ImportSeed(ctx, path); err != nil {
					r.logger.Error().Err(err).Str("event", "registry.seed.reload_failed").
						Str("path", path).Msg("seed re-import failed, keeping previous registry state")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn().Err(err).Str("event", "registry.seed.watch_error").Msg("seed watcher error")
			}
		}
	}()
	return nil
}
