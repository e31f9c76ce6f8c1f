package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const reloadSettle = 100 * time.Millisecond

// Watcher reloads the config when the YAML or .env file changes on disk.
// Only settings that are safe to change at runtime should be read from the
// reloaded config; the log level is the main one.
type Watcher struct {
	files    map[string]struct{}
	dirs     []string
	load     func() (*Config, error)
	onChange func(*Config)

	mu      sync.Mutex
	current *Config
}

// NewWatcher follows the files cfg was loaded from.
func NewWatcher(cfg *Config, onChange func(*Config)) *Watcher {
	w := &Watcher{
		files:    make(map[string]struct{}),
		load:     Load,
		onChange: onChange,
		current:  cfg,
	}
	seen := make(map[string]struct{})
	for _, path := range []string{cfg.FilePath, cfg.EnvFile} {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		w.files[abs] = struct{}{}
		// Editors replace files by rename, so watch the directory.
		dir := filepath.Dir(abs)
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			w.dirs = append(w.dirs, dir)
		}
	}
	return w
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.dirs) == 0 {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Cannot watch config directory")
		}
	}

	w.handleEvents(ctx, fw.Events, fw.Errors)
	return nil
}

func (w *Watcher) handleEvents(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			// Let writers finish before re-reading.
			time.Sleep(reloadSettle)
			w.reload(event.Name)
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	_, ok := w.files[abs]
	return ok
}

func (w *Watcher) reload(name string) {
	cfg, err := w.load()
	if err != nil {
		log.Error().Err(err).Str("file", name).Msg("Failed to reload config, keeping previous settings")
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	log.Info().Str("file", name).Str("log_level", cfg.LogLevel).Msg("Configuration reloaded")
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
