package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// fallbackSource serves flag values from a local JSON document of the form
// {"flagKey": value, ...}. The file is reloaded when it changes, so an
// operator can rotate fallback values without restarting the process.
type fallbackSource struct {
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	flags map[string]any

	done     chan struct{}
	stopOnce sync.Once
}

func newFallbackSource(path string, logger zerolog.Logger) (*fallbackSource, error) {
	source := &fallbackSource{
		path:   path,
		logger: logger.With().Str("component", "fallback").Logger(),
		done:   make(chan struct{}),
	}

	if err := source.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		source.logger.Warn().Err(err).Msg("Fallback file watcher unavailable, values are frozen")
		return source, nil
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		source.logger.Warn().Err(err).Msg("Failed to watch fallback directory, values are frozen")
		return source, nil
	}
	source.watcher = watcher
	go source.watch()

	return source, nil
}

func (s *fallbackSource) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read fallback file %q: %w", s.path, err)
	}

	var flags map[string]any
	if err := json.Unmarshal(data, &flags); err != nil {
		return fmt.Errorf("malformed fallback file %q: %w", s.path, err)
	}

	s.mu.Lock()
	s.flags = flags
	s.mu.Unlock()

	s.logger.Info().
		Str("path", s.path).
		Int("flags_count", len(flags)).
		Msg("Fallback flags loaded")
	return nil
}

func (s *fallbackSource) watch() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.load(); err != nil {
				// Keep the previous values on a bad rewrite.
				s.logger.Warn().Err(err).Msg("Failed to reload fallback flags")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("Fallback file watcher error")
		case <-s.done:
			return
		}
	}
}

// current returns a copy of the fallback values.
func (s *fallbackSource) current() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flags := make(map[string]any, len(s.flags))
	for key, value := range s.flags {
		flags[key] = value
	}
	return flags
}

func (s *fallbackSource) close() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
}
