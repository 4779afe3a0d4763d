package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"flocksync/internal/events"
	"flocksync/internal/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// StaticToken is a fixed bearer token from configuration.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// FileTokenSource reads the bearer token from a file the host app rewrites on
// sign-in and sign-out. A missing or empty file means no token.
type FileTokenSource struct {
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	token string

	changes *events.Listeners[string]
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewFileTokenSource loads path and starts watching its directory for changes.
func NewFileTokenSource(path string, logger *zerolog.Logger) (*FileTokenSource, error) {
	log := logging.Component(logger, "auth")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watching the directory survives editors and writers that replace the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch token directory: %w", err)
	}

	s := &FileTokenSource{
		path:    path,
		logger:  log,
		watcher: watcher,
		changes: events.NewListeners[string](log),
		done:    make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		watcher.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.processEvents()
	return s, nil
}

func (s *FileTokenSource) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// Subscribe registers fn to be called with the new token after every change.
func (s *FileTokenSource) Subscribe(fn func(token string)) func() {
	return s.changes.Subscribe(fn)
}

// Close stops watching. It is safe to call more than once.
func (s *FileTokenSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *FileTokenSource) processEvents() {
	defer s.wg.Done()

	target := filepath.Clean(s.path)
	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to reload token file")
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn().Err(err).Msg("token watcher error")
		}
	}
}

func (s *FileTokenSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))

	s.mu.Lock()
	changed := token != s.token
	s.token = token
	s.mu.Unlock()

	if changed {
		s.logger.Info().Bool("signed_in", token != "").Msg("token changed")
		s.changes.Notify(token)
	}
	return nil
}
