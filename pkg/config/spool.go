package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Spool subdirectories. Handled files are moved out of the spool directory so
// they are never submitted twice.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"

	// DefaultSettleDelay debounces the events of one file write.
	DefaultSettleDelay = 250 * time.Millisecond
)

// SpoolHandler consumes one parsed spool document.
type SpoolHandler func(ctx context.Context, doc *Document) error

// Spool watches a directory for spec files and hands each one to a handler.
// Files that were handled move to processed/, files that failed to parse or
// were rejected move to failed/ next to a .error file with the reason.
type Spool struct {
	dir     string
	parser  *Parser
	handler SpoolHandler
	logger  zerolog.Logger
	settle  time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// SpoolOption configures a Spool.
type SpoolOption func(*Spool)

// WithSettleDelay overrides DefaultSettleDelay.
func WithSettleDelay(d time.Duration) SpoolOption {
	return func(s *Spool) {
		if d > 0 {
			s.settle = d
		}
	}
}

// NewSpool creates a spool for dir.
func NewSpool(dir string, parser *Parser, handler SpoolHandler, logger zerolog.Logger, opts ...SpoolOption) *Spool {
	s := &Spool{
		dir:     filepath.Clean(dir),
		parser:  parser,
		handler: handler,
		logger:  logger.With().Str("component", "spool").Str("dir", dir).Logger(),
		settle:  DefaultSettleDelay,
		timers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run handles the files already in the spool and then every new one until ctx
// is done.
func (s *Spool) Run(ctx context.Context) error {
	for _, sub := range []string{s.dir, filepath.Join(s.dir, ProcessedDir), filepath.Join(s.dir, FailedDir)} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return fmt.Errorf("failed to create spool directory %s: %w", sub, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	// Files are listed after the watch starts so none is missed.
	pending, err := s.pendingFiles()
	if err != nil {
		return err
	}
	for _, path := range pending {
		s.process(ctx, path)
	}

	s.logger.Info().Int("pending", len(pending)).Msg("Spool started")

	ready := make(chan string, 16)
	defer s.stopTimers()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Spool stopped")
			return nil

		case path := <-ready:
			s.process(ctx, path)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Dir(event.Name) != s.dir || !IsSpecFile(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				s.schedule(ctx, event.Name, ready)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				s.unschedule(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (s *Spool) pendingFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && IsSpecFile(e.Name()) {
			paths = append(paths, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Spool) schedule(ctx context.Context, path string, ready chan<- string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[path]; ok {
		t.Stop()
	}
	s.timers[path] = time.AfterFunc(s.settle, func() {
		s.mu.Lock()
		delete(s.timers, path)
		s.mu.Unlock()

		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (s *Spool) unschedule(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[path]; ok {
		t.Stop()
		delete(s.timers, path)
	}
}

func (s *Spool) stopTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, t := range s.timers {
		t.Stop()
		delete(s.timers, path)
	}
}

// process parses and hands off one file. A file that is gone was already
// handled through an earlier event.
func (s *Spool) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	logger := s.logger.With().Str("file", filepath.Base(path)).Logger()

	doc, err := s.parser.ParseFile(path)
	if err == nil {
		err = s.handler(ctx, doc)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Spool file rejected")
		if mvErr := s.reject(path, err); mvErr != nil {
			logger.Error().Err(mvErr).Msg("Failed to move rejected spool file")
		}
		return
	}

	if _, err := s.moveTo(path, ProcessedDir); err != nil {
		logger.Error().Err(err).Msg("Failed to move processed spool file")
		return
	}
	logger.Info().
		Str("kind", string(doc.Kind)).
		Str("name", doc.Name()).
		Msg("Spool file submitted")
}

func (s *Spool) reject(path string, reason error) error {
	dest, err := s.moveTo(path, FailedDir)
	if err != nil {
		return err
	}
	return os.WriteFile(dest+".error", []byte(reason.Error()+"\n"), 0644)
}

// moveTo moves path into a spool subdirectory. An existing file of the same
// name is kept and the new one gets a timestamp suffix.
func (s *Spool) moveTo(path, sub string) (string, error) {
	base := filepath.Base(path)
	dest := filepath.Join(s.dir, sub, base)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(base)
		dest = filepath.Join(s.dir, sub, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(base, ext), time.Now().UnixNano(), ext))
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("failed to move %s: %w", path, err)
	}
	return dest, nil
}
