// Package sink implements a file-backed LogSink: a format-aware writer
// holding the process-wide table of custom format specifiers that the
// Dispatcher installs before each write and uninstalls afterwards.
//
// The reopen-on-rotation watch loop is adapted from the teacher's
// FileLogSource.Provide fsnotify idiom (source/file.go in the original
// tree), run in reverse: instead of tailing a growing input file for new
// lines, it watches its own output file so an external rotation
// (logrotate, a `mv` under the old inode) is detected and the writer
// reopens against the new inode rather than continuing to write to a
// file no longer at that path.
package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/brinelog/ingestd/entity"
	"github.com/fsnotify/fsnotify"
)

// Formatter renders a WriteRecord as the line written to the underlying
// file, expanding any specifier installed via InstallFormatter.
type Formatter func(rec entity.WriteRecord, specifiers map[string]string) string

// FileConfig configures a FileSink.
type FileConfig struct {
	Path string `yaml:"path"`
}

// FileSink is a LogSink that appends formatted lines to a file, watching
// the file for external rotation so it can reopen against the new inode.
type FileSink struct {
	cfg    FileConfig
	logger *slog.Logger
	format Formatter

	mu      sync.Mutex
	file    *os.File
	watcher *fsnotify.Watcher

	specMu     sync.Mutex
	specifiers map[string]entity.FormatterFunc
	current    *entity.LogRequest
}

// NewFileSink opens cfg.Path for appending and starts watching it for
// external rotation. format defaults to DefaultFormatter when nil.
func NewFileSink(cfg FileConfig, logger *slog.Logger, format Formatter) (*FileSink, error) {
	if format == nil {
		format = DefaultFormatter
	}

	s := &FileSink{
		cfg:        cfg,
		logger:     logger,
		format:     format,
		specifiers: make(map[string]entity.FormatterFunc),
	}

	if err := s.open(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("cannot create watcher: %w", err)
	}
	if err := watcher.Add(cfg.Path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("cannot watch sink file: %w", err)
	}
	s.watcher = watcher

	return s, nil
}

func (s *FileSink) open() error {
	f, err := os.OpenFile(s.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cannot open sink file: %w", err)
	}
	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	return nil
}

// WatchRotation runs until ctx is cancelled, reopening the sink file
// whenever the watched path is removed or renamed out from under it.
func (s *FileSink) WatchRotation(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.logger.Info("sink file rotated externally, reopening", "path", s.cfg.Path)
			if err := s.reopen(); err != nil {
				s.logger.Error("cannot reopen sink file after rotation", "error", err)
				continue
			}
			if err := s.watcher.Add(s.cfg.Path); err != nil {
				s.logger.Error("cannot re-add sink file to watcher", "error", err)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("sink file watcher error", "error", err)
		}
	}
}

func (s *FileSink) reopen() error {
	s.mu.Lock()
	old := s.file
	s.mu.Unlock()

	if err := s.open(); err != nil {
		return err
	}

	if old != nil {
		old.Close()
	}
	return nil
}

// InstallFormatter registers a process-wide custom format specifier. Only
// the single dispatcher goroutine calls this, around a Write; concurrent
// use from elsewhere would race on the specifier table.
func (s *FileSink) InstallFormatter(name string, fn entity.FormatterFunc) {
	s.specMu.Lock()
	s.specifiers[name] = fn
	s.specMu.Unlock()
}

// UninstallFormatter removes a previously installed specifier. Safe to
// call even if name was never installed.
func (s *FileSink) UninstallFormatter(name string) {
	s.specMu.Lock()
	delete(s.specifiers, name)
	s.specMu.Unlock()
}

// Write renders rec through the installed specifiers and appends it to
// the sink file.
func (s *FileSink) Write(ctx context.Context, rec entity.WriteRecord) error {
	specValues := s.renderSpecifiers()

	line := s.format(rec, specValues)

	s.mu.Lock()
	f := s.file
	s.mu.Unlock()

	if f == nil {
		return fmt.Errorf("sink file is not open")
	}

	_, err := io.WriteString(f, line+"\n")
	return err
}

func (s *FileSink) renderSpecifiers() map[string]string {
	s.specMu.Lock()
	defer s.specMu.Unlock()

	out := make(map[string]string, len(s.specifiers))
	for name, fn := range s.specifiers {
		out[name] = fn(s.current)
	}
	return out
}

// SetCurrentRequest is called by the Dispatcher immediately before Write
// so installed specifiers (bound to "the current request") have something
// to read from. It must be cleared (nil) once dispatch returns.
func (s *FileSink) SetCurrentRequest(req *entity.LogRequest) {
	s.specMu.Lock()
	s.current = req
	s.specMu.Unlock()
}

// Close stops watching and closes the underlying file.
func (s *FileSink) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// DefaultFormatter renders a WriteRecord the way a plain-text logger
// would: level, logger id, file:line, function, message, followed by any
// installed specifiers rendered as " name=value" trailers.
func DefaultFormatter(rec entity.WriteRecord, specifiers map[string]string) string {
	line := fmt.Sprintf("%s %s %s:%d %s() %s", rec.Level, rec.LoggerID, rec.Filename, rec.LineNumber, rec.Function, rec.Message)
	for name, value := range specifiers {
		line += fmt.Sprintf(" %s=%s", name, value)
	}
	return line
}
