package logging

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
)

// Files hands out one rotating writer per log path and closes them all
// together. The zero value is not usable; call NewFiles.
type Files struct {
	MaxSizeMB  int
	MaxBackups int
	// Echo, when set, receives a copy of every line
	Echo io.Writer

	mu      sync.Mutex
	writers map[string]*lumberjack.Logger
}

// NewFiles returns a registry using the default rotation policy.
func NewFiles() *Files {
	return &Files{
		MaxSizeMB:  DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		writers:    make(map[string]*lumberjack.Logger),
	}
}

// Writer returns the rotating writer for path, creating its directory.
func (f *Files) Writer(path string) (io.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if w, ok := f.writers[path]; ok {
		return w, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    f.MaxSizeMB,
		MaxBackups: f.MaxBackups,
	}
	f.writers[path] = w
	return w, nil
}

// Logger returns a logger for the named service writing to path. If the
// file cannot be opened the logger falls back to Echo (or discards).
func (f *Files) Logger(name, path string) zerolog.Logger {
	var out io.Writer = io.Discard
	if w, err := f.Writer(path); err == nil {
		out = LineWriter(w)
	}
	if f.Echo != nil {
		out = zerolog.MultiLevelWriter(out, LineWriter(f.Echo))
	}
	return zerolog.New(out).With().Timestamp().Str("service", name).Logger()
}

// Close closes every writer handed out so far.
func (f *Files) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for path, w := range f.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(f.writers, path)
	}
	return errors.Join(errs...)
}
