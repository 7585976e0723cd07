// Package logging builds the zerolog logger shared by every component.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/srodi/procpulse/pkg/config"
)

// stderr is the console destination; tests replace it.
var stderr io.Writer = os.Stderr

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Option adjusts where New sends log lines.
type Option func(*options)

type options struct {
	console bool
}

// WithoutConsole keeps log lines off stderr, for when the terminal is drawing a full-screen
// view. Lines still reach the log file when one is configured.
func WithoutConsole() Option {
	return func(o *options) { o.console = false }
}

// New builds a logger writing to stderr and, when cfg.File is set, to a rotating file.
// The returned closer flushes and closes the file.
func New(cfg config.LogConfig, opts ...Option) (zerolog.Logger, io.Closer, error) {
	o := options{console: true}
	for _, opt := range opts {
		opt(&o)
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	json := strings.EqualFold(cfg.Format, "json")

	var writers []io.Writer
	if o.console {
		writers = append(writers, consoleWriter(stderr, json, false))
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), nil, err
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			LocalTime:  true,
		}
		writers = append(writers, consoleWriter(lj, json, true))
		closer = lj
	}
	if len(writers) == 0 {
		return zerolog.Nop(), closer, nil
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closer, nil
}

func consoleWriter(w io.Writer, json, noColor bool) io.Writer {
	if json {
		return w
	}
	return zerolog.ConsoleWriter{Out: w, NoColor: noColor, TimeFormat: time.TimeOnly}
}

// ParseLevel accepts zerolog level names; empty means info.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(s))
}
