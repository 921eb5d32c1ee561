// Package logger builds the service's root slog.Logger: a tint console
// handler and an optional rotating JSON file, both behind redaction.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options defines parameters for logger creation.
type Options struct {
	Env          string
	ConsoleLevel string // default info
	FileLevel    string // default debug
	File         string // empty disables the file output
	App          string
	Redact       []string // extra attribute keys to mask
	Rotation     Rotation
	// Console receives the human readable output, os.Stdout when nil.
	Console io.Writer
}

// Rotation controls lumberjack file rotation. Zero fields take defaults.
type Rotation struct {
	MaxSizeMB  int // 5
	MaxBackups int // 3
	MaxAgeDays int // 28
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 5
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 3
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 28
	}
	return r
}

// SensitiveKeys are masked in every record regardless of Options.Redact.
var SensitiveKeys = []string{"token", "secret", "api_key", "apikey", "password", "authorization"}

var closers sync.Map

// New creates the root logger. Records logged with a context also carry the
// request id stored in it.
func New(o Options) *slog.Logger {
	sensitive := append(append([]string(nil), SensitiveKeys...), o.Redact...)

	console := o.Console
	if console == nil {
		console = os.Stdout
	}
	timeFormat := time.RFC3339
	if o.Env == "dev" {
		timeFormat = time.Kitchen
	}
	handlers := []slog.Handler{
		NewRedactingHandler(tint.NewHandler(console, &tint.Options{
			Level:      ParseLevel(o.ConsoleLevel, slog.LevelInfo),
			TimeFormat: timeFormat,
		}), sensitive),
	}

	var closer func() error
	if o.File != "" {
		rot := o.Rotation.withDefaults()
		w := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    rot.MaxSizeMB,
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAgeDays,
			Compress:   true,
		}
		closer = w.Close
		handlers = append(handlers, NewRedactingHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: ParseLevel(o.FileLevel, slog.LevelDebug),
		}), sensitive))
	}

	var h slog.Handler = NewMultiHandler(handlers...)
	if len(handlers) == 1 {
		h = handlers[0]
	}
	l := slog.New(NewContextHandler(h)).With(
		slog.String("app", o.App),
		slog.String("env", o.Env),
	)
	if closer != nil {
		closers.Store(l, closer)
	}
	return l
}

// Close releases the log file opened by New for logger.
func Close(logger *slog.Logger) error {
	if c, ok := closers.LoadAndDelete(logger); ok {
		return c.(func() error)()
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to a level; anything else
// yields def.
func ParseLevel(s string, def slog.Level) slog.Level {
	var l slog.Level
	if s == "" || l.UnmarshalText([]byte(strings.TrimSpace(s))) != nil {
		return def
	}
	return l
}
