// Package migrations applies golang-migrate migrations from an fs.FS. Database
// drivers are registered by the packages that call Up.
package migrations

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Info describes one Up run.
type Info struct {
	Applied        bool // new migrations were applied
	CurrentVersion uint // version before the run
	FinalVersion   uint // version after the run
	Dirty          bool
}

type options struct {
	log *slog.Logger
}

// Option configures Up.
type Option func(*options)

// WithLogger routes golang-migrate progress messages to l at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// Up applies every pending migration in dir of fsys to databaseURL. Running it
// on an up-to-date database is a no-op. A dirty database is an error.
func Up(databaseURL string, fsys fs.FS, dir string, opts ...Option) (Info, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	src, err := iofs.New(fsys, dir)
	if err != nil {
		return Info{}, fmt.Errorf("migrations source %q: %w", dir, err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return Info{}, fmt.Errorf("open migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()
	if o.log != nil {
		m.Log = slogLogger{log: o.log.With(slog.String("component", "migrate"))}
	}

	var info Info
	info.CurrentVersion, info.Dirty, err = version(m)
	if err != nil {
		return info, err
	}
	info.FinalVersion = info.CurrentVersion
	if info.Dirty {
		return info, fmt.Errorf("database is dirty at version %d", info.CurrentVersion)
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		return info, nil
	case err != nil:
		return info, fmt.Errorf("apply migrations: %w", err)
	}
	info.Applied = true
	if v, _, err := version(m); err == nil {
		info.FinalVersion = v
	}
	return info, nil
}

// version treats a database without migrations as version 0.
func version(m *migrate.Migrate) (uint, bool, error) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return v, dirty, nil
}

type slogLogger struct {
	log *slog.Logger
}

func (l slogLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l slogLogger) Verbose() bool { return false }
