package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"erpsync/internal/shared"
)

// MemoryPath открывает базу в памяти. Каждое соединение пула получает свою базу.
const MemoryPath = ":memory:"

// Options - параметры пула и PRAGMA для каждого соединения.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration

	BusyTimeout time.Duration
	WAL         bool
	ForeignKeys bool
	// Synchronous: OFF, NORMAL или FULL. Пустое значение оставляет значение драйвера.
	Synchronous string
}

// DefaultOptions подходят для хранилища соответствий: один писатель, несколько читателей.
func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PingTimeout:     5 * time.Second,
		BusyTimeout:     5 * time.Second,
		WAL:             true,
		ForeignKeys:     true,
		Synchronous:     "NORMAL",
	}
}

// NewDB открывает базу с DefaultOptions.
func NewDB(ctx context.Context, path string) (*sql.DB, error) {
	return NewDBWithOptions(ctx, path, DefaultOptions())
}

// NewDBWithOptions открывает базу, создавая каталог файла при необходимости.
func NewDBWithOptions(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, opts))
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("sqlite: open %s: %w", path, err), shared.KindValidation)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	if opts.PingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.PingTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	return db, nil
}

// dsn передает PRAGMA через _pragma: драйвер выполняет их на каждом новом
// соединении, а не только на том, что взял ExecContext.
func dsn(path string, opts Options) string {
	var pragmas []string
	if opts.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}
	if opts.ForeignKeys {
		pragmas = append(pragmas, "foreign_keys(1)")
	}
	if opts.WAL && path != MemoryPath {
		pragmas = append(pragmas, "journal_mode(WAL)")
	}
	if opts.Synchronous != "" {
		pragmas = append(pragmas, "synchronous("+strings.ToUpper(opts.Synchronous)+")")
	}
	if len(pragmas) == 0 {
		return path
	}
	return path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}
