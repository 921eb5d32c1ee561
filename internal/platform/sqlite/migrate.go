package sqlite

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"

	_ "github.com/golang-migrate/migrate/v4/database/sqlite"

	"erpsync/internal/platform/migrations"
)

// BuildMigrateURL строит URL для golang-migrate с учётом особенностей ОС.
// На Windows для путей вида "C:\..." создаёт "sqlite:///C:/...",
// на Unix для "/..." создаёт "sqlite:///...".
func BuildMigrateURL(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	urlPath := filepath.ToSlash(absPath)
	if runtime.GOOS == "windows" && len(urlPath) >= 2 && urlPath[1] == ':' {
		urlPath = "/" + urlPath
	}
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}
	return "sqlite://" + urlPath, nil
}

// MigrationInfo описывает результат применения миграций.
type MigrationInfo = migrations.Info

// ApplyMigrationsFromFS применяет миграции, встроенные в бинарник через embed.FS.
// Повторный вызов безопасен. In-memory базы не поддерживаются: golang-migrate
// открывает собственное соединение.
func ApplyMigrationsFromFS(dbPath string, fsys fs.FS, dirName string, opts ...migrations.Option) (MigrationInfo, error) {
	if dbPath == MemoryPath {
		return MigrationInfo{}, errors.New("migrations require a file database")
	}
	databaseURL, err := BuildMigrateURL(dbPath)
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("failed to build database URL: %w", err)
	}
	return migrations.Up(databaseURL, fsys, dirName, opts...)
}
