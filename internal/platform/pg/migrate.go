package pg

import (
	"io/fs"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"

	"erpsync/internal/platform/migrations"
)

// MigrationInfo описывает результат применения миграций.
type MigrationInfo = migrations.Info

// ApplyMigrationsFromFS применяет миграции из fs.FS (обычно embed.FS) к базе dsn.
// dsn должен быть в URL-форме postgres://, её понимает драйвер golang-migrate.
func ApplyMigrationsFromFS(dsn string, fsys fs.FS, dirName string, opts ...migrations.Option) (MigrationInfo, error) {
	return migrations.Up(dsn, fsys, dirName, opts...)
}
