// Package sqlite хранит соответствия CRM и ERP во встроенной базе SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"erpsync/internal/domain/mapping"
	migrate "erpsync/internal/platform/migrations"
	platform "erpsync/internal/platform/sqlite"
	"erpsync/internal/shared"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate применяет встроенные миграции к файлу базы.
func Migrate(dbPath string, opts ...migrate.Option) (platform.MigrationInfo, error) {
	return platform.ApplyMigrationsFromFS(dbPath, migrations, "migrations", opts...)
}

// Store реализует mapping.Store поверх SQLite.
type Store struct {
	db  *sql.DB
	tx  *platform.Tx
	now func() time.Time
}

var _ mapping.Store = (*Store)(nil)

// Open применяет миграции и открывает хранилище.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if _, err := Migrate(dbPath); err != nil {
		return nil, err
	}
	db, err := platform.NewDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// New создаёт хранилище для уже открытой базы с применёнными миграциями.
func New(db *sql.DB) *Store {
	return &Store{db: db, tx: platform.NewTx(db), now: time.Now}
}

// Close закрывает базу.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping проверяет доступность базы.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Get(ctx context.Context, key mapping.Key) (mapping.Mapping, error) {
	var (
		m       = mapping.Mapping{EntityType: key.EntityType, CRMID: key.CRMID}
		updated string
	)
	err := s.tx.Conn(ctx).QueryRowContext(ctx,
		`SELECT erp_id, updated_at FROM mappings WHERE entity_type = ? AND crm_id = ?`,
		string(key.EntityType), key.CRMID,
	).Scan(&m.ERPID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return mapping.Mapping{}, shared.Wrapf(shared.MarkKind(err, shared.KindNotFound), "mapping %s", key)
	}
	if err != nil {
		return mapping.Mapping{}, shared.Wrapf(err, "get mapping %s", key)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return mapping.Mapping{}, shared.Wrapf(err, "parse updated_at of %s", key)
	}
	return m, nil
}

func (s *Store) Put(ctx context.Context, m mapping.Mapping) (mapping.Mapping, error) {
	if err := m.Validate(); err != nil {
		return mapping.Mapping{}, err
	}
	m.UpdatedAt = s.now().UTC()
	_, err := s.tx.Conn(ctx).ExecContext(ctx,
		`INSERT INTO mappings (entity_type, crm_id, erp_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (entity_type, crm_id) DO UPDATE SET erp_id = excluded.erp_id, updated_at = excluded.updated_at`,
		string(m.EntityType), m.CRMID, m.ERPID, m.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return mapping.Mapping{}, shared.Wrapf(err, "put mapping %s", m.Key())
	}
	return m, nil
}

func (s *Store) Delete(ctx context.Context, key mapping.Key) (bool, error) {
	res, err := s.tx.Conn(ctx).ExecContext(ctx,
		`DELETE FROM mappings WHERE entity_type = ? AND crm_id = ?`,
		string(key.EntityType), key.CRMID,
	)
	if err != nil {
		return false, shared.Wrapf(err, "delete mapping %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete mapping %s: %w", key, err)
	}
	return n > 0, nil
}

// FindByERPID ищет соответствие по идентификатору ERP.
func (s *Store) FindByERPID(ctx context.Context, entityType mapping.EntityType, erpID string) (mapping.Mapping, error) {
	var (
		m       = mapping.Mapping{EntityType: entityType, ERPID: erpID}
		updated string
	)
	err := s.tx.Conn(ctx).QueryRowContext(ctx,
		`SELECT crm_id, updated_at FROM mappings WHERE entity_type = ? AND erp_id = ? LIMIT 1`,
		string(entityType), erpID,
	).Scan(&m.CRMID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return mapping.Mapping{}, shared.Wrapf(shared.MarkKind(err, shared.KindNotFound), "mapping %s erp id %s", entityType, erpID)
	}
	if err != nil {
		return mapping.Mapping{}, err
	}
	m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated)
	return m, err
}

// WithinTx выполняет fn в транзакции; операции Store внутри fn используют её.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.Run(ctx, fn)
}
