// Package postgres хранит соответствия CRM и ERP в PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"erpsync/internal/domain/mapping"
	migrate "erpsync/internal/platform/migrations"
	"erpsync/internal/platform/pg"
	"erpsync/internal/shared"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate применяет встроенные миграции.
func Migrate(dsn string, opts ...migrate.Option) (pg.MigrationInfo, error) {
	return pg.ApplyMigrationsFromFS(dsn, migrations, "migrations", opts...)
}

// Store реализует mapping.Store поверх pgxpool.
type Store struct {
	pool *pgxpool.Pool
	tx   *pg.Tx
	now  func() time.Time
}

var _ mapping.Store = (*Store)(nil)

// Open дожидается БД, применяет миграции и создаёт пул.
func Open(ctx context.Context, dsn string, wait pg.WaitOptions) (*Store, error) {
	if err := pg.WaitForDB(ctx, dsn, wait); err != nil {
		return nil, err
	}
	if _, err := Migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pg.NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return New(pool), nil
}

// New создаёт хранилище для готового пула.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, tx: pg.NewTx(pool), now: time.Now}
}

// Close закрывает пул.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping проверяет доступность базы.
func (s *Store) Ping(ctx context.Context) error {
	return pg.Ping(ctx, s.pool)
}

func (s *Store) Get(ctx context.Context, key mapping.Key) (mapping.Mapping, error) {
	m := mapping.Mapping{EntityType: key.EntityType, CRMID: key.CRMID}
	err := s.tx.Conn(ctx).QueryRow(ctx,
		`SELECT erp_id, updated_at FROM mappings WHERE entity_type = $1 AND crm_id = $2`,
		string(key.EntityType), key.CRMID,
	).Scan(&m.ERPID, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mapping.Mapping{}, shared.Wrapf(shared.MarkKind(err, shared.KindNotFound), "mapping %s", key)
	}
	if err != nil {
		return mapping.Mapping{}, shared.Wrapf(err, "get mapping %s", key)
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func (s *Store) Put(ctx context.Context, m mapping.Mapping) (mapping.Mapping, error) {
	if err := m.Validate(); err != nil {
		return mapping.Mapping{}, err
	}
	// postgres хранит микросекунды
	m.UpdatedAt = s.now().UTC().Truncate(time.Microsecond)
	_, err := s.tx.Conn(ctx).Exec(ctx,
		`INSERT INTO mappings (entity_type, crm_id, erp_id, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (entity_type, crm_id) DO UPDATE SET erp_id = EXCLUDED.erp_id, updated_at = EXCLUDED.updated_at`,
		string(m.EntityType), m.CRMID, m.ERPID, m.UpdatedAt,
	)
	if err != nil {
		return mapping.Mapping{}, shared.Wrapf(err, "put mapping %s", m.Key())
	}
	return m, nil
}

func (s *Store) Delete(ctx context.Context, key mapping.Key) (bool, error) {
	tag, err := s.tx.Conn(ctx).Exec(ctx,
		`DELETE FROM mappings WHERE entity_type = $1 AND crm_id = $2`,
		string(key.EntityType), key.CRMID,
	)
	if err != nil {
		return false, shared.Wrapf(err, "delete mapping %s", key)
	}
	return tag.RowsAffected() > 0, nil
}

// FindByERPID ищет соответствие по идентификатору ERP.
func (s *Store) FindByERPID(ctx context.Context, entityType mapping.EntityType, erpID string) (mapping.Mapping, error) {
	m := mapping.Mapping{EntityType: entityType, ERPID: erpID}
	err := s.tx.Conn(ctx).QueryRow(ctx,
		`SELECT crm_id, updated_at FROM mappings WHERE entity_type = $1 AND erp_id = $2 LIMIT 1`,
		string(entityType), erpID,
	).Scan(&m.CRMID, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return mapping.Mapping{}, shared.Wrapf(shared.MarkKind(err, shared.KindNotFound), "mapping %s erp id %s", entityType, erpID)
	}
	if err != nil {
		return mapping.Mapping{}, err
	}
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

// WithinTx выполняет fn в транзакции; операции Store внутри fn используют её.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.tx.Run(ctx, fn)
}
