package pg

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ctxTxKey struct{}

// DBTX - общий набор методов пула и транзакции, с которым работают хранилища.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ DBTX = (*pgxpool.Pool)(nil)
	_ DBTX = (pgx.Tx)(nil)
)

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Tx привязывает транзакции к context.Context.
type Tx struct {
	pool *pgxpool.Pool
}

// NewTx создает Tx поверх пула.
func NewTx(pool *pgxpool.Pool) *Tx {
	return &Tx{pool: pool}
}

// Run выполняет fn в транзакции: ошибка fn ведет к откату, nil к коммиту.
// Если в ctx уже есть транзакция, открывается savepoint.
func (t *Tx) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var b beginner = t.pool
	if outer, ok := FromContext(ctx); ok {
		b = outer
	}
	return pgx.BeginFunc(ctx, b, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, ctxTxKey{}, tx))
	})
}

// FromContext возвращает транзакцию, открытую Run.
func FromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(ctxTxKey{}).(pgx.Tx)
	return tx, ok
}

// Conn возвращает транзакцию из ctx, а без нее пул.
func (t *Tx) Conn(ctx context.Context) DBTX {
	if tx, ok := FromContext(ctx); ok {
		return tx
	}
	return t.pool
}
