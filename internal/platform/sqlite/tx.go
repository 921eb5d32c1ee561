package sqlite

import (
	"context"
	"database/sql"
	"errors"
)

type ctxTxKey struct{}

// DBTX - общий набор методов *sql.DB и *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
)

// ErrNestedTx: SQLite-драйвер не поддерживает вложенные транзакции.
var ErrNestedTx = errors.New("sqlite: nested transactions are not supported")

// Tx привязывает транзакции к context.Context.
type Tx struct {
	db *sql.DB
}

// NewTx создает Tx поверх подключения.
func NewTx(db *sql.DB) *Tx {
	return &Tx{db: db}
}

// Run выполняет fn в транзакции: ошибка fn ведет к откату, nil к коммиту.
func (t *Tx) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := FromContext(ctx); ok {
		return ErrNestedTx
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, ignoreDone(tx.Rollback()))
		}
	}()
	if err = fn(context.WithValue(ctx, ctxTxKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// FromContext возвращает транзакцию, открытую Run.
func FromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(ctxTxKey{}).(*sql.Tx)
	return tx, ok
}

// Conn возвращает транзакцию из ctx, а без нее основное подключение.
func (t *Tx) Conn(ctx context.Context) DBTX {
	if tx, ok := FromContext(ctx); ok {
		return tx
	}
	return t.db
}
