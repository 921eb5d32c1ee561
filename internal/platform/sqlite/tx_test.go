package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	opts := DefaultOptions()
	opts.MaxOpenConns = 1 // у каждого соединения своя in-memory база
	db, err := NewDBWithOptions(context.Background(), MemoryPath, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("CREATE TABLE probe (id INTEGER PRIMARY KEY, value TEXT)")
	require.NoError(t, err)
	return db
}

func probeRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM probe").Scan(&n))
	return n
}

func TestTx_Run(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		fnErr    error
		wantRows int
	}{
		{"commit", nil, 1},
		{"rollback", boom, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			db := newMemoryDB(t)
			tx := NewTx(db)

			err := tx.Run(ctx, func(ctx context.Context) error {
				inner, ok := FromContext(ctx)
				require.True(t, ok)
				assert.Equal(t, inner, tx.Conn(ctx))
				if _, err := tx.Conn(ctx).ExecContext(ctx, "INSERT INTO probe (value) VALUES (?)", "v"); err != nil {
					return err
				}
				return tt.fnErr
			})
			if tt.fnErr != nil {
				require.ErrorIs(t, err, tt.fnErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantRows, probeRows(t, db))
		})
	}
}

func TestTx_Nested(t *testing.T) {
	ctx := context.Background()
	tx := NewTx(newMemoryDB(t))

	err := tx.Run(ctx, func(ctx context.Context) error {
		return tx.Run(ctx, func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, ErrNestedTx)
}

func TestTx_ConnWithoutTx(t *testing.T) {
	db := newMemoryDB(t)

	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	assert.Equal(t, db, NewTx(db).Conn(context.Background()))
}
