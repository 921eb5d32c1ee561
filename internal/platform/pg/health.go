package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"erpsync/internal/shared"
	"erpsync/pkg/retry"
)

// WaitOptions управляет ожиданием PostgreSQL при старте сервиса.
type WaitOptions struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// PingTimeout ограничивает одну попытку.
	PingTimeout time.Duration
	Logger      *slog.Logger
}

// DefaultWaitOptions: до 10 повторов с экспоненциальной паузой от 1s до 30s.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		MaxRetries:      10,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		PingTimeout:     5 * time.Second,
	}
}

// retryConfig переводит опции в конфигурацию retry. Ошибки подключения
// классифицируются как NETWORK, прочие (например, отказ аутентификации) как UNKNOWN;
// повторяются оба вида, неверный DSN не повторяется.
func (o WaitOptions) retryConfig() retry.Config {
	return retry.Config{
		MaxRetries:            o.MaxRetries,
		BaseDelay:             o.InitialInterval,
		MaxDelay:              max(o.MaxInterval, o.InitialInterval),
		UseExponentialBackoff: true,
		RetryableKinds:        shared.NewKindSet(shared.KindNetwork, shared.KindUnknown),
		Logger:                o.Logger,
	}
}

// WaitForDB ожидает доступности базы данных, повторяя ping через retry.Do.
// Общий таймаут задаётся через ctx.
func WaitForDB(ctx context.Context, dsn string, opts WaitOptions) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return shared.MarkKind(fmt.Errorf("invalid postgres dsn: %w", err), shared.KindValidation)
	}

	oc := retry.OperationContext{Name: "pg.wait_for_db"}.With("host", cfg.ConnConfig.Host)
	return retry.DoErr(ctx, opts.retryConfig(), oc, func(ctx context.Context) error {
		return pingDatabase(ctx, cfg, opts.PingTimeout)
	})
}

// Ping проверяет пул запросом SELECT 1 с таймаутом 5s.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("pg: nil pool")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return shared.Classify(fmt.Errorf("pg: health query: %w", err))
	}
	return nil
}

// pingDatabase выполняет пинг БД через временный пул.
func pingDatabase(ctx context.Context, cfg *pgxpool.Config, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg.Copy())
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}
