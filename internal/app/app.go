package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"erpsync/internal/adapter/alert"
	"erpsync/internal/adapter/erp"
	"erpsync/internal/adapter/httpapi"
	"erpsync/internal/adapter/scheduler"
	"erpsync/internal/config"
	"erpsync/internal/domain/mapping"
	"erpsync/internal/domain/resync"
	"erpsync/internal/platform/httpclient"
	"erpsync/internal/platform/logger"
	"erpsync/internal/platform/metrics"
	"erpsync/internal/platform/migrations"
	"erpsync/internal/platform/pg"
	"erpsync/internal/service/syncer"
	"erpsync/internal/storage/postgres"
	"erpsync/internal/storage/redisqueue"
	"erpsync/internal/storage/sqlite"
)

// Mode selects which components New builds.
type Mode int

const (
	// ModeServe builds everything. Without Redis deferred jobs live in memory.
	ModeServe Mode = iota
	// ModeOneShot builds the sync service for a single command. Without Redis
	// nothing is deferred.
	ModeOneShot
)

type store interface {
	mapping.Store
	mapping.Pinger
	Close() error
}

// App wires application components.
type App struct {
	cfg     config.Config
	log     *slog.Logger
	store   store
	queue   resync.Queue
	svc     *syncer.Service
	closers []func() error
}

// LoadConfig reads configuration and creates the logger.
func LoadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "erpsync",
	})
	return cfg, log, nil
}

// New opens storage and builds the sync service. Close releases what New opened.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, mode Mode) (*App, error) {
	a := &App{cfg: cfg, log: log}
	if err := a.build(ctx, mode); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, mode Mode) error {
	st, err := openStore(ctx, a.cfg, a.log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	switch {
	case a.cfg.Redis.URL != "":
		q, err := redisqueue.Open(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("open resync queue: %w", err)
		}
		a.queue = q
		a.closers = append(a.closers, q.Close)
	case mode == ModeServe:
		a.log.Warn("REDIS_URL is not set, deferred jobs are kept in memory")
		a.queue = resync.NewMemoryQueue()
	}

	notifier, err := a.notifier()
	if err != nil {
		return err
	}

	rc := metrics.Instrument(a.cfg.RetryConfig())
	rc.Logger = a.log

	client := httpclient.New(
		httpclient.WithTimeout(a.cfg.ERP.Timeout),
		httpclient.WithLogger(a.log),
		httpclient.WithURLRedactor(httpclient.RedactQuery("api_id", "api_key")),
		httpclient.WithObserver(metrics.ObserveOutbound),
	)
	gw := erp.NewGateway(client, a.cfg.ERP.BaseURL, erp.Credentials{
		APIID:  a.cfg.ERP.APIID,
		APIKey: a.cfg.ERP.APIKey,
	}, a.log)

	a.svc = syncer.New(erp.NewClient(gw, rc), a.store, syncer.Options{
		Queue:             a.queue,
		Notifier:          notifier,
		Logger:            a.log,
		DeferrableKinds:   rc.RetryableKinds,
		DeferBaseDelay:    a.cfg.Sync.DeferBaseDelay,
		DeferMaxDelay:     a.cfg.Sync.DeferMaxDelay,
		MaxReplayAttempts: a.cfg.Sync.MaxAttempts,
		AdoptExisting:     a.cfg.Sync.AdoptExisting,
	})
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store, error) {
	if cfg.Storage.Driver == "postgres" {
		wait := pg.DefaultWaitOptions()
		wait.Logger = log
		return postgres.Open(ctx, cfg.Storage.DSN, wait)
	}
	return sqlite.Open(ctx, cfg.Storage.Path)
}

func (a *App) notifier() (alert.Notifier, error) {
	if a.cfg.Telegram.Token == "" {
		return alert.Nop{}, nil
	}
	chats, err := alert.ParseChatIDs(a.cfg.Telegram.ChatIDs)
	if err != nil {
		return nil, fmt.Errorf("TELEGRAM_ALERT_CHAT_IDS: %w", err)
	}
	return alert.NewTelegram(a.cfg.Telegram.Token, chats, alert.WithLogger(a.log))
}

// Service returns the sync service.
func (a *App) Service() *syncer.Service {
	return a.svc
}

// Serve runs the webhook server and the replay scheduler until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	a.log.Info("starting", slog.String("addr", a.cfg.HTTP.Addr), slog.String("storage", a.cfg.Storage.Driver))

	sched := scheduler.NewWithContext(ctx, scheduler.Config{
		Logger:   a.log,
		JobHooks: scheduler.JobHooks{OnJobFinish: metrics.ObserveJob},
	})
	if a.queue != nil {
		_, err := sched.AddCronJobWithOptions(a.cfg.Sync.ReplaySchedule,
			scheduler.ReplayJob(a.svc, a.cfg.Sync.ReplayBatch),
			scheduler.JobOptions{Name: "replay-deferred", OverlapPolicy: scheduler.SkipIfRunning},
		)
		if err != nil {
			return err
		}
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sched.StopContext(stopCtx); err != nil {
			a.log.Warn("scheduler stop", slog.String("error", err.Error()))
		}
	}()

	if a.cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(a.svc, httpapi.Options{
		Logger:       a.log,
		WebhookToken: a.cfg.HTTP.WebhookToken,
		Health:       a.store,
	})
	err := httpapi.NewServer(a.cfg.HTTP.Addr, router, a.log).Run(ctx)
	a.log.Info("stopped")
	return err
}

// Close releases storage and queue connections in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// MigrationResult describes one migration run.
type MigrationResult struct {
	Driver  string
	Applied bool
	From    uint
	To      uint
}

// Migrate applies embedded migrations for the configured store.
func Migrate(cfg config.Config, log *slog.Logger) (MigrationResult, error) {
	res := MigrationResult{Driver: cfg.Storage.Driver}
	opt := migrations.WithLogger(log)
	if cfg.Storage.Driver == "postgres" {
		info, err := postgres.Migrate(cfg.Storage.DSN, opt)
		if err != nil {
			return res, err
		}
		res.Applied, res.From, res.To = info.Applied, info.CurrentVersion, info.FinalVersion
		return res, nil
	}
	info, err := sqlite.Migrate(cfg.Storage.Path, opt)
	if err != nil {
		return res, err
	}
	res.Applied, res.From, res.To = info.Applied, info.CurrentVersion, info.FinalVersion
	return res, nil
}
