package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc - тело фоновой задачи. ctx отменяется при остановке планировщика
// или по JobOptions.Timeout.
type JobFunc func(ctx context.Context) error

type JobID = cron.EntryID

// OverlapPolicy - что делать, если предыдущий запуск задачи еще идет.
type OverlapPolicy int

const (
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning пропускает запуск (cron.SkipIfStillRunning).
	SkipIfRunning
	// DelayIfRunning ставит запуск в очередь (cron.DelayIfStillRunning).
	DelayIfRunning
)

func (p OverlapPolicy) String() string {
	switch p {
	case SkipIfRunning:
		return "skip"
	case DelayIfRunning:
		return "delay"
	}
	return "allow"
}

type JobOptions struct {
	// Name попадает в логи и в метку job метрик.
	Name          string
	Timeout       time.Duration
	OverlapPolicy OverlapPolicy
}

// JobHooks вызываются синхронно из горутины задачи.
type JobHooks struct {
	OnJobStart  func(jobName string)
	OnJobFinish func(jobName string, duration time.Duration, err error)
}

type Config struct {
	Logger   *slog.Logger
	JobHooks JobHooks
}

// Scheduler запускает задачи robfig/cron в контексте, общем для всех задач.
type Scheduler struct {
	cron  *cron.Cron
	clog  cron.Logger
	log   *slog.Logger
	hooks JobHooks

	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once
	stop   sync.Once
}

// New создает планировщик, который живет до Stop.
func New(cfg Config) *Scheduler {
	return NewWithContext(context.Background(), cfg)
}

// NewWithContext создает планировщик, который останавливается вместе с parent.
func NewWithContext(parent context.Context, cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "scheduler"))
	clog := cronLogger{log}

	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLogger(clog)),
		clog:   clog,
		log:    log,
		hooks:  cfg.JobHooks,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddCronJob - AddCronJobWithOptions с пустыми опциями.
func (s *Scheduler) AddCronJob(spec string, fn JobFunc) (JobID, error) {
	return s.AddCronJobWithOptions(spec, fn, JobOptions{})
}

// AddCronJobWithOptions регистрирует задачу. spec - шесть полей с секундами
// ("0 */5 * * * *") или дескриптор ("@hourly", "@every 1m").
func (s *Scheduler) AddCronJobWithOptions(spec string, fn JobFunc, opts JobOptions) (JobID, error) {
	if opts.Name == "" {
		opts.Name = "unnamed"
	}
	id, err := s.cron.AddJob(spec, s.wrap(&job{s: s, fn: fn, opts: opts}))
	if err != nil {
		return 0, fmt.Errorf("scheduler: job %s: invalid schedule %q: %w", opts.Name, spec, err)
	}
	s.log.Info("cron job added",
		slog.String("name", opts.Name),
		slog.String("schedule", spec),
		slog.String("overlap", opts.OverlapPolicy.String()),
		slog.Int("id", int(id)))
	return id, nil
}

// wrap применяет политику перекрытия. Обертка держит состояние, поэтому
// строится один раз на задачу.
func (s *Scheduler) wrap(j *job) cron.Job {
	switch j.opts.OverlapPolicy {
	case SkipIfRunning:
		return cron.NewChain(cron.SkipIfStillRunning(s.clog)).Then(j)
	case DelayIfRunning:
		return cron.NewChain(cron.DelayIfStillRunning(s.clog)).Then(j)
	}
	return j
}

func (s *Scheduler) RemoveCronJob(id JobID) {
	s.cron.Remove(id)
	s.log.Info("cron job removed", slog.Int("id", int(id)))
}

// Start запускает cron. Повторные вызовы ничего не делают.
func (s *Scheduler) Start() {
	s.start.Do(func() {
		s.cron.Start()
		s.log.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))
		go func() {
			<-s.ctx.Done()
			s.shutdown()
		}()
	})
}

// Stop отменяет контекст задач и ждет их завершения.
func (s *Scheduler) Stop() {
	s.cancel()
	s.shutdown()
}

// StopContext - Stop с дедлайном. По истечении ctx возвращает ctx.Err(),
// но все равно дожидается задач: после возврата ни одна задача не выполняется.
func (s *Scheduler) StopContext(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.shutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.log.Warn("scheduler stop deadline exceeded, waiting for running jobs")
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) shutdown() {
	s.stop.Do(func() {
		<-s.cron.Stop().Done()
		s.log.Info("scheduler stopped")
	})
}

// IsRunning сообщает, что планировщик еще не остановлен.
func (s *Scheduler) IsRunning() bool {
	return s.ctx.Err() == nil
}

type job struct {
	s    *Scheduler
	fn   JobFunc
	opts JobOptions
}

// Run реализует cron.Job.
func (j *job) Run() {
	s, name := j.s, j.opts.Name
	if s.ctx.Err() != nil {
		return
	}
	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(name)
	}

	ctx := s.ctx
	if j.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.opts.Timeout)
		defer cancel()
	}

	started := time.Now()
	err := j.call(ctx)
	took := time.Since(started)

	if s.hooks.OnJobFinish != nil {
		s.hooks.OnJobFinish(name, took, err)
	}
	if err != nil {
		s.log.Error("job failed", slog.String("name", name), slog.Duration("took", took), slog.Any("error", err))
		return
	}
	s.log.Debug("job done", slog.String("name", name), slog.Duration("took", took))
}

// call превращает панику задачи в ошибку, чтобы ее увидели хуки.
func (j *job) call(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", j.opts.Name, r)
		}
	}()
	return j.fn(ctx)
}

// cronLogger направляет служебные записи cron в slog. Info у cron
// слишком шумный, поэтому пишется на Debug.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug(msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append([]any{slog.Any("error", err)}, kv...)...)
}
