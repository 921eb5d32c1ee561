// Package scheduler запускает фоновые задачи по cron-расписанию
// (github.com/robfig/cron/v3). Используется для повторной отправки
// отложенных задач синхронизации.
//
// Возможности:
//   - Расписания cron с секундами и дескрипторы "@every 1m", "@hourly"
//   - Политики перекрытия запусков (Allow/Skip/Delay)
//   - Таймаут и имя для каждой задачи
//   - Восстановление после паники, ошибки не останавливают планировщик
//   - Хуки для метрик (OnJobStart, OnJobFinish)
//   - Остановка с дедлайном (StopContext)
//
// Пример:
//
//	s := scheduler.NewWithContext(ctx, scheduler.Config{Logger: log, JobHooks: hooks})
//	_, err := s.AddCronJobWithOptions("@every 1m", scheduler.ReplayJob(svc, 50), scheduler.JobOptions{
//		Name:          "resync-replay",
//		Timeout:       5 * time.Minute,
//		OverlapPolicy: scheduler.SkipIfRunning,
//	})
//	s.Start()
//	defer s.Stop()
package scheduler
