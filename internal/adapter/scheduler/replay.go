package scheduler

import (
	"context"

	"erpsync/internal/service/syncer"
)

// Replayer повторяет отложенные задачи синхронизации.
type Replayer interface {
	ReplayDeferred(ctx context.Context, limit int) (syncer.ReplayStats, error)
}

var _ Replayer = (*syncer.Service)(nil)

// ReplayJob возвращает задачу, которая за один запуск обрабатывает не более
// batch отложенных задач.
func ReplayJob(r Replayer, batch int) JobFunc {
	return func(ctx context.Context) error {
		_, err := r.ReplayDeferred(ctx, batch)
		return err
	}
}
