package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"erpsync/internal/domain/mapping"
	"erpsync/internal/domain/resync"
	"erpsync/internal/platform/metrics"
	"erpsync/internal/shared"
	"erpsync/pkg/retry"
)

// ReplayStats summarizes one ReplayDeferred run.
type ReplayStats struct {
	Popped    int
	Succeeded int
	Requeued  int
	Dropped   int
}

// ReplayDeferred pops up to limit due jobs and runs them again. A job that
// fails with a deferrable kind goes back to the queue with a later due time
// until MaxReplayAttempts is reached; any other failure drops it with an alert.
// Jobs interrupted by ctx cancellation go back unchanged and are due at once.
// When the queue returns some jobs together with an error, those jobs still
// run and the error is returned afterwards.
func (s *Service) ReplayDeferred(ctx context.Context, limit int) (ReplayStats, error) {
	var stats ReplayStats
	if s.opts.Queue == nil {
		return stats, nil
	}
	jobs, popErr := s.opts.Queue.PopDue(ctx, s.now(), limit)
	if popErr != nil {
		popErr = shared.Wrap(popErr, "pop deferred jobs")
		if len(jobs) == 0 {
			return stats, popErr
		}
		s.log.ErrorContext(ctx, "deferred jobs popped partially",
			slog.Int("popped", len(jobs)),
			slog.String("error", popErr.Error()),
		)
	}
	stats.Popped = len(jobs)

	for i, job := range jobs {
		if ctx.Err() != nil {
			s.putBack(ctx, jobs[i:], &stats)
			break
		}
		jctx := withCorrelation(ctx, job.Correlation)
		jctx = retry.ContextWithCorrelation(jctx, "jobId", job.ID)

		err := s.runJob(jctx, job)
		switch {
		case err == nil:
			stats.Succeeded++
			metrics.RecordSync(string(job.EntityType), string(job.Action), metrics.ResultSuccess)
			s.log.InfoContext(jctx, "deferred job replayed", slog.Int("attempts", job.Attempts+1))
		case ctx.Err() != nil || shared.KindOf(err) == shared.KindCanceled:
			s.putBack(ctx, jobs[i:i+1], &stats)
		case s.requeue(jctx, job, err):
			stats.Requeued++
		default:
			stats.Dropped++
		}
	}

	if stats.Popped > 0 {
		s.log.InfoContext(ctx, "replay finished",
			slog.Int("popped", stats.Popped),
			slog.Int("succeeded", stats.Succeeded),
			slog.Int("requeued", stats.Requeued),
			slog.Int("dropped", stats.Dropped),
		)
	}
	return stats, errors.Join(popErr, ctx.Err())
}

// putBack returns interrupted jobs to the queue as they were popped, due now.
// Attempts is not incremented. A job that cannot be pushed is dropped with an alert.
func (s *Service) putBack(ctx context.Context, jobs []resync.Job, stats *ReplayStats) {
	pctx := context.WithoutCancel(ctx)
	due := s.now()
	for _, job := range jobs {
		jctx := withCorrelation(pctx, job.Correlation)
		jctx = retry.ContextWithCorrelation(jctx, "jobId", job.ID)

		perr := s.opts.Queue.Push(jctx, job, due)
		if perr == nil {
			stats.Requeued++
			s.log.WarnContext(jctx, "interrupted job returned to queue", slog.Int("attempts", job.Attempts))
			continue
		}
		stats.Dropped++
		kind := shared.KindOf(perr)
		metrics.RecordSync(string(job.EntityType), string(job.Action), metrics.ResultFailure)
		s.log.ErrorContext(jctx, "interrupted job dropped",
			slog.String("kind", kind.String()),
			slog.String("error", perr.Error()),
		)
		op := "replay." + string(job.EntityType) + "." + string(job.Action)
		s.alert(jctx, op, job.EntityType, job.CRMID, kind, perr, false)
	}
}

func (s *Service) runJob(ctx context.Context, job resync.Job) error {
	switch {
	case job.EntityType == mapping.EntityProduct && job.Action == resync.ActionUpsert:
		var p CRMProduct
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return shared.MarkKind(fmt.Errorf("decode product job %s: %w", job.ID, err), shared.KindValidation)
		}
		_, err := s.syncProduct(ctx, p)
		return err
	case job.EntityType == mapping.EntityProduct && job.Action == resync.ActionDelete:
		return s.deleteProduct(ctx, mapping.Key{EntityType: mapping.EntityProduct, CRMID: job.CRMID})
	case job.EntityType == mapping.EntitySalesDocument && job.Action == resync.ActionUpsert:
		var d CRMSalesDocument
		if err := json.Unmarshal(job.Payload, &d); err != nil {
			return shared.MarkKind(fmt.Errorf("decode sales document job %s: %w", job.ID, err), shared.KindValidation)
		}
		_, err := s.syncSalesDocument(ctx, d)
		return err
	}
	return fmt.Errorf("%w: unsupported job %s %s", shared.ErrValidation, job.EntityType, job.Action)
}

// requeue reports whether the job went back to the queue.
func (s *Service) requeue(ctx context.Context, job resync.Job, err error) bool {
	kind := shared.KindOf(err)
	job.Attempts++
	job.LastError = err.Error()
	job.LastKind = kind.String()

	op := "replay." + string(job.EntityType) + "." + string(job.Action)
	if s.opts.DeferrableKinds.Has(kind) && job.Attempts < s.opts.MaxReplayAttempts {
		due := s.now().Add(s.deferDelay(job.Attempts))
		perr := s.opts.Queue.Push(context.WithoutCancel(ctx), job, due)
		if perr == nil {
			metrics.RecordSync(string(job.EntityType), string(job.Action), metrics.ResultDeferred)
			s.log.WarnContext(ctx, "deferred job failed again",
				slog.Int("attempts", job.Attempts),
				slog.String("kind", kind.String()),
				slog.Time("due", due),
				slog.String("error", err.Error()),
			)
			return true
		}
		s.log.ErrorContext(ctx, "failed to requeue job", slog.String("error", perr.Error()))
	}

	metrics.RecordSync(string(job.EntityType), string(job.Action), metrics.ResultFailure)
	s.log.ErrorContext(ctx, "deferred job dropped",
		slog.Int("attempts", job.Attempts),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)
	s.alert(ctx, op, job.EntityType, job.CRMID, kind, err, false)
	return false
}
