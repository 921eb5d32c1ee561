// Package resync describes deferred synchronization jobs and the queue that
// holds them until they are due.
package resync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"erpsync/internal/domain/mapping"
	"erpsync/internal/shared"
)

// Action is what a job does with its entity.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// Job is a sync request that could not complete and waits for a replay.
type Job struct {
	ID          string             `json:"id"`
	EntityType  mapping.EntityType `json:"entity_type"`
	Action      Action             `json:"action"`
	CRMID       string             `json:"crm_id"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	Correlation map[string]string  `json:"correlation,omitempty"`
	Attempts    int                `json:"attempts"`
	LastError   string             `json:"last_error,omitempty"`
	LastKind    string             `json:"last_kind,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Validate checks the fields every job must carry.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: job without id", shared.ErrValidation)
	}
	if err := (mapping.Key{EntityType: j.EntityType, CRMID: j.CRMID}).Validate(); err != nil {
		return err
	}
	switch j.Action {
	case ActionUpsert:
		if len(j.Payload) == 0 {
			return fmt.Errorf("%w: upsert job %s without payload", shared.ErrValidation, j.ID)
		}
	case ActionDelete:
	default:
		return fmt.Errorf("%w: unknown job action %q", shared.ErrValidation, j.Action)
	}
	return nil
}

// Queue holds jobs ordered by due time.
//
// PopDue removes and returns up to limit jobs due at or before now, earliest
// first. A job is returned to at most one caller.
type Queue interface {
	Push(ctx context.Context, job Job, due time.Time) error
	PopDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Len(ctx context.Context) (int, error)
}

type entry struct {
	job Job
	due time.Time
}

// MemoryQueue is an in-process Queue used when Redis is not configured.
// Jobs are lost on restart.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []entry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(_ context.Context, job Job, due time.Time) error {
	if err := job.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.entries {
		if q.entries[i].job.ID == job.ID {
			q.entries[i] = entry{job: job, due: due}
			q.sort()
			return nil
		}
	}
	q.entries = append(q.entries, entry{job: job, due: due})
	q.sort()
	return nil
}

func (q *MemoryQueue) sort() {
	sort.SliceStable(q.entries, func(i, j int) bool {
		return q.entries[i].due.Before(q.entries[j].due)
	})
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	n := 0
	for n < len(q.entries) && len(out) < limit && !q.entries[n].due.After(now) {
		out = append(out, q.entries[n].job)
		n++
	}
	q.entries = q.entries[n:]
	return out, nil
}

func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
