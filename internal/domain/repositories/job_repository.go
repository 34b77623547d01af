package repositories

import (
	"context"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// JobRepository persists Job history. Jobs are created on enqueue,
// transition terminally once, then are retained with bounded retention
// for ListHistory — the Job Queue's in-memory scheduling state is not
// sourced from here.
type JobRepository interface {
	Create(ctx context.Context, job *entities.Job) error
	UpdateState(ctx context.Context, jobID string, state entities.JobState, errKind entities.ErrorKind, errMsg string) error
	Get(ctx context.Context, jobID string) (*entities.Job, error)
	ListHistory(ctx context.Context, filter entities.JobHistoryFilter) ([]*entities.Job, error)
	// PruneOlderThanCount deletes the oldest rows beyond a bounded
	// retention count, per (source_id, stage).
	PruneOlderThanCount(ctx context.Context, keepPerSourceStage int) (int64, error)
}
