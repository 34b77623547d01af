package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
)

// jobRepository persists Job history (§4.4, §4.6). The Job Queue keeps its
// own in-memory scheduling state; this table exists for ListHistory,
// crash recovery reconciliation, and the job_id -> job lookup used by
// cancel().
type jobRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewJobRepository creates a Postgres JobRepository.
func NewJobRepository(db *sql.DB, logger *zap.Logger) repositories.JobRepository {
	return &jobRepository{db: db, logger: logger}
}

const jobColumns = `job_id, source_id, stage, claimant_user_id, resource_tag, parameters_json,
	state, error_kind, error_message, retry_count, created_at, started_at, finished_at`

func scanJob(row interface{ Scan(dest ...interface{}) error }) (*entities.Job, error) {
	var j entities.Job
	var claimantID int64
	var paramsJSON []byte
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&j.JobID, &j.SourceID, &j.Stage, &claimantID, &j.ResourceTag, &paramsJSON,
		&j.State, &j.ErrorKind, &j.ErrorMessage, &j.RetryCount, &j.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.ClaimantUserID = entities.UserID(claimantID)
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		j.FinishedAt = &finishedAt.Time
	}
	if len(paramsJSON) > 0 {
		_ = json.Unmarshal(paramsJSON, &j.Parameters)
	}
	return &j, nil
}

func (r *jobRepository) Create(ctx context.Context, job *entities.Job) error {
	paramsJSON, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("job repository: marshal parameters: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, source_id, stage, claimant_user_id, resource_tag, parameters_json,
			state, error_kind, error_message, retry_count, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.JobID, job.SourceID, job.Stage, int64(job.ClaimantUserID), job.ResourceTag, paramsJSON,
		job.State, job.ErrorKind, job.ErrorMessage, job.RetryCount, job.CreatedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("job repository: create: %w", err)
	}
	return nil
}

func (r *jobRepository) UpdateState(ctx context.Context, jobID string, state entities.JobState, errKind entities.ErrorKind, errMsg string) error {
	now := time.Now()
	var startedAtClause string
	if state == entities.JobRunning {
		startedAtClause = ", started_at = COALESCE(started_at, $5)"
	}
	var finishedAtClause string
	terminal := state == entities.JobSucceeded || state == entities.JobFailed || state == entities.JobCancelled
	if terminal {
		finishedAtClause = ", finished_at = $5"
	}

	query := fmt.Sprintf(`UPDATE jobs SET state = $1, error_kind = $2, error_message = $3%s WHERE job_id = $4`,
		startedAtClause+finishedAtClause)

	var result sql.Result
	var err error
	if startedAtClause != "" || finishedAtClause != "" {
		result, err = r.db.ExecContext(ctx, query, state, errKind, errMsg, jobID, now)
	} else {
		result, err = r.db.ExecContext(ctx, query, state, errKind, errMsg, jobID)
	}
	if err != nil {
		return fmt.Errorf("job repository: update state: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("job repository: update state rows affected: %w", err)
	}
	if n == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

func (r *jobRepository) Get(ctx context.Context, jobID string) (*entities.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job repository: get: %w", err)
	}
	return job, nil
}

func (r *jobRepository) ListHistory(ctx context.Context, filter entities.JobHistoryFilter) ([]*entities.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var conds []string
	var args []interface{}

	if filter.UserID != nil {
		args = append(args, int64(*filter.UserID))
		conds = append(conds, fmt.Sprintf("claimant_user_id = $%d", len(args)))
	}
	if filter.SourceID != nil {
		args = append(args, *filter.SourceID)
		conds = append(conds, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if filter.Stage != nil {
		args = append(args, *filter.Stage)
		conds = append(conds, fmt.Sprintf("stage = $%d", len(args)))
	}
	if filter.State != nil {
		args = append(args, *filter.State)
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	page := filter.Page
	if page < 0 {
		page = 0
	}
	args = append(args, pageSize, page*pageSize)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job repository: list history: %w", err)
	}
	defer rows.Close()

	var out []*entities.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("job repository: scan history row: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PruneOlderThanCount keeps the newest keepPerSourceStage rows per
// (source_id, stage) and deletes the rest, bounding job history
// retention; no component in this module calls it.
func (r *jobRepository) PruneOlderThanCount(ctx context.Context, keepPerSourceStage int) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE job_id IN (
			SELECT job_id FROM (
				SELECT job_id,
					ROW_NUMBER() OVER (PARTITION BY source_id, stage ORDER BY created_at DESC) AS rn
				FROM jobs
			) ranked
			WHERE ranked.rn > $1
		)`, keepPerSourceStage)
	if err != nil {
		return 0, fmt.Errorf("job repository: prune: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("job repository: prune rows affected: %w", err)
	}
	return n, nil
}
