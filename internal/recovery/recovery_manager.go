// Package recovery implements the Recovery Manager (§4.8): startup
// reconciliation of persisted in-progress flags with the fact that, on a
// fresh process start, no live job can possibly exist for any of them.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/blobstore"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
	"github.com/okinrev/veza-web-app/internal/infrastructure/eventbus"
)

const listPageSize = 200

// Manager runs the §4.8 algorithm exactly once per process start, before
// the Job Queue accepts submissions.
type Manager struct {
	artifacts repositories.ArtifactRepository
	jobs      repositories.JobRepository
	blobs     *blobstore.Store
	bus       eventbus.ProgressBus
	logger    *zap.Logger
}

// NewManager builds a Recovery Manager over the same collaborators the
// Stage Runners use.
func NewManager(artifacts repositories.ArtifactRepository, jobs repositories.JobRepository, blobs *blobstore.Store, bus eventbus.ProgressBus, logger *zap.Logger) *Manager {
	return &Manager{artifacts: artifacts, jobs: jobs, blobs: blobs, bus: bus, logger: logger}
}

// claimant resolves which user, if any, to notify for a reconciled
// (source_id, stage) pair — the claimant of the stuck Job row, when one
// survived to history.
type claimant struct {
	userID entities.UserID
	found  bool
}

// Run executes the full algorithm: reconcile stuck job history rows,
// reconcile each record's in-progress claim flags, then sweep orphan
// blobs. Idempotent — running it twice back to back leaves the catalog
// unchanged the second time, since every flag it touches is already at
// its settled state by then.
func (m *Manager) Run(ctx context.Context) error {
	claimants, err := m.reconcileStuckJobs(ctx)
	if err != nil {
		return fmt.Errorf("recovery: reconcile jobs: %w", err)
	}

	liveSources, err := m.reconcileRecords(ctx, claimants)
	if err != nil {
		return fmt.Errorf("recovery: reconcile records: %w", err)
	}

	removed, err := m.removeOrphanBlobs(liveSources)
	if err != nil {
		return fmt.Errorf("recovery: orphan blob sweep: %w", err)
	}

	m.logger.Info("recovery manager completed",
		zap.Int("sources_reconciled", len(liveSources)),
		zap.Int("orphan_blob_dirs_removed", removed))
	return nil
}

// reconcileStuckJobs transitions every Job row still in queued/running
// state to failed/interrupted — a fresh process start proves none of
// them has a live worker — and returns the claimant to notify for each
// (source_id, stage) pair that had one.
func (m *Manager) reconcileStuckJobs(ctx context.Context) (map[string]claimant, error) {
	out := make(map[string]claimant)

	for _, state := range []entities.JobState{entities.JobQueued, entities.JobRunning} {
		page := 0
		for {
			jobs, err := m.jobs.ListHistory(ctx, entities.JobHistoryFilter{
				State: &state, Page: page, PageSize: listPageSize,
			})
			if err != nil {
				return nil, err
			}
			for _, job := range jobs {
				out[jobKey(job.SourceID, job.Stage)] = claimant{userID: job.ClaimantUserID, found: true}
				if err := m.jobs.UpdateState(ctx, job.JobID, entities.JobFailed, entities.ErrInterrupted, "process restarted mid-job"); err != nil {
					m.logger.Warn("recovery: failed to mark job interrupted",
						zap.String("job_id", job.JobID), zap.Error(err))
				}
			}
			if len(jobs) < listPageSize {
				break
			}
			page++
		}
	}
	return out, nil
}

func jobKey(id entities.SourceID, stage entities.Stage) string {
	return string(id) + ":" + string(stage)
}

// reconcileRecords walks every catalog record and heals any claim flag
// left in claimed/running, returning the full set of source ids seen (the
// "alive" set the orphan blob sweep compares against).
func (m *Manager) reconcileRecords(ctx context.Context, claimants map[string]claimant) (map[entities.SourceID]struct{}, error) {
	live := make(map[entities.SourceID]struct{})

	page := 0
	for {
		records, err := m.artifacts.ListRecords(ctx, repositories.ArtifactListFilter{Page: page, PageSize: listPageSize})
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			live[rec.SourceID] = struct{}{}
			m.reconcileOne(ctx, rec, claimants)
		}
		if len(records) < listPageSize {
			break
		}
		page++
	}
	return live, nil
}

func (m *Manager) reconcileOne(ctx context.Context, rec *entities.ArtifactRecord, claimants map[string]claimant) {
	if rec.FetchClaim == entities.FetchClaimed || rec.FetchClaim == entities.FetchRunning {
		failed := entities.FetchFailed
		m.applyAndNotify(ctx, rec.SourceID, entities.StageFetch, claimants,
			entities.RecordPatch{FetchClaim: &failed})
	}

	if rec.Analysis.AnalysisClaim == entities.AnalysisClaimed || rec.Analysis.AnalysisClaim == entities.AnalysisRunning {
		none := entities.AnalysisNone
		m.applyAndNotify(ctx, rec.SourceID, entities.StageAnalyze, claimants,
			entities.RecordPatch{AnalysisClaim: &none})
	}

	if rec.Extraction.State == entities.ExtractionClaimed || rec.Extraction.State == entities.ExtractionRunning {
		failed := entities.ExtractionFailed
		m.applyAndNotify(ctx, rec.SourceID, entities.StageExtract, claimants,
			entities.RecordPatch{ExtractionState: &failed})
	}
}

func (m *Manager) applyAndNotify(ctx context.Context, id entities.SourceID, stage entities.Stage, claimants map[string]claimant, patch entities.RecordPatch) {
	if _, err := m.artifacts.UpsertRecord(ctx, id, patch); err != nil {
		m.logger.Error("recovery: failed to heal claim flag",
			zap.String("source_id", string(id)), zap.String("stage", string(stage)), zap.Error(err))
		return
	}

	event := eventbus.ProgressEvent{
		SourceID: id,
		Stage:    stage,
		Type:     eventbus.EventFailed,
		Payload:  eventbus.ProgressPayload{ErrorKind: entities.ErrInterrupted, Message: "process restarted mid-stage"},
	}

	c, ok := claimants[jobKey(id, stage)]
	var err error
	if ok && c.found {
		event.UserID = &c.userID
		err = m.bus.PublishToUser([]entities.UserID{c.userID}, event)
	} else {
		err = m.bus.PublishGlobal(event)
	}
	if err != nil {
		m.logger.Debug("recovery: interrupted event publish failed", zap.Error(err))
	}
}

// removeOrphanBlobs deletes every blob directory with no corresponding
// catalog record.
func (m *Manager) removeOrphanBlobs(live map[entities.SourceID]struct{}) (int, error) {
	dirs, err := m.blobs.ListSourceDirs()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range dirs {
		if _, ok := live[id]; ok {
			continue
		}
		if err := m.blobs.DeleteSource(id); err != nil {
			m.logger.Warn("recovery: failed to remove orphan blob dir",
				zap.String("source_id", string(id)), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
