// Package jobs implements the Stage Runners (§4.5): the state machines
// that turn a queued Job into catalog mutations, blob writes, and
// Progress Bus events. Each runner implements
// messagequeue.StageRunner and is registered against one entities.Stage
// in the Job Queue.
package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/blobstore"
	"github.com/okinrev/veza-web-app/internal/analyzers"
	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
	"github.com/okinrev/veza-web-app/internal/domain/services"
	"github.com/okinrev/veza-web-app/internal/infrastructure/eventbus"
	"github.com/okinrev/veza-web-app/internal/infrastructure/messagequeue"
)

// maxStageRetries caps how many times fetchWithRetry retries a
// rate_limited fetch in place before giving up; the job is not
// re-enqueued. The spec names "a per-stage maximum with fixed backoff"
// without naming the number.
const maxStageRetries = 3

// Enqueuer is the subset of *messagequeue.JobQueue the Stage Runners use
// to chain the next stage; narrowed to avoid threading the whole queue
// type through every runner constructor.
type Enqueuer interface {
	Submit(ctx context.Context, job *entities.Job) error
}

var _ messagequeue.StageRunner = (*FetchRunner)(nil)

// FetchRunner implements the 4.5.1 algorithm: claim, fetch/transcode,
// commit master_audio, release, enqueue analyze.
type FetchRunner struct {
	dedup     services.DedupIndex
	artifacts repositories.ArtifactRepository
	fetcher   analyzers.SourceFetcher
	codec     analyzers.AudioCodec
	blobs     *blobstore.Store
	bus       eventbus.ProgressBus
	enqueue   Enqueuer
	maxDurationSeconds float64
	logger    *zap.Logger
}

// NewFetchRunner builds a FetchRunner.
func NewFetchRunner(dedup services.DedupIndex, artifacts repositories.ArtifactRepository, fetcher analyzers.SourceFetcher, codec analyzers.AudioCodec, blobs *blobstore.Store, bus eventbus.ProgressBus, enqueue Enqueuer, maxDurationSeconds float64, logger *zap.Logger) *FetchRunner {
	return &FetchRunner{
		dedup: dedup, artifacts: artifacts, fetcher: fetcher, codec: codec,
		blobs: blobs, bus: bus, enqueue: enqueue, maxDurationSeconds: maxDurationSeconds, logger: logger,
	}
}

func (r *FetchRunner) emit(job *entities.Job, eventType eventbus.ProgressEventType, payload eventbus.ProgressPayload) {
	event := eventbus.ProgressEvent{
		JobID: job.JobID, SourceID: job.SourceID, Stage: entities.StageFetch,
		Type: eventType, Payload: payload,
	}
	if err := r.bus.PublishToUser([]entities.UserID{job.ClaimantUserID}, event); err != nil {
		r.logger.Debug("fetch runner: progress publish failed", zap.Error(err))
	}
}

// Run executes one fetch job. The Job Queue has already acquired the
// job's resource slot and derived its timeout context before calling Run.
func (r *FetchRunner) Run(ctx context.Context, job *entities.Job) error {
	claim, err := r.dedup.TryClaimFetch(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("fetch runner: claim: %w", err)
	}
	if claim.AlreadyDone {
		return r.enqueueAnalyze(ctx, job)
	}
	if !claim.Claimed {
		outcome, err := r.dedup.Watch(ctx, claim.WatchKey, func(ctx context.Context) (bool, error) {
			rec, err := r.artifacts.GetRecord(ctx, job.SourceID)
			if err != nil {
				return false, err
			}
			return rec != nil && rec.FetchClaim == entities.FetchDone, nil
		})
		if err != nil {
			return common.ClassifyAdapterErr(err, entities.ErrInterrupted, "waiting on fetch winner failed")
		}
		if !outcome.Succeeded {
			return common.Classify(entities.ErrorKind(outcome.ErrorKind), "fetch winner failed", nil)
		}
		return r.enqueueAnalyze(ctx, job)
	}

	r.emit(job, eventbus.EventStarted, eventbus.ProgressPayload{Phase: "fetch"})

	succeeded := false
	var releaseErrKind entities.ErrorKind
	defer func() {
		if releaseErr := r.dedup.ReleaseFetch(ctx, job.SourceID, succeeded, releaseErrKind); releaseErr != nil {
			r.logger.Warn("fetch runner: release failed", zap.Error(releaseErr))
		}
	}()

	fetched, err := r.fetchWithRetry(ctx, job)
	if err != nil {
		releaseErrKind, _ = common.AsClassified(err)
		return err
	}
	r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{Phase: "downloading", Percent: 60})

	rawAbsPath := r.blobs.AbsPath(fetched.BlobRef)
	duration, err := r.codec.Probe(ctx, rawAbsPath)
	if err != nil {
		releaseErrKind, _ = common.AsClassified(err)
		return err
	}
	if r.maxDurationSeconds > 0 && duration > r.maxDurationSeconds {
		releaseErrKind = entities.ErrSourceTooLong
		return common.Classify(entities.ErrSourceTooLong, "source exceeds the configured maximum duration", nil)
	}

	canonicalAbsPath, err := r.blobs.ReservePath(job.SourceID, blobstore.KindMasterAudio, ".wav")
	if err != nil {
		releaseErrKind = entities.ErrStorageFailure
		return common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "reserving canonical audio path failed")
	}
	if err := r.codec.Transcode(ctx, rawAbsPath, canonicalAbsPath); err != nil {
		releaseErrKind, _ = common.AsClassified(err)
		return err
	}
	if err := r.blobs.DeleteBlob(fetched.BlobRef); err != nil {
		r.logger.Warn("fetch runner: cleanup of pre-transcode blob failed", zap.Error(err))
	}

	canonicalRef := r.blobs.RefFor(job.SourceID, blobstore.KindMasterAudio, ".wav")
	audioRef := string(canonicalRef)
	if _, err := r.artifacts.UpsertRecord(ctx, job.SourceID, entities.RecordPatch{
		Title:           &fetched.Title,
		DurationSeconds: &duration,
		ThumbnailRef:    &fetched.ThumbnailRef,
		AudioBlobRef:    &audioRef,
	}); err != nil {
		releaseErrKind = entities.ErrStorageFailure
		return common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "committing fetched source failed")
	}

	if ok, claimErr := r.artifacts.CompareAndClaimFetch(ctx, job.SourceID, entities.FetchClaimed, entities.FetchDone); claimErr != nil || !ok {
		releaseErrKind = entities.ErrStorageFailure
		return common.Classify(entities.ErrStorageFailure, "finalizing fetch claim failed", claimErr)
	}

	succeeded = true
	r.emit(job, eventbus.EventCompleted, eventbus.ProgressPayload{Phase: "fetch"})
	return r.enqueueAnalyze(ctx, job)
}

// fetchWithRetry retries only rate_limited failures, per the §4.5.1 edge
// case, with a fixed one-second backoff for up to maxStageRetries retries
// after the first attempt; any other
// classified error returns immediately.
func (r *FetchRunner) fetchWithRetry(ctx context.Context, job *entities.Job) (analyzers.FetchedSource, error) {
	var lastErr error
	for attempt := 0; attempt <= maxStageRetries; attempt++ {
		fetched, err := r.fetcher.Fetch(ctx, job.SourceID, job.Parameters.SourceURLOrID)
		if err == nil {
			return fetched, nil
		}
		kind, _ := common.AsClassified(err)
		if kind != entities.ErrRateLimited || attempt == maxStageRetries {
			return analyzers.FetchedSource{}, err
		}
		lastErr = err
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return analyzers.FetchedSource{}, ctx.Err()
		}
	}
	return analyzers.FetchedSource{}, lastErr
}

func (r *FetchRunner) enqueueAnalyze(ctx context.Context, job *entities.Job) error {
	analyzeJob := &entities.Job{
		JobID:          job.JobID + ":analyze",
		SourceID:       job.SourceID,
		Stage:          entities.StageAnalyze,
		ClaimantUserID: job.ClaimantUserID,
		ResourceTag:    entities.ResourceCPU,
		CreatedAt:      time.Now(),
	}
	if err := r.enqueue.Submit(ctx, analyzeJob); err != nil {
		return fmt.Errorf("fetch runner: enqueue analyze: %w", err)
	}
	return nil
}
