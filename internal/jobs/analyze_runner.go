package jobs

import (
	"context"
	"fmt"

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

// AnalyzeRunner implements the 4.5.2 algorithm: tempo/key, then chords,
// then structure and lyrics, each independently failable, committed once
// at the end.
type AnalyzeRunner struct {
	dedup     services.DedupIndex
	artifacts repositories.ArtifactRepository
	blobs     *blobstore.Store
	tempoKey  analyzers.TempoKey
	chords    analyzers.ChordDetector
	segmenter analyzers.Segmenter
	lyrics    analyzers.LyricsProvider
	bus       eventbus.ProgressBus
	logger    *zap.Logger
}

// NewAnalyzeRunner builds an AnalyzeRunner.
func NewAnalyzeRunner(dedup services.DedupIndex, artifacts repositories.ArtifactRepository, blobs *blobstore.Store, tempoKey analyzers.TempoKey, chords analyzers.ChordDetector, segmenter analyzers.Segmenter, lyrics analyzers.LyricsProvider, bus eventbus.ProgressBus, logger *zap.Logger) *AnalyzeRunner {
	return &AnalyzeRunner{
		dedup: dedup, artifacts: artifacts, blobs: blobs, tempoKey: tempoKey, chords: chords,
		segmenter: segmenter, lyrics: lyrics, bus: bus, logger: logger,
	}
}

var _ messagequeue.StageRunner = (*AnalyzeRunner)(nil)

func (r *AnalyzeRunner) emit(job *entities.Job, eventType eventbus.ProgressEventType, payload eventbus.ProgressPayload) {
	event := eventbus.ProgressEvent{
		JobID: job.JobID, SourceID: job.SourceID, Stage: entities.StageAnalyze,
		Type: eventType, Payload: payload,
	}
	if err := r.bus.PublishToUser([]entities.UserID{job.ClaimantUserID}, event); err != nil {
		r.logger.Debug("analyze runner: progress publish failed", zap.Error(err))
	}
}

func (r *AnalyzeRunner) Run(ctx context.Context, job *entities.Job) error {
	claim, err := r.dedup.TryClaimAnalysis(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("analyze runner: claim: %w", err)
	}
	if claim.AlreadyDone {
		return nil
	}
	if !claim.Claimed {
		outcome, err := r.dedup.Watch(ctx, claim.WatchKey, func(ctx context.Context) (bool, error) {
			rec, err := r.artifacts.GetRecord(ctx, job.SourceID)
			if err != nil {
				return false, err
			}
			return rec != nil && rec.Analysis.AnalysisClaim == entities.AnalysisDone, nil
		})
		if err != nil {
			return common.ClassifyAdapterErr(err, entities.ErrInterrupted, "waiting on analysis winner failed")
		}
		if !outcome.Succeeded {
			return common.Classify(entities.ErrorKind(outcome.ErrorKind), "analysis winner failed", nil)
		}
		return nil
	}

	rec, err := r.artifacts.GetRecord(ctx, job.SourceID)
	if err != nil || rec == nil || rec.AudioBlobRef == nil {
		_ = r.dedup.ReleaseAnalysis(ctx, job.SourceID, false, entities.ErrBadInput)
		return common.Classify(entities.ErrBadInput, "analyze requires a fetched master_audio", err)
	}
	audioPath := r.blobs.AbsPath(blobstore.BlobRef(*rec.AudioBlobRef))

	r.emit(job, eventbus.EventStarted, eventbus.ProgressPayload{Phase: "analyze"})

	patch := entities.RecordPatch{}
	succeeded := false
	var releaseErrKind entities.ErrorKind
	defer func() {
		if err := r.dedup.ReleaseAnalysis(ctx, job.SourceID, succeeded, releaseErrKind); err != nil {
			r.logger.Warn("analyze runner: release failed", zap.Error(err))
		}
	}()

	// 1. Tempo & key, ordered before chords per §4.5.2 (chord analyzer may
	// use a beat-grid hint derived from tempo).
	tempoResult, err := r.tempoKey.Analyze(ctx, audioPath)
	if err != nil {
		releaseErrKind, _ = common.AsClassified(err)
		return err
	}
	patch.TempoBPM = &tempoResult.TempoBPM
	patch.Key = &tempoResult.Key
	patch.AnalysisConfidence = &tempoResult.Confidence
	r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{Phase: "tempo_key", Percent: 25})

	if err := ctx.Err(); err != nil {
		releaseErrKind = entities.ErrCancelled
		return err
	}

	// 2. Chords: the first backend in the fallback chain that succeeds
	// wins, even when it returns no chord events.
	chordResult, err := r.chords.Detect(ctx, audioPath)
	if err != nil {
		releaseErrKind, _ = common.AsClassified(err)
		return err
	}
	patch.Chords = chordResult.Events
	patch.ChordsSource = &chordResult.Source
	r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{Phase: "chords", Percent: 55})

	if err := ctx.Err(); err != nil {
		releaseErrKind = entities.ErrCancelled
		return err
	}

	// 3. Structure is non-fatal: a segmenter failure leaves structure
	// null instead of failing the whole analysis.
	if sections, err := r.segmenter.Segment(ctx, rec.DurationSeconds, chordResult.Events, 0); err != nil {
		r.logger.Warn("analyze runner: segmentation failed, leaving structure null",
			zap.String("source_id", string(job.SourceID)), zap.Error(err))
		patch.StructureCleared = true
	} else {
		patch.Structure = sections
	}
	r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{Phase: "structure", Percent: 75})

	if err := ctx.Err(); err != nil {
		releaseErrKind = entities.ErrCancelled
		return err
	}

	// 4. Lyrics, external only: absence is not a failure.
	if doc, found, err := r.lyrics.LookupExternal(ctx, rec.Title); err != nil {
		r.logger.Warn("analyze runner: external lyrics lookup failed, leaving lyrics null",
			zap.String("source_id", string(job.SourceID)), zap.Error(err))
	} else if found {
		patch.Lyrics = &doc
		source := entities.LyricsSourceExternalAPI
		patch.LyricsSource = &source
	}
	r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{Phase: "lyrics", Percent: 90})

	if _, err := r.artifacts.UpsertRecord(ctx, job.SourceID, patch); err != nil {
		releaseErrKind = entities.ErrStorageFailure
		return common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "committing analysis failed")
	}
	if ok, claimErr := r.artifacts.CompareAndClaimAnalysis(ctx, job.SourceID, entities.AnalysisClaimed, entities.AnalysisDone); claimErr != nil || !ok {
		releaseErrKind = entities.ErrStorageFailure
		return common.Classify(entities.ErrStorageFailure, "finalizing analysis claim failed", claimErr)
	}

	succeeded = true
	r.emit(job, eventbus.EventCompleted, eventbus.ProgressPayload{Phase: "analyze"})
	return nil
}
