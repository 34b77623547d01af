package jobs

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

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

var _ messagequeue.StageRunner = (*ExtractRunner)(nil)

// ExtractRunner implements the §4.5.3 algorithm: claim on a
// (source_id, model_id) key, separate into stems, tag silent stems,
// bundle an archive, commit, release, enqueue post_extract.
type ExtractRunner struct {
	dedup        services.DedupIndex
	artifacts    repositories.ArtifactRepository
	access       services.AccessView
	blobs        *blobstore.Store
	separator    analyzers.Separator
	silence      analyzers.SilenceDetector
	bus          eventbus.ProgressBus
	enqueue      Enqueuer
	silentThresholdDB float64
	logger       *zap.Logger
}

// NewExtractRunner builds an ExtractRunner.
func NewExtractRunner(dedup services.DedupIndex, artifacts repositories.ArtifactRepository, access services.AccessView, blobs *blobstore.Store, separator analyzers.Separator, silence analyzers.SilenceDetector, bus eventbus.ProgressBus, enqueue Enqueuer, silentThresholdDB float64, logger *zap.Logger) *ExtractRunner {
	return &ExtractRunner{
		dedup: dedup, artifacts: artifacts, access: access, blobs: blobs,
		separator: separator, silence: silence, bus: bus, enqueue: enqueue,
		silentThresholdDB: silentThresholdDB, logger: logger,
	}
}

func (r *ExtractRunner) emit(job *entities.Job, eventType eventbus.ProgressEventType, payload eventbus.ProgressPayload) {
	event := eventbus.ProgressEvent{
		JobID: job.JobID, SourceID: job.SourceID, Stage: entities.StageExtract,
		Type: eventType, Payload: payload,
	}
	if err := r.bus.PublishToUser([]entities.UserID{job.ClaimantUserID}, event); err != nil {
		r.logger.Debug("extract runner: progress publish failed", zap.Error(err))
	}
}

func (r *ExtractRunner) Run(ctx context.Context, job *entities.Job) error {
	modelID := job.Parameters.ModelID
	claim, err := r.dedup.TryClaimExtraction(ctx, job.SourceID, modelID)
	if err != nil {
		return fmt.Errorf("extract runner: claim: %w", err)
	}
	if claim.AlreadyDone {
		return r.grantAndEnqueuePostExtract(ctx, job)
	}
	if !claim.Claimed {
		outcome, err := r.dedup.Watch(ctx, claim.WatchKey, func(ctx context.Context) (bool, error) {
			rec, err := r.artifacts.GetRecord(ctx, job.SourceID)
			if err != nil {
				return false, err
			}
			return rec != nil && rec.Extraction.State == entities.ExtractionDone, nil
		})
		if err != nil {
			return common.ClassifyAdapterErr(err, entities.ErrInterrupted, "waiting on extract winner failed")
		}
		if !outcome.Succeeded {
			return common.Classify(entities.ErrorKind(outcome.ErrorKind), "extract winner failed", nil)
		}
		return r.grantAndEnqueuePostExtract(ctx, job)
	}

	rec, err := r.artifacts.GetRecord(ctx, job.SourceID)
	if err != nil || rec == nil || rec.AudioBlobRef == nil {
		_ = r.dedup.ReleaseExtraction(ctx, job.SourceID, modelID, false, entities.ErrBadInput)
		return common.Classify(entities.ErrBadInput, "extract requires a fetched master_audio", err)
	}
	masterAudioPath := r.blobs.AbsPath(blobstore.BlobRef(*rec.AudioBlobRef))

	r.emit(job, eventbus.EventStarted, eventbus.ProgressPayload{Phase: "extract"})
	// Device placement is decided by whoever enqueues the job (the
	// Job Queue admits it against job.ResourceTag's semaphore before
	// Run is ever called); this only reports what was granted.
	r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{Phase: "device_selected", Detail: string(job.ResourceTag)})

	succeeded := false
	var releaseErrKind entities.ErrorKind
	defer func() {
		if err := r.dedup.ReleaseExtraction(ctx, job.SourceID, modelID, succeeded, releaseErrKind); err != nil {
			r.logger.Warn("extract runner: release failed", zap.Error(err))
		}
	}()

	outputDir, err := os.MkdirTemp("", "extract-"+string(job.SourceID)+"-")
	if err != nil {
		releaseErrKind = entities.ErrStorageFailure
		return common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "creating separation scratch dir failed")
	}
	defer os.RemoveAll(outputDir)

	requested := job.Parameters.RequestedStems
	stemPaths, err := r.separator.Separate(ctx, masterAudioPath, outputDir, modelID, requested, func(pct float64) {
		r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{Phase: "separating", Percent: pct * 70})
	})
	if err != nil {
		releaseErrKind, _ = common.AsClassified(err)
		return err
	}

	if err := ctx.Err(); err != nil {
		releaseErrKind = entities.ErrCancelled
		return err
	}

	stemRefs := make(map[entities.StemName]string, len(stemPaths))
	silentStems := make(map[entities.StemName]bool, len(stemPaths))
	names := sortedStemNames(stemPaths)
	for i, name := range names {
		path := stemPaths[name]
		file, err := os.Open(path)
		if err != nil {
			releaseErrKind = entities.ErrStorageFailure
			return common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "opening separated stem failed")
		}
		ref, _, err := r.blobs.PutBlob(ctx, job.SourceID, blobstore.StemKind(name), filepath.Ext(path), file)
		file.Close()
		if err != nil {
			releaseErrKind = entities.ErrStorageFailure
			return common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "committing separated stem failed")
		}
		stemRefs[name] = string(ref)

		silent, err := r.silence.IsSilent(ctx, path, r.silentThresholdDB)
		if err != nil {
			r.logger.Warn("extract runner: silence detection failed, leaving stem untagged",
				zap.String("source_id", string(job.SourceID)), zap.String("stem", string(name)), zap.Error(err))
		} else {
			silentStems[name] = silent
		}

		r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{
			Phase: "committing_stems", Percent: 70 + 20*float64(i+1)/float64(len(names)),
		})

		if err := ctx.Err(); err != nil {
			releaseErrKind = entities.ErrCancelled
			return err
		}
	}

	archiveRef, err := r.buildArchive(ctx, job.SourceID, names, stemPaths)
	if err != nil {
		releaseErrKind = entities.ErrStorageFailure
		return common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "building stem archive failed")
	}
	r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{Phase: "archiving", Percent: 95})

	if err := ctx.Err(); err != nil {
		releaseErrKind = entities.ErrCancelled
		return err
	}

	archiveRefStr := string(archiveRef)
	if _, err := r.artifacts.UpsertRecord(ctx, job.SourceID, entities.RecordPatch{
		ModelID:         &modelID,
		StemRefs:        stemRefs,
		SilentStems:     silentStems,
		ArchiveRef:      &archiveRefStr,
	}); err != nil {
		releaseErrKind = entities.ErrStorageFailure
		return common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "committing extraction failed")
	}

	if ok, claimErr := r.artifacts.CompareAndClaimExtraction(ctx, job.SourceID, modelID, entities.ExtractionClaimed, entities.ExtractionDone); claimErr != nil || !ok {
		releaseErrKind = entities.ErrStorageFailure
		return common.Classify(entities.ErrStorageFailure, "finalizing extraction claim failed", claimErr)
	}

	succeeded = true
	r.emit(job, eventbus.EventCompleted, eventbus.ProgressPayload{Phase: "extract"})
	return r.grantAndEnqueuePostExtract(ctx, job)
}

// buildArchive zips every committed stem file into one blob. Stdlib
// archive/zip: no third-party archive library appears anywhere in the
// pack, and this is the same container format the pack's one zip
// consumer (a backup-file reader) already speaks, just written instead
// of read.
func (r *ExtractRunner) buildArchive(ctx context.Context, sourceID entities.SourceID, names []entities.StemName, stemPaths map[entities.StemName]string) (blobstore.BlobRef, error) {
	archivePath, err := r.blobs.ReservePath(sourceID, blobstore.KindArchive, ".zip")
	if err != nil {
		return "", fmt.Errorf("extract runner: reserve archive path: %w", err)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("extract runner: create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return "", err
		}
		path := stemPaths[name]
		if err := addFileToZip(zw, string(name)+filepath.Ext(path), path); err != nil {
			zw.Close()
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("extract runner: finalize archive: %w", err)
	}

	return r.blobs.RefFor(sourceID, blobstore.KindArchive, ".zip"), nil
}

func addFileToZip(zw *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("extract runner: open stem %s: %w", name, err)
	}
	defer src.Close()

	dst, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("extract runner: zip entry %s: %w", name, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("extract runner: write zip entry %s: %w", name, err)
	}
	return nil
}

func sortedStemNames(stemPaths map[entities.StemName]string) []entities.StemName {
	names := make([]entities.StemName, 0, len(stemPaths))
	for name := range stemPaths {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (r *ExtractRunner) grantAndEnqueuePostExtract(ctx context.Context, job *entities.Job) error {
	if err := r.access.Grant(ctx, job.ClaimantUserID, job.SourceID); err != nil {
		return fmt.Errorf("extract runner: grant access: %w", err)
	}
	postJob := &entities.Job{
		JobID:          job.JobID + ":post_extract",
		SourceID:       job.SourceID,
		Stage:          entities.StagePostExtract,
		ClaimantUserID: job.ClaimantUserID,
		ResourceTag:    entities.ResourceCPU,
	}
	if err := r.enqueue.Submit(ctx, postJob); err != nil {
		return fmt.Errorf("extract runner: enqueue post_extract: %w", err)
	}
	return nil
}
