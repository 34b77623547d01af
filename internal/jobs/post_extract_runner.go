package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/blobstore"
	"github.com/okinrev/veza-web-app/internal/analyzers"
	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
	"github.com/okinrev/veza-web-app/internal/infrastructure/eventbus"
	"github.com/okinrev/veza-web-app/internal/infrastructure/messagequeue"
)

var _ messagequeue.StageRunner = (*PostExtractRunner)(nil)

// PostExtractRunner implements the §4.5.4 algorithm: re-run lyrics
// lookup (now with a vocals stem to fall back on), refine timing against
// actual vocal onsets, and unconditionally overwrite analysis.lyrics —
// there is no claim/watch/release here, since the stage always runs
// against the just-committed extraction rather than racing other
// producers for the same output.
type PostExtractRunner struct {
	artifacts repositories.ArtifactRepository
	blobs     *blobstore.Store
	lyrics    analyzers.LyricsProvider
	onset     analyzers.VocalOnset
	bus       eventbus.ProgressBus
	logger    *zap.Logger
}

// NewPostExtractRunner builds a PostExtractRunner.
func NewPostExtractRunner(artifacts repositories.ArtifactRepository, blobs *blobstore.Store, lyrics analyzers.LyricsProvider, onset analyzers.VocalOnset, bus eventbus.ProgressBus, logger *zap.Logger) *PostExtractRunner {
	return &PostExtractRunner{artifacts: artifacts, blobs: blobs, lyrics: lyrics, onset: onset, bus: bus, logger: logger}
}

func (r *PostExtractRunner) emit(job *entities.Job, eventType eventbus.ProgressEventType, payload eventbus.ProgressPayload) {
	event := eventbus.ProgressEvent{
		JobID: job.JobID, SourceID: job.SourceID, Stage: entities.StagePostExtract,
		Type: eventType, Payload: payload,
	}
	if err := r.bus.PublishToUser([]entities.UserID{job.ClaimantUserID}, event); err != nil {
		r.logger.Debug("post_extract runner: progress publish failed", zap.Error(err))
	}
}

func (r *PostExtractRunner) Run(ctx context.Context, job *entities.Job) error {
	rec, err := r.artifacts.GetRecord(ctx, job.SourceID)
	if err != nil || rec == nil {
		return common.Classify(entities.ErrBadInput, "post_extract requires a committed record", err)
	}
	vocalsRef, ok := rec.Extraction.StemRefs[entities.StemVocals]
	if !ok || vocalsRef == "" {
		return common.Classify(entities.ErrBadInput, "post_extract requires a vocals stem", nil)
	}
	vocalsPath := r.blobs.AbsPath(blobstore.BlobRef(vocalsRef))

	r.emit(job, eventbus.EventStarted, eventbus.ProgressPayload{Phase: "post_extract"})

	// 1-2. Re-run the external->ASR chain: the external lookup is retried
	// (it may have been indexed since analyze ran) and ASR against the
	// isolated vocals now stands in if it's still absent.
	result, err := r.lyrics.Provide(ctx, rec.Title, vocalsPath)
	if err != nil {
		return common.ClassifyAdapterErr(err, entities.ErrAnalyzerFailure, "post-extract lyrics retrieval failed")
	}
	r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{Phase: "lyrics", Percent: 50})

	if err := ctx.Err(); err != nil {
		return err
	}

	// 3. Refine line timing against the vocals stem's actual onsets.
	aligned, err := r.onset.Align(ctx, vocalsPath, result.Doc)
	if err != nil {
		r.logger.Warn("post_extract runner: onset alignment failed, keeping unaligned timing",
			zap.String("source_id", string(job.SourceID)), zap.Error(err))
		aligned = result.Doc
	}
	r.emit(job, eventbus.EventProgress, eventbus.ProgressPayload{Phase: "aligning", Percent: 85})

	// 4. Always replace, per §4.5.4: vocals-isolated input outranks
	// whatever the analyze stage found.
	source := result.Source
	if _, err := r.artifacts.UpsertRecord(ctx, job.SourceID, entities.RecordPatch{
		Lyrics:       &aligned,
		LyricsSource: &source,
	}); err != nil {
		return common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "committing post-extract lyrics failed")
	}

	r.emit(job, eventbus.EventCompleted, eventbus.ProgressPayload{Phase: "post_extract"})
	return nil
}
