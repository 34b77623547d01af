package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
	"github.com/okinrev/veza-web-app/internal/adapters/redis_cache"
)

// ClaimResult is returned by TryClaim. Claimed is true when this caller
// won the claim; AlreadyDone is true (with Claimed false) when the output
// already exists. When both are false the caller should Watch(WatchKey)
// and retry after it resolves.
type ClaimResult struct {
	Claimed      bool
	AlreadyDone  bool
	WatchKey     string
}

// DedupIndex enforces "at most one producer per (source_id, stage)"
// (§4.2). The catalog's CompareAndClaim* columns are the source of
// truth; WatchRegistry is a best-effort notification layer so a losing
// caller can block instead of polling.
type DedupIndex interface {
	TryClaimFetch(ctx context.Context, id entities.SourceID) (ClaimResult, error)
	TryClaimAnalysis(ctx context.Context, id entities.SourceID) (ClaimResult, error)
	TryClaimExtraction(ctx context.Context, id entities.SourceID, modelID string) (ClaimResult, error)

	ReleaseFetch(ctx context.Context, id entities.SourceID, succeeded bool, errKind entities.ErrorKind) error
	ReleaseAnalysis(ctx context.Context, id entities.SourceID, succeeded bool, errKind entities.ErrorKind) error
	ReleaseExtraction(ctx context.Context, id entities.SourceID, modelID string, succeeded bool, errKind entities.ErrorKind) error

	// Watch blocks until key resolves or ctx is done, falling back to a
	// single catalog poll if the publish raced the subscribe.
	Watch(ctx context.Context, key string, pollRecord func(context.Context) (bool, error)) (redis_cache.ClaimOutcome, error)
}

type dedupIndex struct {
	artifacts repositories.ArtifactRepository
	watch     *redis_cache.WatchRegistry
	logger    *zap.Logger
}

// NewDedupIndex builds the Deduplication Index over a catalog and a
// cross-process watch registry.
func NewDedupIndex(artifacts repositories.ArtifactRepository, watch *redis_cache.WatchRegistry, logger *zap.Logger) DedupIndex {
	return &dedupIndex{artifacts: artifacts, watch: watch, logger: logger}
}

func fetchKey(id entities.SourceID) string     { return "fetch:" + string(id) }
func analysisKey(id entities.SourceID) string  { return "analyze:" + string(id) }
func extractionKey(id entities.SourceID, modelID string) string {
	return "extract:" + string(id) + ":" + modelID
}

func (d *dedupIndex) TryClaimFetch(ctx context.Context, id entities.SourceID) (ClaimResult, error) {
	rec, err := d.artifacts.GetRecord(ctx, id)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("dedup index: get record: %w", err)
	}
	if rec != nil && rec.FetchClaim == entities.FetchDone {
		return ClaimResult{Claimed: false, AlreadyDone: true}, nil
	}
	won, err := d.artifacts.CompareAndClaimFetch(ctx, id, entities.FetchNone, entities.FetchClaimed)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("dedup index: claim fetch: %w", err)
	}
	if !won {
		return ClaimResult{Claimed: false, WatchKey: fetchKey(id)}, nil
	}
	return ClaimResult{Claimed: true}, nil
}

func (d *dedupIndex) TryClaimAnalysis(ctx context.Context, id entities.SourceID) (ClaimResult, error) {
	rec, err := d.artifacts.GetRecord(ctx, id)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("dedup index: get record: %w", err)
	}
	if rec != nil && rec.Analysis.AnalysisClaim == entities.AnalysisDone {
		return ClaimResult{Claimed: false, AlreadyDone: true}, nil
	}
	won, err := d.artifacts.CompareAndClaimAnalysis(ctx, id, entities.AnalysisNone, entities.AnalysisClaimed)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("dedup index: claim analysis: %w", err)
	}
	if !won {
		return ClaimResult{Claimed: false, WatchKey: analysisKey(id)}, nil
	}
	return ClaimResult{Claimed: true}, nil
}

func (d *dedupIndex) TryClaimExtraction(ctx context.Context, id entities.SourceID, modelID string) (ClaimResult, error) {
	rec, err := d.artifacts.GetRecord(ctx, id)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("dedup index: get record: %w", err)
	}
	if rec != nil && rec.Extraction.State == entities.ExtractionDone && rec.Extraction.ModelID != nil && *rec.Extraction.ModelID == modelID {
		return ClaimResult{Claimed: false, AlreadyDone: true}, nil
	}
	won, err := d.artifacts.CompareAndClaimExtraction(ctx, id, modelID, entities.ExtractionNone, entities.ExtractionClaimed)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("dedup index: claim extraction: %w", err)
	}
	if !won {
		return ClaimResult{Claimed: false, WatchKey: extractionKey(id, modelID)}, nil
	}
	return ClaimResult{Claimed: true}, nil
}

func (d *dedupIndex) ReleaseFetch(ctx context.Context, id entities.SourceID, succeeded bool, errKind entities.ErrorKind) error {
	return d.release(ctx, fetchKey(id), succeeded, errKind)
}

func (d *dedupIndex) ReleaseAnalysis(ctx context.Context, id entities.SourceID, succeeded bool, errKind entities.ErrorKind) error {
	return d.release(ctx, analysisKey(id), succeeded, errKind)
}

func (d *dedupIndex) ReleaseExtraction(ctx context.Context, id entities.SourceID, modelID string, succeeded bool, errKind entities.ErrorKind) error {
	return d.release(ctx, extractionKey(id, modelID), succeeded, errKind)
}

func (d *dedupIndex) release(ctx context.Context, key string, succeeded bool, errKind entities.ErrorKind) error {
	outcome := redis_cache.ClaimOutcome{Succeeded: succeeded, ErrorKind: string(errKind)}
	if err := d.watch.Release(ctx, key, outcome); err != nil {
		d.logger.Warn("dedup index: release broadcast failed, watchers fall back to polling",
			zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Watch subscribes before issuing pollRecord's first check, so a
// release() that lands between the two calls is never missed: the
// subscription is live first, the poll catches anything that resolved
// before the subscription existed.
func (d *dedupIndex) Watch(ctx context.Context, key string, pollRecord func(context.Context) (bool, error)) (redis_cache.ClaimOutcome, error) {
	outcomes, cancel, err := d.watch.Watch(ctx, key)
	if err != nil {
		return redis_cache.ClaimOutcome{}, fmt.Errorf("dedup index: watch: %w", err)
	}
	defer cancel()

	done, err := pollRecord(ctx)
	if err != nil {
		return redis_cache.ClaimOutcome{}, fmt.Errorf("dedup index: poll: %w", err)
	}
	if done {
		return redis_cache.ClaimOutcome{Succeeded: true}, nil
	}

	select {
	case outcome, ok := <-outcomes:
		if !ok {
			return redis_cache.ClaimOutcome{}, fmt.Errorf("dedup index: watch channel closed: %w", ctx.Err())
		}
		return outcome, nil
	case <-ctx.Done():
		return redis_cache.ClaimOutcome{}, ctx.Err()
	}
}
