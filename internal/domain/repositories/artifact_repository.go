package repositories

import (
	"context"
	"errors"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

// ErrMissingBlob indicates external corruption: a blob_ref resolves to no
// readable file.
var ErrMissingBlob = errors.New("artifact store: missing blob")

// ErrConflict signals a concurrent upsert lost a race; the caller must
// re-read and re-apply.
var ErrConflict = errors.New("artifact store: conflict")

// ErrNotFound indicates no ArtifactRecord exists for the given SourceID.
var ErrNotFound = errors.New("artifact store: record not found")

// ArtifactListFilter narrows list_records.
type ArtifactListFilter struct {
	HasExtraction *bool
	ForUser       *entities.UserID
	Page          int
	PageSize      int
}

// ArtifactRepository is the catalog half of the Artifact Store (§4.1).
// Every mutation to a given SourceID is serialized by a record-level lock
// so the Deduplication Index can rely on read-then-write atomicity.
type ArtifactRepository interface {
	// UpsertRecord atomically read-modify-writes only the fields set on
	// patch, creating the record on first use. Concurrent writers to the
	// same SourceID are serialized and the last write of a field wins; no
	// claim precondition is checked (see CompareAndClaim*).
	UpsertRecord(ctx context.Context, id entities.SourceID, patch entities.RecordPatch) (*entities.ArtifactRecord, error)

	// GetRecord returns nil, nil when no record exists for id.
	GetRecord(ctx context.Context, id entities.SourceID) (*entities.ArtifactRecord, error)

	// CompareAndClaimFetch/Analysis/Extraction atomically transition a
	// claim flag from an expected prior state to a new one, returning
	// false with a nil error if the row no longer matches. This is the primitive the
	// Deduplication Index builds claim()/release() from.
	CompareAndClaimFetch(ctx context.Context, id entities.SourceID, from, to entities.FetchClaimState) (bool, error)
	CompareAndClaimAnalysis(ctx context.Context, id entities.SourceID, from, to entities.AnalysisClaimState) (bool, error)
	CompareAndClaimExtraction(ctx context.Context, id entities.SourceID, modelID string, from, to entities.ExtractionState) (bool, error)

	ListRecords(ctx context.Context, filter ArtifactListFilter) ([]*entities.ArtifactRecord, error)

	// DeleteRecord transactionally removes the record and revokes all
	// access grants referencing it; blob removal is the caller's
	// responsibility (blobs live outside the catalog transaction).
	DeleteRecord(ctx context.Context, id entities.SourceID) error
}
