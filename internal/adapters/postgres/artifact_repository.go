package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
)

// artifactRepository is the Postgres-backed half of the Artifact Store's
// catalog (§4.1). UpsertRecord runs inside a transaction and each
// CompareAndClaim* is a single conditional UPDATE, so concurrent writers
// to the same source_id serialize on Postgres's own row lock — the
// primitive the Deduplication Index is built on (§4.2).
type artifactRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewArtifactRepository creates a Postgres ArtifactRepository.
func NewArtifactRepository(db *sql.DB, logger *zap.Logger) repositories.ArtifactRepository {
	return &artifactRepository{db: db, logger: logger}
}

func scanRecord(row interface {
	Scan(dest ...interface{}) error
}) (*entities.ArtifactRecord, error) {
	var rec entities.ArtifactRecord
	var audioBlobRef, key, modelID, archiveRef sql.NullString
	var tempoBPM, analysisConfidence sql.NullFloat64
	var completedAt sql.NullTime
	var chordsJSON, structureJSON, lyricsJSON, stemRefsJSON, silentStemsJSON []byte

	err := row.Scan(
		&rec.SourceID, &rec.Title, &rec.DurationSeconds, &rec.ThumbnailRef, &audioBlobRef, &rec.FetchClaim,
		&tempoBPM, &key, &analysisConfidence, &rec.Analysis.BeatOffsetSeconds, &chordsJSON, &rec.Analysis.ChordsSource,
		&structureJSON, &lyricsJSON, &rec.Analysis.LyricsSource, &rec.Analysis.AnalysisClaim,
		&rec.Extraction.State, &modelID, &stemRefsJSON, &silentStemsJSON, &archiveRef, &completedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if audioBlobRef.Valid {
		rec.AudioBlobRef = &audioBlobRef.String
	}
	if key.Valid {
		rec.Analysis.Key = &key.String
	}
	if tempoBPM.Valid {
		rec.Analysis.TempoBPM = &tempoBPM.Float64
	}
	if analysisConfidence.Valid {
		rec.Analysis.AnalysisConfidence = &analysisConfidence.Float64
	}
	if modelID.Valid {
		rec.Extraction.ModelID = &modelID.String
	}
	if archiveRef.Valid {
		rec.Extraction.ArchiveRef = &archiveRef.String
	}
	if completedAt.Valid {
		rec.Extraction.CompletedAt = &completedAt.Time
	}
	if len(chordsJSON) > 0 {
		_ = json.Unmarshal(chordsJSON, &rec.Analysis.Chords)
	}
	if len(structureJSON) > 0 {
		_ = json.Unmarshal(structureJSON, &rec.Analysis.Structure)
	}
	if len(lyricsJSON) > 0 {
		var doc entities.LyricsDoc
		if err := json.Unmarshal(lyricsJSON, &doc); err == nil {
			rec.Analysis.Lyrics = &doc
		}
	}
	if len(stemRefsJSON) > 0 {
		_ = json.Unmarshal(stemRefsJSON, &rec.Extraction.StemRefs)
	}
	if len(silentStemsJSON) > 0 {
		_ = json.Unmarshal(silentStemsJSON, &rec.Extraction.SilentStems)
	}

	return &rec, nil
}

const recordColumns = `source_id, title, duration_seconds, thumbnail_ref, audio_blob_ref, fetch_claim,
	tempo_bpm, key, analysis_confidence, beat_offset_seconds, chords_json, chords_source,
	structure_json, lyrics_json, lyrics_source, analysis_claim,
	extraction_state, model_id, stem_refs_json, silent_stems_json, archive_ref, completed_at,
	created_at, updated_at`

func (r *artifactRepository) GetRecord(ctx context.Context, id entities.SourceID) (*entities.ArtifactRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM artifact_records WHERE source_id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact repository: get record: %w", err)
	}
	return rec, nil
}

// UpsertRecord applies only the fields set on patch; it creates the row
// on first use (insert with column defaults) and otherwise performs a
// partial UPDATE built from whichever fields are non-nil, so callers
// never clobber fields they didn't touch.
func (r *artifactRepository) UpsertRecord(ctx context.Context, id entities.SourceID, patch entities.RecordPatch) (*entities.ArtifactRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("artifact repository: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifact_records (source_id, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (source_id) DO NOTHING`, id)
	if err != nil {
		return nil, fmt.Errorf("artifact repository: ensure row: %w", err)
	}

	sets := []string{"updated_at = NOW()"}
	args := []interface{}{id}
	add := func(col string, val interface{}) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.DurationSeconds != nil {
		add("duration_seconds", *patch.DurationSeconds)
	}
	if patch.ThumbnailRef != nil {
		add("thumbnail_ref", *patch.ThumbnailRef)
	}
	if patch.AudioBlobRef != nil {
		add("audio_blob_ref", *patch.AudioBlobRef)
	}
	if patch.FetchClaim != nil {
		add("fetch_claim", *patch.FetchClaim)
	}
	if patch.TempoBPM != nil {
		add("tempo_bpm", *patch.TempoBPM)
	}
	if patch.Key != nil {
		add("key", *patch.Key)
	}
	if patch.AnalysisConfidence != nil {
		add("analysis_confidence", *patch.AnalysisConfidence)
	}
	if patch.BeatOffsetSeconds != nil {
		add("beat_offset_seconds", *patch.BeatOffsetSeconds)
	}
	if patch.Chords != nil {
		data, _ := json.Marshal(patch.Chords)
		add("chords_json", data)
	}
	if patch.ChordsSource != nil {
		add("chords_source", *patch.ChordsSource)
	}
	if patch.Structure != nil {
		data, _ := json.Marshal(patch.Structure)
		add("structure_json", data)
	} else if patch.StructureCleared {
		add("structure_json", nil)
	}
	if patch.Lyrics != nil {
		data, _ := json.Marshal(patch.Lyrics)
		add("lyrics_json", data)
	}
	if patch.LyricsSource != nil {
		add("lyrics_source", *patch.LyricsSource)
	}
	if patch.AnalysisClaim != nil {
		add("analysis_claim", *patch.AnalysisClaim)
	}
	if patch.ExtractionState != nil {
		add("extraction_state", *patch.ExtractionState)
	}
	if patch.ModelID != nil {
		add("model_id", *patch.ModelID)
	}
	if patch.StemRefs != nil {
		data, _ := json.Marshal(patch.StemRefs)
		add("stem_refs_json", data)
	}
	if patch.SilentStems != nil {
		data, _ := json.Marshal(patch.SilentStems)
		add("silent_stems_json", data)
	}
	if patch.ArchiveRef != nil {
		add("archive_ref", *patch.ArchiveRef)
	}
	if patch.ExtractionDoneAt != nil {
		add("completed_at", *patch.ExtractionDoneAt)
	}

	query := fmt.Sprintf(`UPDATE artifact_records SET %s WHERE source_id = $1`, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("artifact repository: upsert: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM artifact_records WHERE source_id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("artifact repository: reload after upsert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("artifact repository: commit: %w", err)
	}
	return rec, nil
}

func (r *artifactRepository) compareAndSwap(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("artifact repository: claim: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("artifact repository: claim rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *artifactRepository) CompareAndClaimFetch(ctx context.Context, id entities.SourceID, from, to entities.FetchClaimState) (bool, error) {
	_, err := r.db.ExecContext(ctx, `INSERT INTO artifact_records (source_id, created_at, updated_at) VALUES ($1, NOW(), NOW()) ON CONFLICT (source_id) DO NOTHING`, id)
	if err != nil {
		return false, fmt.Errorf("artifact repository: ensure row for claim: %w", err)
	}
	return r.compareAndSwap(ctx,
		`UPDATE artifact_records SET fetch_claim = $1, updated_at = NOW() WHERE source_id = $2 AND fetch_claim = $3`,
		to, id, from)
}

func (r *artifactRepository) CompareAndClaimAnalysis(ctx context.Context, id entities.SourceID, from, to entities.AnalysisClaimState) (bool, error) {
	return r.compareAndSwap(ctx,
		`UPDATE artifact_records SET analysis_claim = $1, updated_at = NOW() WHERE source_id = $2 AND analysis_claim = $3`,
		to, id, from)
}

// CompareAndClaimExtraction additionally keys the claim on model_id: the
// §4.5.3 spec requires (source_id, extract, model_id) so two different
// model choices never collide, but the catalog only has one
// extraction_state column per record (the common case of one extraction
// per source). A model mismatch against the currently recorded model_id
// is treated as "no claim in progress for this model" and proceeds as a
// fresh claim from entities.ExtractionNone.
func (r *artifactRepository) CompareAndClaimExtraction(ctx context.Context, id entities.SourceID, modelID string, from, to entities.ExtractionState) (bool, error) {
	rec, err := r.GetRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if rec != nil && rec.Extraction.ModelID != nil && *rec.Extraction.ModelID != modelID {
		if from != entities.ExtractionNone {
			return false, nil
		}
		return r.compareAndSwap(ctx,
			`UPDATE artifact_records SET extraction_state = $1, model_id = $2, updated_at = NOW() WHERE source_id = $3 AND model_id = $4`,
			to, modelID, id, *rec.Extraction.ModelID)
	}
	return r.compareAndSwap(ctx,
		`UPDATE artifact_records SET extraction_state = $1, model_id = $2, updated_at = NOW() WHERE source_id = $3 AND extraction_state = $4`,
		to, modelID, id, from)
}

func (r *artifactRepository) ListRecords(ctx context.Context, filter repositories.ArtifactListFilter) ([]*entities.ArtifactRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM artifact_records`
	var conds []string
	var args []interface{}

	if filter.HasExtraction != nil {
		args = append(args, entities.ExtractionDone)
		if *filter.HasExtraction {
			conds = append(conds, fmt.Sprintf("extraction_state = $%d", len(args)))
		} else {
			conds = append(conds, fmt.Sprintf("extraction_state != $%d", len(args)))
		}
	}
	if filter.ForUser != nil {
		args = append(args, int64(*filter.ForUser))
		conds = append(conds, fmt.Sprintf("source_id IN (SELECT source_id FROM access_grants WHERE user_id = $%d)", len(args)))
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
		return nil, fmt.Errorf("artifact repository: list: %w", err)
	}
	defer rows.Close()

	var out []*entities.ArtifactRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("artifact repository: scan list row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *artifactRepository) DeleteRecord(ctx context.Context, id entities.SourceID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("artifact repository: delete begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM access_grants WHERE source_id = $1`, id); err != nil {
		return fmt.Errorf("artifact repository: delete grants: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM artifact_records WHERE source_id = $1`, id)
	if err != nil {
		return fmt.Errorf("artifact repository: delete record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("artifact repository: delete rows affected: %w", err)
	}
	if n == 0 {
		return repositories.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("artifact repository: delete commit: %w", err)
	}
	return nil
}
