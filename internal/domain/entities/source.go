package entities

import "time"

// SourceID is an opaque short string, unique per logical source. Uploads
// are assigned a fresh id carrying the UploadSourcePrefix.
type SourceID string

// UploadSourcePrefix marks SourceIDs minted for direct uploads rather than
// fetched from a remote video service.
const UploadSourcePrefix = "up_"

// StemName identifies one separated instrumental component. The set in
// play for a given extraction is fixed by the ModelID that produced it.
type StemName string

const (
	StemVocals StemName = "vocals"
	StemDrums  StemName = "drums"
	StemBass   StemName = "bass"
	StemOther  StemName = "other"
	StemGuitar StemName = "guitar"
	StemPiano  StemName = "piano"
)

// ChordSource records which backend in the fallback chain produced the
// chord progression, or that none did.
type ChordSource string

const (
	ChordSourcePrimary  ChordSource = "primary"
	ChordSourceFallback ChordSource = "fallback"
	ChordSourceHybrid   ChordSource = "hybrid"
	ChordSourceNone     ChordSource = "none"
)

// LyricsSource records which capability produced the lyrics document.
type LyricsSource string

const (
	LyricsSourceExternalAPI LyricsSource = "external_api"
	LyricsSourceASR         LyricsSource = "asr"
	LyricsSourceNone        LyricsSource = "none"
)

// ExtractionState is the lifecycle of the stem-separation sub-pipeline for
// one (source_id, model_id) pair.
type ExtractionState string

const (
	ExtractionNone    ExtractionState = "none"
	ExtractionClaimed ExtractionState = "claimed"
	ExtractionRunning ExtractionState = "running"
	ExtractionDone    ExtractionState = "done"
	ExtractionFailed  ExtractionState = "failed"
)

// AnalysisClaimState mirrors ExtractionState for the single-flight
// tempo/chords/structure/lyrics analyze stage.
type AnalysisClaimState string

const (
	AnalysisNone    AnalysisClaimState = "none"
	AnalysisClaimed AnalysisClaimState = "claimed"
	AnalysisRunning AnalysisClaimState = "running"
	AnalysisDone    AnalysisClaimState = "done"
	AnalysisFailed  AnalysisClaimState = "failed"
)

// FetchClaimState mirrors ExtractionState for the master-audio fetch.
type FetchClaimState string

const (
	FetchNone    FetchClaimState = "none"
	FetchClaimed FetchClaimState = "claimed"
	FetchRunning FetchClaimState = "running"
	FetchDone    FetchClaimState = "done"
	FetchFailed  FetchClaimState = "failed"
)

// ChordEvent is one labelled chord at a point in time. Labels follow a
// closed root-by-quality vocabulary whose size is a property of the
// producing analyzer, not of this type.
type ChordEvent struct {
	Timestamp  float64 `json:"timestamp" db:"timestamp"`
	Label      string  `json:"label" db:"label"`
	Confidence float64 `json:"confidence" db:"confidence"`
}

// Section is one contiguous, non-overlapping span of the structure
// segmentation. Implementations may leave gaps labelled "unlabeled".
type Section struct {
	Start      float64 `json:"start" db:"start"`
	End        float64 `json:"end" db:"end"`
	Label      string  `json:"label" db:"label"`
	Confidence float64 `json:"confidence" db:"confidence"`
}

// LyricsWord is one word with optional per-word timing.
type LyricsWord struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// LyricsLine is one ordered line of a LyricsDoc.
type LyricsLine struct {
	Start float64      `json:"start"`
	End   float64      `json:"end"`
	Text  string       `json:"text"`
	Words []LyricsWord `json:"words,omitempty"`
}

// LyricsDoc is a time-aligned lyrics document.
type LyricsDoc struct {
	Lines []LyricsLine `json:"lines"`
}

// Analysis holds everything produced by the Analyze and Post-Extract
// stages for one ArtifactRecord.
type Analysis struct {
	TempoBPM           *float64        `json:"tempo_bpm,omitempty" db:"tempo_bpm"`
	Key                *string         `json:"key,omitempty" db:"key"`
	AnalysisConfidence *float64        `json:"analysis_confidence,omitempty" db:"analysis_confidence"`
	BeatOffsetSeconds  float64         `json:"beat_offset_seconds" db:"beat_offset_seconds"`
	Chords             []ChordEvent    `json:"chords,omitempty" db:"-"`
	ChordsSource       ChordSource     `json:"chords_source" db:"chords_source"`
	Structure          []Section       `json:"structure,omitempty" db:"-"`
	Lyrics             *LyricsDoc      `json:"lyrics,omitempty" db:"-"`
	LyricsSource       LyricsSource    `json:"lyrics_source" db:"lyrics_source"`
	AnalysisClaim      AnalysisClaimState `json:"-" db:"analysis_claim"`
}

// Extraction holds the stem-separation output for one ArtifactRecord.
type Extraction struct {
	State       ExtractionState     `json:"state" db:"extraction_state"`
	ModelID     *string             `json:"model_id,omitempty" db:"model_id"`
	StemRefs    map[StemName]string `json:"stem_refs,omitempty" db:"-"`
	SilentStems map[StemName]bool   `json:"silent_stems,omitempty" db:"-"`
	ArchiveRef  *string             `json:"archive_ref,omitempty" db:"archive_ref"`
	CompletedAt *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
}

// ArtifactRecord is the canonical per-source entity owned exclusively by
// the Artifact Store.
type ArtifactRecord struct {
	SourceID        SourceID   `json:"source_id" db:"source_id"`
	Title           string     `json:"title" db:"title"`
	DurationSeconds float64    `json:"duration_seconds" db:"duration_seconds"`
	ThumbnailRef    string     `json:"thumbnail_ref" db:"thumbnail_ref"`
	AudioBlobRef    *string    `json:"audio_blob_ref,omitempty" db:"audio_blob_ref"`
	FetchClaim      FetchClaimState `json:"-" db:"fetch_claim"`

	Analysis   Analysis   `json:"analysis" db:"-"`
	Extraction Extraction `json:"extraction" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// RecordPatch is a partial update applied atomically by upsert_record;
// nil fields are left untouched.
type RecordPatch struct {
	Title           *string
	DurationSeconds *float64
	ThumbnailRef    *string
	AudioBlobRef    *string
	FetchClaim      *FetchClaimState

	TempoBPM           *float64
	Key                *string
	AnalysisConfidence *float64
	BeatOffsetSeconds  *float64
	Chords             []ChordEvent
	ChordsSource       *ChordSource
	Structure          []Section
	StructureCleared   bool
	Lyrics             *LyricsDoc
	LyricsSource       *LyricsSource
	AnalysisClaim      *AnalysisClaimState

	ExtractionState  *ExtractionState
	ModelID          *string
	StemRefs         map[StemName]string
	SilentStems      map[StemName]bool
	ArchiveRef       *string
	ExtractionDoneAt *time.Time
}

// HasReadableStems reports the §3 invariant that a done extraction has a
// non-empty stem set.
func (e Extraction) HasReadableStems() bool {
	return e.State == ExtractionDone && len(e.StemRefs) > 0
}
