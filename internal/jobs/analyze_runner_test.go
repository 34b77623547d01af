package jobs

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/blobstore"
	"github.com/okinrev/veza-web-app/internal/analyzers"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
)

type fakeTempoKey struct{ result analyzers.TempoKeyResult }

func (f *fakeTempoKey) Analyze(ctx context.Context, audioPath string) (analyzers.TempoKeyResult, error) {
	return f.result, nil
}

type fakeChordDetector struct{ result analyzers.ChordResult }

func (f *fakeChordDetector) Detect(ctx context.Context, audioPath string) (analyzers.ChordResult, error) {
	return f.result, nil
}

func (f *fakeChordDetector) DetectWith(ctx context.Context, audioPath string, source entities.ChordSource) (analyzers.ChordResult, error) {
	return f.result, nil
}

type fakeSegmenter struct{ sections []entities.Section }

func (f *fakeSegmenter) Segment(ctx context.Context, durationSeconds float64, chords []entities.ChordEvent, beatIntervalSeconds float64) ([]entities.Section, error) {
	return f.sections, nil
}

type fakeLyricsProvider struct {
	doc   entities.LyricsDoc
	found bool
}

func (f *fakeLyricsProvider) Provide(ctx context.Context, title, vocalsStemPath string) (analyzers.LyricsResult, error) {
	return analyzers.LyricsResult{Doc: f.doc, Source: entities.LyricsSourceExternalAPI}, nil
}

func (f *fakeLyricsProvider) LookupExternal(ctx context.Context, title string) (entities.LyricsDoc, bool, error) {
	return f.doc, f.found, nil
}

func TestAnalyzeRunner_CommitsAllFourSteps(t *testing.T) {
	artifacts := newFakeArtifactRepository()
	blobs, err := blobstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	sourceID := entities.SourceID("src1")
	ref, _, err := blobs.PutBlob(context.Background(), sourceID, blobstore.KindMasterAudio, ".wav", strings.NewReader("pcm"))
	require.NoError(t, err)
	audioRef := string(ref)

	_, err = artifacts.UpsertRecord(context.Background(), sourceID, entities.RecordPatch{
		AudioBlobRef: &audioRef,
	})
	require.NoError(t, err)
	artifacts.records[sourceID].DurationSeconds = 120
	artifacts.records[sourceID].Title = "a track"

	runner := NewAnalyzeRunner(
		&claimOnlyDedup{artifacts: artifacts},
		artifacts,
		blobs,
		&fakeTempoKey{result: analyzers.TempoKeyResult{TempoBPM: 120, Key: "C:maj", Confidence: 0.9}},
		&fakeChordDetector{result: analyzers.ChordResult{Events: []entities.ChordEvent{{Timestamp: 0, Label: "C:maj", Confidence: 0.9}}, Source: entities.ChordSourcePrimary}},
		&fakeSegmenter{sections: []entities.Section{{Start: 0, End: 120, Label: "unlabeled"}}},
		&fakeLyricsProvider{found: false},
		&noopProgressBus{},
		zap.NewNop(),
	)

	job := &entities.Job{JobID: "job1", SourceID: sourceID, Stage: entities.StageAnalyze, ClaimantUserID: entities.UserID(1)}
	require.NoError(t, runner.Run(context.Background(), job))

	rec, err := artifacts.GetRecord(context.Background(), sourceID)
	require.NoError(t, err)
	require.NotNil(t, rec.Analysis.TempoBPM)
	assert.Equal(t, 120.0, *rec.Analysis.TempoBPM)
	assert.Equal(t, entities.ChordSourcePrimary, rec.Analysis.ChordsSource)
	assert.Equal(t, entities.AnalysisDone, rec.Analysis.AnalysisClaim)
}
