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

type fakePostExtractLyricsProvider struct {
	result analyzers.LyricsResult
	err    error
}

func (f *fakePostExtractLyricsProvider) Provide(ctx context.Context, title, vocalsStemPath string) (analyzers.LyricsResult, error) {
	return f.result, f.err
}

func (f *fakePostExtractLyricsProvider) LookupExternal(ctx context.Context, title string) (entities.LyricsDoc, bool, error) {
	return entities.LyricsDoc{}, false, nil
}

type fakeVocalOnset struct {
	shiftSeconds float64
}

func (f *fakeVocalOnset) Align(ctx context.Context, vocalsPath string, doc entities.LyricsDoc) (entities.LyricsDoc, error) {
	aligned := entities.LyricsDoc{Lines: make([]entities.LyricsLine, len(doc.Lines))}
	for i, l := range doc.Lines {
		aligned.Lines[i] = entities.LyricsLine{Start: l.Start + f.shiftSeconds, End: l.End + f.shiftSeconds, Text: l.Text}
	}
	return aligned, nil
}

func TestPostExtractRunner_OverwritesLyricsFromVocalsStem(t *testing.T) {
	artifacts := newFakeArtifactRepository()
	blobs, err := blobstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	sourceID := entities.SourceID("src1")
	vocalsRef, _, err := blobs.PutBlob(context.Background(), sourceID, blobstore.StemKind(entities.StemVocals), ".wav", strings.NewReader("vocals"))
	require.NoError(t, err)

	_, err = artifacts.UpsertRecord(context.Background(), sourceID, entities.RecordPatch{
		ExtractionState: extractionDonePtr(),
		StemRefs:        map[entities.StemName]string{entities.StemVocals: string(vocalsRef)},
	})
	require.NoError(t, err)

	lyrics := &fakePostExtractLyricsProvider{result: analyzers.LyricsResult{
		Doc:    entities.LyricsDoc{Lines: []entities.LyricsLine{{Start: 1.0, End: 3.0, Text: "hello"}}},
		Source: entities.LyricsSourceASR,
	}}
	onset := &fakeVocalOnset{shiftSeconds: 0.2}

	runner := NewPostExtractRunner(artifacts, blobs, lyrics, onset, &noopProgressBus{}, zap.NewNop())

	job := &entities.Job{JobID: "job1", SourceID: sourceID, Stage: entities.StagePostExtract, ClaimantUserID: entities.UserID(1)}
	require.NoError(t, runner.Run(context.Background(), job))

	rec, err := artifacts.GetRecord(context.Background(), sourceID)
	require.NoError(t, err)
	require.NotNil(t, rec.Analysis.Lyrics)
	require.Len(t, rec.Analysis.Lyrics.Lines, 1)
	assert.Equal(t, 1.2, rec.Analysis.Lyrics.Lines[0].Start)
	assert.Equal(t, entities.LyricsSourceASR, rec.Analysis.LyricsSource)
}

func TestPostExtractRunner_MissingVocalsStemFails(t *testing.T) {
	artifacts := newFakeArtifactRepository()
	blobs, err := blobstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	sourceID := entities.SourceID("src1")
	_, err = artifacts.UpsertRecord(context.Background(), sourceID, entities.RecordPatch{})
	require.NoError(t, err)

	runner := NewPostExtractRunner(artifacts, blobs, &fakePostExtractLyricsProvider{}, &fakeVocalOnset{}, &noopProgressBus{}, zap.NewNop())
	job := &entities.Job{JobID: "job1", SourceID: sourceID, Stage: entities.StagePostExtract, ClaimantUserID: entities.UserID(1)}
	err = runner.Run(context.Background(), job)
	require.Error(t, err)
}

func extractionDonePtr() *entities.ExtractionState {
	s := entities.ExtractionDone
	return &s
}
