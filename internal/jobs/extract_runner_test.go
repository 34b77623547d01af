package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/blobstore"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/services"
)

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

type fakeAccessGrantRepository struct {
	mu     sync.Mutex
	grants map[entities.UserID]map[entities.SourceID]time.Time
}

func newFakeAccessGrantRepository() *fakeAccessGrantRepository {
	return &fakeAccessGrantRepository{grants: make(map[entities.UserID]map[entities.SourceID]time.Time)}
}

func (f *fakeAccessGrantRepository) Grant(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grants[userID] == nil {
		f.grants[userID] = make(map[entities.SourceID]time.Time)
	}
	f.grants[userID][sourceID] = time.Now()
	return nil
}

func (f *fakeAccessGrantRepository) Revoke(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.grants[userID], sourceID)
	return nil
}

func (f *fakeAccessGrantRepository) HasAccess(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.grants[userID][sourceID]
	return ok, nil
}

func (f *fakeAccessGrantRepository) ListForUser(ctx context.Context, userID entities.UserID) ([]entities.AccessGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entities.AccessGrant
	for sourceID, grantedAt := range f.grants[userID] {
		out = append(out, entities.AccessGrant{UserID: userID, SourceID: sourceID, GrantedAt: grantedAt})
	}
	return out, nil
}

func (f *fakeAccessGrantRepository) ListGrantees(ctx context.Context, sourceID entities.SourceID) ([]entities.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entities.UserID
	for userID, bySource := range f.grants {
		if _, ok := bySource[sourceID]; ok {
			out = append(out, userID)
		}
	}
	return out, nil
}

type fakeSeparator struct {
	stems map[entities.StemName]string
}

func (s *fakeSeparator) Separate(ctx context.Context, masterAudioPath, outputDir, modelID string, requested []entities.StemName, progress func(float64)) (map[entities.StemName]string, error) {
	progress(1.0)
	return s.stems, nil
}

type fakeSilenceDetector struct {
	silent map[string]bool
}

func (d *fakeSilenceDetector) IsSilent(ctx context.Context, path string, thresholdDB float64) (bool, error) {
	return d.silent[path], nil
}

func TestExtractRunner_WinnerCommitsArchiveAndGrantsAccess(t *testing.T) {
	dir := t.TempDir()
	artifacts := newFakeArtifactRepository()
	grants := newFakeAccessGrantRepository()
	access := services.NewAccessView(grants, artifacts, zap.NewNop())
	blobs, err := blobstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	sourceID := entities.SourceID("src1")
	masterAbsPath := filepath.Join(dir, "master.wav")
	require.NoError(t, writeFile(masterAbsPath, "master audio bytes"))
	audioRef := string(blobs.RefFor(sourceID, blobstore.KindMasterAudio, ".wav"))
	_, err = blobs.PutBlob(context.Background(), sourceID, blobstore.KindMasterAudio, ".wav", mustOpen(t, masterAbsPath))
	require.NoError(t, err)
	_, err = artifacts.UpsertRecord(context.Background(), sourceID, entities.RecordPatch{AudioBlobRef: &audioRef})
	require.NoError(t, err)

	vocalsPath := filepath.Join(dir, "vocals.wav")
	drumsPath := filepath.Join(dir, "drums.wav")
	require.NoError(t, writeFile(vocalsPath, "silent vocals"))
	require.NoError(t, writeFile(drumsPath, "loud drums"))

	separator := &fakeSeparator{stems: map[entities.StemName]string{
		entities.StemVocals: vocalsPath,
		entities.StemDrums:  drumsPath,
	}}
	silence := &fakeSilenceDetector{silent: map[string]bool{vocalsPath: true, drumsPath: false}}
	enqueuer := &fakeEnqueuer{}

	runner := NewExtractRunner(
		&claimOnlyDedup{artifacts: artifacts},
		artifacts,
		access,
		blobs,
		separator,
		silence,
		&noopProgressBus{},
		enqueuer,
		-40.0,
		zap.NewNop(),
	)

	job := &entities.Job{
		JobID: "job1", SourceID: sourceID, Stage: entities.StageExtract,
		ClaimantUserID: entities.UserID(7), ResourceTag: entities.ResourceCPU,
		Parameters: entities.JobParameters{ModelID: "four_stem_v1", RequestedStems: []entities.StemName{entities.StemVocals, entities.StemDrums}},
	}
	require.NoError(t, runner.Run(context.Background(), job))

	rec, err := artifacts.GetRecord(context.Background(), sourceID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, entities.ExtractionDone, rec.Extraction.State)
	assert.Len(t, rec.Extraction.StemRefs, 2)
	assert.True(t, rec.Extraction.SilentStems[entities.StemVocals])
	assert.False(t, rec.Extraction.SilentStems[entities.StemDrums])
	require.NotNil(t, rec.Extraction.ArchiveRef)

	hasAccess, err := access.HasAccess(context.Background(), entities.UserID(7), sourceID)
	require.NoError(t, err)
	assert.True(t, hasAccess)

	require.Len(t, enqueuer.jobs, 1)
	assert.Equal(t, entities.StagePostExtract, enqueuer.jobs[0].Stage)
}
