package recovery

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/blobstore"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
	"github.com/okinrev/veza-web-app/internal/infrastructure/eventbus"
)

// fakeArtifactRepository is a minimal in-memory ArtifactRepository, the
// same hand-rolled-fake style internal/jobs' tests use.
type fakeArtifactRepository struct {
	mu      sync.Mutex
	records map[entities.SourceID]*entities.ArtifactRecord
}

func newFakeArtifactRepository() *fakeArtifactRepository {
	return &fakeArtifactRepository{records: make(map[entities.SourceID]*entities.ArtifactRecord)}
}

func (f *fakeArtifactRepository) put(rec *entities.ArtifactRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.SourceID] = rec
}

func (f *fakeArtifactRepository) GetRecord(ctx context.Context, id entities.SourceID) (*entities.ArtifactRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeArtifactRepository) UpsertRecord(ctx context.Context, id entities.SourceID, patch entities.RecordPatch) (*entities.ArtifactRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		rec = &entities.ArtifactRecord{SourceID: id}
		f.records[id] = rec
	}
	if patch.FetchClaim != nil {
		rec.FetchClaim = *patch.FetchClaim
	}
	if patch.AnalysisClaim != nil {
		rec.Analysis.AnalysisClaim = *patch.AnalysisClaim
	}
	if patch.ExtractionState != nil {
		rec.Extraction.State = *patch.ExtractionState
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeArtifactRepository) CompareAndClaimFetch(ctx context.Context, id entities.SourceID, from, to entities.FetchClaimState) (bool, error) {
	return false, nil
}

func (f *fakeArtifactRepository) CompareAndClaimAnalysis(ctx context.Context, id entities.SourceID, from, to entities.AnalysisClaimState) (bool, error) {
	return false, nil
}

func (f *fakeArtifactRepository) CompareAndClaimExtraction(ctx context.Context, id entities.SourceID, modelID string, from, to entities.ExtractionState) (bool, error) {
	return false, nil
}

func (f *fakeArtifactRepository) ListRecords(ctx context.Context, filter repositories.ArtifactListFilter) ([]*entities.ArtifactRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if filter.Page > 0 {
		return nil, nil
	}
	out := make([]*entities.ArtifactRecord, 0, len(f.records))
	for _, rec := range f.records {
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeArtifactRepository) DeleteRecord(ctx context.Context, id entities.SourceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

// fakeJobRepository holds Job rows keyed by job id, filterable by state —
// enough to drive reconcileStuckJobs without a real Postgres-backed store.
type fakeJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*entities.Job
}

func newFakeJobRepository() *fakeJobRepository {
	return &fakeJobRepository{jobs: make(map[string]*entities.Job)}
}

func (f *fakeJobRepository) put(job *entities.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job
}

func (f *fakeJobRepository) Create(ctx context.Context, job *entities.Job) error {
	f.put(job)
	return nil
}

func (f *fakeJobRepository) UpdateState(ctx context.Context, jobID string, state entities.JobState, errKind entities.ErrorKind, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil
	}
	job.State = state
	job.ErrorKind = errKind
	job.ErrorMessage = errMsg
	return nil
}

func (f *fakeJobRepository) Get(ctx context.Context, jobID string) (*entities.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (f *fakeJobRepository) ListHistory(ctx context.Context, filter entities.JobHistoryFilter) ([]*entities.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if filter.Page > 0 {
		return nil, nil
	}
	out := make([]*entities.Job, 0)
	for _, job := range f.jobs {
		if filter.State != nil && job.State != *filter.State {
			continue
		}
		copied := *job
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeJobRepository) PruneOlderThanCount(ctx context.Context, keepPerSourceStage int) (int64, error) {
	return 0, nil
}

// recordingProgressBus captures every publish call for assertion; it never
// errors, matching noopProgressBus's shape elsewhere in the tree.
type recordingProgressBus struct {
	mu          sync.Mutex
	toUser      []eventbus.ProgressEvent
	toUserIDs   [][]entities.UserID
	global      []eventbus.ProgressEvent
}

func (b *recordingProgressBus) PublishToUser(recipients []entities.UserID, event eventbus.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.toUser = append(b.toUser, event)
	b.toUserIDs = append(b.toUserIDs, recipients)
	return nil
}

func (b *recordingProgressBus) PublishGlobal(event eventbus.ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, event)
	return nil
}

func (b *recordingProgressBus) SubscribeUser(userID entities.UserID, handler eventbus.ProgressHandler) (func(), error) {
	return func() {}, nil
}

func (b *recordingProgressBus) SubscribeGlobal(handler eventbus.ProgressHandler) (func(), error) {
	return func() {}, nil
}

func (b *recordingProgressBus) Close() error { return nil }

func TestRecoveryManager_HealsStuckClaimFlagsAndNotifiesClaimant(t *testing.T) {
	artifacts := newFakeArtifactRepository()
	jobs := newFakeJobRepository()
	bus := &recordingProgressBus{}

	sourceID := entities.SourceID("src1")
	artifacts.put(&entities.ArtifactRecord{
		SourceID:   sourceID,
		FetchClaim: entities.FetchClaimed,
		Analysis:   entities.Analysis{AnalysisClaim: entities.AnalysisRunning},
		Extraction: entities.Extraction{State: entities.ExtractionClaimed},
	})
	jobs.put(&entities.Job{
		JobID: "job-fetch", SourceID: sourceID, Stage: entities.StageFetch,
		ClaimantUserID: entities.UserID(1), State: entities.JobRunning,
	})

	mgr, _, err := newManagerWithBlobs(t, artifacts, jobs, bus)
	require.NoError(t, err)

	require.NoError(t, mgr.Run(context.Background()))

	rec, err := artifacts.GetRecord(context.Background(), sourceID)
	require.NoError(t, err)
	assert.Equal(t, entities.FetchFailed, rec.FetchClaim)
	assert.Equal(t, entities.AnalysisNone, rec.Analysis.AnalysisClaim)
	assert.Equal(t, entities.ExtractionFailed, rec.Extraction.State)

	job, err := jobs.Get(context.Background(), "job-fetch")
	require.NoError(t, err)
	assert.Equal(t, entities.JobFailed, job.State)
	assert.Equal(t, entities.ErrInterrupted, job.ErrorKind)

	require.Len(t, bus.toUser, 1, "the fetch stage had a surviving job row naming its claimant")
	assert.Equal(t, []entities.UserID{1}, bus.toUserIDs[0])
	assert.Equal(t, eventbus.EventFailed, bus.toUser[0].Type)
	assert.Equal(t, entities.ErrInterrupted, bus.toUser[0].Payload.ErrorKind)

	assert.Len(t, bus.global, 2, "analyze and extract had no surviving job row, so fall back to the global room")
}

func TestRecoveryManager_RemovesOrphanBlobDirs(t *testing.T) {
	artifacts := newFakeArtifactRepository()
	jobs := newFakeJobRepository()
	bus := &recordingProgressBus{}

	mgr, blobs, err := newManagerWithBlobs(t, artifacts, jobs, bus)
	require.NoError(t, err)

	liveID := entities.SourceID("live")
	orphanID := entities.SourceID("orphan")
	artifacts.put(&entities.ArtifactRecord{SourceID: liveID})

	_, _, err = blobs.PutBlob(context.Background(), liveID, blobstore.BlobKind("raw"), ".mp3", strings.NewReader("live"))
	require.NoError(t, err)
	_, _, err = blobs.PutBlob(context.Background(), orphanID, blobstore.BlobKind("raw"), ".mp3", strings.NewReader("orphan"))
	require.NoError(t, err)

	require.NoError(t, mgr.Run(context.Background()))

	dirs, err := blobs.ListSourceDirs()
	require.NoError(t, err)
	assert.Equal(t, []entities.SourceID{liveID}, dirs)
}

func TestRecoveryManager_RunIsIdempotent(t *testing.T) {
	artifacts := newFakeArtifactRepository()
	jobs := newFakeJobRepository()
	bus := &recordingProgressBus{}

	sourceID := entities.SourceID("src1")
	artifacts.put(&entities.ArtifactRecord{SourceID: sourceID, FetchClaim: entities.FetchClaimed})

	mgr, _, err := newManagerWithBlobs(t, artifacts, jobs, bus)
	require.NoError(t, err)

	require.NoError(t, mgr.Run(context.Background()))
	firstGlobalCount := len(bus.global)
	firstUserCount := len(bus.toUser)

	require.NoError(t, mgr.Run(context.Background()))

	rec, err := artifacts.GetRecord(context.Background(), sourceID)
	require.NoError(t, err)
	assert.Equal(t, entities.FetchFailed, rec.FetchClaim, "already-healed record stays settled")
	assert.Equal(t, firstGlobalCount, len(bus.global), "a second run touches nothing already settled")
	assert.Equal(t, firstUserCount, len(bus.toUser))
}

func newManagerWithBlobs(t *testing.T, artifacts *fakeArtifactRepository, jobs *fakeJobRepository, bus *recordingProgressBus) (*Manager, *blobstore.Store, error) {
	t.Helper()
	blobs, err := blobstore.New(t.TempDir(), zap.NewNop())
	if err != nil {
		return nil, nil, err
	}
	return NewManager(artifacts, jobs, blobs, bus, zap.NewNop()), blobs, nil
}
