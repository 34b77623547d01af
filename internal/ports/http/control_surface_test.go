package http

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/blobstore"
	"github.com/okinrev/veza-web-app/internal/analyzers"
	"github.com/okinrev/veza-web-app/internal/config"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
	"github.com/okinrev/veza-web-app/internal/infrastructure/eventbus"
	"github.com/okinrev/veza-web-app/internal/infrastructure/messagequeue"
)

func init() { gin.SetMode(gin.TestMode) }

// fakeArtifactRepository is the same hand-rolled-fake shape the jobs
// package tests use, duplicated here since it's package-private there.
type fakeArtifactRepository struct {
	mu      sync.Mutex
	records map[entities.SourceID]*entities.ArtifactRecord
}

func newFakeArtifactRepository() *fakeArtifactRepository {
	return &fakeArtifactRepository{records: make(map[entities.SourceID]*entities.ArtifactRecord)}
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
	if patch.Title != nil {
		rec.Title = *patch.Title
	}
	if patch.AudioBlobRef != nil {
		rec.AudioBlobRef = patch.AudioBlobRef
	}
	if patch.FetchClaim != nil {
		rec.FetchClaim = *patch.FetchClaim
	}
	if patch.Chords != nil {
		rec.Analysis.Chords = patch.Chords
	}
	if patch.ChordsSource != nil {
		rec.Analysis.ChordsSource = *patch.ChordsSource
	}
	if patch.Lyrics != nil {
		rec.Analysis.Lyrics = patch.Lyrics
	}
	if patch.LyricsSource != nil {
		rec.Analysis.LyricsSource = *patch.LyricsSource
	}
	if patch.ExtractionState != nil {
		rec.Extraction.State = *patch.ExtractionState
	}
	if patch.ModelID != nil {
		rec.Extraction.ModelID = patch.ModelID
	}
	if patch.StemRefs != nil {
		rec.Extraction.StemRefs = patch.StemRefs
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
	return nil, nil
}
func (f *fakeArtifactRepository) DeleteRecord(ctx context.Context, id entities.SourceID) error {
	return nil
}

type fakeJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*entities.Job
}

func newFakeJobRepository() *fakeJobRepository {
	return &fakeJobRepository{jobs: make(map[string]*entities.Job)}
}

func (f *fakeJobRepository) Create(ctx context.Context, job *entities.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job
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
	return nil, nil
}
func (f *fakeJobRepository) PruneOlderThanCount(ctx context.Context, keep int) (int64, error) {
	return 0, nil
}

type fakeAccessView struct {
	mu     sync.Mutex
	grants map[entities.UserID]map[entities.SourceID]bool
}

func newFakeAccessView() *fakeAccessView {
	return &fakeAccessView{grants: make(map[entities.UserID]map[entities.SourceID]bool)}
}

func (f *fakeAccessView) Grant(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grants[userID] == nil {
		f.grants[userID] = make(map[entities.SourceID]bool)
	}
	f.grants[userID][sourceID] = true
	return nil
}
func (f *fakeAccessView) Revoke(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.grants[userID], sourceID)
	return nil
}
func (f *fakeAccessView) HasAccess(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grants[userID][sourceID], nil
}
func (f *fakeAccessView) ListForUser(ctx context.Context, userID entities.UserID) ([]entities.RecordView, error) {
	return nil, nil
}
func (f *fakeAccessView) ListGrantees(ctx context.Context, sourceID entities.SourceID) ([]entities.UserID, error) {
	return nil, nil
}

type fakeSourceFetcher struct{}

func (f *fakeSourceFetcher) Fetch(ctx context.Context, id entities.SourceID, sourceURL string) (analyzers.FetchedSource, error) {
	return analyzers.FetchedSource{}, nil
}
func (f *fakeSourceFetcher) Search(ctx context.Context, query string) ([]analyzers.SourceSummary, error) {
	return []analyzers.SourceSummary{{SourceID: "found1", Title: query}}, nil
}

type fakeChordDetector struct{}

func (f *fakeChordDetector) Detect(ctx context.Context, audioPath string) (analyzers.ChordResult, error) {
	return analyzers.ChordResult{}, nil
}
func (f *fakeChordDetector) DetectWith(ctx context.Context, audioPath string, source entities.ChordSource) (analyzers.ChordResult, error) {
	return analyzers.ChordResult{Source: source}, nil
}

type fakeLyricsProvider struct{}

func (f *fakeLyricsProvider) Provide(ctx context.Context, title, vocalsStemPath string) (analyzers.LyricsResult, error) {
	return analyzers.LyricsResult{Source: entities.LyricsSourceExternalAPI}, nil
}
func (f *fakeLyricsProvider) LookupExternal(ctx context.Context, title string) (entities.LyricsDoc, bool, error) {
	return entities.LyricsDoc{}, false, nil
}

type noopProgressBus struct{}

func (b *noopProgressBus) PublishToUser(recipients []entities.UserID, event eventbus.ProgressEvent) error {
	return nil
}
func (b *noopProgressBus) PublishGlobal(event eventbus.ProgressEvent) error { return nil }
func (b *noopProgressBus) SubscribeUser(userID entities.UserID, handler eventbus.ProgressHandler) (func(), error) {
	return func() {}, nil
}
func (b *noopProgressBus) SubscribeGlobal(handler eventbus.ProgressHandler) (func(), error) {
	return func() {}, nil
}
func (b *noopProgressBus) Close() error { return nil }

// fakeDeliveringBus records the SubscribeUser handler so a test can push
// an event through it directly, unlike noopProgressBus's no-op.
type fakeDeliveringBus struct {
	mu      sync.Mutex
	handler eventbus.ProgressHandler
}

func (b *fakeDeliveringBus) PublishToUser(recipients []entities.UserID, event eventbus.ProgressEvent) error {
	return nil
}
func (b *fakeDeliveringBus) PublishGlobal(event eventbus.ProgressEvent) error { return nil }
func (b *fakeDeliveringBus) SubscribeUser(userID entities.UserID, handler eventbus.ProgressHandler) (func(), error) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	return func() {}, nil
}
func (b *fakeDeliveringBus) SubscribeGlobal(handler eventbus.ProgressHandler) (func(), error) {
	return func() {}, nil
}
func (b *fakeDeliveringBus) Close() error { return nil }

func (b *fakeDeliveringBus) deliver(event eventbus.ProgressEvent) bool {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(event)
	return true
}

func newTestHandler(t *testing.T) (*Handler, *fakeArtifactRepository, *fakeJobRepository, *messagequeue.JobQueue) {
	t.Helper()
	artifacts := newFakeArtifactRepository()
	jobRepo := newFakeJobRepository()
	blobs, err := blobstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	queueCfg := messagequeue.DefaultQueueConfig()
	queue := messagequeue.NewJobQueue(queueCfg, jobRepo, zap.NewNop())
	queue.RegisterRunner(entities.StageFetch, noopRunner{})
	queue.RegisterRunner(entities.StageAnalyze, noopRunner{})
	queue.RegisterRunner(entities.StageExtract, noopRunner{})
	queue.RegisterRunner(entities.StagePostExtract, noopRunner{})
	require.NoError(t, queue.Start(context.Background()))
	t.Cleanup(queue.Stop)

	cfg := &config.EngineConfig{UploadMaxBytes: 1 << 20, AllowedSeparatorModels: []string{"four_stem_v1"}}

	h := NewHandler(
		artifacts, jobRepo, newFakeAccessView(), blobs,
		&fakeSourceFetcher{}, &fakeChordDetector{}, &fakeLyricsProvider{},
		queue, &noopProgressBus{}, cfg, zap.NewNop(),
	)
	return h, artifacts, jobRepo, queue
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, job *entities.Job) error { return nil }

func newAuthedContext(method, path string, body *bytes.Buffer, userID int64) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = body
	} else {
		reqBody = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	c.Request.Header.Set("X-User-ID", itoa(userID))
	return c, w
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func TestRequestFetch_AlreadyDoneShortcuts(t *testing.T) {
	h, artifacts, _, _ := newTestHandler(t)
	sourceID := deriveSourceID("https://example.com/track.mp3")
	done := entities.FetchDone
	_, err := artifacts.UpsertRecord(context.Background(), sourceID, entities.RecordPatch{FetchClaim: &done})
	require.NoError(t, err)

	body := bytes.NewBufferString(`{"source_id_or_url":"https://example.com/track.mp3"}`)
	c, w := newAuthedContext("POST", "/api/sources/fetch", body, 7)
	h.RequestFetch(c)

	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `"already_done":true`)
}

func TestRequestFetch_SubmitsJobWhenNotDone(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	body := bytes.NewBufferString(`{"source_id_or_url":"https://example.com/new-track.mp3"}`)
	c, w := newAuthedContext("POST", "/api/sources/fetch", body, 7)
	h.RequestFetch(c)

	assert.Equal(t, 202, w.Code)
	assert.Contains(t, w.Body.String(), "accepted_job_id")
}

func TestRequestExtract_RejectsDisallowedModel(t *testing.T) {
	h, artifacts, _, _ := newTestHandler(t)
	sourceID := entities.SourceID("src1")
	ref := "blob-ref"
	_, err := artifacts.UpsertRecord(context.Background(), sourceID, entities.RecordPatch{AudioBlobRef: &ref})
	require.NoError(t, err)

	body := bytes.NewBufferString(`{"model_id":"not_allowed"}`)
	c, w := newAuthedContext("POST", "/api/sources/"+string(sourceID)+"/extract", body, 7)
	c.Params = gin.Params{{Key: "source_id", Value: string(sourceID)}}
	h.RequestExtract(c)

	assert.Equal(t, 400, w.Code)
}

func TestRequestExtract_AcceptsAllowedModel(t *testing.T) {
	h, artifacts, _, _ := newTestHandler(t)
	sourceID := entities.SourceID("src1")
	ref := "blob-ref"
	_, err := artifacts.UpsertRecord(context.Background(), sourceID, entities.RecordPatch{AudioBlobRef: &ref})
	require.NoError(t, err)

	body := bytes.NewBufferString(`{"model_id":"four_stem_v1"}`)
	c, w := newAuthedContext("POST", "/api/sources/"+string(sourceID)+"/extract", body, 7)
	c.Params = gin.Params{{Key: "source_id", Value: string(sourceID)}}
	h.RequestExtract(c)

	assert.Equal(t, 202, w.Code)
}

func TestCancel_RejectsNonOwner(t *testing.T) {
	h, _, jobRepo, _ := newTestHandler(t)
	job := &entities.Job{JobID: "job1", ClaimantUserID: entities.UserID(1), State: entities.JobQueued}
	require.NoError(t, jobRepo.Create(context.Background(), job))

	c, w := newAuthedContext("POST", "/api/jobs/job1/cancel", nil, 99)
	c.Params = gin.Params{{Key: "job_id", Value: "job1"}}
	h.Cancel(c)

	assert.Equal(t, 403, w.Code)
	assert.Contains(t, w.Body.String(), "not_owner")
}

func TestCancel_OwnerCancelsQueuedJob(t *testing.T) {
	h, _, jobRepo, _ := newTestHandler(t)
	job := &entities.Job{JobID: "job2", ClaimantUserID: entities.UserID(7), State: entities.JobQueued}
	require.NoError(t, jobRepo.Create(context.Background(), job))

	c, w := newAuthedContext("POST", "/api/jobs/job2/cancel", nil, 7)
	c.Params = gin.Params{{Key: "job_id", Value: "job2"}}
	h.Cancel(c)

	assert.Equal(t, 200, w.Code)
	updated, err := jobRepo.Get(context.Background(), "job2")
	require.NoError(t, err)
	assert.Equal(t, entities.JobCancelled, updated.State)
}

func TestGrantAndRevoke(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	sourceID := entities.SourceID("src1")

	grantBody := bytes.NewBufferString(`{"user_id":5}`)
	c, w := newAuthedContext("POST", "/api/sources/"+string(sourceID)+"/grant", grantBody, 1)
	c.Params = gin.Params{{Key: "source_id", Value: string(sourceID)}}
	h.Grant(c)
	assert.Equal(t, 200, w.Code)

	revokeBody := bytes.NewBufferString(`{"user_id":5}`)
	c2, w2 := newAuthedContext("POST", "/api/sources/"+string(sourceID)+"/revoke", revokeBody, 1)
	c2.Params = gin.Params{{Key: "source_id", Value: string(sourceID)}}
	h.Revoke(c2)
	assert.Equal(t, 200, w2.Code)
}

func TestSearchSources(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	c, w := newAuthedContext("GET", "/api/sources/search?q=foo", nil, 1)
	h.SearchSources(c)

	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "found1")
}

func TestRequestUpload_CommitsBlobAndEnqueuesAnalyze(t *testing.T) {
	h, artifacts, _, _ := newTestHandler(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "track.mp3")
	require.NoError(t, err)
	_, err = part.Write([]byte("pcm-bytes"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest("POST", "/api/sources/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-User-ID", "7")
	c.Request = req

	h.RequestUpload(c)

	assert.Equal(t, 202, w.Code)
	assert.Contains(t, w.Body.String(), "accepted_job_id")

	found := false
	for _, rec := range artifacts.records {
		if rec.AudioBlobRef != nil {
			found = true
		}
	}
	assert.True(t, found, "expected an uploaded record with a committed audio_blob_ref")
}

func TestSubscribe_DeliversUserEventOverWebSocket(t *testing.T) {
	artifacts := newFakeArtifactRepository()
	jobRepo := newFakeJobRepository()
	blobs, err := blobstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	bus := &fakeDeliveringBus{}

	queueCfg := messagequeue.DefaultQueueConfig()
	queue := messagequeue.NewJobQueue(queueCfg, jobRepo, zap.NewNop())
	queue.RegisterRunner(entities.StageFetch, noopRunner{})
	queue.RegisterRunner(entities.StageAnalyze, noopRunner{})
	queue.RegisterRunner(entities.StageExtract, noopRunner{})
	queue.RegisterRunner(entities.StagePostExtract, noopRunner{})
	require.NoError(t, queue.Start(context.Background()))
	t.Cleanup(queue.Stop)

	cfg := &config.EngineConfig{UploadMaxBytes: 1 << 20}
	h := NewHandler(
		artifacts, jobRepo, newFakeAccessView(), blobs,
		&fakeSourceFetcher{}, &fakeChordDetector{}, &fakeLyricsProvider{},
		queue, bus, cfg, zap.NewNop(),
	)

	router := gin.New()
	router.GET("/api/events/subscribe", h.Subscribe)
	server := httptest.NewServer(router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events/subscribe"
	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL, map[string][]string{"X-User-ID": {"7"}})
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !bus.deliver(eventbus.ProgressEvent{JobID: "job1", Type: eventbus.EventCompleted}) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for subscribe to register with the bus")
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var received eventbus.ProgressEvent
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, "job1", received.JobID)
	assert.Equal(t, eventbus.EventCompleted, received.Type)
}
