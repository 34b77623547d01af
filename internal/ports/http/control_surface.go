// Package http implements the §6 control surface as Gin handlers: a thin
// RPC-shaped transport over the domain services and the Job Queue. The
// teacher's auth/room/track handlers took the same shape (context ->
// service call -> JSON response); this package follows it, minus the
// session/JWT middleware the spec treats as a thin outer collaborator.
package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/blobstore"
	"github.com/okinrev/veza-web-app/internal/analyzers"
	"github.com/okinrev/veza-web-app/internal/common"
	"github.com/okinrev/veza-web-app/internal/config"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
	"github.com/okinrev/veza-web-app/internal/domain/services"
	"github.com/okinrev/veza-web-app/internal/infrastructure/eventbus"
	"github.com/okinrev/veza-web-app/internal/infrastructure/messagequeue"
	validatorpkg "github.com/okinrev/veza-web-app/pkg/validator"
)

// Handler implements the control surface over the Engine's domain
// services. Every RPC in spec §6 maps to exactly one method here.
type Handler struct {
	artifacts repositories.ArtifactRepository
	jobs      repositories.JobRepository
	access    services.AccessView
	blobs     *blobstore.Store
	fetcher   analyzers.SourceFetcher
	chords    analyzers.ChordDetector
	lyrics    analyzers.LyricsProvider
	queue     *messagequeue.JobQueue
	bus       eventbus.ProgressBus
	cfg       *config.EngineConfig
	validate  *validatorpkg.Validator
	logger    *zap.Logger
}

// NewHandler builds the control surface handler.
func NewHandler(
	artifacts repositories.ArtifactRepository,
	jobs repositories.JobRepository,
	access services.AccessView,
	blobs *blobstore.Store,
	fetcher analyzers.SourceFetcher,
	chords analyzers.ChordDetector,
	lyrics analyzers.LyricsProvider,
	queue *messagequeue.JobQueue,
	bus eventbus.ProgressBus,
	cfg *config.EngineConfig,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		artifacts: artifacts, jobs: jobs, access: access, blobs: blobs,
		fetcher: fetcher, chords: chords, lyrics: lyrics, queue: queue, bus: bus,
		cfg: cfg, validate: validatorpkg.New(), logger: logger,
	}
}

// RegisterRoutes wires every §6 control-surface operation onto router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/api/sources/search", h.SearchSources)
	router.GET("/api/sources", h.ListForUser)
	router.POST("/api/sources/fetch", h.RequestFetch)
	router.POST("/api/sources/upload", h.RequestUpload)
	router.POST("/api/sources/:source_id/extract", h.RequestExtract)
	router.POST("/api/sources/:source_id/chords/regenerate", h.RequestRegenerateChords)
	router.POST("/api/sources/:source_id/lyrics", h.RequestGenerateLyrics)
	router.POST("/api/sources/:source_id/grant", h.Grant)
	router.POST("/api/sources/:source_id/revoke", h.Revoke)
	router.POST("/api/jobs/:job_id/cancel", h.Cancel)
	router.GET("/api/events/subscribe", h.Subscribe)
}

// requireUserID resolves the caller per spec §6's user_id parameter.
// Full session auth is a thin outer collaborator per the spec's scope
// note; this trusts an upstream-set context value first, falling back
// to an explicit header so the control surface is independently
// testable without that collaborator in place.
func requireUserID(c *gin.Context) (entities.UserID, bool) {
	if id, ok := common.GetUserIDFromContext(c); ok {
		return entities.UserID(id), true
	}
	header := c.GetHeader("X-User-ID")
	if header == "" {
		return 0, false
	}
	var parsed int64
	if _, err := fmt.Sscanf(header, "%d", &parsed); err != nil {
		return 0, false
	}
	return entities.UserID(parsed), true
}

func writeError(c *gin.Context, err error) {
	var classified *common.ClassifiedError
	if errors.As(err, &classified) {
		c.JSON(statusForKind(classified.Kind), errorResponse{Error: classified.Brief, ErrorKind: classified.Kind})
		return
	}
	c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func statusForKind(kind entities.ErrorKind) int {
	switch kind {
	case entities.ErrBadInput, entities.ErrSourceTooLong, entities.ErrUploadTooLarge:
		return http.StatusBadRequest
	case entities.ErrRateLimited:
		return http.StatusTooManyRequests
	case entities.ErrSourceUnavailable:
		return http.StatusBadGateway
	case entities.ErrOutOfResource:
		return http.StatusServiceUnavailable
	case entities.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// deriveSourceID maps a remote URL to a stable source_id so repeated
// fetches of the same URL by different users collapse onto one
// Deduplication Index key, the way request_fetch's already_done shortcut
// requires. A bare source_id is passed through unchanged.
func deriveSourceID(sourceIDOrURL string) entities.SourceID {
	if !strings.HasPrefix(sourceIDOrURL, "http://") && !strings.HasPrefix(sourceIDOrURL, "https://") {
		return entities.SourceID(sourceIDOrURL)
	}
	sum := sha256.Sum256([]byte(sourceIDOrURL))
	return entities.SourceID("src_" + hex.EncodeToString(sum[:])[:16])
}

// SearchSources proxies search_sources to the SourceFetcher.
func (h *Handler) SearchSources(c *gin.Context) {
	query := c.Query("q")
	results, err := h.fetcher.Search(c.Request.Context(), query)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// ListForUser implements list_for_user.
func (h *Handler) ListForUser(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing user identity"})
		return
	}
	views, err := h.access.ListForUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": views})
}

// RequestFetch implements request_fetch. The actual single-flight claim
// happens inside the Fetch Runner when the job executes; this only
// shortcuts the already-done case and otherwise enqueues.
func (h *Handler) RequestFetch(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing user identity"})
		return
	}
	var body requestFetchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if err := h.validate.Validate(body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid source_id_or_url"})
		return
	}

	sourceID := deriveSourceID(body.SourceIDOrURL)
	rec, err := h.artifacts.GetRecord(c.Request.Context(), sourceID)
	if err != nil {
		writeError(c, err)
		return
	}
	if rec != nil && rec.FetchClaim == entities.FetchDone {
		c.JSON(http.StatusOK, jobAcceptedResponse{AlreadyDone: true})
		return
	}

	job := &entities.Job{
		JobID: uuid.NewString(), SourceID: sourceID, Stage: entities.StageFetch,
		ClaimantUserID: userID, ResourceTag: entities.ResourceCPU,
		Parameters: entities.JobParameters{SourceURLOrID: body.SourceIDOrURL},
		CreatedAt:  time.Now(),
	}
	if err := h.queue.Submit(c.Request.Context(), job); err != nil {
		writeError(c, common.Classify(entities.ErrOutOfResource, "fetch queue is saturated", err))
		return
	}
	c.JSON(http.StatusAccepted, jobAcceptedResponse{AcceptedJobID: job.JobID})
}

// RequestUpload implements request_upload: the file is already in hand,
// so there is no fetch claim to race — the upload commits master_audio
// directly and the pipeline picks up from analyze.
func (h *Handler) RequestUpload(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing user identity"})
		return
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing multipart file field \"file\""})
		return
	}
	defer file.Close()

	if err := h.validate.Validate(struct {
		Filename string `validate:"required,safe_filename,max=255"`
	}{Filename: header.Filename}); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unsafe filename"})
		return
	}
	if h.cfg.UploadMaxBytes > 0 && header.Size > h.cfg.UploadMaxBytes {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "upload exceeds the configured size cap", ErrorKind: entities.ErrUploadTooLarge})
		return
	}

	sourceID := entities.SourceID(entities.UploadSourcePrefix + uuid.NewString())
	ext := extensionFromFilename(header.Filename)
	ref, _, err := h.blobs.PutBlob(c.Request.Context(), sourceID, blobstore.KindMasterAudio, ext, file)
	if err != nil {
		writeError(c, common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "writing uploaded file failed"))
		return
	}

	title := header.Filename
	refStr := string(ref)
	done := entities.FetchDone
	if _, err := h.artifacts.UpsertRecord(c.Request.Context(), sourceID, entities.RecordPatch{
		Title: &title, AudioBlobRef: &refStr, FetchClaim: &done,
	}); err != nil {
		writeError(c, common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "committing upload record failed"))
		return
	}
	if err := h.access.Grant(c.Request.Context(), userID, sourceID); err != nil {
		h.logger.Warn("control surface: granting uploader access failed", zap.Error(err))
	}

	analyzeJob := &entities.Job{
		JobID: uuid.NewString(), SourceID: sourceID, Stage: entities.StageAnalyze,
		ClaimantUserID: userID, ResourceTag: entities.ResourceCPU, CreatedAt: time.Now(),
	}
	if err := h.queue.Submit(c.Request.Context(), analyzeJob); err != nil {
		writeError(c, common.Classify(entities.ErrOutOfResource, "analyze queue is saturated", err))
		return
	}
	c.JSON(http.StatusAccepted, uploadAcceptedResponse{AcceptedJobID: analyzeJob.JobID, AssignedSourceID: sourceID})
}

func extensionFromFilename(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 || idx == len(filename)-1 {
		return "audio"
	}
	return filename[idx+1:]
}

// RequestExtract implements request_extract.
func (h *Handler) RequestExtract(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing user identity"})
		return
	}
	sourceID := entities.SourceID(c.Param("source_id"))
	var body requestExtractBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if !h.allowedSeparatorModel(body.ModelID) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "model_id is not in the allowed set", ErrorKind: entities.ErrBadInput})
		return
	}

	rec, err := h.artifacts.GetRecord(c.Request.Context(), sourceID)
	if err != nil {
		writeError(c, err)
		return
	}
	if rec == nil || rec.AudioBlobRef == nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "source has no fetched master_audio yet", ErrorKind: entities.ErrBadInput})
		return
	}
	if rec.Extraction.State == entities.ExtractionDone && rec.Extraction.ModelID != nil && *rec.Extraction.ModelID == body.ModelID {
		c.JSON(http.StatusOK, jobAcceptedResponse{AlreadyDone: true})
		return
	}

	job := &entities.Job{
		JobID: uuid.NewString(), SourceID: sourceID, Stage: entities.StageExtract,
		ClaimantUserID: userID, ResourceTag: h.extractResourceTag(),
		Parameters: entities.JobParameters{ModelID: body.ModelID, RequestedStems: body.Stems},
		CreatedAt:  time.Now(),
	}
	if err := h.queue.Submit(c.Request.Context(), job); err != nil {
		writeError(c, common.Classify(entities.ErrOutOfResource, "extract queue is saturated", err))
		return
	}
	c.JSON(http.StatusAccepted, jobAcceptedResponse{AcceptedJobID: job.JobID})
}

func (h *Handler) extractResourceTag() entities.ResourceTag {
	if h.cfg.PreferGPU {
		return entities.ResourceGPU
	}
	return entities.ResourceCPU
}

func (h *Handler) allowedSeparatorModel(modelID string) bool {
	if len(h.cfg.AllowedSeparatorModels) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedSeparatorModels {
		if allowed == modelID {
			return true
		}
	}
	return false
}

// RequestRegenerateChords implements request_regenerate_chords. Unlike
// the queued stages, this runs a single targeted backend directly
// against already-fetched master_audio and returns immediately with a
// job_id the caller can follow on its subscription; the work continues
// in the background.
func (h *Handler) RequestRegenerateChords(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing user identity"})
		return
	}
	sourceID := entities.SourceID(c.Param("source_id"))
	var body requestRegenerateChordsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}

	rec, err := h.artifacts.GetRecord(c.Request.Context(), sourceID)
	if err != nil {
		writeError(c, err)
		return
	}
	if rec == nil || rec.AudioBlobRef == nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "source has no fetched master_audio yet", ErrorKind: entities.ErrBadInput})
		return
	}

	jobID := uuid.NewString()
	job := &entities.Job{
		JobID: jobID, SourceID: sourceID, Stage: entities.StageAnalyze,
		ClaimantUserID: userID, State: entities.JobRunning, CreatedAt: time.Now(),
		Parameters: entities.JobParameters{ChordBackend: body.Backend},
	}
	if err := h.jobs.Create(context.Background(), job); err != nil {
		writeError(c, common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "recording regenerate-chords job failed"))
		return
	}

	audioPath := h.blobs.AbsPath(blobstore.BlobRef(*rec.AudioBlobRef))
	go h.runRegenerateChords(jobID, sourceID, userID, audioPath, entities.ChordSource(body.Backend))

	c.JSON(http.StatusAccepted, jobIDResponse{JobID: jobID})
}

func (h *Handler) runRegenerateChords(jobID string, sourceID entities.SourceID, userID entities.UserID, audioPath string, backend entities.ChordSource) {
	ctx := context.Background()
	result, err := h.chords.DetectWith(ctx, audioPath, backend)
	if err != nil {
		kind, brief := common.AsClassified(err)
		h.failBackgroundJob(ctx, jobID, sourceID, userID, entities.StageAnalyze, kind, brief)
		return
	}
	if _, err := h.artifacts.UpsertRecord(ctx, sourceID, entities.RecordPatch{Chords: result.Events, ChordsSource: &result.Source}); err != nil {
		h.failBackgroundJob(ctx, jobID, sourceID, userID, entities.StageAnalyze, entities.ErrStorageFailure, "committing regenerated chords failed")
		return
	}
	h.completeBackgroundJob(ctx, jobID, sourceID, userID, entities.StageAnalyze)
}

// RequestGenerateLyrics implements request_generate_lyrics, forcing the
// full external_api -> asr chain (unlike the Analyze Runner's
// external-only lookup) against the already-separated vocals stem.
func (h *Handler) RequestGenerateLyrics(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing user identity"})
		return
	}
	sourceID := entities.SourceID(c.Param("source_id"))

	rec, err := h.artifacts.GetRecord(c.Request.Context(), sourceID)
	if err != nil {
		writeError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown source_id", ErrorKind: entities.ErrBadInput})
		return
	}

	var vocalsPath string
	if ref, ok := rec.Extraction.StemRefs[entities.StemVocals]; ok {
		vocalsPath = h.blobs.AbsPath(blobstore.BlobRef(ref))
	}

	jobID := uuid.NewString()
	job := &entities.Job{
		JobID: jobID, SourceID: sourceID, Stage: entities.StageAnalyze,
		ClaimantUserID: userID, State: entities.JobRunning, CreatedAt: time.Now(),
	}
	if err := h.jobs.Create(context.Background(), job); err != nil {
		writeError(c, common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "recording generate-lyrics job failed"))
		return
	}

	go h.runGenerateLyrics(jobID, sourceID, userID, rec.Title, vocalsPath)

	c.JSON(http.StatusAccepted, jobIDResponse{JobID: jobID})
}

func (h *Handler) runGenerateLyrics(jobID string, sourceID entities.SourceID, userID entities.UserID, title, vocalsPath string) {
	ctx := context.Background()
	result, err := h.lyrics.Provide(ctx, title, vocalsPath)
	if err != nil {
		kind, brief := common.AsClassified(err)
		h.failBackgroundJob(ctx, jobID, sourceID, userID, entities.StageAnalyze, kind, brief)
		return
	}
	if _, err := h.artifacts.UpsertRecord(ctx, sourceID, entities.RecordPatch{Lyrics: &result.Doc, LyricsSource: &result.Source}); err != nil {
		h.failBackgroundJob(ctx, jobID, sourceID, userID, entities.StageAnalyze, entities.ErrStorageFailure, "committing generated lyrics failed")
		return
	}
	h.completeBackgroundJob(ctx, jobID, sourceID, userID, entities.StageAnalyze)
}

func (h *Handler) completeBackgroundJob(ctx context.Context, jobID string, sourceID entities.SourceID, userID entities.UserID, stage entities.Stage) {
	if err := h.jobs.UpdateState(ctx, jobID, entities.JobSucceeded, "", ""); err != nil {
		h.logger.Warn("control surface: persisting succeeded state failed", zap.String("job_id", jobID), zap.Error(err))
	}
	event := eventbus.ProgressEvent{JobID: jobID, SourceID: sourceID, Stage: stage, Type: eventbus.EventCompleted}
	if err := h.bus.PublishToUser([]entities.UserID{userID}, event); err != nil {
		h.logger.Debug("control surface: completion publish failed", zap.Error(err))
	}
}

func (h *Handler) failBackgroundJob(ctx context.Context, jobID string, sourceID entities.SourceID, userID entities.UserID, stage entities.Stage, kind entities.ErrorKind, brief string) {
	if err := h.jobs.UpdateState(ctx, jobID, entities.JobFailed, kind, brief); err != nil {
		h.logger.Warn("control surface: persisting failed state failed", zap.String("job_id", jobID), zap.Error(err))
	}
	event := eventbus.ProgressEvent{
		JobID: jobID, SourceID: sourceID, Stage: stage, Type: eventbus.EventFailed,
		Payload: eventbus.ProgressPayload{ErrorKind: kind, Message: brief},
	}
	if err := h.bus.PublishToUser([]entities.UserID{userID}, event); err != nil {
		h.logger.Debug("control surface: failure publish failed", zap.Error(err))
	}
}

// Cancel implements cancel(user_id, job_id) -> ok | not_owner.
func (h *Handler) Cancel(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing user identity"})
		return
	}
	jobID := c.Param("job_id")

	job, err := h.jobs.Get(c.Request.Context(), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: "unknown job_id"})
		return
	}
	if job.ClaimantUserID != userID {
		c.JSON(http.StatusForbidden, gin.H{"result": "not_owner"})
		return
	}
	if job.Terminal() {
		c.JSON(http.StatusOK, gin.H{"result": "ok"})
		return
	}

	if !h.queue.Cancel(jobID) {
		// Not yet picked up by a worker on this process; mark it
		// cancelled so the Job Queue's own terminal-state write loses the
		// race harmlessly (UpdateState on an already-terminal row is a
		// no-op per the catalog's terminal-once invariant).
		if err := h.jobs.UpdateState(c.Request.Context(), jobID, entities.JobCancelled, entities.ErrCancelled, "cancelled by user"); err != nil {
			h.logger.Warn("control surface: cancel-before-start persist failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

// Grant implements grant(user_id, source_id).
func (h *Handler) Grant(c *gin.Context) {
	h.changeGrant(c, h.access.Grant)
}

// Revoke implements revoke(user_id, source_id).
func (h *Handler) Revoke(c *gin.Context) {
	h.changeGrant(c, h.access.Revoke)
}

func (h *Handler) changeGrant(c *gin.Context, apply func(ctx context.Context, userID entities.UserID, sourceID entities.SourceID) error) {
	var body struct {
		UserID entities.UserID `json:"user_id" validate:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.UserID == 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "missing or invalid user_id"})
		return
	}
	sourceID := entities.SourceID(c.Param("source_id"))
	if err := apply(c.Request.Context(), body.UserID, sourceID); err != nil {
		writeError(c, common.ClassifyAdapterErr(err, entities.ErrStorageFailure, "updating access grant failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

// subscribeUpgrader mirrors the teacher's notifications.WebSocketService
// upgrader: origin checking is left to an outer reverse proxy, the way
// the rest of this system's auth is treated as a thin collaborator.
var subscribeUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Subscribe implements subscribe(user_id) -> event_stream over a
// WebSocket connection: the Progress Bus's user:<id> and global rooms
// fanned into one outbound write loop, matching the "lossy, best-effort,
// no replay" delivery guarantee §4.6 documents — a full outbound buffer
// drops the newest Progress event rather than blocking the bus; every
// other event type waits for room until the request ends.
func (h *Handler) Subscribe(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "missing user identity"})
		return
	}

	conn, err := subscribeUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("control surface: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	events := make(chan eventbus.ProgressEvent, 32)
	send := func(event eventbus.ProgressEvent) {
		if event.Type != eventbus.EventProgress {
			select {
			case events <- event:
			case <-ctx.Done():
			}
			return
		}
		select {
		case events <- event:
		default:
			h.logger.Debug("control surface: subscriber slow, dropping progress event",
				zap.String("job_id", event.JobID))
		}
	}

	unsubUser, err := h.bus.SubscribeUser(userID, send)
	if err != nil {
		h.logger.Warn("control surface: subscribing to user room failed", zap.Error(err))
		return
	}
	defer unsubUser()

	unsubGlobal, err := h.bus.SubscribeGlobal(send)
	if err != nil {
		h.logger.Warn("control surface: subscribing to global room failed", zap.Error(err))
		return
	}
	defer unsubGlobal()

	// readPump: the client never sends meaningful messages, but reading
	// is how a closed connection is detected per gorilla/websocket's
	// documented usage.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event := <-events:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
