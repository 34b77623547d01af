// Package container wires the Engine: the single handle holding every
// collaborator the audio-processing pipeline needs, built once at startup
// instead of reached for through package-level globals.
package container

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/blobstore"
	"github.com/okinrev/veza-web-app/internal/adapters/postgres"
	"github.com/okinrev/veza-web-app/internal/adapters/redis_cache"
	"github.com/okinrev/veza-web-app/internal/analyzers"
	"github.com/okinrev/veza-web-app/internal/config"
	"github.com/okinrev/veza-web-app/internal/domain/entities"
	"github.com/okinrev/veza-web-app/internal/domain/repositories"
	"github.com/okinrev/veza-web-app/internal/domain/services"
	"github.com/okinrev/veza-web-app/internal/infrastructure/eventbus"
	"github.com/okinrev/veza-web-app/internal/infrastructure/messagequeue"
	"github.com/okinrev/veza-web-app/internal/infrastructure/vaultsecrets"
	"github.com/okinrev/veza-web-app/internal/jobs"
	"github.com/okinrev/veza-web-app/internal/recovery"
)

// Engine holds every collaborator the audio-processing pipeline needs,
// built once at startup and threaded through the HTTP control surface
// and the Job Queue instead of reached for via package-level state.
type Engine struct {
	Config *config.Config
	Logger *zap.Logger

	Database    *sql.DB
	RedisClient *redis.Client

	Blobs     *blobstore.Store
	Artifacts repositories.ArtifactRepository
	Grants    repositories.AccessGrantRepository
	Jobs      repositories.JobRepository

	WatchRegistry *redis_cache.WatchRegistry
	Dedup         services.DedupIndex
	Access        services.AccessView
	Secrets       *vaultsecrets.Store
	Bus           eventbus.ProgressBus
	Fetcher       analyzers.SourceFetcher
	Chords        analyzers.ChordDetector
	Lyrics        analyzers.LyricsProvider

	Queue    *messagequeue.JobQueue
	Recovery *recovery.Manager
}

// New builds the Engine and registers every Stage Runner with the Job
// Queue. Callers still need to run migrations and then engine.Recovery.Run
// before engine.Queue.Start, per the startup ordering the Recovery Manager
// requires.
func New(cfg *config.Config) (*Engine, error) {
	e := &Engine{Config: cfg}

	var err error
	if cfg.Server.Environment != "development" {
		e.Logger, err = zap.NewProduction()
	} else {
		e.Logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, fmt.Errorf("engine: logger: %w", err)
	}

	if err := e.initInfrastructure(); err != nil {
		return nil, err
	}
	if err := e.initRepositories(); err != nil {
		return nil, err
	}
	if err := e.initDomainServices(); err != nil {
		return nil, err
	}
	if err := e.initJobQueue(); err != nil {
		return nil, err
	}

	e.Logger.Info("engine initialized")
	return e, nil
}

func (e *Engine) initInfrastructure() error {
	var err error

	e.Database, err = postgres.NewConnection(e.Config.Database)
	if err != nil {
		return fmt.Errorf("engine: database connection: %w", err)
	}

	e.RedisClient, err = redis_cache.NewClient(e.Config.Redis)
	if err != nil {
		return fmt.Errorf("engine: redis connection: %w", err)
	}
	if err := e.RedisClient.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("engine: redis ping: %w", err)
	}

	e.Blobs, err = blobstore.New(e.Config.Engine.DownloadsRoot, e.Logger)
	if err != nil {
		return fmt.Errorf("engine: blob store: %w", err)
	}

	e.Secrets, err = vaultsecrets.NewStore(e.Config.Vault.Address, e.Config.Vault.Token, "secret", e.Logger)
	if err != nil {
		return fmt.Errorf("engine: vault store: %w", err)
	}

	e.Bus, err = eventbus.NewProgressBus(eventbus.ProgressBusConfig{
		URL:            e.Config.NATS.URL,
		ClientID:       e.Config.NATS.ClientID,
		ConnectTimeout: e.Config.NATS.ConnectTimeout,
		MaxReconnect:   e.Config.NATS.MaxReconnects,
		ReconnectWait:  e.Config.NATS.ReconnectWait,
	}, e.Logger)
	if err != nil {
		return fmt.Errorf("engine: progress bus: %w", err)
	}

	e.Logger.Info("infrastructure ready")
	return nil
}

func (e *Engine) initRepositories() error {
	e.Artifacts = postgres.NewArtifactRepository(e.Database, e.Logger)
	e.Grants = postgres.NewAccessGrantRepository(e.Database, e.Logger)
	e.Jobs = postgres.NewJobRepository(e.Database, e.Logger)
	return nil
}

func (e *Engine) initDomainServices() error {
	e.WatchRegistry = redis_cache.NewWatchRegistry(e.RedisClient, e.Logger)
	e.Dedup = services.NewDedupIndex(e.Artifacts, e.WatchRegistry, e.Logger)
	e.Access = services.NewAccessView(e.Grants, e.Artifacts, e.Logger)
	return nil
}

func (e *Engine) initJobQueue() error {
	httpClient := &http.Client{}

	separator := analyzers.NewExecSeparator(e.Logger)
	tempoKey := analyzers.NewAubioTempoKey(e.Logger)
	e.Chords = analyzers.NewChordDetector(e.Logger,
		[]string{"chord-primary"},
		[]string{"chord-secondary"},
		[]string{"chord-hybrid"},
	)
	chords := e.Chords
	segmenter := analyzers.NewNoveltySegmenter(e.Logger)
	e.Lyrics = analyzers.NewLyricsProvider(e.Logger, e.Secrets, httpClient)
	lyrics := e.Lyrics
	e.Fetcher = analyzers.NewHTTPSourceFetcher(httpClient, e.Blobs, e.Config.Engine.UploadMaxBytes, e.Config.Engine.SourceSearchURL, e.Logger)
	fetcher := e.Fetcher
	codec := analyzers.NewFFmpegCodec(e.Logger)
	silence := analyzers.NewSoxSilenceDetector(e.Logger)
	onset := analyzers.NewAubioVocalOnset(e.Logger)

	queueCfg := messagequeue.DefaultQueueConfig()
	queueCfg.WorkersPerStage[entities.StageFetch] = e.Config.Engine.MaxConcurrentFetch
	queueCfg.WorkersPerStage[entities.StageAnalyze] = e.Config.Engine.MaxConcurrentAnalyze
	queueCfg.WorkersPerStage[entities.StageExtract] = e.Config.Engine.MaxConcurrentExtract
	queueCfg.WorkersPerStage[entities.StagePostExtract] = e.Config.Engine.MaxConcurrentPostExtract
	queueCfg.GPUSlots = e.Config.Engine.GPUSlots
	e.Queue = messagequeue.NewJobQueue(queueCfg, e.Jobs, e.Logger)

	fetchRunner := jobs.NewFetchRunner(e.Dedup, e.Artifacts, fetcher, codec, e.Blobs, e.Bus, e.Queue, e.Config.Engine.MaxSourceDurationSeconds, e.Logger)
	analyzeRunner := jobs.NewAnalyzeRunner(e.Dedup, e.Artifacts, e.Blobs, tempoKey, chords, segmenter, lyrics, e.Bus, e.Logger)
	extractRunner := jobs.NewExtractRunner(e.Dedup, e.Artifacts, e.Access, e.Blobs, separator, silence, e.Bus, e.Queue, e.Config.Engine.SilentStemThresholdDB, e.Logger)
	postExtractRunner := jobs.NewPostExtractRunner(e.Artifacts, e.Blobs, lyrics, onset, e.Bus, e.Logger)

	e.Queue.RegisterRunner(entities.StageFetch, fetchRunner)
	e.Queue.RegisterRunner(entities.StageAnalyze, analyzeRunner)
	e.Queue.RegisterRunner(entities.StageExtract, extractRunner)
	e.Queue.RegisterRunner(entities.StagePostExtract, postExtractRunner)

	e.Recovery = recovery.NewManager(e.Artifacts, e.Jobs, e.Blobs, e.Bus, e.Logger)

	return nil
}

// Close releases every held connection. Safe to call once during
// shutdown; not safe to call concurrently with in-flight jobs.
func (e *Engine) Close() {
	if e.Bus != nil {
		e.Bus.Close()
	}
	if e.Database != nil {
		e.Database.Close()
	}
	if e.RedisClient != nil {
		e.RedisClient.Close()
	}
	if e.Logger != nil {
		e.Logger.Sync()
	}
}
