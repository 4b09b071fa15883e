// Package app wires every constructor in internal/ into one running process:
// database, Redis, GCP and vector-memory clients, the handler registry, and the
// per-job-type worker pool. An App struct holds Log/DB/Cfg/Repos plus the
// queue, clients, registry and workers,
// New() does sequential wiring, and Start()/Close() handle lifecycle. This
// repo has no HTTP router, so there is no App.Run — the process just
// blocks on an idle select after Start.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/shapesinc/orchestration-core/internal/clients/gcp"
	"github.com/shapesinc/orchestration-core/internal/clients/gcs"
	"github.com/shapesinc/orchestration-core/internal/clients/generator"
	"github.com/shapesinc/orchestration-core/internal/clients/vectormem"
	"github.com/shapesinc/orchestration-core/internal/domain"
	"github.com/shapesinc/orchestration-core/internal/jobs/duplicate"
	generationjob "github.com/shapesinc/orchestration-core/internal/jobs/generation"
	"github.com/shapesinc/orchestration-core/internal/jobs/importexport"
	"github.com/shapesinc/orchestration-core/internal/jobs/pendingmemory"
	"github.com/shapesinc/orchestration-core/internal/jobs/preprocess"
	"github.com/shapesinc/orchestration-core/internal/jobs/runtime"
	"github.com/shapesinc/orchestration-core/internal/jobs/worker"
	"github.com/shapesinc/orchestration-core/internal/notifier"
	"github.com/shapesinc/orchestration-core/internal/orchestrator"
	"github.com/shapesinc/orchestration-core/internal/platform/config"
	"github.com/shapesinc/orchestration-core/internal/platform/dbctx"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
	"github.com/shapesinc/orchestration-core/internal/queue"
	"github.com/shapesinc/orchestration-core/internal/repos"
	"github.com/shapesinc/orchestration-core/internal/resultstore"
	"github.com/shapesinc/orchestration-core/internal/temporalx"
	"github.com/shapesinc/orchestration-core/internal/temporalx/jobrun"
	"github.com/shapesinc/orchestration-core/internal/temporalx/temporalworker"

	temporalsdkclient "go.temporal.io/sdk/client"
)

type App struct {
	Log    *logger.Logger
	DB     *gorm.DB
	Redis  *redis.Client
	Cfg    Config
	Repos  Repos
	Queue  queue.Repo
	Store  resultstore.Store
	Notify notifier.DeliveryNotifier

	Registry     *runtime.Registry
	Worker       *worker.Worker
	Orchestrator *orchestrator.ChainOrchestrator

	// Temporal is the durable-execution alternate dispatch path; nil unless
	// TEMPORAL_ADDRESS is configured, in which case TemporalWorker also runs
	// alongside Worker so every job has two independent executors.
	Temporal       temporalsdkclient.Client
	TemporalWorker *temporalworker.Runner

	vision gcp.Vision
	speech gcp.Speech

	cancel context.CancelFunc
}

// Repos bundles every gorm-backed repository so New()'s call sites don't
// thread seven constructor results through by hand.
type Repos struct {
	Credentials   repos.CredentialRepo
	DiagnosticLog repos.DiagnosticLogRepo
	ImportExport  repos.ImportExportRepo
	JobResult     repos.JobResultRepo
	PendingMemory repos.PendingMemoryRepo
	Personality   repos.PersonalityRepo
	Session       repos.ShapesSessionRepo
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("loading configuration")
	cfg := LoadConfig()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := autoMigrate(db); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	reposet := wireRepos(db, log)
	store := resultstore.New(log, rdb)
	notify := notifier.New(log, rdb)
	q := queue.NewRepo(db, log)

	vision, err := gcp.NewVision(log)
	if err != nil {
		log.Warn("vision client unavailable, ImageDescription jobs will degrade to fallback descriptions", "error", err)
	}
	speech, err := gcp.NewSpeech(log)
	if err != nil {
		log.Warn("speech client unavailable, AudioTranscription jobs will fail until configured", "error", err)
	}

	// embedder delegates Embed/Ready to the generator client, set below once
	// gen exists. Both vectormem and the L4 duplicate layer hold the same
	// *generatorEmbedder so they reuse the generation pipeline's embedding
	// endpoint instead of standing up a second embedding client.
	embedder := &generatorEmbedder{}

	var vecStore vectormem.Store
	if cfg.PineconeAPIKey != "" && cfg.PineconeIndexName != "" {
		vecStore, err = vectormem.New(log, vectormem.Config{
			APIKey:          cfg.PineconeAPIKey,
			IndexName:       cfg.PineconeIndexName,
			NamespacePrefix: "ltm",
		}, embedder)
		if err != nil {
			log.Warn("vector memory store unavailable, long-term memory and L4 duplicate detection are disabled", "error", err)
			vecStore = nil
		}
	} else {
		log.Warn("PINECONE_API_KEY/PINECONE_INDEX_NAME not set, long-term memory and L4 duplicate detection are disabled")
	}

	// memSink fulfils the generator client's deferred-memory hook: it reads
	// the persona scope the provider echoed back in the response metadata
	// and forwards the memory to vectormem.Store. A response that omits the
	// scope keys degrades to an unshared, unscoped write rather than an
	// error.
	gen := generator.New(log, generator.Config{
		BaseURL: cfg.ResponseGeneratorBaseURL,
		APIKey:  cfg.ResponseGeneratorAPIKey,
	}, func(ctx context.Context, mem generator.DeferredMemory) error {
		if vecStore == nil {
			return fmt.Errorf("vector memory store not configured")
		}
		scope := domain.LTMShareScope{}
		if v, ok := mem.Metadata["personaId"].(string); ok {
			scope.PersonaID = v
		}
		if v, ok := mem.Metadata["shareAcrossPersonalities"].(bool); ok {
			scope.ShareAcrossPersonalities = v
		}
		return vecStore.Store(ctx, scope, domain.DeferredMemoryRecord{Text: mem.Text, Metadata: mem.Metadata})
	})
	embedder.gen = gen

	detector := duplicate.New(log, duplicate.Thresholds{
		MinLength:        cfg.DuplicateThresholds.MinLength,
		JaccardThreshold: cfg.DuplicateThresholds.JaccardThreshold,
		BigramThreshold:  cfg.DuplicateThresholds.BigramThreshold,
		NearMissBigram:   cfg.DuplicateThresholds.NearMissBigram,
		SemanticThresh:   cfg.DuplicateThresholds.SemanticThresh,
	}, embedder)

	var bucket gcs.BucketService
	if cfg.GCSAvatarBucket != "" {
		bucket, err = gcs.New(context.Background(), log, cfg.GCSAvatarBucket, cfg.GCSCDNDomain)
		if err != nil {
			log.Warn("gcs bucket unavailable, avatar import/export will skip avatars", "error", err)
		}
	}

	registry := runtime.NewRegistry()
	if err := registerHandlers(registry, log, reposet, q, store, vision, speech, gen, vecStore, detector, bucket, cfg); err != nil {
		log.Sync()
		return nil, err
	}

	w := worker.NewWorker(log, q, reposet.JobResult, registry, notify, store)
	orch := orchestrator.New(q, reposet.Personality, log)

	tc, err := temporalx.NewClient(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init temporal client: %w", err)
	}
	var temporalRunner *temporalworker.Runner
	if tc != nil {
		orch = orch.WithDispatcher(&jobrun.Dispatcher{Client: tc, TaskQueue: temporalx.LoadConfig().TaskQueue})
		temporalRunner, err = temporalworker.NewRunner(log, tc, q, reposet.JobResult, registry, notify, store)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("init temporal worker: %w", err)
		}
	}

	return &App{
		Log:            log,
		DB:             db,
		Redis:          rdb,
		Cfg:            cfg,
		Repos:          reposet,
		Queue:          q,
		Store:          store,
		Notify:         notify,
		Registry:       registry,
		Worker:         w,
		Orchestrator:   orch,
		Temporal:       tc,
		TemporalWorker: temporalRunner,
		vision:         vision,
		speech:         speech,
	}, nil
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Credentials:   repos.NewCredentialRepo(db, log),
		DiagnosticLog: repos.NewDiagnosticLogRepo(db, log),
		ImportExport:  repos.NewImportExportRepo(db, log),
		JobResult:     repos.NewJobResultRepo(db, log),
		PendingMemory: repos.NewPendingMemoryRepo(db, log),
		Personality:   repos.NewPersonalityRepo(db, log),
		Session:       repos.NewShapesSessionRepo(db, log),
	}
}

func registerHandlers(
	registry *runtime.Registry,
	log *logger.Logger,
	reposet Repos,
	q queue.Repo,
	store resultstore.Store,
	vision gcp.Vision,
	speech gcp.Speech,
	gen generator.ResponseGenerator,
	vecStore vectormem.Store,
	detector *duplicate.Detector,
	bucket gcs.BucketService,
	cfg Config,
) error {
	genHandler := generationjob.New(log, q, store, reposet.Personality, reposet.Credentials, vision, gen, vecStore, detector, reposet.DiagnosticLog, reposet.PendingMemory, cfg.GenerationMaxAttempts)
	if err := registry.Register(genHandler); err != nil {
		return err
	}

	if speech != nil {
		if err := registry.Register(preprocess.NewAudioHandler(log, speech, store)); err != nil {
			return err
		}
	}
	if vision != nil {
		if err := registry.Register(preprocess.NewImageHandler(log, vision)); err != nil {
			return err
		}
	}

	if vecStore != nil {
		if err := registry.Register(pendingmemory.NewRetrier(log, reposet.PendingMemory, vecStore)); err != nil {
			return err
		}
	}

	if cfg.ShapesExternalBaseURL != "" {
		if err := registry.Register(importexport.NewExportHandler(log, reposet.ImportExport, reposet.Session, cfg.ShapesExternalBaseURL)); err != nil {
			return err
		}
		if err := registry.Register(importexport.NewImportHandler(log, reposet.ImportExport, reposet.Session, reposet.Personality, vecStore, bucket, cfg.ShapesExternalBaseURL)); err != nil {
			return err
		}
	}

	return nil
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Job{},
		&domain.JobDependency{},
		&domain.JobResult{},
		&domain.DiagnosticLogEntry{},
		&domain.PendingMemory{},
		&domain.ShapesImportExportJob{},
		&domain.ShapesSessionCredential{},
		&domain.Personality{},
		&domain.UserPersonalityOverride{},
		&domain.UserDefaultConfig{},
		&domain.APICredential{},
	)
}

// Start launches the worker pool and the diagnostic log retention sweep: a
// ticker-driven cleanup rather than a queue-routed job type, since it has
// no per-request trigger.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.Worker.Start(ctx)
	go a.runDiagnosticCleanup(ctx)
	if _, ok := a.Registry.Get(domain.JobPendingMemoryRetry); ok {
		go a.runPendingMemorySchedule(ctx)
	}

	if a.TemporalWorker != nil {
		go func() {
			if err := a.TemporalWorker.Start(ctx); err != nil {
				a.Log.Error("temporal worker stopped", "error", err)
			}
		}()
	}
}

// runPendingMemorySchedule periodically enqueues one PendingMemoryRetry
// sweep job, skipping a tick while a prior sweep is still queued or active
// so sweeps never stack up behind a slow vector store.
func (a *App) runPendingMemorySchedule(ctx context.Context) {
	interval := config.GetEnvDuration(config.EnvPendingMemorySweepInterval, 5*time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dbc := dbctx.Background(a.DB)
			pending, err := a.Queue.HasPending(dbc, domain.JobPendingMemoryRetry)
			if err != nil {
				a.Log.Warn("pending memory schedule: check failed", "error", err)
				continue
			}
			if pending {
				continue
			}
			job := &domain.Job{
				ID:        uuid.New(),
				RequestID: "pending-memory-sweep",
				Type:      domain.JobPendingMemoryRetry,
				Status:    domain.StatusQueued,
			}
			if err := a.Queue.CreateFlow(dbc, job, nil, nil); err != nil {
				a.Log.Warn("pending memory schedule: enqueue failed", "error", err)
			}
		}
	}
}

func (a *App) runDiagnosticCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Repos.DiagnosticLog.Cleanup(dbctx.Background(a.DB), a.Cfg.DiagnosticRetention)
			if err != nil {
				a.Log.Warn("diagnostic log cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				a.Log.Info("diagnostic log cleanup", "rows_deleted", n)
			}
		}
	}
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Temporal != nil {
		a.Temporal.Close()
	}
	if a.vision != nil {
		_ = a.vision.Close()
	}
	if a.speech != nil {
		_ = a.speech.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

// generatorEmbedder adapts generator.ResponseGenerator's Embed method to
// the vectormem.Embedder and duplicate.Embedder interfaces, so the L4
// duplicate layer and long-term-memory store reuse the same embedding
// endpoint as the generation pipeline rather than standing up a second
// embedding client.
type generatorEmbedder struct {
	gen generator.ResponseGenerator
}

func (e *generatorEmbedder) Ready() bool {
	return e.gen != nil && e.gen.Ready()
}

func (e *generatorEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.gen == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	return e.gen.Embed(ctx, text)
}
