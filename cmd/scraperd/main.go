// Package main wires together the scrape engine service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/MutugiD/linkedin-crm/internal/api"
	archivegcs "github.com/MutugiD/linkedin-crm/internal/archive/gcs"
	archivelocal "github.com/MutugiD/linkedin-crm/internal/archive/local"
	archivemem "github.com/MutugiD/linkedin-crm/internal/archive/memory"
	checkpointpg "github.com/MutugiD/linkedin-crm/internal/checkpoint/postgres"
	"github.com/MutugiD/linkedin-crm/internal/clock/system"
	"github.com/MutugiD/linkedin-crm/internal/config"
	"github.com/MutugiD/linkedin-crm/internal/dispatcher"
	"github.com/MutugiD/linkedin-crm/internal/extract"
	collyfetcher "github.com/MutugiD/linkedin-crm/internal/fetcher/colly"
	headlessfetcher "github.com/MutugiD/linkedin-crm/internal/fetcher/headless"
	"github.com/MutugiD/linkedin-crm/internal/governor"
	"github.com/MutugiD/linkedin-crm/internal/id/uuid"
	"github.com/MutugiD/linkedin-crm/internal/identity"
	"github.com/MutugiD/linkedin-crm/internal/logging"
	"github.com/MutugiD/linkedin-crm/internal/metrics"
	"github.com/MutugiD/linkedin-crm/internal/policy/retry"
	queuemem "github.com/MutugiD/linkedin-crm/internal/queue/memory"
	"github.com/MutugiD/linkedin-crm/internal/scrape"
	sinkmem "github.com/MutugiD/linkedin-crm/internal/sink/memory"
	sinkpubsub "github.com/MutugiD/linkedin-crm/internal/sink/pubsub"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	clock := system.New()
	idGen := uuid.New()

	queue := queuemem.New(queuemem.Config{AttemptCeiling: cfg.Retry.AttemptCeiling}, clock)
	pool := identity.NewPool(identity.Config{
		FailureThreshold: cfg.Identity.FailureThreshold,
		CooldownBase:     time.Duration(cfg.Identity.CooldownBaseSec) * time.Second,
		CooldownGrowth:   cfg.Identity.CooldownGrowth,
		CooldownCap:      time.Duration(cfg.Identity.CooldownCapSec) * time.Second,
		RetireRatio:      cfg.Identity.RetireRatio,
		RetireMinUses:    cfg.Identity.RetireMinUses,
		HealthAlpha:      cfg.Identity.HealthAlpha,
	}, clock)
	gov := governor.New(governor.Config{
		Floor:          time.Duration(cfg.Rate.FloorMs) * time.Millisecond,
		Ceiling:        time.Duration(cfg.Rate.CeilingMs) * time.Millisecond,
		Initial:        time.Duration(cfg.Rate.InitialMs) * time.Millisecond,
		NarrowFactor:   cfg.Rate.NarrowFactor,
		WidenFactor:    cfg.Rate.WidenFactor,
		JitterFraction: cfg.Rate.JitterFraction,
		HardCooling:    time.Duration(cfg.Rate.HardCoolingSec) * time.Second,
	}, clock)
	policy := retry.New(retry.Config{
		AttemptCeiling: cfg.Retry.AttemptCeiling,
		BaseDelay:      time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
	})

	var checkpoint *checkpointpg.Store
	if cfg.Checkpoint.Enabled {
		checkpoint, err = checkpointpg.New(ctx, checkpointpg.Config{DSN: cfg.Checkpoint.DSN})
		if err != nil {
			logger.Fatal("checkpoint store init failed", zap.Error(err))
		}
		defer checkpoint.Close()
		if err := checkpoint.EnsureSchema(ctx); err != nil {
			logger.Fatal("checkpoint schema failed", zap.Error(err))
		}
		jobs, identities, err := checkpoint.Restore(ctx)
		if err != nil {
			logger.Fatal("checkpoint restore failed", zap.Error(err))
		}
		if err := queue.Restore(ctx, jobs); err != nil {
			logger.Fatal("queue restore failed", zap.Error(err))
		}
		if err := pool.Restore(ctx, identities); err != nil {
			logger.Fatal("identity pool restore failed", zap.Error(err))
		}
		logger.Info("state restored from checkpoint",
			zap.Int("jobs", len(jobs)),
			zap.Int("identities", len(identities)),
		)
	}

	// Seeds apply on a cold start only; a restored pool keeps its
	// accumulated health state.
	if existing, _ := pool.Snapshot(ctx); len(existing) == 0 {
		if err := seedIdentities(ctx, pool, idGen, cfg.Identity.Seeds); err != nil {
			logger.Fatal("identity seeding failed", zap.Error(err))
		}
	}

	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: cfg.FetchTimeout()})
	var headless scrape.Fetcher
	headlessKinds := map[scrape.TargetKind]bool{}
	if cfg.Fetch.HeadlessEnabled {
		hf, err := headlessfetcher.New(headlessfetcher.Config{
			MaxParallel:       cfg.Engine.GlobalInFlight,
			NavigationTimeout: time.Duration(cfg.Fetch.HeadlessNavSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			headless = hf
			// Content posts assemble in the browser; profile and company
			// pages carry their metadata in the initial document.
			headlessKinds[scrape.TargetContent] = true
		}
	}

	sink, err := buildSink(ctx, cfg.Sink, logger)
	if err != nil {
		logger.Fatal("result sink init failed", zap.Error(err))
	}
	archive, err := buildArchive(ctx, cfg.Archive)
	if err != nil {
		logger.Fatal("payload archive init failed", zap.Error(err))
	}

	engine := dispatcher.New(
		queue,
		pool,
		gov,
		policy,
		fetcher,
		headless,
		extract.DefaultSet(),
		sink,
		archive,
		clock,
		dispatcher.Config{
			Workers:        cfg.Engine.Workers,
			GlobalInFlight: cfg.Engine.GlobalInFlight,
			PerTargetMax:   cfg.Engine.PerTargetMax,
			GlobalRPS:      cfg.Engine.GlobalRPS,
			FetchTimeout:   cfg.FetchTimeout(),
			IdlePoll:       time.Duration(cfg.Engine.IdlePollMs) * time.Millisecond,
			StarvationWait: time.Duration(cfg.Engine.StarvationWaitMs) * time.Millisecond,
			HeadlessKinds:  headlessKinds,
		},
		logger.Named("dispatcher"),
	)

	apiServer := api.NewServer(queue, idGen, clock, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Engine.Workers))
		engine.Run(ctx)
	}()

	if checkpoint != nil {
		go runCheckpointer(ctx, checkpoint, queue, pool, cfg.Checkpoint, logger.Named("checkpoint"))
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if checkpoint != nil {
		saveCheckpoint(shutdownCtx, checkpoint, queue, pool, logger)
	}
	queue.Close()
	logger.Info("shutdown complete")
}

func seedIdentities(ctx context.Context, pool *identity.Pool, idGen scrape.IDGenerator, seeds []config.IdentitySeed) error {
	for _, seed := range seeds {
		id, err := idGen.NewID()
		if err != nil {
			return fmt.Errorf("generate identity id: %w", err)
		}
		_, err = pool.Register(ctx, scrape.Identity{
			ID: id,
			Transport: scrape.TransportDescriptor{
				ProxyURL:    seed.ProxyURL,
				Username:    seed.Username,
				Password:    seed.Password,
				Fingerprint: seed.Fingerprint,
			},
		})
		if err != nil {
			return fmt.Errorf("register identity %s: %w", seed.ProxyURL, err)
		}
	}
	return nil
}

func buildSink(ctx context.Context, cfg config.SinkConfig, logger *zap.Logger) (scrape.ResultSink, error) {
	switch cfg.Backend {
	case "memory":
		logger.Warn("using in-memory result sink; extracted records are not persisted")
		return sinkmem.New(), nil
	case "pubsub":
		if cfg.ProjectID == "" || cfg.TopicName == "" {
			return nil, fmt.Errorf("sink.project_id and sink.topic_name are required for pubsub")
		}
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		return sinkpubsub.New(client.Topic(cfg.TopicName)), nil
	default:
		return nil, fmt.Errorf("unknown sink backend %q", cfg.Backend)
	}
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig) (scrape.BlobStore, error) {
	switch cfg.Backend {
	case "memory":
		return archivemem.New(), nil
	case "local":
		return archivelocal.New(archivelocal.Config{BaseDir: cfg.BaseDir})
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		return archivegcs.New(client, archivegcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.Prefix})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

func runCheckpointer(
	ctx context.Context,
	store *checkpointpg.Store,
	queue scrape.Queue,
	pool scrape.IdentityPool,
	cfg config.CheckpointConfig,
	logger *zap.Logger,
) {
	interval := time.Duration(cfg.IntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			saveCheckpoint(ctx, store, queue, pool, logger)
		}
	}
}

func saveCheckpoint(
	ctx context.Context,
	store *checkpointpg.Store,
	queue scrape.Queue,
	pool scrape.IdentityPool,
	logger *zap.Logger,
) {
	jobs, err := queue.Snapshot(ctx)
	if err != nil {
		logger.Error("queue snapshot failed", zap.Error(err))
		return
	}
	identities, err := pool.Snapshot(ctx)
	if err != nil {
		logger.Error("identity snapshot failed", zap.Error(err))
		return
	}
	if err := store.Save(ctx, jobs, identities); err != nil {
		logger.Error("checkpoint save failed", zap.Error(err))
		return
	}
	logger.Debug("checkpoint saved",
		zap.Int("jobs", len(jobs)),
		zap.Int("identities", len(identities)),
	)
}
