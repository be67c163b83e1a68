package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/oauth2"

	"github.com/ahrav/photofind/internal/api"
	appsearch "github.com/ahrav/photofind/internal/app/search"
	"github.com/ahrav/photofind/internal/config"
	"github.com/ahrav/photofind/internal/domain/search"
	"github.com/ahrav/photofind/internal/infra/cache/memory"
	"github.com/ahrav/photofind/internal/infra/cache/sqlite"
	"github.com/ahrav/photofind/internal/infra/providers"
	"github.com/ahrav/photofind/internal/infra/recognition"
	"github.com/ahrav/photofind/pkg/common/logger"
	"github.com/ahrav/photofind/pkg/common/otel"
)

var build = "develop"

const serviceType = "engine"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("PHOTOFIND-ENGINE-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"app":      serviceType,
		"build":    build,
	}

	logg := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx := context.Background()

	if err := run(ctx, logg, hostname); err != nil {
		logg.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, hostname string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	// -------------------------------------------------------------------------
	// Configuration

	cfg, err := config.Load(os.Getenv("PHOTOFIND_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support

	log.Info(ctx, "startup", "status", "initializing tracing support")

	traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterEndpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.SamplingRatio,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"host.name":        hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer teardown(ctx)

	tracer := traceProvider.Tracer(cfg.Telemetry.ServiceName)

	// -------------------------------------------------------------------------
	// Content Cache

	log.Info(ctx, "startup", "status", "initializing content cache", "backend", cfg.Cache.Backend)

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	var cache search.ContentCache
	switch cfg.Cache.Backend {
	case "sqlite":
		sqliteCache, err := sqlite.Open(cfg.Cache.Path, tracer)
		if err != nil {
			return fmt.Errorf("opening sqlite cache: %w", err)
		}
		defer sqliteCache.Close()

		go func() {
			ticker := time.NewTicker(cfg.Cache.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.C:
					removed, err := sqliteCache.EvictOlderThan(runCtx, cfg.Cache.EvictAfter)
					if err != nil {
						log.Error(runCtx, "cache eviction failed", "err", err)
						continue
					}
					if removed > 0 {
						log.Info(runCtx, "evicted cache entries", "removed", removed)
					}
				}
			}
		}()
		cache = sqliteCache
	default:
		cache = memory.New()
	}

	// -------------------------------------------------------------------------
	// Providers and Recognition

	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Providers.AccessToken})

	providerCfg := providers.Config{
		HTTPClient:   &http.Client{Timeout: cfg.Pipeline.FetchTimeout},
		TokenSource:  tokenSource,
		Tracer:       tracer,
		DriveBaseURL: cfg.Providers.DriveBaseURL,
		GraphBaseURL: cfg.Providers.GraphBaseURL,
	}
	newProvider := func(folderLink string) (search.Provider, error) {
		return providers.New(folderLink, providerCfg)
	}

	recognitionClient := recognition.New(recognition.Config{
		BaseURL: cfg.Recognition.BaseURL,
		Tracer:  tracer,
	})

	// -------------------------------------------------------------------------
	// Job Engine

	scorer := appsearch.NewMatchScorer(cache, recognitionClient, recognitionClient,
		cfg.Matching.FaceThreshold, log, tracer)
	pipeline := appsearch.NewFetchPipeline(appsearch.PipelineConfig{
		Workers:      cfg.Pipeline.Workers,
		FetchTimeout: cfg.Pipeline.FetchTimeout,
		FetchRetries: cfg.Pipeline.FetchRetries,
	}, scorer, log, tracer)
	manager := appsearch.NewJobManager(appsearch.ManagerConfig{
		MaxJobsPerOwner: cfg.Jobs.MaxPerOwner,
		Retention:       cfg.Jobs.Retention,
	}, newProvider, pipeline, log, tracer)

	go manager.RunRetentionSweeper(runCtx, cfg.Jobs.SweepInterval)

	// -------------------------------------------------------------------------
	// Start API Service

	log.Info(ctx, "startup", "status", "initializing API support")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	server := api.NewServer(cfg.Server, log, tracer, manager, recognitionClient)

	serverErrors := make(chan error, 1)
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	go func() {
		serverErrors <- server.Start(serverCtx)
	}()

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig.String())
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig.String())

		stopServer()
		if err := <-serverErrors; err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("shutting down server: %w", err)
		}
	}

	return nil
}
