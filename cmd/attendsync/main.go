package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/attendsync/attendsync/internal/attendsync"
	"github.com/attendsync/attendsync/internal/httpapi"
)

func main() {
	logger := log.New(os.Stderr, "attendsync ", log.LstdFlags|log.LUTC)

	addr := os.Getenv("ATTENDSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, queue, err := buildBackendsFromEnv()
	if err != nil {
		logger.Fatalf("failed to initialize backends: %v", err)
	}
	defer store.Close()
	defer queue.Close()

	provider := attendsync.NewProviderHTTPClient(attendsync.ProviderClientOptions{
		BaseURL:   os.Getenv("ATTENDSYNC_PROVIDER_BASE_URL"),
		UserAgent: "attendsync/1.0",
		TokenProvider: func(ctx context.Context) (string, error) {
			token := strings.TrimSpace(os.Getenv("ATTENDSYNC_PROVIDER_TOKEN"))
			if token == "" {
				return "", fmt.Errorf("ATTENDSYNC_PROVIDER_TOKEN is not set")
			}
			return token, nil
		},
		MaxRetries: intEnv("ATTENDSYNC_PROVIDER_MAX_RETRIES", 0),
		PageSize:   intEnv("ATTENDSYNC_PROVIDER_PAGE_SIZE", 0),
	})

	classifier, stopWatch, err := buildClassifierFromEnv(logger)
	if err != nil {
		logger.Fatalf("failed to initialize classifier: %v", err)
	}
	if stopWatch != nil {
		defer stopWatch()
	}

	broadcaster := attendsync.NewBroadcaster(intEnv("ATTENDSYNC_STREAM_BUFFER", 0))

	controller, err := attendsync.NewController(attendsync.ControllerOptions{
		Store:        store,
		Queue:        queue,
		Provider:     provider,
		Broadcaster:  broadcaster,
		Logger:       logger,
		StuckTimeout: durationEnv("ATTENDSYNC_STUCK_TIMEOUT", 0),
		MinBudget:    intEnv("ATTENDSYNC_PROVIDER_MIN_BUDGET", 0),
	})
	if err != nil {
		logger.Fatalf("failed to initialize controller: %v", err)
	}

	pipeline, err := attendsync.NewPipeline(attendsync.PipelineOptions{
		Provider: provider,
		Store:    store,
		Logger:   logger,
		MaxPages: intEnv("ATTENDSYNC_MAX_PAGES", 0),
		CacheTTL: durationEnv("ATTENDSYNC_CACHE_TTL", 0),
	})
	if err != nil {
		logger.Fatalf("failed to initialize pipeline: %v", err)
	}

	completion, err := attendsync.NewCompletionSequencer(attendsync.CompletionOptions{
		Store: store,
		TxManager: attendsync.NewTxManager(attendsync.TxManagerOptions{
			MaxAttempts: intEnv("ATTENDSYNC_TX_MAX_ATTEMPTS", 0),
			Logger:      logger,
		}),
		Logger: logger,
	})
	if err != nil {
		logger.Fatalf("failed to initialize completion sequencer: %v", err)
	}

	worker, err := attendsync.NewWorker(attendsync.WorkerOptions{
		Store:      store,
		Queue:      queue,
		Pipeline:   pipeline,
		Reconciler: attendsync.NewReconciler(classifier),
		Controller: controller,
		Completion: completion,
		Logger:     logger,
		Workers:    intEnv("ATTENDSYNC_WORKERS", 0),
	})
	if err != nil {
		logger.Fatalf("failed to initialize worker pool: %v", err)
	}

	server, err := httpapi.NewServer(httpapi.ServerOptions{
		Store:       store,
		Controller:  controller,
		Broadcaster: broadcaster,
		Caches: map[string]httpapi.CachePane{
			"registrant-counts": pipeline.CountCache(),
		},
		Logger: logger,
		Config: httpapi.ServerConfig{
			JWTSecret:       os.Getenv("ATTENDSYNC_JWT_SECRET"),
			RateLimitMax:    intEnv("ATTENDSYNC_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("ATTENDSYNC_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env("ATTENDSYNC_MAX_BODY_BYTES", 0),
		},
	})
	if err != nil {
		logger.Fatalf("failed to initialize http server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(ctx)
	go controller.RunSweeper(ctx, durationEnv("ATTENDSYNC_SWEEP_INTERVAL", time.Minute))

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Printf("attendsync listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server failed: %v", err)
	}
}

func buildBackendsFromEnv() (attendsync.Store, attendsync.JobQueue, error) {
	storeDSN, queueDSN, err := backendProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if dsn := strings.TrimSpace(os.Getenv("ATTENDSYNC_STORE_DSN")); dsn != "" {
		storeDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("ATTENDSYNC_QUEUE_DSN")); dsn != "" {
		queueDSN = dsn
	}
	store, err := attendsync.BuildStoreFromDSN(storeDSN)
	if err != nil {
		return nil, nil, err
	}
	queue, err := attendsync.BuildJobQueueFromDSN(queueDSN, intEnv("ATTENDSYNC_QUEUE_SIZE", 0), store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, queue, nil
}

func backendProfileDefaultsFromEnv() (storeDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("ATTENDSYNC_BACKEND_PROFILE")))
	switch profile {
	case "", "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(os.Getenv("ATTENDSYNC_POSTGRES_DSN"))
		if dsn == "" {
			return "", "", fmt.Errorf("ATTENDSYNC_POSTGRES_DSN is required when ATTENDSYNC_BACKEND_PROFILE=%s", profile)
		}
		return dsn, dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported ATTENDSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func buildClassifierFromEnv(logger attendsync.Logger) (*attendsync.HeuristicClassifier, func(), error) {
	configPath := strings.TrimSpace(os.Getenv("ATTENDSYNC_CLASSIFIER_CONFIG"))
	if configPath == "" {
		return attendsync.NewHeuristicClassifier(attendsync.ClassifierConfig{}), nil, nil
	}
	cfg, err := attendsync.LoadClassifierConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	classifier := attendsync.NewHeuristicClassifier(cfg)
	stop, err := attendsync.WatchClassifierConfig(configPath, classifier, logger)
	if err != nil {
		return nil, nil, err
	}
	return classifier, stop, nil
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
