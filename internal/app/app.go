package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"clinrag/backend/features/ask"
	"clinrag/backend/features/job"
	"clinrag/backend/features/source"
	"clinrag/backend/features/stats"
	"clinrag/backend/internal/adapter/gemini"
	wstore "clinrag/backend/internal/adapter/weaviate"
	"clinrag/backend/internal/answer"
	"clinrag/backend/internal/config"
	"clinrag/backend/internal/dedup"
	"clinrag/backend/internal/extract"
	"clinrag/backend/internal/middleware"
	"clinrag/backend/internal/retrieval"
	"clinrag/backend/internal/retry"
	"clinrag/backend/internal/settings"
	"clinrag/backend/internal/text"
	"clinrag/backend/internal/vector"
	"clinrag/backend/internal/worker"
)

// Run wires the whole backend together and blocks until the process is
// told to stop.
func Run(cfg *config.Config) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := runMigrations(db, cfg.MigrationPath); err != nil {
		return err
	}

	wClient, err := connectWeaviate(cfg)
	if err != nil {
		return err
	}
	vecStore := wstore.NewStore(wClient)

	nsqProducer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("create nsq producer: %w", err)
	}
	defer nsqProducer.Stop()
	preCreateTopics(cfg.NSQDHTTP, config.TopicIngestTask, config.TopicExtractResult)

	// Settings
	settingsRepo := settings.NewPostgresRepo(db)
	settingsService := settings.NewService(settingsRepo)
	settingsHandler := settings.NewHandler(settingsService)
	seedAPIKey(settingsService, cfg.GeminiAPIKey)

	// Sources
	sourceRepo := source.NewPostgresRepo(db)
	sourceService := source.NewService(sourceRepo, sourceRepo, vecStore, nsqProducer)
	sourceHandler := source.NewHandler(sourceService)

	// Failed jobs
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, nsqProducer)
	jobHandler := job.NewHandler(jobService)

	// Gemini
	policy := retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
	}
	geminiClient := gemini.NewClient(settingsService, cfg.EmbedModel, cfg.GenerateModel)
	gateway := gemini.NewGateway(geminiClient, gemini.GatewayConfig{
		BatchSize:   cfg.EmbedBatchSize,
		Dimension:   cfg.EmbedDimension,
		Concurrency: cfg.EmbedConcurrency,
		CallTimeout: time.Duration(cfg.CallTimeoutSecs) * time.Second,
		Policy:      policy,
		RateLimit:   cfg.EmbedRateLimit,
	})

	// Read path
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	retrievalService := retrieval.NewService(gateway, vecStore, settingsService, queryLogger, retrieval.Config{
		TopK:             cfg.SearchTopK,
		OversampleFactor: cfg.OversampleFactor,
		MinSimilarity:    cfg.MinSimilarity,
		MaxContextChars:  cfg.MaxContextChars,
		DedupThreshold:   cfg.DedupThreshold,
		ShingleSize:      cfg.DedupShingleSize,
	})
	answerer := answer.New(geminiClient, policy, cfg.GroundingStrict)
	askHandler := ask.NewHandler(retrievalService, answerer)

	// Stats
	statsHandler := stats.NewHandler(sourceRepo, jobRepo, vecStore)

	// Write path
	pipeline := worker.NewPipeline(
		extract.NewNormalizer(),
		text.NewChunker(cfg.ChunkMinChars, cfg.ChunkMaxChars, cfg.ChunkOverlapChars),
		dedup.New(cfg.DedupThreshold, cfg.DedupShingleSize),
		gateway,
		vecStore,
		sourceRepo,
		sourceRepo,
		sourceRepo,
	)
	resultConsumer := worker.NewResultConsumer(pipeline, sourceRepo, jobRepo)

	consumer, err := nsq.NewConsumer(config.TopicExtractResult, "backend", nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("create nsq consumer: %w", err)
	}
	consumer.AddHandler(nsq.HandlerFunc(resultConsumer.HandleMessage))
	if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
		slog.Error("failed to connect to nsqlookupd", "error", err)
	} else {
		slog.Info("extract.result consumer connected")
	}
	defer consumer.Stop()

	mux := http.NewServeMux()
	routes(mux, sourceHandler, jobHandler, askHandler, statsHandler, settingsHandler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func routes(mux *http.ServeMux, sources *source.Handler, jobs *job.Handler, askH *ask.Handler, statsH *stats.Handler, settingsH *settings.Handler) {
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	mux.Handle("POST /sources", middleware.CorrelationID(enableCORS(sources.Create)))
	mux.Handle("GET /sources", middleware.CorrelationID(enableCORS(sources.List)))
	mux.Handle("GET /sources/{id}", middleware.CorrelationID(enableCORS(sources.Get)))
	mux.Handle("DELETE /sources/{id}", middleware.CorrelationID(enableCORS(sources.Delete)))
	mux.Handle("POST /sources/{id}/reingest", middleware.CorrelationID(enableCORS(sources.Reingest)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobs.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobs.Retry)))

	mux.Handle("POST /search", middleware.CorrelationID(enableCORS(askH.Search)))
	mux.Handle("POST /ask", middleware.CorrelationID(enableCORS(askH.Ask)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsH.GetStats)))

	mux.Handle("GET /settings", middleware.CorrelationID(enableCORS(settingsH.GetSettings)))
	mux.Handle("PUT /settings", middleware.CorrelationID(enableCORS(settingsH.UpdateSettings)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPass, cfg.DBName)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db connection: %w", err)
	}

	delay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := db.Ping(); err == nil {
			return db, nil
		}
		slog.Warn("failed to ping db, retrying", "attempt", i+1, "max_attempts", cfg.BootstrapRetryAttempts)
		time.Sleep(delay)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db after retries: %w", err)
	}
	return db, nil
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("migrations applied successfully")
	return nil
}

func connectWeaviate(cfg *config.Config) (*weaviate.Client, error) {
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	adapter := vector.NewWeaviateClientAdapter(client)
	delay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err := vector.EnsureSchema(context.Background(), adapter); err == nil {
			slog.Info("weaviate schema ensured")
			return client, nil
		}
		slog.Warn("failed to ensure weaviate schema, retrying", "attempt", i+1)
		time.Sleep(delay)
	}
	if err := vector.EnsureSchema(context.Background(), adapter); err != nil {
		return nil, fmt.Errorf("ensure weaviate schema after retries: %w", err)
	}
	return client, nil
}

// preCreateTopics hits the nsqd HTTP API so consumers querying lookupd do
// not 404 before the first publish.
func preCreateTopics(nsqdHTTP string, topics ...string) {
	go func() {
		time.Sleep(2 * time.Second)
		for _, topic := range topics {
			url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
			resp, err := http.Post(url, "application/json", nil)
			if err != nil {
				slog.Warn("failed to pre-create topic", "topic", topic, "error", err)
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				slog.Info("topic pre-created", "topic", topic)
			}
		}
	}()
}

// seedAPIKey copies the env-provided Gemini key into runtime settings when
// none is stored yet, so fresh deployments work without a PUT /settings.
func seedAPIKey(svc *settings.Service, key string) {
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := svc.Get(ctx)
	if err != nil {
		slog.Warn("failed to read settings for key seed", "error", err)
		return
	}
	if s.GeminiAPIKey != "" {
		return
	}
	s.GeminiAPIKey = key
	if err := svc.Update(ctx, s); err != nil {
		slog.Warn("failed to seed gemini api key", "error", err)
		return
	}
	slog.Info("seeded gemini api key from environment")
}
