// Package assay runs the recipe recommendation substrate: the batch ledger,
// the worker that executes runs and learning jobs, and the HTTP and MCP
// surfaces that expose them.
//
//	app, err := assay.New(
//	    assay.WithVersion(version),
//	    assay.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// internal/* never imports this package.
package assay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/assay/internal/auth"
	"github.com/ashita-ai/assay/internal/citation"
	"github.com/ashita-ai/assay/internal/config"
	"github.com/ashita-ai/assay/internal/experience"
	"github.com/ashita-ai/assay/internal/experience/qdrantstore"
	"github.com/ashita-ai/assay/internal/experience/sqlitestore"
	"github.com/ashita-ai/assay/internal/llm"
	"github.com/ashita-ai/assay/internal/mcp"
	"github.com/ashita-ai/assay/internal/pipeline"
	"github.com/ashita-ai/assay/internal/projection"
	"github.com/ashita-ai/assay/internal/ratelimit"
	"github.com/ashita-ai/assay/internal/retrieval"
	"github.com/ashita-ai/assay/internal/search"
	"github.com/ashita-ai/assay/internal/server"
	"github.com/ashita-ai/assay/internal/service/embedding"
	"github.com/ashita-ai/assay/internal/service/learn"
	"github.com/ashita-ai/assay/internal/service/queue"
	"github.com/ashita-ai/assay/internal/service/reconcile"
	"github.com/ashita-ai/assay/internal/service/trace"
	"github.com/ashita-ai/assay/internal/storage"
	"github.com/ashita-ai/assay/internal/telemetry"
	"github.com/ashita-ai/assay/internal/worker"
	"github.com/ashita-ai/assay/migrations"
)

const shutdownTimeout = 30 * time.Second

// App is the assay server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	worker       *worker.Worker
	limiter      ratelimit.Limiter
	closers      []io.Closer // content store and Qdrant connections, closed in reverse
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the server. It connects to the database, runs migrations,
// wires all subsystems, and returns a ready-to-run App. It does not start
// any goroutines or accept HTTP connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("assay starting", "version", version, "port", cfg.Port)

	bg := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}

	a.otelShutdown, err = telemetry.Init(bg, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a.db, err = storage.New(bg, storage.Options{
		URL:       cfg.DatabaseURL,
		NotifyURL: cfg.NotifyURL,
		MaxConns:  int32(cfg.DBMaxConns), //nolint:gosec // validated non-negative, small
		AppName:   cfg.ServiceName,
	}, logger)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.db.RegisterPoolMetrics()

	if err := a.db.RunMigrations(bg, migrations.FS); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	if err := a.wire(bg, o); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

// wire builds every subsystem on top of an open database.
func (a *App) wire(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.OperatorKeyHash == "" {
		logger.Warn("no operator key configured, API is open (not for production)")
	}
	authn := auth.NewAuthenticator(jwtMgr, cfg.OperatorKeyHash)

	projector, err := newProjector(cfg.ProjectionTemplate)
	if err != nil {
		return fmt.Errorf("projection: %w", err)
	}

	retriever, store, err := a.newRetrievalAndStore(ctx, o)
	if err != nil {
		return err
	}

	// A typed nil would satisfy the interfaces below, so keep them untyped
	// until a client exists.
	var (
		client    llm.Client
		recommend pipeline.Pipeline
	)
	if cfg.LLMConfigured() {
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.LLMModel,
			Timeout: cfg.LLMTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		client = c
		recommend = pipeline.NewRecommend(pipeline.RecommendConfig{
			Namespaces: cfg.KBNamespaces,
			TopK:       cfg.KBTopK,
			MemLimit:   cfg.MemSearchLimit,
			Model:      cfg.LLMModel,
		}, retriever, store, client, projector)
		logger.Info("language model configured", "model", cfg.LLMModel, "learn_model", cfg.LearnLLMModel)
	} else {
		logger.Warn("no language model configured, only dry-run batches will execute")
	}

	q := queue.New(a.db, queue.Limits{
		MaxRuns:           cfg.MaxRuns,
		MaxRecipesPerRun:  cfg.MaxRecipesPerRun,
		MaxUserRequestLen: cfg.MaxUserRequestLen,
	}, cfg.LLMConfigured(), configSnapshot(cfg), logger)
	q.RegisterMetrics()

	recorder := trace.NewRecorder(a.db, logger)
	citations := citation.NewRegistry(a.db)
	engine := experience.NewEngine(a.db, store, logger)
	learner := learn.New(a.db, engine, recorder, client, projector, learn.Config{
		Model:           cfg.LearnLLMModel,
		DedupeThreshold: cfg.DedupeThreshold,
	}, logger)

	a.worker = worker.New(worker.Deps{
		DB:        a.db,
		Queue:     q,
		Trace:     recorder,
		Citations: citations,
		Recommend: recommend,
		Learner:   learner,
	}, worker.Config{
		PollInterval: cfg.PollInterval,
		Listen:       a.db.HasNotifyConn(),
	}, logger)

	mcpSrv := mcp.New(a.db, recorder, citations, a.worker, logger, a.version)

	a.limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	a.srv = server.New(server.ServerConfig{
		DB:                  a.db,
		Queue:               q,
		Trace:               recorder,
		Citations:           citations,
		Engine:              engine,
		Auth:                authn,
		Logger:              logger,
		Worker:              a.worker,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	return nil
}

// newRetrievalAndStore picks the knowledge-base retriever and the experience
// content store. Qdrant serves both when configured; otherwise the store is
// SQLite and retrieval returns no evidence.
func (a *App) newRetrievalAndStore(ctx context.Context, o resolvedOptions) (retrieval.Retriever, experience.ContentStore, error) {
	cfg, logger := a.cfg, a.logger

	var retriever retrieval.Retriever = retrieval.Static{}
	var embedder embedding.Provider
	if cfg.QdrantURL != "" {
		embedder = o.embedder
		if embedder == nil {
			embedder = newEmbeddingProvider(cfg, logger)
		}
		kb, err := a.openCollection(ctx, cfg.KBCollection, embedder.Dimensions())
		if err != nil {
			return nil, nil, err
		}
		if err := kb.EnsureCollection(ctx, retrieval.FieldNamespace); err != nil {
			return nil, nil, fmt.Errorf("qdrant kb collection: %w", err)
		}
		retriever = retrieval.NewQdrantRetriever(kb, embedder)
		logger.Info("knowledge base: qdrant", "collection", cfg.KBCollection, "namespaces", cfg.KBNamespaces)
	} else {
		logger.Warn("QDRANT_URL not set, knowledge-base retrieval disabled")
	}

	useQdrant := cfg.ExperienceStore == "qdrant" || (cfg.ExperienceStore == "auto" && cfg.QdrantURL != "")
	if useQdrant {
		mem, err := a.openCollection(ctx, cfg.MemoryCollection, embedder.Dimensions())
		if err != nil {
			return nil, nil, err
		}
		store := qdrantstore.New(mem, embedder)
		if err := store.Init(ctx); err != nil {
			return nil, nil, err
		}
		logger.Info("experience store: qdrant", "collection", cfg.MemoryCollection)
		return retriever, store, nil
	}

	store, err := sqlitestore.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("experience store: %w", err)
	}
	a.closers = append(a.closers, store)
	logger.Info("experience store: sqlite", "path", cfg.SQLitePath)
	return retriever, store, nil
}

func (a *App) openCollection(ctx context.Context, name string, dims int) (*search.Collection, error) {
	coll, err := search.NewCollection(search.QdrantConfig{
		URL:        a.cfg.QdrantURL,
		APIKey:     a.cfg.QdrantAPIKey,
		Collection: name,
		Dims:       uint64(dims), //nolint:gosec // dimensions are validated positive
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("qdrant %s: %w", name, err)
	}
	a.closers = append(a.closers, coll)
	if err := coll.Healthy(ctx); err != nil {
		return nil, fmt.Errorf("qdrant %s: %w", name, err)
	}
	return coll, nil
}

// Run reconciles the ledger, starts the worker and background loops and the
// HTTP server, then blocks until ctx is cancelled or the server fails. On
// return, Shutdown has been called.
func (a *App) Run(ctx context.Context) error {
	// Nothing can be running before the worker starts, so whatever the
	// ledger says is running was interrupted by the previous process.
	res, err := reconcile.Run(ctx, a.db, a.logger)
	if err != nil {
		a.closeAll()
		return fmt.Errorf("reconcile: %w", err)
	}
	a.worker.SetReconciled(res.Runs)

	if a.cfg.WorkerEnabled {
		a.worker.Start(ctx)
	} else {
		a.logger.Info("worker disabled by config")
	}

	go a.idempotencyCleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown stops accepting HTTP requests, lets the worker finish its current
// unit, then closes the stores, telemetry and the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("assay shutting down")

	var errs []error
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, err)
	}
	a.worker.Drain(ctx)

	a.closeAll()
	a.logger.Info("assay stopped")
	return errors.Join(errs...)
}

func (a *App) closeAll() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.db != nil {
		a.db.Close(context.Background())
	}
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

func newProjector(path string) (*projection.Projector, error) {
	if path == "" {
		return projection.Default()
	}
	return projection.Load(path)
}

// configSnapshot is the non-secret configuration recorded on every batch.
func configSnapshot(cfg config.Config) map[string]any {
	return map[string]any{
		"llm_model":           cfg.LLMModel,
		"learn_llm_model":     cfg.LearnLLMModel,
		"embedding_provider":  cfg.EmbeddingProvider,
		"embedding_model":     cfg.EmbeddingModel,
		"kb_namespaces":       cfg.KBNamespaces,
		"kb_top_k":            cfg.KBTopK,
		"mem_search_limit":    cfg.MemSearchLimit,
		"dedupe_threshold":    cfg.DedupeThreshold,
		"experience_store":    cfg.ExperienceStore,
		"max_runs":            cfg.MaxRuns,
		"max_recipes_per_run": cfg.MaxRecipesPerRun,
	}
}

func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, dims)
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, dims)
	case "hash":
		logger.Warn("embedding provider: hash (lexical only, not for production)", "dimensions", dims)
		return embedding.NewHashProvider(dims)
	default:
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, dims)
		}
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using hash embeddings")
		return embedding.NewHashProvider(dims)
	}
}

func ollamaReachable(baseURL string) bool {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(c, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
