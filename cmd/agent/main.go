// Package main is the entry point for the memory agent. It serves an ADK
// agent whose sessions are persisted and ingested into a searchable memory.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/template"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/cmd/launcher"
	"google.golang.org/adk/cmd/launcher/full"
	"google.golang.org/adk/model/gemini"
	"google.golang.org/genai"

	"github.com/easeaico/adk-session-memory/internal/config"
	"github.com/easeaico/adk-session-memory/internal/database"
	"github.com/easeaico/adk-session-memory/internal/embedding"
	"github.com/easeaico/adk-session-memory/internal/logging"
	"github.com/easeaico/adk-session-memory/internal/memory"
	"github.com/easeaico/adk-session-memory/internal/metrics"
	"github.com/easeaico/adk-session-memory/internal/session"
	"github.com/easeaico/adk-session-memory/internal/tools"
)

// app holds the initialized components and how to release them.
type app struct {
	agent    agent.Agent
	sessions *session.Service
	memory   *memory.Service
	cleanups []func()
}

func (a *app) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

func main() {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, os.Stderr)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	// Initialize components
	a, err := initialize(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize agent")
		os.Exit(1)
	}

	// Run using adk-go runtime (launcher)
	launcherCfg := &launcher.Config{
		AgentLoader:    agent.NewSingleLoader(a.agent),
		SessionService: a.sessions,
		MemoryService:  a.memory,
	}
	l := full.NewLauncher()
	runErr := l.Execute(ctx, launcherCfg, os.Args[1:])
	a.close()
	if runErr != nil {
		logger.Error().Err(runErr).Msg("failed to run agent")
		fmt.Fprintln(os.Stderr, l.CommandLineSyntax())
		os.Exit(1)
	}
}

// initialize creates and wires all components. On error everything acquired
// so far is released.
func initialize(ctx context.Context, cfg config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("adk_memory", reg)
	if cfg.MetricsAddr != "" {
		a.onClose(serveMetrics(cfg.MetricsAddr, reg, logging.Component(logger, "metrics")))
	}

	strategy, err := memory.ParseStrategy(cfg.MemoryStrategy)
	if err != nil {
		return nil, err
	}
	memOpts := memory.Options{
		Strategy:            strategy,
		SimilarityTopK:      cfg.SimilarityTopK,
		Threshold:           cfg.Threshold,
		EmbeddingDimensions: cfg.EmbeddingDimensions,
		VectorIndexName:     cfg.VectorIndexName,
		OperationTimeout:    cfg.OperationTimeout,
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}

	// The keyword strategy needs no embedder.
	var embedder embedding.Embedder
	if strategy == memory.StrategyVector {
		client, err := genai.NewClient(ctx, clientCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create GenAI client: %w", err)
		}
		var base embedding.Embedder = embedding.NewGenAIEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		embedder = base
		if cfg.EmbeddingCacheSize > 0 {
			cached, err := embedding.NewCachedEmbedder(base, cfg.EmbeddingCacheSize)
			if err != nil {
				return nil, fmt.Errorf("failed to create embedding cache: %w", err)
			}
			a.onClose(cached.Close)
			embedder = cached
		}
	}

	sessionStore, memoryStore, err := openStores(ctx, a, cfg, memOpts, logger)
	if err != nil {
		return nil, err
	}

	a.memory, err = memory.NewService(memoryStore, embedder, memOpts, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory service: %w", err)
	}
	a.sessions = session.NewService(sessionStore, a.memory, session.Options{IngestOnAppend: cfg.IngestOnAppend}, logger, m)

	// Create tools
	agentTools, err := tools.BuildTools(tools.ToolsConfig{Memory: a.memory})
	if err != nil {
		return nil, fmt.Errorf("failed to build tools: %w", err)
	}

	// Create LLM model using ADK's gemini wrapper
	llmModel, err := gemini.NewModel(ctx, cfg.ModelName, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM model: %w", err)
	}

	a.agent, err = llmagent.New(llmagent.Config{
		Name:        "memory_agent",
		Description: "A conversational assistant that remembers earlier sessions with each user",
		Model:       llmModel,
		Instruction: buildSystemPrompt(strategy),
		Tools:       agentTools,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	logger.Info().
		Str("db_type", cfg.DBType).
		Str("strategy", string(strategy)).
		Str("model", cfg.ModelName).
		Bool("ingest_on_append", cfg.IngestOnAppend).
		Msg("agent initialized")
	return a, nil
}

// openStores opens the database selected by DB_TYPE and prepares the session
// and memory schemas on it.
func openStores(ctx context.Context, a *app, cfg config.Config, memOpts memory.Options, logger zerolog.Logger) (session.Store, memory.Store, error) {
	var (
		sessionStore session.Store
		memoryStore  memory.Store
	)

	switch cfg.DBType {
	case "sqlite":
		db, err := database.OpenSQLite(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.onClose(func() { _ = db.Close() })
		sessionStore = session.NewSQLiteStore(db, logger)
		memoryStore = memory.NewSQLiteStore(db, logger)
	default:
		pool, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.onClose(pool.Close)
		sessionStore = session.NewPostgresStore(pool, logger)
		memoryStore = memory.NewPostgresStore(pool, memOpts, logger)
	}

	if err := sessionStore.InitSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	if err := memoryStore.InitSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}
	return sessionStore, memoryStore, nil
}

// serveMetrics exposes reg on addr and returns the shutdown function.
func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

var systemPromptTmpl = template.Must(template.New("systemPrompt").Parse(`
You are a helpful assistant with a long-term memory of your earlier
conversations with this user.

You can:
1. Recall earlier conversations with the search_memory tool
2. Use what you recall to keep answers consistent with what the user told you before
{{- if .Keyword }}

Memory is searched by matching words, so query it with the distinctive
words the user would have used (names, places, topics) rather than a
paraphrase.
{{- end }}

When answering:
- Search memory first when the user refers to something from an earlier conversation
- Say so plainly when nothing relevant is remembered
- Never invent memories
`))

// buildSystemPrompt constructs the system prompt for the memory strategy.
func buildSystemPrompt(strategy memory.Strategy) string {
	data := struct {
		Keyword bool
	}{
		Keyword: strategy == memory.StrategyKeyword,
	}

	var buf bytes.Buffer
	_ = systemPromptTmpl.Execute(&buf, data)
	return buf.String()
}
