package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/nugget/kiku/internal/archive"
	"github.com/nugget/kiku/internal/config"
	"github.com/nugget/kiku/internal/connwatch"
	"github.com/nugget/kiku/internal/embeddings"
	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/logging"
	"github.com/nugget/kiku/internal/orchestrator"
	"github.com/nugget/kiku/internal/router"
	"github.com/nugget/kiku/internal/userdata"
)

// app holds the process-wide services every user's coordinator shares.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	flush    func() error
	client   *llm.MultiClient
	cache    *embeddings.Cached
	router   *router.Router
	users    *userdata.Store
	registry *orchestrator.Registry
}

// openApp loads the configuration and wires the shared services. Logs go
// to logOut.
func openApp(ctx context.Context, configPath string, logOut io.Writer) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, flush := newLoggerWithFlush(logOut, cfg)
	logger.Info("config loaded", "path", cfgPath, "data_dir", cfg.DataDir)

	a := &app{cfg: cfg, logger: logger, flush: flush}

	a.client = createLLMClient(cfg, logger)

	embedder, cache, err := createEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.cache = cache

	a.router = router.NewRouter(logger, routerConfig(cfg))

	a.users, err = openUserData(cfg, logger)
	if err != nil {
		if cache != nil {
			cache.Close()
		}
		return nil, err
	}

	factory := orchestrator.StoreFactory(orchestrator.Services{
		Client:     a.client,
		Embedder:   embedder,
		Router:     a.router,
		UserData:   a.users,
		DataDir:    cfg.DataDir,
		MaxRecords: cfg.Memory.MaxRecords,
	}, coordinatorConfig(cfg), logger)
	a.registry = orchestrator.NewRegistry(factory, logger)

	return a, nil
}

// Close drains every coordinator, then releases the shared stores. It
// is safe to call on a partially opened app.
func (a *app) Close() error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close())
	}
	if a.users != nil {
		errs = append(errs, a.users.Close())
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.flush != nil {
		// Syncing a terminal or pipe fails with EINVAL on some
		// platforms; it is never worth reporting.
		_ = a.flush()
	}
	return errors.Join(errs...)
}

// watchProviders starts a reachability monitor over every configured
// provider. An unreachable provider is not fatal; the cascade routes
// around it.
func (a *app) watchProviders(ctx context.Context) *connwatch.Monitor {
	monitor := connwatch.NewMonitor(connwatch.DefaultBackoff(), nil, a.logger)
	for _, name := range a.client.Providers() {
		if c, ok := a.client.Provider(name); ok {
			monitor.Add(name, c)
		}
	}
	if len(monitor.Names()) == 0 {
		a.logger.Warn("no model providers configured; every turn will fail until one is")
	}
	monitor.Start(ctx)
	return monitor
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// newLogger builds the process logger for cfg, writing to w.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	logger, _ := newLoggerWithFlush(w, cfg)
	return logger
}

func newLoggerWithFlush(w io.Writer, cfg *config.Config) (*slog.Logger, func() error) {
	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return logging.New(logging.Options{
		Level:  level,
		Format: cfg.LogFormat,
		Output: w,
	})
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Every configured provider is registered and every
// catalog model is mapped to its provider; a model whose provider is not
// configured stays unroutable and fails fast in the cascade.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	multi := llm.NewMultiClient()

	p := cfg.Providers
	if p.Ollama.Configured() {
		multi.AddProvider(config.ProviderOllama, llm.NewOllamaClient(p.Ollama.URL, logger))
	}
	if p.Anthropic.Configured() {
		multi.AddProvider(config.ProviderAnthropic, llm.NewAnthropicClient(p.Anthropic.APIKey, p.Anthropic.BaseURL, logger))
	}
	if p.OpenAI.Configured() {
		multi.AddProvider(config.ProviderOpenAI, llm.NewOpenAIClient(p.OpenAI.APIKey, p.OpenAI.BaseURL, logger))
	}
	if p.Gemini.Configured() {
		multi.AddProvider(config.ProviderGemini, llm.NewGeminiClient(p.Gemini.APIKey, p.Gemini.BaseURL, logger))
	}

	for _, m := range cfg.Models.Catalog {
		multi.AddModel(m.Name, m.Provider)
	}

	logger.Info("LLM client initialized",
		"providers", multi.Providers(),
		"default_cascade", cfg.Models.DefaultCascade,
	)
	return multi
}

// createEmbedder returns the configured embedder, wrapped in a cache
// when embeddings.cache_size is set. The cache is returned separately so
// it can be closed.
func createEmbedder(cfg *config.Config, logger *slog.Logger) (embeddings.Embedder, *embeddings.Cached, error) {
	var inner embeddings.Embedder
	switch cfg.Embeddings.Provider {
	case "ollama":
		inner = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.URL,
			Model:   cfg.Embeddings.Model,
		})
		logger.Info("embeddings enabled", "provider", "ollama", "model", cfg.Embeddings.Model)
	default:
		inner = embeddings.NewHash(cfg.Embeddings.Dimensions)
		logger.Info("embeddings enabled", "provider", "hash", "dimensions", cfg.Embeddings.Dimensions)
	}

	if cfg.Embeddings.CacheSize <= 0 {
		return inner, nil, nil
	}
	cached, err := embeddings.NewCached(inner, cfg.Embeddings.CacheSize)
	if err != nil {
		return nil, nil, err
	}
	return cached, cached, nil
}

// routerConfig converts the model catalog. Only configured providers are
// enabled, so a model is never ranked when nothing could serve it.
func routerConfig(cfg *config.Config) router.Config {
	models := make([]router.Model, 0, len(cfg.Models.Catalog))
	for _, m := range cfg.Models.Catalog {
		models = append(models, router.Model{
			Name:     m.Name,
			Provider: m.Provider,
			Rankings: m.Rankings,
		})
	}

	enabled := []string{}
	for _, name := range []string{config.ProviderOllama, config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGemini} {
		if cfg.ProviderConfigured(name) {
			enabled = append(enabled, name)
		}
	}

	return router.Config{
		Models:         models,
		DefaultCascade: cfg.Models.DefaultCascade,
		Enabled:        enabled,
	}
}

// coordinatorConfig maps the file configuration onto a coordinator's.
func coordinatorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Persona:            cfg.Persona,
		ClassifierModel:    cfg.Models.Roles.Classifier,
		RecallK:            cfg.Memory.RecallK,
		HistoryWindow:      cfg.Generation.HistoryWindow,
		ContextThreshold:   cfg.Contextualizer.Threshold,
		WorkbenchThreshold: cfg.Workbench.Threshold,
		WorkbenchMaxBlocks: cfg.Workbench.MaxBlocks,
		Cascade: router.CascadeConfig{
			MaxRounds:      cfg.Generation.MaxRounds,
			UnlockInterval: cfg.Generation.UnlockInterval,
			CallTimeout:    cfg.Generation.CallTimeout,
		},
		Archive: archive.Config{
			SegmenterModel:  cfg.Models.Roles.Segmenter,
			SummarizerModel: cfg.Models.Roles.Summarizer,
			TaggerModel:     cfg.Models.Roles.Tagger,
			CallTimeout:     cfg.Archive.CallTimeout,
			QueueSize:       cfg.Archive.QueueSize,
		},
	}
}

// openUserData opens the shared history and facts database.
func openUserData(cfg *config.Config, logger *slog.Logger) (*userdata.Store, error) {
	return userdata.Open(filepath.Join(cfg.DataDir, "users.db"), logger)
}
