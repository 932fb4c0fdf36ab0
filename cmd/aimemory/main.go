// Command aimemory runs the hierarchical memory engine daemon: it opens the
// configured store, wires the embedding and completion providers, drives
// background maintenance and serves health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/aimemory/internal/app"
	"github.com/MrWong99/aimemory/internal/config"
	"github.com/MrWong99/aimemory/internal/health"
	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/internal/resilience"
	"github.com/MrWong99/aimemory/pkg/memory"
	"github.com/MrWong99/aimemory/pkg/provider/embeddings"
	bedrockembed "github.com/MrWong99/aimemory/pkg/provider/embeddings/bedrock"
	ollamaembed "github.com/MrWong99/aimemory/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/aimemory/pkg/provider/embeddings/openai"
	"github.com/MrWong99/aimemory/pkg/provider/llm"
	"github.com/MrWong99/aimemory/pkg/provider/llm/anyllm"
	bedrockllm "github.com/MrWong99/aimemory/pkg/provider/llm/bedrock"
	oaillm "github.com/MrWong99/aimemory/pkg/provider/llm/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "aimemory.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aimemory: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aimemory: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(cfg.Server.LogFormat, &level))

	slog.Info("aimemory starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"store", cfg.Store.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "error", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithMetrics(tel.Metrics))
	if err != nil {
		slog.Error("failed to initialise application", "error", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, newCfg *config.Config) {
		diff, err := application.ApplyConfig(newCfg)
		if err != nil {
			slog.Error("config reload rejected", "error", err)
			return
		}
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
		}
		if diff.Changed() {
			slog.Info("config reloaded", "restart_required", diff.RestartRequired)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "error", err)
	}

	// ── HTTP listener ─────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	health.New(application.Checkers()...).Register(mux)
	mux.Handle("GET /metrics", tel.Handler)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(tel.Metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	slog.Info("server ready, press Ctrl+C to shut down")

	runCtx, cancelRun := context.WithCancel(ctx)
	go func() {
		if err, ok := <-srvErr; ok && err != nil {
			slog.Error("http listener failed", "error", err)
			cancelRun()
		}
	}()
	if err := application.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "error", err)
	}
	cancelRun()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if watcher != nil {
		watcher.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "error", err)
	}

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		code = 1
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// AWS backends resolve credentials with ctx.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// Every any-llm backend shares the same pattern: optional APIKey plus
	// optional BaseURL. openai is registered natively below.
	for _, providerName := range anyllm.Providers {
		if providerName == "openai" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			// ollama is a local server; an API key is never sent.
			if entry.APIKey != "" && providerName != "ollama" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("bedrock", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []bedrockllm.Option
		if entry.Region != "" {
			opts = append(opts, bedrockllm.WithRegion(entry.Region))
		}
		return bedrockllm.New(ctx, entry.Model, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if entry.Dimensions > 0 {
			opts = append(opts, oaembed.WithDimensions(entry.Dimensions))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if entry.Dimensions > 0 {
			opts = append(opts, ollamaembed.WithDimensions(entry.Dimensions))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("bedrock", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []bedrockembed.Option
		if entry.Region != "" {
			opts = append(opts, bedrockembed.WithRegion(entry.Region))
		}
		if entry.Dimensions > 0 {
			opts = append(opts, bedrockembed.WithDimensions(entry.Dimensions))
		}
		return bedrockembed.New(ctx, entry.Model, opts...)
	})

	for _, kind := range []string{"llm", "embeddings"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg and wraps each kind
// in a circuit-breaking fallback group.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	fb := fallbackConfig(cfg.Resilience)

	if entry := cfg.Providers.Embeddings; entry.Name != "" {
		primary, err := reg.CreateEmbeddings(entry)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", entry.Name, err)
		}
		group := resilience.NewEmbeddingsFallback(primary, entry.Name, fb)
		for _, fe := range cfg.Providers.EmbeddingsFallbacks {
			p, err := reg.CreateEmbeddings(fe)
			if err != nil {
				return nil, fmt.Errorf("create embeddings fallback %q: %w", fe.Name, err)
			}
			group.AddFallback(fe.Name, p)
		}
		ps.Embeddings = group
		ps.EmbeddingsStates = group.States
		slog.Info("provider created", "kind", "embeddings", "name", entry.Name,
			"fallbacks", len(cfg.Providers.EmbeddingsFallbacks))
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		primary, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		group := resilience.NewLLMFallback(primary, entry.Name, fb)
		for _, fe := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(fe)
			if err != nil {
				return nil, fmt.Errorf("create llm fallback %q: %w", fe.Name, err)
			}
			group.AddFallback(fe.Name, p)
		}
		ps.LLM = group
		ps.LLMStates = group.States
		slog.Info("provider created", "kind", "llm", "name", entry.Name,
			"fallbacks", len(cfg.Providers.LLMFallbacks))
	}

	return ps, nil
}

// fallbackConfig maps the resilience section onto a breaker template.
// Rejected content would be rejected by every backend, so it is not retried
// on the next one.
func fallbackConfig(rc config.ResilienceConfig) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  rc.MaxFailures,
			ResetTimeout: rc.ResetTimeout,
			HalfOpenMax:  rc.HalfOpenMax,
		},
		Permanent: func(err error) bool { return errors.Is(err, memory.ErrContentRejected) },
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        aimemory startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Store", string(cfg.Store.Backend))
	printRow("Embeddings", providerLabel(cfg.Providers.Embeddings))
	printRow("LLM", providerLabel(cfg.Providers.LLM))
	printRow("Fanout", fmt.Sprint(cfg.Engine.FanoutOrDefault()))
	printRow("Events", string(cfg.Events.Sink))
	if cfg.Maintenance.Disabled {
		printRow("Maintenance", "(disabled)")
	} else {
		printRow("Maintenance", "enabled")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	switch {
	case e.Name == "":
		return "(not configured)"
	case e.Model != "":
		return e.Name + " / " + e.Model
	default:
		return e.Name
	}
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
