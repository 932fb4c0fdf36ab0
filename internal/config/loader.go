package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "bedrock", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
	"embeddings": {"openai", "ollama", "bedrock", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills the zero values that select a mode. Policy knob
// defaults are applied when the knobs are converted (see
// [EngineConfig.ScoringPolicy] and friends).
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Events.Sink == "" {
		cfg.Events.Sink = SinkSlog
	}
	if cfg.Events.AppName == "" {
		cfg.Events.AppName = "aimemory"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Store
	switch {
	case !cfg.Store.Backend.IsValid():
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Backend))
	case cfg.Store.Backend != StoreMemory && cfg.Store.DSN == "":
		errs = append(errs, fmt.Errorf("store.dsn is required for backend %q", cfg.Store.Backend))
	}
	if cfg.Store.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("store.embedding_dimensions must be >= 0, got %d", cfg.Store.EmbeddingDimensions))
	}
	if cfg.Store.Cache.MaxNodes < 0 {
		errs = append(errs, fmt.Errorf("store.cache.max_nodes must be >= 0, got %d", cfg.Store.Cache.MaxNodes))
	}

	// Providers
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.EmbeddingsFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.embeddings_fallbacks[%d].name is required", i))
		}
		validateProviderName("embeddings", fb.Name)
	}
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.LLMFallbacks) > 0 {
			errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm"))
		}
		slog.Warn("providers.llm is not configured; open groups will never be summarised")
	}
	if cfg.Providers.Embeddings.Name == "" {
		if len(cfg.Providers.EmbeddingsFallbacks) > 0 {
			errs = append(errs, errors.New("providers.embeddings_fallbacks requires providers.embeddings"))
		}
		slog.Warn("providers.embeddings is not configured; retrieval is lexical only")
	}

	// Engine
	errs = append(errs, validateEngine(&cfg.Engine)...)

	// Maintenance
	if cfg.Maintenance.Interval < 0 {
		errs = append(errs, fmt.Errorf("maintenance.interval must be >= 0, got %s", cfg.Maintenance.Interval))
	}
	if cfg.Maintenance.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("maintenance.concurrency must be >= 0, got %d", cfg.Maintenance.Concurrency))
	}

	// Events
	switch cfg.Events.Sink {
	case SinkHTTP:
		if cfg.Events.URL == "" {
			errs = append(errs, errors.New("events.url is required for the http sink"))
		}
	case SinkEventBridge:
		if cfg.Events.BusName == "" {
			errs = append(errs, errors.New("events.bus_name is required for the eventbridge sink"))
		}
	case SinkNone, SinkSlog:
	default:
		errs = append(errs, fmt.Errorf("events.sink %q is invalid; valid values: none, slog, http, eventbridge", cfg.Events.Sink))
	}
	if cfg.Events.BufferSize < 0 || cfg.Events.BatchSize < 0 {
		errs = append(errs, errors.New("events.buffer_size and events.batch_size must be >= 0"))
	}

	// Resilience
	r := cfg.Resilience
	if r.MaxFailures < 0 || r.HalfOpenMax < 0 || r.RetryAttempts < 0 {
		errs = append(errs, errors.New("resilience counts must be >= 0"))
	}

	return errors.Join(errs...)
}

// validateEngine converts the knobs to their runtime policies and collects
// the policies' own validation errors.
func validateEngine(e *EngineConfig) []error {
	var errs []error
	if e.Fanout != 0 && e.Fanout < 2 {
		errs = append(errs, fmt.Errorf("engine.fanout must be >= 2, got %d", e.Fanout))
	}
	if err := e.ScoringPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if p := e.PrunePolicy(); p.Threshold < 0 || p.MaxNodesPerUser < 0 {
		errs = append(errs, errors.New("engine.prune_threshold and engine.max_nodes_per_user must be >= 0"))
	}
	if err := e.RetrievalConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := e.Filter().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if e.EmbedTimeout < 0 || e.CompletionTimeout < 0 {
		errs = append(errs, errors.New("engine.embed_timeout and engine.completion_timeout must be >= 0"))
	}
	if e.MaxEmbedChars < 0 || e.EmbedWorkers < 0 {
		errs = append(errs, errors.New("engine.max_embed_chars and engine.embed_workers must be >= 0"))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
