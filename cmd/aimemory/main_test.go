package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/MrWong99/aimemory/internal/config"
	"github.com/MrWong99/aimemory/pkg/memory"
	"github.com/MrWong99/aimemory/pkg/provider/embeddings"
	embmock "github.com/MrWong99/aimemory/pkg/provider/embeddings/mock"
	"github.com/MrWong99/aimemory/pkg/provider/llm"
	llmmock "github.com/MrWong99/aimemory/pkg/provider/llm/mock"
)

func mockRegistry(backends map[string]*embmock.Provider, llms map[string]*llmmock.Provider) *config.Registry {
	reg := config.NewRegistry()
	for name, p := range backends {
		reg.RegisterEmbeddings(name, func(config.ProviderEntry) (embeddings.Provider, error) { return p, nil })
	}
	for name, p := range llms {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) { return p, nil })
	}
	return reg
}

func TestBuildProviders_FallbackOrder(t *testing.T) {
	t.Parallel()

	primary := &embmock.Provider{Err: errors.New("down"), DimensionsValue: 3}
	backup := &embmock.Provider{EmbedResult: []float32{1, 2, 3}, DimensionsValue: 3}
	summariser := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	reg := mockRegistry(
		map[string]*embmock.Provider{"primary": primary, "backup": backup},
		map[string]*llmmock.Provider{"local": summariser},
	)

	cfg := &config.Config{Providers: config.ProvidersConfig{
		Embeddings:          config.ProviderEntry{Name: "primary"},
		EmbeddingsFallbacks: []config.ProviderEntry{{Name: "backup"}},
		LLM:                 config.ProviderEntry{Name: "local"},
	}}
	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}

	vec, err := ps.Embeddings.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("len(vec) = %d, want 3", len(vec))
	}
	if primary.EmbedCallCount() != 1 || backup.EmbedCallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.EmbedCallCount(), backup.EmbedCallCount())
	}
	if n := len(ps.EmbeddingsStates()); n != 2 {
		t.Errorf("embeddings states = %d, want 2", n)
	}
	if n := len(ps.LLMStates()); n != 1 {
		t.Errorf("llm states = %d, want 1", n)
	}
	if _, err := ps.LLM.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Errorf("Complete: %v", err)
	}
}

func TestBuildProviders_Unconfigured(t *testing.T) {
	t.Parallel()

	ps, err := buildProviders(&config.Config{}, config.NewRegistry())
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.Embeddings != nil || ps.LLM != nil {
		t.Errorf("providers = %+v, want empty", ps)
	}
}

func TestBuildProviders_UnknownName(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Providers: config.ProvidersConfig{
		LLM: config.ProviderEntry{Name: "nope"},
	}}
	_, err := buildProviders(cfg, config.NewRegistry())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestFallbackConfig_RejectedIsPermanent(t *testing.T) {
	t.Parallel()

	fb := fallbackConfig(config.ResilienceConfig{MaxFailures: 2})
	if fb.CircuitBreaker.MaxFailures != 2 {
		t.Errorf("MaxFailures = %d, want 2", fb.CircuitBreaker.MaxFailures)
	}
	if !fb.Permanent(fmt.Errorf("wrap: %w", memory.ErrContentRejected)) {
		t.Error("rejected content must not fall through to the next provider")
	}
	if fb.Permanent(memory.ErrUnavailable) {
		t.Error("unavailable must fall through")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			if got := slogLevel(tt.in); got != tt.want {
				t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestOptString(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"organization": "org-1", "n": 3}
	if got := optString(opts, "organization"); got != "org-1" {
		t.Errorf("got %q", got)
	}
	if got := optString(opts, "n"); got != "" {
		t.Errorf("non-string value: got %q", got)
	}
	if got := optString(nil, "x"); got != "" {
		t.Errorf("nil map: got %q", got)
	}
}
