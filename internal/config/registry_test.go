package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/aimemory/internal/config"
	"github.com/MrWong99/aimemory/pkg/provider/embeddings"
	embmock "github.com/MrWong99/aimemory/pkg/provider/embeddings/mock"
	"github.com/MrWong99/aimemory/pkg/provider/llm"
	llmmock "github.com/MrWong99/aimemory/pkg/provider/llm/mock"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	if _, err := r.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}

	var seen config.ProviderEntry
	r.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		seen = e
		return &llmmock.Provider{}, nil
	})
	r.RegisterEmbeddings("mock", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{}, nil
	})
	r.RegisterEmbeddings("alt", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{}, nil
	})

	if _, err := r.CreateLLM(config.ProviderEntry{Name: "mock", Model: "m1"}); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if seen.Model != "m1" {
		t.Errorf("factory saw %+v", seen)
	}
	if _, err := r.CreateEmbeddings(config.ProviderEntry{Name: "mock"}); err != nil {
		t.Fatalf("CreateEmbeddings: %v", err)
	}
	if got := r.Names("embeddings"); !slices.Equal(got, []string{"alt", "mock"}) {
		t.Errorf("Names = %v", got)
	}
}
