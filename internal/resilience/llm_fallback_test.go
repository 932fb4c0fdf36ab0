package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/aimemory/pkg/provider/embeddings/mock"
	"github.com/MrWong99/aimemory/pkg/provider/llm"
	llmmock "github.com/MrWong99/aimemory/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete(t *testing.T) {
	primary := &llmmock.Provider{Model: "p", CompleteErr: errTest}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Fatalf("content = %q", resp.Content)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}
	if fb.ModelID() != "p" {
		t.Errorf("ModelID() = %q, want primary's", fb.ModelID())
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	fb := NewLLMFallback(&llmmock.Provider{CompleteErr: errTest}, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &llmmock.Provider{CompleteErr: errTest})
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestEmbeddingsFallback(t *testing.T) {
	primary := &mock.Provider{Err: errTest, DimensionsValue: 4, ModelIDValue: "p"}
	secondary := &mock.Provider{EmbedResult: []float32{1, 2, 3, 4}}

	fb := NewEmbeddingsFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	v, err := fb.Embed(context.Background(), "x")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 4 {
		t.Fatalf("len = %d, want 4", len(v))
	}
	if primary.EmbedCallCount() != 1 || secondary.EmbedCallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.EmbedCallCount(), secondary.EmbedCallCount())
	}
	if fb.Dimensions() != 4 || fb.ModelID() != "p" {
		t.Errorf("Dimensions/ModelID = %d/%q, want primary's", fb.Dimensions(), fb.ModelID())
	}

	vecs, err := fb.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("len = %d, want 2", len(vecs))
	}
}
