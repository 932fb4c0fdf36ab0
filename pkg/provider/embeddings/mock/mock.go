// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return deterministic vectors without a live model and to
// verify which texts were submitted. [HashEmbed] gives a cheap bag-of-words
// embedder whose cosine similarity tracks word overlap, which is enough to
// exercise semantic ranking in tests.
//
// Example:
//
//	p := &mock.Provider{EmbedFunc: mock.HashEmbed(16)}
//	vec, _ := p.Embed(ctx, "hello world")
package mock

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/aimemory/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider. Exported fields
// must be set before the mock is shared between goroutines.
type Provider struct {
	// EmbedFunc computes the vector for a text. When nil, EmbedResult is
	// returned for every text.
	EmbedFunc func(text string) ([]float32, error)

	// EmbedResult is returned when EmbedFunc is nil.
	EmbedResult []float32

	// Err, if non-nil, fails every call.
	Err error

	// Delay blocks each call for the given duration or until ctx is done.
	Delay time.Duration

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	mu         sync.Mutex
	texts      []string
	embedCalls int
	batchCalls int
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.embedCalls++
	p.texts = append(p.texts, text)
	p.mu.Unlock()
	return p.embed(ctx, text)
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.batchCalls++
	p.texts = append(p.texts, texts...)
	p.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p *Provider) embed(ctx context.Context, text string) ([]float32, error) {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	return p.EmbedResult, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.ModelIDValue }

// EmbedCallCount returns how many times Embed was called.
func (p *Provider) EmbedCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedCalls
}

// EmbedBatchCallCount returns how many times EmbedBatch was called.
func (p *Provider) EmbedBatchCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batchCalls
}

// Texts returns every text submitted so far, in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = nil
	p.embedCalls = 0
	p.batchCalls = 0
}

// HashEmbed returns an EmbedFunc that hashes every lower-cased word of the
// text into one of dims buckets. Texts sharing words get positive cosine
// similarity; texts sharing none usually get zero.
func HashEmbed(dims int) func(string) ([]float32, error) {
	return func(text string) ([]float32, error) {
		v := make([]float32, dims)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			w = strings.Trim(w, ".,!?;:\"'")
			if w == "" {
				continue
			}
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			v[h.Sum32()%uint32(dims)]++
		}
		return v, nil
	}
}
