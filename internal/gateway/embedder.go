package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/internal/resilience"
	"github.com/MrWong99/aimemory/pkg/provider/embeddings"
)

// Default embedder settings.
const (
	DefaultEmbedTimeout  = 2 * time.Second
	DefaultMaxEmbedChars = 8000
)

// Embedder converts text to vectors through an [embeddings.Provider].
type Embedder struct {
	provider embeddings.Provider
	timeout  time.Duration
	maxChars int
	retry    resilience.RetryConfig
	metrics  *observe.Metrics
}

// EmbedderOption configures an [Embedder].
type EmbedderOption func(*Embedder)

// WithEmbedTimeout bounds each Embed call including retries.
func WithEmbedTimeout(d time.Duration) EmbedderOption {
	return func(e *Embedder) { e.timeout = d }
}

// WithMaxEmbedChars truncates input to n runes before it is sent. Zero
// disables truncation.
func WithMaxEmbedChars(n int) EmbedderOption {
	return func(e *Embedder) { e.maxChars = n }
}

// WithEmbedRetry overrides the retry policy.
func WithEmbedRetry(cfg resilience.RetryConfig) EmbedderOption {
	return func(e *Embedder) { e.retry = cfg }
}

// WithEmbedMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithEmbedMetrics(m *observe.Metrics) EmbedderOption {
	return func(e *Embedder) { e.metrics = m }
}

// NewEmbedder wraps p.
func NewEmbedder(p embeddings.Provider, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		provider: p,
		timeout:  DefaultEmbedTimeout,
		maxChars: DefaultMaxEmbedChars,
		retry:    resilience.RetryConfig{MaxAttempts: 2, InitialInterval: 50 * time.Millisecond},
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.retry.Retryable = retryable
	return e
}

// Embed returns the vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.call(ctx, []string{text}, func(ctx context.Context, texts []string) ([][]float32, error) {
		v, err := e.provider.Embed(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{v}, nil
	})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text in input order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.call(ctx, texts, e.provider.EmbedBatch)
}

// Dimensions reports the provider's vector size.
func (e *Embedder) Dimensions() int { return e.provider.Dimensions() }

// ModelID reports the provider's model.
func (e *Embedder) ModelID() string { return e.provider.ModelID() }

func (e *Embedder) call(ctx context.Context, texts []string, fn func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	in := make([]string, len(texts))
	for i, t := range texts {
		in[i] = truncate(t, e.maxChars)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	vecs, err := resilience.Retry(ctx, e.retry, "embed", func(ctx context.Context) ([][]float32, error) {
		vecs, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(in) {
			return nil, fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), len(in))
		}
		for i, v := range vecs {
			if len(v) == 0 {
				return nil, fmt.Errorf("provider returned an empty vector at index %d", i)
			}
		}
		return vecs, nil
	})
	e.metrics.RecordGatewayCall(ctx, "embed", time.Since(start), err)
	if err != nil {
		err = Classify(err)
		e.metrics.RecordGatewayError(ctx, "embed", kind(err))
		slog.Debug("gateway: embed failed", "model", e.provider.ModelID(), "inputs", len(in), "error", err)
		return nil, fmt.Errorf("gateway: embed: %w", err)
	}
	return vecs, nil
}

// truncate cuts s to at most n runes. n <= 0 means no limit.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
