package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/aimemory/internal/observe"
	"github.com/MrWong99/aimemory/internal/resilience"
	"github.com/MrWong99/aimemory/pkg/provider/llm"
)

// DefaultCompletionTimeout bounds one Summarize call including retries.
const DefaultCompletionTimeout = 30 * time.Second

// groupPrompt is the system prompt used to condense a group of memories into
// their parent summary.
const groupPrompt = `You condense memories of a long-running conversation with one user.
Write a single short paragraph that preserves every concrete fact, preference,
decision and name from the numbered memories below. Be specific and concise.
Do not add information that is not present. Reply with the summary only.`

// contextPrompt is the system prompt used to summarise retrieved context for
// a query.
const contextPrompt = `You are given memories retrieved for a question.
Write a brief structured summary covering:
1. Main topics discussed
2. Key facts, preferences and decisions
3. Open questions or follow-ups
Only use the supplied memories. Be concise.`

// rejectReasons are provider finish reasons that signal a refusal.
var rejectReasons = map[string]bool{
	"content_filter":       true,
	"guardrail_intervened": true,
	"refusal":              true,
}

// Summariser produces parent summaries through an [llm.Provider].
type Summariser struct {
	provider    llm.Provider
	timeout     time.Duration
	temperature float64
	maxTokens   int
	retry       resilience.RetryConfig
	metrics     *observe.Metrics
}

// SummariserOption configures a [Summariser].
type SummariserOption func(*Summariser)

// WithCompletionTimeout bounds each call including retries.
func WithCompletionTimeout(d time.Duration) SummariserOption {
	return func(s *Summariser) { s.timeout = d }
}

// WithTemperature sets the sampling temperature. Default: 0.3.
func WithTemperature(t float64) SummariserOption {
	return func(s *Summariser) { s.temperature = t }
}

// WithMaxTokens caps the summary length. Zero leaves it to the provider.
func WithMaxTokens(n int) SummariserOption {
	return func(s *Summariser) { s.maxTokens = n }
}

// WithCompletionRetry overrides the retry policy.
func WithCompletionRetry(cfg resilience.RetryConfig) SummariserOption {
	return func(s *Summariser) { s.retry = cfg }
}

// WithSummariserMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithSummariserMetrics(m *observe.Metrics) SummariserOption {
	return func(s *Summariser) { s.metrics = m }
}

// NewSummariser wraps p.
func NewSummariser(p llm.Provider, opts ...SummariserOption) *Summariser {
	s := &Summariser{
		provider:    p,
		timeout:     DefaultCompletionTimeout,
		temperature: 0.3,
		retry:       resilience.RetryConfig{MaxAttempts: 3},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.retry.Retryable = retryable
	return s
}

// Summarize condenses contents, in order, into one text. It never returns an
// empty string without an error.
func (s *Summariser) Summarize(ctx context.Context, contents []string) (string, error) {
	if len(contents) == 0 {
		return "", fmt.Errorf("gateway: summarize: no contents")
	}
	var sb strings.Builder
	for i, c := range contents {
		fmt.Fprintf(&sb, "[%d]: %s\n", i+1, strings.TrimSpace(c))
	}
	return s.complete(ctx, "summarize", groupPrompt, sb.String())
}

// SummarizeContext summarises the context assembled for query.
func (s *Summariser) SummarizeContext(ctx context.Context, query, assembled string) (string, error) {
	if strings.TrimSpace(assembled) == "" {
		return "", fmt.Errorf("gateway: summarize context: empty context")
	}
	prompt := fmt.Sprintf("Question: %s\n\nMemories:\n%s", query, assembled)
	return s.complete(ctx, "summarize_context", contextPrompt, prompt)
}

// ModelID reports the provider's model.
func (s *Summariser) ModelID() string { return s.provider.ModelID() }

func (s *Summariser) complete(ctx context.Context, op, system, user string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req := llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: user}},
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	}

	start := time.Now()
	text, err := resilience.Retry(ctx, s.retry, op, func(ctx context.Context) (string, error) {
		resp, err := s.provider.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		if rejectReasons[strings.ToLower(resp.FinishReason)] {
			return "", &rejectedError{reason: resp.FinishReason}
		}
		text := strings.TrimSpace(resp.Content)
		if text == "" {
			return "", &rejectedError{reason: "empty completion"}
		}
		return text, nil
	})
	s.metrics.RecordGatewayCall(ctx, "complete", time.Since(start), err)
	if err != nil {
		err = Classify(err)
		s.metrics.RecordGatewayError(ctx, "complete", kind(err))
		slog.Debug("gateway: completion failed", "op", op, "model", s.provider.ModelID(), "error", err)
		return "", fmt.Errorf("gateway: %s: %w", op, err)
	}
	return text, nil
}
