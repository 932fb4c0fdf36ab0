// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to a dense float32 vector (OpenAI
// text-embedding-3, a local Ollama model, Amazon Titan on Bedrock, …). The
// memory engine embeds every node's content for semantic retrieval and embeds
// each query at retrieval time. Providers are wrapped by the engine's
// embedding gateway, which adds timeouts, retries, and truncation; providers
// themselves pass text through verbatim.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider share the same dimensionality
// (returned by Dimensions). Vectors from different models must never be
// compared, so switching models requires re-embedding stored nodes.
type Provider interface {
	// Embed computes the embedding vector for a single text string.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for texts in as few provider calls
	// as possible. The i-th result corresponds to texts[i]. On error the whole
	// result is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}
