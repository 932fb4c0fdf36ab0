// Package bedrock provides an embeddings provider backed by Amazon Titan text
// embedding models on AWS Bedrock.
//
// Credentials and region are resolved through the standard AWS SDK chain
// (environment, shared config, instance role). Titan exposes no batch
// endpoint, so EmbedBatch issues one InvokeModel call per text.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/MrWong99/aimemory/pkg/provider/embeddings"
)

// DefaultModel is the Titan model used when none is configured.
const DefaultModel = "amazon.titan-embed-text-v1"

// maxWords bounds the input length. Titan rejects inputs above roughly 8k
// tokens; whitespace words are a cheap over-estimate.
const maxWords = 8000

var _ embeddings.Provider = (*Provider)(nil)

// InvokeModelAPI is the subset of [bedrockruntime.Client] used by Provider.
type InvokeModelAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements embeddings.Provider using Bedrock InvokeModel.
type Provider struct {
	client     InvokeModelAPI
	model      string
	dimensions int
}

type config struct {
	region     string
	client     InvokeModelAPI
	dimensions int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithRegion overrides the AWS region from the environment.
func WithRegion(region string) Option {
	return func(c *config) { c.region = region }
}

// WithClient injects a pre-built Bedrock client, bypassing AWS config
// loading.
func WithClient(client InvokeModelAPI) Option {
	return func(c *config) { c.client = client }
}

// WithDimensions requests shortened vectors from Titan v2 (256, 512 or 1024).
// Ignored by v1.
func WithDimensions(dims int) Option {
	return func(c *config) { c.dimensions = dims }
}

// New constructs a Bedrock embeddings Provider. If model is empty,
// DefaultModel is used.
func New(ctx context.Context, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	client := cfg.client
	if client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("bedrock embeddings: load aws config: %w", err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{client: client, model: model, dimensions: cfg.dimensions}, nil
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize,omitempty"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("bedrock embeddings: input text must not be empty")
	}
	if words := strings.Fields(text); len(words) > maxWords {
		text = strings.Join(words[:maxWords], " ")
	}

	req := titanRequest{InputText: text}
	if p.isV2() {
		req.Dimensions = p.dimensions
		req.Normalize = true
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock embeddings: marshal request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock embeddings: invoke model: %w", err)
	}

	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("bedrock embeddings: decode response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("bedrock embeddings: empty embedding in response")
	}
	return resp.Embedding, nil
}

// EmbedBatch implements embeddings.Provider sequentially.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	switch {
	case p.isV2() && p.dimensions > 0:
		return p.dimensions
	case p.isV2():
		return 1024
	default:
		return 1536
	}
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

func (p *Provider) isV2() bool {
	return strings.Contains(p.model, "titan-embed-text-v2")
}
