// Package bedrock provides a completion provider backed by the AWS Bedrock
// Converse API, which fronts Anthropic Claude, Amazon Nova, Meta Llama and
// other hosted chat models behind one request shape.
package bedrock

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/MrWong99/aimemory/pkg/provider/llm"
)

// DefaultModel is the inference profile used when none is configured.
const DefaultModel = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"

var _ llm.Provider = (*Provider)(nil)

// ConverseAPI is the subset of [bedrockruntime.Client] used by Provider.
type ConverseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Provider implements llm.Provider using Bedrock Converse.
type Provider struct {
	client ConverseAPI
	model  string
}

type config struct {
	region string
	client ConverseAPI
}

// Option is a functional option for Provider.
type Option func(*config)

// WithRegion overrides the AWS region from the environment.
func WithRegion(region string) Option {
	return func(c *config) { c.region = region }
}

// WithClient injects a pre-built client, bypassing AWS config loading.
func WithClient(client ConverseAPI) Option {
	return func(c *config) { c.client = client }
}

// New constructs a Bedrock completion Provider. If model is empty,
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
			return nil, fmt.Errorf("bedrock llm: load aws config: %w", err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}
	return &Provider{client: client, model: model}, nil
}

// Complete implements llm.Provider. Text blocks of the reply are joined with
// a single space.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	in, err := p.buildInput(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock llm: %w", err)
	}

	out, err := p.client.Converse(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("bedrock llm: converse: %w", err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, fmt.Errorf("bedrock llm: unexpected output type %T", out.Output)
	}
	var parts []string
	for _, block := range msg.Value.Content {
		if text, ok := block.(*types.ContentBlockMemberText); ok {
			parts = append(parts, text.Value)
		}
	}

	resp := &llm.CompletionResponse{
		Content:      strings.Join(parts, " "),
		FinishReason: string(out.StopReason),
	}
	if u := out.Usage; u != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(aws.ToInt32(u.InputTokens)),
			CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
		}
	}
	return resp, nil
}

// ModelID implements llm.Provider.
func (p *Provider) ModelID() string { return p.model }

func (p *Provider) buildInput(req llm.CompletionRequest) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}

	in := &bedrockruntime.ConverseInput{ModelId: aws.String(p.model)}

	system := req.SystemPrompt
	for _, m := range req.Messages {
		var role types.ConversationRole
		switch m.Role {
		case llm.RoleSystem:
			// Converse has no system role inside Messages.
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		case llm.RoleUser:
			role = types.ConversationRoleUser
		case llm.RoleAssistant:
			role = types.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
		in.Messages = append(in.Messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if len(in.Messages) == 0 {
		return nil, fmt.Errorf("request has no user or assistant messages")
	}
	if system != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	if req.Temperature != 0 || req.MaxTokens > 0 {
		inf := &types.InferenceConfiguration{}
		if req.Temperature != 0 {
			inf.Temperature = aws.Float32(float32(req.Temperature))
		}
		if req.MaxTokens > 0 {
			inf.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		in.InferenceConfig = inf
	}
	return in, nil
}
