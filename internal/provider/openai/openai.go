// Package openai is a concrete ModelProvider (§6.2) backed by
// github.com/sashabaranov/go-openai, grounded on the teacher's
// OpenAICompletionExecutor (internal/application/executor/node_executors.go):
// same client construction, same latency measurement, same
// retryable-on-error classification, extended to carry tool calls and a
// JSON-schema response format for cell.output_schema.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smilemakc/cascade/internal/provider"
)

// Pricing gives a per-model $/1K-token rate, used to compute Usage.Cost
// since the OpenAI API reports token counts but not dollar cost.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Provider adapts an OpenAI chat client to the ModelProvider contract.
type Provider struct {
	client  *openai.Client
	pricing map[string]Pricing
}

// New creates a Provider. pricing may be nil, in which case Usage.Cost is
// always 0 (cost attribution then degrades gracefully, per §4.10's handling
// of missing baselines).
func New(apiKey string, pricing map[string]Pricing) *Provider {
	return &Provider{client: openai.NewClient(apiKey), pricing: pricing}
}

func (p *Provider) Chat(ctx context.Context, messages []provider.Message, tools []provider.ToolSpec, opts provider.Options) (provider.Response, error) {
	req := openai.ChatCompletionRequest{
		Model:       opts.Model,
		Temperature: float32(opts.Temperature),
		Messages:    toOpenAIMessages(messages),
	}
	if opts.MaxTokens > 0 {
		req.MaxCompletionTokens = opts.MaxTokens
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}
	if opts.ResponseSchema != nil {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "cell_output",
				Schema: jsonSchemaDef(opts.ResponseSchema),
				Strict: true,
			},
		}
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	latency := time.Since(start)

	if err != nil {
		msg := fmt.Sprintf("openai: chat completion error after %s: %v", latency, err)
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return provider.Response{}, errors.New(msg) // 4xx other than rate limiting: permanent
		}
		return provider.Response{}, provider.NewTransientError(msg)
	}
	if len(resp.Choices) == 0 {
		return provider.Response{}, fmt.Errorf("openai: returned no choices")
	}

	choice := resp.Choices[0]
	out := provider.Response{
		Content: strings.TrimSpace(choice.Message.Content),
		Usage: provider.Usage{
			TokensIn:  resp.Usage.PromptTokens,
			TokensOut: resp.Usage.CompletionTokens,
			Cost:      p.cost(opts.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func (p *Provider) cost(model string, tokensIn, tokensOut int) float64 {
	if p.pricing == nil {
		return 0
	}
	rate, ok := p.pricing[model]
	if !ok {
		return 0
	}
	return float64(tokensIn)/1000*rate.InputPer1K + float64(tokensOut)/1000*rate.OutputPer1K
}

func toOpenAIMessages(messages []provider.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}

func toOpenAITools(tools []provider.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return out
}

func jsonSchemaDef(schema map[string]any) json.Marshaler {
	return rawSchema(schema)
}

type rawSchema map[string]any

func (r rawSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any(r))
}
