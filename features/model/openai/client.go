// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates kernel requests into streaming chat
// completion calls using github.com/openai/openai-go and maps chunk deltas
// back into generic model chunks.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/protofab/protofab/runtime/forge/model"
)

type (
	// CompletionsClient captures the subset of the OpenAI SDK client used by
	// the adapter. It is satisfied by *sdk.ChatCompletionService so callers
	// can pass either a real client or a mock in tests.
	CompletionsClient interface {
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is the model identifier used when model.Request.Model
		// is empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client via the OpenAI Chat Completions API.
	Client struct {
		chat         CompletionsClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

// New builds an OpenAI-backed model client from the provided completions
// client and configuration options.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel, MaxTokens: 8192})
}

// Stream invokes Chat.Completions.NewStreaming and adapts chunk deltas into
// model.Chunks. Provider failures surface as *model.ProviderError.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapProviderError("chat.completions.stream", err)
	}
	return newOpenAIStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req model.Request) (*sdk.ChatCompletionNewParams, error) {
	if req.UserMessage == "" {
		return nil, errors.New("openai: user message is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	messages = append(messages, sdk.UserMessage(req.UserMessage))

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(modelID),
		Messages: messages,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if maxTokens := c.effectiveMaxTokens(req.MaxTokens); maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	if t := c.effectiveTemperature(req.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return &params, nil
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float64) float64 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

func encodeTools(defs []model.ToolDefinition) ([]sdk.ChatCompletionToolParam, error) {
	tools := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		if def.Description == "" {
			return nil, fmt.Errorf("openai: tool %q is missing description", def.Name)
		}
		fn := sdk.FunctionDefinitionParam{
			Name:        def.Name,
			Description: sdk.String(def.Description),
		}
		if len(def.InputSchema) > 0 {
			var params sdk.FunctionParameters
			if err := json.Unmarshal(def.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("openai: tool %q schema: %w", def.Name, err)
			}
			fn.Parameters = params
		}
		// Type elides to "function", the only tool type the API accepts.
		tools = append(tools, sdk.ChatCompletionToolParam{Function: fn})
	}
	if len(tools) == 0 {
		return nil, nil
	}
	return tools, nil
}

// wrapProviderError maps an SDK failure to *model.ProviderError, preserving
// the HTTP status for transient classification.
func wrapProviderError(operation string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return model.NewProviderError("openai", operation, apiErr.StatusCode, "", apiErr.Error(), retryableStatus(apiErr.StatusCode), err)
	}
	return model.NewProviderError("openai", operation, 0, "", err.Error(), false, err)
}

func retryableStatus(status int) bool {
	switch status {
	case 408, 409, 425, 429:
		return true
	}
	return status >= 500
}
