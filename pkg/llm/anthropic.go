package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicClient implements Client on the Anthropic Messages API. The SDK
// handles retries and rate limiting itself.
type AnthropicClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
	logger    *slog.Logger
}

// NewAnthropicClient creates an Anthropic completion client.
func NewAnthropicClient(apiKey, model string, logger *slog.Logger) *AnthropicClient {
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: defaultAnthropicMaxTokens,
		logger:    logger,
	}
}

// WithSystem sets a system prompt sent with every completion.
func (a *AnthropicClient) WithSystem(system string) *AnthropicClient {
	a.system = system
	return a
}

// Complete sends the prompt and concatenates the text blocks of the response.
func (a *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("anthropic completion returned no text blocks")
	}
	return text, nil
}

// CompleteWithSchema completes the prompt and unmarshals the JSON answer.
func (a *AnthropicClient) CompleteWithSchema(ctx context.Context, prompt string, schema any) error {
	response, err := a.Complete(ctx, prompt)
	if err != nil {
		return err
	}
	return unmarshalCompletion(response, schema, a.logger)
}
