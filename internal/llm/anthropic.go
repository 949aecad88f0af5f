package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicMaxTokens = 4096

// jsonInstruction is appended to the system prompt in JSON mode, since
// the Messages API has no response format switch.
const jsonInstruction = "Respond with a single JSON document and nothing else. Do not wrap it in markdown."

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// selects the public endpoint.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(streamingHTTPClient()),
		// The model cascade owns failover; one attempt per model.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		logger: orDefault(logger).With("provider", "anthropic"),
	}
}

func (c *AnthropicClient) params(model string, history []Message, system string) (anthropic.MessageNewParams, error) {
	if len(history) == 0 {
		return anthropic.MessageNewParams{}, errors.New("anthropic: empty conversation")
	}
	msgs := make([]anthropic.MessageParam, 0, len(history))
	for _, m := range history {
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == RoleModel {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	p := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages:  msgs,
	}
	if system != "" {
		p.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return p, nil
}

// Complete sends a non-streaming Messages request.
func (c *AnthropicClient) Complete(ctx context.Context, model string, history []Message, system string, jsonMode bool) (string, error) {
	if jsonMode {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}
	p, err := c.params(model, history, system)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Messages.New(ctx, p)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	c.logger.Debug("completion finished",
		"model", model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason,
	)
	return b.String(), nil
}

// CompleteStream sends a streaming Messages request and forwards text
// deltas as they arrive.
func (c *AnthropicClient) CompleteStream(ctx context.Context, model string, history []Message, system string, fn StreamFunc) error {
	p, err := c.params(model, history, system)
	if err != nil {
		return err
	}

	stream := c.client.Messages.NewStreaming(ctx, p)
	defer stream.Close()

	for stream.Next() {
		switch evt := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					fn(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

// Ping lists one model, which needs a valid key and a reachable API.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic: %w", err)
	}
	return nil
}
