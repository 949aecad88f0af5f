package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/kiku/internal/httpkit"
)

// DefaultOpenAIURL is the public OpenAI API base.
const DefaultOpenAIURL = "https://api.openai.com/v1"

// OpenAIClient speaks the chat completions API, which many hosted and
// self-hosted gateways also implement.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client. An empty baseURL selects
// the public endpoint.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: streamingHTTPClient(),
		logger:     orDefault(logger).With("provider", "openai"),
	}
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponseFormat struct {
	Type string `json:"type"`
}

type openaiRequest struct {
	Model          string                `json:"model"`
	Messages       []openaiMessage       `json:"messages"`
	Stream         bool                  `json:"stream,omitempty"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
}

type openaiResponse struct {
	Choices []struct {
		Message openaiMessage `json:"message"`
		Delta   openaiMessage `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

func toOpenAI(history []Message, system string) []openaiMessage {
	msgs := make([]openaiMessage, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, openaiMessage{Role: "system", Content: system})
	}
	for _, m := range history {
		role := m.Role
		if role == RoleModel {
			role = "assistant"
		}
		msgs = append(msgs, openaiMessage{Role: role, Content: m.Text})
	}
	return msgs
}

// Complete sends a non-streaming chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, model string, history []Message, system string, jsonMode bool) (string, error) {
	req := openaiRequest{
		Model:    model,
		Messages: toOpenAI(history, system),
	}
	if jsonMode {
		req.ResponseFormat = &openaiResponseFormat{Type: "json_object"}
	}

	resp, err := postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/chat/completions", c.headers(), req)
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	var out openaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("openai: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}

// CompleteStream sends a streaming chat completion request.
func (c *OpenAIClient) CompleteStream(ctx context.Context, model string, history []Message, system string, fn StreamFunc) error {
	req := openaiRequest{
		Model:    model,
		Messages: toOpenAI(history, system),
		Stream:   true,
	}

	resp, err := postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/chat/completions", c.headers(), req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	return readSSE(resp.Body, func(data string) error {
		var chunk openaiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping undecodable stream event", "error", err)
			return nil
		}
		if chunk.Error != nil {
			return errors.New("openai: " + chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				fn(choice.Delta.Content)
			}
		}
		return nil
	})
}

// Ping lists models, which needs a valid key and a reachable API.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	return getOK(ctx, c.httpClient, c.baseURL+"/models", c.headers())
}
