package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/kiku/internal/httpkit"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: streamingHTTPClient(),
		logger:     orDefault(logger).With("provider", "ollama"),
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`

	EvalCount       int `json:"eval_count,omitempty"`
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
}

func toOllama(history []Message, system string) []ollamaMessage {
	msgs := make([]ollamaMessage, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: system})
	}
	for _, m := range history {
		role := m.Role
		if role == RoleModel {
			role = "assistant"
		}
		msgs = append(msgs, ollamaMessage{Role: role, Content: m.Text})
	}
	return msgs
}

// Complete sends a non-streaming chat request.
func (c *OllamaClient) Complete(ctx context.Context, model string, history []Message, system string, jsonMode bool) (string, error) {
	req := ollamaChatRequest{
		Model:    model,
		Messages: toOllama(history, system),
	}
	if jsonMode {
		req.Format = "json"
	}

	resp, err := postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/api/chat", nil, req)
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if chatResp.Error != "" {
		return "", fmt.Errorf("ollama: %s", chatResp.Error)
	}
	c.logger.Debug("completion finished",
		"model", model,
		"input_tokens", chatResp.PromptEvalCount,
		"output_tokens", chatResp.EvalCount,
	)
	return chatResp.Message.Content, nil
}

// CompleteStream sends a streaming chat request. Ollama streams
// newline-delimited JSON objects, the last of which has done=true.
func (c *OllamaClient) CompleteStream(ctx context.Context, model string, history []Message, system string, fn StreamFunc) error {
	req := ollamaChatRequest{
		Model:    model,
		Messages: toOllama(history, system),
		Stream:   true,
	}

	resp, err := postJSON(ctx, c.httpClient, c.logger, c.baseURL+"/api/chat", nil, req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChatResponse
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			fn(chunk.Message.Content)
		}
		if chunk.Done {
			return nil
		}
	}
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	return getOK(ctx, c.httpClient, c.baseURL+"/api/tags", nil)
}
