package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/nugget/kiku/internal/httpkit"
)

// DefaultGeminiURL is the public Generative Language API base.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient is a client for the Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewGeminiClient creates a new Gemini client.
func NewGeminiClient(apiKey, baseURL string, logger *slog.Logger) *GeminiClient {
	if baseURL == "" {
		baseURL = DefaultGeminiURL
	}
	return &GeminiClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: streamingHTTPClient(),
		logger:     orDefault(logger).With("provider", "gemini"),
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	ResponseMIMEType string `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

func (r *geminiResponse) text() string {
	var b strings.Builder
	for _, cand := range r.Candidates {
		for _, p := range cand.Content.Parts {
			b.WriteString(p.Text)
		}
		// Only the first candidate is used.
		break
	}
	return b.String()
}

func (r *geminiResponse) blocked() error {
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return fmt.Errorf("gemini: prompt blocked: %s", r.PromptFeedback.BlockReason)
	}
	return nil
}

func toGemini(history []Message, system string, jsonMode bool) geminiRequest {
	req := geminiRequest{Contents: make([]geminiContent, 0, len(history))}
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	for _, m := range history {
		// Gemini uses the same "user"/"model" role names.
		req.Contents = append(req.Contents, geminiContent{
			Role:  m.Role,
			Parts: []geminiPart{{Text: m.Text}},
		})
	}
	if jsonMode {
		req.GenerationConfig = &geminiGenerationConfig{ResponseMIMEType: "application/json"}
	}
	return req
}

func (c *GeminiClient) endpoint(model, method string) string {
	return c.baseURL + "/models/" + url.PathEscape(model) + ":" + method
}

func (c *GeminiClient) headers() map[string]string {
	return map[string]string{"x-goog-api-key": c.apiKey}
}

// Complete sends a non-streaming generateContent request.
func (c *GeminiClient) Complete(ctx context.Context, model string, history []Message, system string, jsonMode bool) (string, error) {
	resp, err := postJSON(ctx, c.httpClient, c.logger, c.endpoint(model, "generateContent"), c.headers(), toGemini(history, system, jsonMode))
	if err != nil {
		return "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if err := out.blocked(); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	return out.text(), nil
}

// CompleteStream sends a streamGenerateContent request in SSE mode.
func (c *GeminiClient) CompleteStream(ctx context.Context, model string, history []Message, system string, fn StreamFunc) error {
	resp, err := postJSON(ctx, c.httpClient, c.logger, c.endpoint(model, "streamGenerateContent")+"?alt=sse", c.headers(), toGemini(history, system, false))
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	return readSSE(resp.Body, func(data string) error {
		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if err := chunk.blocked(); err != nil {
			return err
		}
		if text := chunk.text(); text != "" {
			fn(text)
		}
		return nil
	})
}

// Ping lists models, which needs a valid key and a reachable API.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if c.apiKey == "" {
		return errors.New("gemini: no API key")
	}
	return getOK(ctx, c.httpClient, c.baseURL+"/models", c.headers())
}
