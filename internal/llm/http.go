package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/kiku/internal/httpkit"
)

// streamingHTTPClient returns a client suited to long-lived model
// responses: no overall timeout, a generous wait for headers, and
// cancellation left to the caller's context.
func streamingHTTPClient() *http.Client {
	return httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithResponseHeaderTimeout(120*time.Second),
	)
}

// postJSON sends body as JSON and returns the response when the status
// is 200. Any other status is turned into an error carrying the start of
// the response body.
func postJSON(ctx context.Context, client *http.Client, logger *slog.Logger, url string, headers map[string]string, body any) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	logger.Log(ctx, LevelTrace, "request payload", "url", url, "bytes", len(jsonData))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}
	return resp, nil
}

// getOK issues a GET and reports any non-200 status as an error.
func getOK(ctx context.Context, client *http.Client, url string, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
