// Package archive turns closed topic blocks into long-term memories. A
// block is split into sub-topics, each sub-topic is summarized and
// tagged, and the summary's embedding is appended to the user's memory
// store. Archival runs off the live path on a per-user FIFO worker, and
// every failure is logged and absorbed.
package archive

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/kiku/internal/llm"
)

// Config controls the archival pipeline.
type Config struct {
	// SegmenterModel, SummarizerModel and TaggerModel name the models
	// used for each step.
	SegmenterModel  string
	SummarizerModel string
	TaggerModel     string

	// CallTimeout bounds every model and embedding call.
	// Default: 60 seconds.
	CallTimeout time.Duration

	// QueueSize is the number of closed blocks a user's worker holds
	// before new blocks are dropped. Default: 64.
	QueueSize int
}

// DefaultConfig returns the archival defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout: 60 * time.Second,
		QueueSize:   64,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
}

// completer runs one bounded non-streaming completion.
type completer struct {
	client  llm.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

func (c completer) complete(ctx context.Context, input, system string, jsonMode bool) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.client.Complete(ctx, c.model, []llm.Message{llm.UserMessage(input)}, system, jsonMode)
}

func componentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}
