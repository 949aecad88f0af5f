package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/prompts"
)

// ErrAllModelsFailed is returned by Run when no model produced a
// response in any round.
var ErrAllModelsFailed = errors.New("all models failed")

// errAllLocked stands in for the last error when every model was
// already locked before the turn started.
var errAllLocked = errors.New("every model in the cascade is locked")

// AttemptFunc streams one completion from model into emit.
type AttemptFunc func(ctx context.Context, model string, emit llm.StreamFunc) error

// CascadeConfig tunes cascade execution.
type CascadeConfig struct {
	// MaxRounds is how many passes are made over the unlocked models.
	// Default: 3.
	MaxRounds int

	// UnlockInterval clears every lock on turns that are a multiple of
	// it. Default: 10.
	UnlockInterval int

	// CallTimeout bounds each attempt. A timeout is a failure.
	// Default: 60 seconds.
	CallTimeout time.Duration
}

func (c *CascadeConfig) applyDefaults() {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 3
	}
	if c.UnlockInterval <= 0 {
		c.UnlockInterval = 10
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 60 * time.Second
	}
}

// Cascade tries models in order until one succeeds. A model that fails
// is locked out of later turns until the periodic unlock, so a broken
// backend costs one failed call instead of one per turn.
type Cascade struct {
	config CascadeConfig
	logger *slog.Logger

	mu      sync.Mutex
	locked  map[string]bool
	counter int
}

// NewCascade creates cascade state for one user.
func NewCascade(config CascadeConfig, logger *slog.Logger) *Cascade {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Cascade{
		config: config,
		logger: logger.With("component", "cascade"),
		locked: make(map[string]bool),
	}
}

// Run streams one turn from the first model in models that succeeds
// and returns its name. Every sequence Run emits, success or failure,
// ends with llm.StreamEnd. Cancelling ctx stops emission and returns
// ctx.Err() without locking the model in flight.
func (c *Cascade) Run(ctx context.Context, models []string, attempt AttemptFunc, emit llm.StreamFunc) (string, error) {
	c.beginTurn()

	var lastErr error
	for round := 1; round <= c.config.MaxRounds; round++ {
		for _, model := range models {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if c.isLocked(model) {
				continue
			}

			err := c.try(ctx, model, attempt, emit)
			if err == nil {
				emit(llm.StreamEnd)
				return model, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}

			lastErr = err
			c.lock(model)
			c.logger.Warn("model failed, locked",
				"model", model,
				"round", round,
				"error", err,
			)
		}
	}

	if lastErr == nil {
		lastErr = errAllLocked
	}
	emit(prompts.AllModelsFailed(c.config.MaxRounds, lastErr))
	emit(llm.StreamEnd)
	return "", fmt.Errorf("%w after %d rounds: %w", ErrAllModelsFailed, c.config.MaxRounds, lastErr)
}

func (c *Cascade) try(ctx context.Context, model string, attempt AttemptFunc, emit llm.StreamFunc) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	chunks := 0
	err := attempt(ctx, model, func(chunk string) {
		if chunk == "" {
			return
		}
		chunks++
		emit(chunk)
	})
	if err != nil {
		return err
	}
	if chunks == 0 {
		return llm.ErrEmptyResponse
	}
	return nil
}

func (c *Cascade) beginTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	if c.counter > 1 && c.counter%c.config.UnlockInterval == 0 && len(c.locked) > 0 {
		c.logger.Info("unlocking models", "turn", c.counter, "models", len(c.locked))
		clear(c.locked)
	}
}

func (c *Cascade) isLocked(model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked[model]
}

func (c *Cascade) lock(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locked[model] = true
}

// Locked returns the currently locked models, sorted.
func (c *Cascade) Locked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.locked))
	for m := range c.locked {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// Turns returns how many turns the cascade has run.
func (c *Cascade) Turns() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}
