// Package orchestrator drives one user's conversation: it classifies
// each turn, tracks topics, assembles session and long-term context, and
// streams a reply through the model cascade. Closed topic blocks are
// handed to the archival worker off the live path.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/kiku/internal/archive"
	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/prompts"
)

// DefaultSpecialty is the specialty of DefaultPlan.
const DefaultSpecialty = "conversation"

// classifierWindow is how many recent turns the classifier sees.
const classifierWindow = 4

// ActionPlan is the classifier's reading of the latest turn.
type ActionPlan struct {
	Specialty           string         `json:"specialty"`
	NeedsSearch         bool           `json:"needs_search"`
	NeedsLongTermMemory bool           `json:"needs_long_term_memory"`
	Tags                []string       `json:"tags"`
	ExtractedFacts      map[string]any `json:"extracted_facts,omitempty"`
}

// DefaultPlan is used whenever classification fails.
func DefaultPlan() ActionPlan {
	return ActionPlan{Specialty: DefaultSpecialty, Tags: []string{}}
}

// Classifier turns recent conversation into an ActionPlan.
type Classifier struct {
	client      llm.Client
	model       string
	instruction string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewClassifier creates a classifier that asks model to choose among
// specialties.
func NewClassifier(client llm.Client, model string, specialties []string, timeout time.Duration, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		client:      client,
		model:       model,
		instruction: prompts.ClassifierInstruction(specialties),
		timeout:     timeout,
		logger:      logger.With("component", "classifier"),
	}
}

// Classify plans the reply to the last turns of history. It never
// fails: any error yields DefaultPlan.
func (c *Classifier) Classify(ctx context.Context, history []llm.Message) ActionPlan {
	if len(history) == 0 {
		return DefaultPlan()
	}
	recent := history[max(0, len(history)-classifierWindow):]

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := c.client.Complete(ctx, c.model,
		[]llm.Message{llm.UserMessage(llm.Transcript(recent))},
		c.instruction, true)
	if err != nil {
		c.logger.Warn("classification failed, using default plan", "model", c.model, "error", err)
		return DefaultPlan()
	}

	plan, err := parsePlan(llm.StripCodeFence(raw))
	if err != nil {
		c.logger.Warn("classifier response unusable, using default plan", "error", err)
		return DefaultPlan()
	}

	c.logger.Debug("turn classified",
		"specialty", plan.Specialty,
		"long_term_memory", plan.NeedsLongTermMemory,
		"tags", plan.Tags,
	)
	return plan
}

func parsePlan(raw string) (ActionPlan, error) {
	var plan ActionPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return ActionPlan{}, fmt.Errorf("parse action plan: %w", err)
	}
	if plan.Specialty == "" {
		plan.Specialty = DefaultSpecialty
	}
	plan.Tags = archive.NormalizeTags(plan.Tags)
	if plan.Tags == nil {
		plan.Tags = []string{}
	}
	return plan, nil
}
