package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/prompts"
)

// maxTranscriptBytes is the maximum transcript size sent to the LLM.
const maxTranscriptBytes = 16000

// Summarizer condenses a conversation into a memory summary.
type Summarizer struct {
	completer
}

// NewSummarizer creates a summarizer using model.
func NewSummarizer(client llm.Client, model string, timeout time.Duration, logger *slog.Logger) *Summarizer {
	return &Summarizer{completer{client: client, model: model, timeout: timeout, logger: componentLogger(logger, "summarizer")}}
}

// Summarize returns a dense third-person summary of msgs.
func (s *Summarizer) Summarize(ctx context.Context, msgs []llm.Message) (string, error) {
	transcript := truncate(llm.Transcript(msgs), maxTranscriptBytes)

	summary, err := s.complete(ctx, transcript, prompts.SummarizerInstruction, false)
	if err != nil {
		return "", fmt.Errorf("summarize with %s: %w", s.model, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", errors.New("summarizer returned an empty summary")
	}
	return summary, nil
}

// truncate cuts s to at most n bytes on a rune boundary and marks the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n... (truncated)"
}
