package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/prompts"
)

// maxTags caps the consolidated tag list.
const maxTags = 5

// Tagger picks the final tags of a memory, reusing known vocabulary
// where it fits.
type Tagger struct {
	completer
}

// NewTagger creates a tagger using model.
func NewTagger(client llm.Client, model string, timeout time.Duration, logger *slog.Logger) *Tagger {
	return &Tagger{completer{client: client, model: model, timeout: timeout, logger: componentLogger(logger, "tagger")}}
}

// Consolidate asks the model for 3-5 tags describing summary. The
// result is normalized to lowercase hyphenated form, deduplicated and
// capped. Callers fall back to the candidates on error.
func (t *Tagger) Consolidate(ctx context.Context, summary string, candidates, session, vocabulary []string) ([]string, error) {
	raw, err := t.complete(ctx,
		prompts.TaggerInput(summary, candidates),
		prompts.TaggerInstruction(vocabulary, session),
		true,
	)
	if err != nil {
		return nil, fmt.Errorf("tag with %s: %w", t.model, err)
	}

	tags, err := parseTags(llm.StripCodeFence(raw))
	if err != nil {
		return nil, err
	}
	tags = NormalizeTags(tags)
	if len(tags) == 0 {
		return nil, errors.New("tagger returned no usable tags")
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags, nil
}

// parseTags accepts a bare JSON array of strings or an object holding
// one, since some providers only produce objects in JSON mode.
func parseTags(raw string) ([]string, error) {
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err == nil {
		return tags, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	if v, ok := obj["tags"]; ok {
		if err := json.Unmarshal(v, &tags); err == nil {
			return tags, nil
		}
	}
	for _, v := range obj {
		if err := json.Unmarshal(v, &tags); err == nil {
			return tags, nil
		}
	}
	return nil, errors.New("parse tags: no string array in response")
}

// NormalizeTags lowercases tags, joins words with hyphens, and drops
// empties and duplicates, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	out := lo.Map(tags, func(tag string, _ int) string {
		tag = strings.ToLower(strings.TrimSpace(tag))
		tag = strings.Map(func(r rune) rune {
			switch r {
			case ' ', '_', '\t':
				return '-'
			case '#', '"', '\'':
				return -1
			}
			return r
		}, tag)
		for strings.Contains(tag, "--") {
			tag = strings.ReplaceAll(tag, "--", "-")
		}
		return strings.Trim(tag, "-")
	})
	return lo.Uniq(lo.Compact(out))
}
