package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/prompts"
)

// Segment is one named sub-topic of a block.
type Segment struct {
	Name     string
	Messages []llm.Message
}

// Segmenter splits a conversation into sub-topics.
type Segmenter struct {
	completer
}

// NewSegmenter creates a segmenter using model.
func NewSegmenter(client llm.Client, model string, timeout time.Duration, logger *slog.Logger) *Segmenter {
	return &Segmenter{completer{client: client, model: model, timeout: timeout, logger: componentLogger(logger, "segmenter")}}
}

// Segment returns the sub-topics of msgs in the order the model listed
// them. Any failure yields the whole conversation as a single topic.
func (s *Segmenter) Segment(ctx context.Context, msgs []llm.Message) []Segment {
	fallback := []Segment{{Name: "topic_1", Messages: msgs}}

	input, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		s.logger.Warn("segmenter input encoding failed, using whole block", "error", err)
		return fallback
	}

	raw, err := s.complete(ctx, string(input), prompts.SegmenterInstruction, true)
	if err != nil {
		s.logger.Warn("segmentation failed, using whole block", "model", s.model, "error", err)
		return fallback
	}

	segments, err := parseSegments(llm.StripCodeFence(raw), msgs)
	if err != nil {
		s.logger.Warn("segmentation response unusable, using whole block", "error", err)
		return fallback
	}

	s.logger.Debug("block segmented", "topics", len(segments))
	return segments
}

// parseSegments decodes {"topic_1": [...], "topic_2": [...]} keeping the
// key order. Only messages that appear verbatim in block are kept, so a
// reworded or invented message is never archived. Segments left empty
// are dropped.
func parseSegments(raw string, block []llm.Message) ([]Segment, error) {
	known := lo.Keyify(block)

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read segments: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("segments are not a JSON object")
	}

	var segments []Segment
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read topic name: %w", err)
		}
		name, _ := tok.(string)

		var msgs []llm.Message
		if err := dec.Decode(&msgs); err != nil {
			return nil, fmt.Errorf("decode topic %q: %w", name, err)
		}

		kept := lo.Filter(msgs, func(m llm.Message, _ int) bool {
			_, ok := known[m]
			return ok && m.Text != ""
		})
		if len(kept) > 0 {
			segments = append(segments, Segment{Name: name, Messages: kept})
		}
	}

	if len(segments) == 0 {
		return nil, errors.New("no usable segments")
	}
	return segments, nil
}
