// Package topic tracks the subject of a live conversation and cuts it
// into topic blocks. The current topic is a running centroid of the
// embeddings of each user turn's tags; a turn whose tags point away
// from the centroid closes the block.
package topic

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/nugget/kiku/internal/embeddings"
	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/similarity"
)

// DefaultThreshold is the cosine similarity below which a turn starts a
// new topic.
const DefaultThreshold = 0.7

// Block is a contiguous run of turns about one subject.
type Block struct {
	Messages []llm.Message `json:"messages"`
	Tags     []string      `json:"tags"`
}

// Clone returns a deep copy of b.
func (b Block) Clone() Block {
	return Block{
		Messages: slices.Clone(b.Messages),
		Tags:     slices.Clone(b.Tags),
	}
}

// Contextualizer owns the open block of one conversation. It is safe for
// concurrent use.
type Contextualizer struct {
	embedder  embeddings.Embedder
	threshold float64
	logger    *slog.Logger

	mu     sync.Mutex
	vector []float32
	tags   []string
	open   []llm.Message
}

// New creates a contextualizer. A threshold <= 0 selects DefaultThreshold.
func New(embedder embeddings.Embedder, threshold float64, logger *slog.Logger) *Contextualizer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Contextualizer{
		embedder:  embedder,
		threshold: threshold,
		logger:    logger.With("component", "topic"),
	}
}

// Observe feeds one turn and its classifier tags. When the turn moves
// away from the current topic and the block it leaves behind holds more
// than one message, that block is returned (without the turn that
// caused the shift) and ok is true.
func (c *Contextualizer) Observe(ctx context.Context, msg llm.Message, tags []string) (closed *Block, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.Role == llm.RoleUser {
		c.open = append(c.open, msg)
	}

	tags = lo.Uniq(lo.Compact(tags))
	if len(tags) == 0 {
		return nil, false
	}

	vec, err := c.embedder.Embed(ctx, strings.Join(tags, ", "))
	if err != nil {
		c.logger.Warn("tag embedding failed, topic unchanged", "error", err)
		return nil, false
	}

	if c.vector == nil {
		c.vector = vec
		c.tags = tags
		return nil, false
	}

	score := similarity.Cosine(c.vector, vec)
	if score >= c.threshold {
		c.vector = similarity.Mean(c.vector, len(c.open), vec)
		c.tags = lo.Uniq(append(c.tags, tags...))
		c.logger.Debug("topic continues", "similarity", score, "block_len", len(c.open))
		return nil, false
	}

	// Topic shift. The block being left is everything before this turn.
	prior := c.open
	if msg.Role == llm.RoleUser {
		prior = c.open[:len(c.open)-1]
	}
	if len(prior) > 1 {
		closed = &Block{
			Messages: slices.Clone(prior),
			Tags:     slices.Clone(c.tags),
		}
		ok = true
		c.logger.Info("topic shift, block closed",
			"similarity", score,
			"messages", len(prior),
			"tags", c.tags,
		)
	} else {
		c.logger.Debug("topic shift, short block discarded", "similarity", score, "messages", len(prior))
	}

	c.open = nil
	if msg.Role == llm.RoleUser {
		c.open = []llm.Message{msg}
	}
	c.vector = vec
	c.tags = tags
	return closed, ok
}

// AppendModelTurn adds a model reply to the open block.
func (c *Contextualizer) AppendModelTurn(msg llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = append(c.open, msg)
}

// Snapshot returns a copy of the open block and its topic tags.
func (c *Contextualizer) Snapshot() Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Block{
		Messages: slices.Clone(c.open),
		Tags:     slices.Clone(c.tags),
	}
}
