package orchestrator

import (
	"sync"

	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/prompts"
	"github.com/nugget/kiku/internal/similarity"
	"github.com/nugget/kiku/internal/topic"
)

// DefaultWorkbenchThreshold is the Jaccard similarity a closed block's
// tags must exceed to be recalled.
const DefaultWorkbenchThreshold = 0.1

// Workbench holds the blocks closed during this session, so recent
// topics can be recalled without a vector search.
type Workbench struct {
	threshold float64
	maxBlocks int

	mu     sync.Mutex
	blocks []topic.Block
}

// NewWorkbench creates a workbench. maxBlocks of zero keeps every
// block; otherwise the oldest are dropped past the limit.
func NewWorkbench(threshold float64, maxBlocks int) *Workbench {
	if threshold <= 0 {
		threshold = DefaultWorkbenchThreshold
	}
	return &Workbench{threshold: threshold, maxBlocks: maxBlocks}
}

// Add appends a closed block.
func (w *Workbench) Add(block topic.Block) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.blocks = append(w.blocks, block.Clone())
	if w.maxBlocks > 0 && len(w.blocks) > w.maxBlocks {
		w.blocks = w.blocks[len(w.blocks)-w.maxBlocks:]
	}
}

// Len returns the number of blocks held.
func (w *Workbench) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.blocks)
}

// Consult finds the block whose tags best match tags and renders it as
// a session context snippet. Ties go to the earliest block.
func (w *Workbench) Consult(tags []string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	best, bestScore := -1, 0.0
	for i, b := range w.blocks {
		if score := similarity.Jaccard(b.Tags, tags); score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 || bestScore <= w.threshold {
		return "", false
	}

	b := w.blocks[best]
	return prompts.SessionContext(b.Tags, llm.Transcript(b.Messages)), true
}
