package archive

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nugget/kiku/internal/embeddings"
	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/topic"
)

// Store is the part of the memory store archival writes to.
type Store interface {
	Append(ctx context.Context, summary string, tags []string, chunk []llm.Message, embedding []float32) (int64, error)
	AllTags(ctx context.Context) []string
}

// Pipeline archives closed blocks for one user.
type Pipeline struct {
	segmenter  *Segmenter
	summarizer *Summarizer
	tagger     *Tagger
	embedder   embeddings.Embedder
	store      Store

	// predictive accumulates classifier tags for the block in progress;
	// session caches every tag chosen this session.
	predictive *TagSet
	session    *TagSet

	timeout time.Duration
	logger  *slog.Logger
}

// NewPipeline wires a pipeline. predictive and session are shared with
// the user's coordinator.
func NewPipeline(client llm.Client, embedder embeddings.Embedder, store Store, predictive, session *TagSet, logger *slog.Logger, cfg Config) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		segmenter:  NewSegmenter(client, cfg.SegmenterModel, cfg.CallTimeout, logger),
		summarizer: NewSummarizer(client, cfg.SummarizerModel, cfg.CallTimeout, logger),
		tagger:     NewTagger(client, cfg.TaggerModel, cfg.CallTimeout, logger),
		embedder:   embedder,
		store:      store,
		predictive: predictive,
		session:    session,
		timeout:    cfg.CallTimeout,
		logger:     logger.With("component", "archive"),
	}
}

// Archive turns block into zero or more memory records and returns how
// many were written. It never fails: each step degrades as documented
// and any panic is recovered and logged.
func (p *Pipeline) Archive(ctx context.Context, block topic.Block) (archived int) {
	// The accumulator is per-block scratch space.
	defer p.predictive.Clear()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("archival panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	if len(block.Messages) < 2 {
		p.logger.Debug("block too short to archive", "messages", len(block.Messages))
		return 0
	}

	start := time.Now()
	segments := p.segmenter.Segment(ctx, block.Messages)

	for _, seg := range segments {
		if ctx.Err() != nil {
			p.logger.Warn("archival interrupted", "error", ctx.Err())
			return archived
		}
		if len(seg.Messages) < 2 {
			p.logger.Debug("skipping short segment", "segment", seg.Name, "messages", len(seg.Messages))
			continue
		}
		// Re-read per segment so earlier segments' tags join the vocabulary.
		vocabulary := p.store.AllTags(ctx)
		if p.archiveSegment(ctx, seg, block.Tags, vocabulary) {
			archived++
		}
	}

	p.logger.Info("block archived",
		"segments", len(segments),
		"records", archived,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return archived
}

func (p *Pipeline) archiveSegment(ctx context.Context, seg Segment, blockTags, vocabulary []string) bool {
	summary, err := p.summarizer.Summarize(ctx, seg.Messages)
	if err != nil {
		p.logger.Warn("summary failed, segment skipped", "segment", seg.Name, "error", err)
		return false
	}

	candidates := p.predictive.Items()
	if len(candidates) == 0 {
		candidates = blockTags
	}
	tags, err := p.tagger.Consolidate(ctx, summary, candidates, p.session.Items(), vocabulary)
	if err != nil {
		p.logger.Warn("tag consolidation failed, using candidates", "segment", seg.Name, "error", err)
		tags = candidates
	}
	p.session.Add(tags...)

	embedCtx, cancel := context.WithTimeout(ctx, p.timeout)
	vec, err := p.embedder.Embed(embedCtx, summary)
	cancel()
	if err != nil {
		p.logger.Warn("summary embedding failed, segment skipped", "segment", seg.Name, "error", err)
		return false
	}

	id, err := p.store.Append(ctx, summary, tags, seg.Messages, vec)
	if err != nil {
		p.logger.Error("memory write failed, record lost", "segment", seg.Name, "error", err)
		return false
	}

	p.logger.Debug("memory written", "id", id, "segment", seg.Name, "tags", tags)
	return true
}
