package archive

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/kiku/internal/topic"
)

// Archiver is what a Worker runs for each block.
type Archiver interface {
	Archive(ctx context.Context, block topic.Block) int
}

// Worker archives one user's closed blocks in the order they were
// enqueued, one at a time, so the memory store has a single writer.
type Worker struct {
	archiver Archiver
	logger   *slog.Logger

	mu      sync.Mutex
	queue   chan topic.Block
	stopped bool
	dropped atomic.Int64

	done chan struct{}
}

// NewWorker creates a worker with room for queueSize pending blocks.
// Call Start to begin processing.
func NewWorker(archiver Archiver, queueSize int, logger *slog.Logger) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultConfig().QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		archiver: archiver,
		logger:   logger.With("component", "archive_worker"),
		queue:    make(chan topic.Block, queueSize),
		done:     make(chan struct{}),
	}
}

// Start begins processing. Blocks are archived under ctx; cancelling it
// makes in-flight model calls fail fast but does not discard the queue.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for block := range w.queue {
		w.archiver.Archive(ctx, block)
	}
}

// Enqueue hands a closed block to the worker without blocking. It
// returns false when the block was dropped because the queue is full or
// the worker is stopping.
func (w *Worker) Enqueue(block topic.Block) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		w.logger.Warn("worker stopped, block dropped", "messages", len(block.Messages))
		return false
	}
	select {
	case w.queue <- block.Clone():
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("archive queue full, block dropped",
			"messages", len(block.Messages),
			"queue_size", cap(w.queue),
		)
		return false
	}
}

// Pending returns the number of queued blocks.
func (w *Worker) Pending() int {
	return len(w.queue)
}

// Dropped returns the number of blocks dropped on a full queue.
func (w *Worker) Dropped() int64 {
	return w.dropped.Load()
}

// Stop stops accepting blocks and waits until every queued block has
// been archived. It must be called after Start and is safe to call more
// than once.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}
