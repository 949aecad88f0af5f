package archive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/topic"
)

type recordingArchiver struct {
	mu      sync.Mutex
	seen    []string
	started chan struct{}
	release chan struct{}
}

func (a *recordingArchiver) Archive(_ context.Context, block topic.Block) int {
	if a.started != nil {
		a.started <- struct{}{}
	}
	if a.release != nil {
		<-a.release
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, block.Messages[0].Text)
	return 1
}

func blockOf(text string) topic.Block {
	return topic.Block{Messages: []llm.Message{llm.UserMessage(text), llm.ModelMessage("ok")}}
}

func TestWorker_FIFOAndDrain(t *testing.T) {
	a := &recordingArchiver{}
	w := NewWorker(a, 16, nil)
	w.Start(context.Background())

	want := []string{"one", "two", "three", "four"}
	for _, text := range want {
		if !w.Enqueue(blockOf(text)) {
			t.Fatalf("Enqueue(%q) dropped", text)
		}
	}
	w.Stop()

	if len(a.seen) != len(want) {
		t.Fatalf("archived %v, want %v", a.seen, want)
	}
	for i := range want {
		if a.seen[i] != want[i] {
			t.Errorf("archive order = %v, want %v", a.seen, want)
			break
		}
	}

	if w.Enqueue(blockOf("late")) {
		t.Error("Enqueue after Stop should drop")
	}
	w.Stop() // idempotent
}

func TestWorker_DropsWhenFull(t *testing.T) {
	a := &recordingArchiver{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	w := NewWorker(a, 1, nil)
	w.Start(context.Background())

	w.Enqueue(blockOf("first"))
	select {
	case <-a.started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started archiving")
	}

	if !w.Enqueue(blockOf("second")) {
		t.Fatal("second block should fit the queue")
	}
	if w.Enqueue(blockOf("third")) {
		t.Error("third block should be dropped")
	}
	if w.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", w.Dropped())
	}
	if w.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", w.Pending())
	}

	close(a.release)
	w.Stop()
	if len(a.seen) != 2 || a.seen[0] != "first" || a.seen[1] != "second" {
		t.Errorf("archived %v", a.seen)
	}
}

func TestWorker_EnqueueDoesNotBlock(t *testing.T) {
	a := &recordingArchiver{release: make(chan struct{})}
	w := NewWorker(a, 2, nil)
	w.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for range 10 {
			w.Enqueue(blockOf("x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Enqueue blocked on a busy worker")
	}
	close(a.release)
	w.Stop()
}
