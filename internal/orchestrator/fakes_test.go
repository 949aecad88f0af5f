package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/kiku/internal/embeddings"
	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/memory"
	"github.com/nugget/kiku/internal/prompts"
	"github.com/nugget/kiku/internal/router"
)

// fakeLLM plays every model role. Plans are keyed by the text of the
// latest user message.
type fakeLLM struct {
	mu       sync.Mutex
	plans    map[string]string
	failing  map[string]bool
	streams  []streamCall
	classify int

	// summarizeGate, when set, holds every summary until it is closed or
	// the call's context ends; summarizing is signalled as each starts.
	summarizeGate chan struct{}
	summarizing   chan struct{}
}

type streamCall struct {
	model   string
	history []llm.Message
	system  string
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{plans: map[string]string{}, failing: map[string]bool{}}
}

func (f *fakeLLM) Complete(ctx context.Context, _ string, history []llm.Message, system string, _ bool) (string, error) {
	input := history[len(history)-1].Text
	switch {
	case strings.Contains(system, "expert task analyzer"):
		f.mu.Lock()
		defer f.mu.Unlock()
		f.classify++
		lines := strings.Split(input, "\n")
		last := strings.TrimPrefix(lines[len(lines)-1], llm.RoleUser+": ")
		if plan, ok := f.plans[last]; ok {
			return plan, nil
		}
		return "", errors.New("no plan scripted")
	case system == prompts.SegmenterInstruction:
		return "", errors.New("segmenter offline")
	case system == prompts.SummarizerInstruction:
		if f.summarizeGate != nil {
			f.summarizing <- struct{}{}
			select {
			case <-f.summarizeGate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "The user discussed: " + strings.ReplaceAll(input, "\n", " / "), nil
	default:
		return `["archived"]`, nil
	}
}

func (f *fakeLLM) CompleteStream(_ context.Context, model string, history []llm.Message, system string, fn llm.StreamFunc) error {
	f.mu.Lock()
	f.streams = append(f.streams, streamCall{model, append([]llm.Message(nil), history...), system})
	failing := f.failing[model]
	f.mu.Unlock()

	if failing {
		return errors.New(model + " unavailable")
	}
	fn("reply from ")
	fn(model)
	return nil
}

func (f *fakeLLM) Ping(context.Context) error { return nil }

func (f *fakeLLM) lastStream(t *testing.T) streamCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		t.Fatal("no streaming call made")
	}
	return f.streams[len(f.streams)-1]
}

type memHistory struct {
	mu      sync.Mutex
	msgs    []llm.Message
	failing bool
}

func (h *memHistory) Append(msg llm.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failing {
		return errors.New("disk full")
	}
	h.msgs = append(h.msgs, msg)
	return nil
}

func (h *memHistory) Load() ([]llm.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message{}, h.msgs...), nil
}

type memFacts struct {
	mu    sync.Mutex
	facts map[string]any
}

func (f *memFacts) Load() (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]any{}
	for k, v := range f.facts {
		out[k] = v
	}
	return out, nil
}

func (f *memFacts) Merge(update map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.facts == nil {
		f.facts = map[string]any{}
	}
	for k, v := range update {
		f.facts[k] = v
	}
	return f.facts, nil
}

type memStore struct {
	mu      sync.Mutex
	records []memory.Record
	closed  int
	release chan struct{}
}

func (s *memStore) Append(ctx context.Context, summary string, tags []string, chunk []llm.Message, _ []float32) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.records) + 1)
	s.records = append(s.records, memory.Record{ID: id, Summary: summary, Tags: tags, Chunk: chunk, CreatedAt: time.Now()})
	return id, nil
}

func (s *memStore) AllTags(context.Context) []string { return nil }

func (s *memStore) Search(_ context.Context, _ []float32, k int) []memory.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]memory.Record(nil), s.records[:min(k, len(s.records))]...)
}

func (s *memStore) Close() error {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *memStore) snapshot() []memory.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]memory.Record(nil), s.records...)
}

func testRouter() *router.Router {
	return router.NewRouter(nil, router.Config{
		Models: []router.Model{
			{Name: "alpha", Provider: "gemini", Rankings: map[string]int{"conversation": 10, "code_generation": 5}},
			{Name: "beta", Provider: "openai", Rankings: map[string]int{"conversation": 8, "code_generation": 9}},
		},
		DefaultCascade: []string{"alpha"},
	})
}

type harness struct {
	llm     *fakeLLM
	history *memHistory
	facts   *memFacts
	store   *memStore
	coord   *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		llm:     newFakeLLM(),
		history: &memHistory{},
		facts:   &memFacts{},
		store:   &memStore{},
	}
	h.coord = NewCoordinator("ada", Deps{
		Client:   h.llm,
		Embedder: embeddings.NewHash(0),
		Router:   testRouter(),
		Memory:   h.store,
		History:  h.history,
		Facts:    h.facts,
	}, Config{ClassifierModel: "alpha"}, nil)
	t.Cleanup(func() { h.coord.Close() })
	return h
}

type collector struct {
	mu     sync.Mutex
	chunks []string
}

func (c *collector) emit(chunk string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
}

func (c *collector) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.chunks, "")
}

func (c *collector) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chunks) == 0 {
		return ""
	}
	return c.chunks[len(c.chunks)-1]
}
