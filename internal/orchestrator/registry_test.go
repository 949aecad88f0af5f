package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/kiku/internal/embeddings"
	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/userdata"
)

type registryHarness struct {
	llm     *fakeLLM
	created atomic.Int32
	gate    chan struct{} // when set, memory stores block in Close until it is closed

	// opening, when set, holds the factory for user "slow" until it is
	// closed; entered is signalled once that factory has started.
	opening chan struct{}
	entered chan struct{}

	mu     sync.Mutex
	stores map[string][]*memStore
}

func (h *registryHarness) factory(ctx context.Context, user string) (*Coordinator, error) {
	if user == "broken" {
		return nil, errors.New("store unavailable")
	}
	if user == "slow" && h.opening != nil {
		h.entered <- struct{}{}
		select {
		case <-h.opening:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	h.created.Add(1)
	store := &memStore{release: h.gate}
	h.mu.Lock()
	h.stores[user] = append(h.stores[user], store)
	h.mu.Unlock()
	return NewCoordinator(user, Deps{
		Client:   h.llm,
		Embedder: embeddings.NewHash(0),
		Router:   testRouter(),
		Memory:   store,
		History:  &memHistory{},
		Facts:    &memFacts{},
	}, Config{ClassifierModel: "alpha"}, nil), nil
}

func newRegistryHarness() *registryHarness {
	return &registryHarness{llm: newFakeLLM(), stores: map[string][]*memStore{}}
}

func TestRegistry_GetReusesCoordinator(t *testing.T) {
	h := newRegistryHarness()
	r := NewRegistry(h.factory, nil)
	defer r.Close()

	ctx := context.Background()
	a1, err := r.Get(ctx, "ada")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	a2, _ := r.Get(ctx, "ada")
	b, _ := r.Get(ctx, "bob")

	if a1 != a2 || a1 == b {
		t.Error("each user should have exactly one coordinator")
	}
	if h.created.Load() != 2 {
		t.Errorf("created %d coordinators, want 2", h.created.Load())
	}
	if got := r.Active(); !slices.Equal(got, []string{"ada", "bob"}) {
		t.Errorf("Active() = %v", got)
	}
}

func TestRegistry_InvalidUsers(t *testing.T) {
	r := NewRegistry(newRegistryHarness().factory, nil)
	defer r.Close()

	for _, user := range []string{"", "../etc", ".hidden", "a/b", "white space"} {
		if _, err := r.Get(context.Background(), user); !errors.Is(err, ErrInvalidUser) {
			t.Errorf("Get(%q) error = %v, want ErrInvalidUser", user, err)
		}
	}
	if _, err := r.Get(context.Background(), "broken"); err == nil {
		t.Error("factory error should be returned")
	}
	if len(r.Active()) != 0 {
		t.Errorf("Active() = %v, want none", r.Active())
	}
}

func TestRegistry_LogoutDrainsBeforeReuse(t *testing.T) {
	h := newRegistryHarness()
	h.gate = make(chan struct{})
	r := NewRegistry(h.factory, nil)

	ctx := context.Background()
	first, _ := r.Get(ctx, "ada")
	r.OnLogout("ada")
	if len(r.Active()) != 0 {
		t.Fatal("logout should remove the user immediately")
	}

	got := make(chan *Coordinator, 1)
	go func() {
		c, _ := r.Get(ctx, "ada")
		got <- c
	}()

	select {
	case <-got:
		t.Fatal("Get returned while the previous session was still draining")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.gate)
	var second *Coordinator
	select {
	case second = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("Get never returned after the drain finished")
	}
	if second == first {
		t.Error("a new coordinator should be created after logout")
	}
	if h.stores["ada"][0].closed != 1 {
		t.Error("old memory store not closed")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestRegistry_GetCancelledWhileDraining(t *testing.T) {
	h := newRegistryHarness()
	h.gate = make(chan struct{})
	r := NewRegistry(h.factory, nil)

	r.Get(context.Background(), "ada")
	r.Remove("ada")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Get(ctx, "ada"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Get() error = %v, want deadline exceeded", err)
	}

	close(h.gate)
	r.Close()
}

func TestRegistry_CloseDrainsAll(t *testing.T) {
	h := newRegistryHarness()
	r := NewRegistry(h.factory, nil)

	ctx := context.Background()
	r.Get(ctx, "ada")
	r.Get(ctx, "bob")

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for user, stores := range h.stores {
		if stores[0].closed != 1 {
			t.Errorf("%s store closed %d times", user, stores[0].closed)
		}
	}
	if _, err := r.Get(ctx, "ada"); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Get() after Close error = %v, want ErrRegistryClosed", err)
	}
}

func TestRegistry_SlowOpenDoesNotBlockOtherUsers(t *testing.T) {
	h := newRegistryHarness()
	h.opening = make(chan struct{})
	h.entered = make(chan struct{}, 1)
	r := NewRegistry(h.factory, nil)

	ctx := context.Background()
	type result struct {
		c   *Coordinator
		err error
	}
	slow := make(chan result, 2)
	go func() {
		c, err := r.Get(ctx, "slow")
		slow <- result{c, err}
	}()
	<-h.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.Get(ctx, "bob"); err != nil {
			t.Errorf("Get(bob) error = %v", err)
		}
		r.Active()
		r.Remove("carol")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("other users blocked behind a store being opened")
	}
	if got := r.Active(); !slices.Equal(got, []string{"bob"}) {
		t.Errorf("Active() = %v, want only bob while slow opens", got)
	}

	// A second caller for the same user waits for the first open.
	go func() {
		c, err := r.Get(ctx, "slow")
		slow <- result{c, err}
	}()
	select {
	case <-slow:
		t.Fatal("Get(slow) returned before its store opened")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.opening)
	first, second := <-slow, <-slow
	if first.err != nil || second.err != nil {
		t.Fatalf("Get(slow) errors = %v, %v", first.err, second.err)
	}
	if first.c != second.c {
		t.Error("concurrent callers for one user got different coordinators")
	}
	if h.created.Load() != 2 {
		t.Errorf("created %d coordinators, want 2", h.created.Load())
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestRegistry_CloseWaitsForOpeningStore(t *testing.T) {
	h := newRegistryHarness()
	h.opening = make(chan struct{})
	h.entered = make(chan struct{}, 1)
	r := NewRegistry(h.factory, nil)

	got := make(chan error, 1)
	go func() {
		_, err := r.Get(context.Background(), "slow")
		got <- err
	}()
	<-h.entered

	closed := make(chan error, 1)
	go func() { closed <- r.Close() }()
	select {
	case <-closed:
		t.Fatal("Close returned while a store was still opening")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.opening)
	if err := <-got; !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Get() error = %v, want ErrRegistryClosed", err)
	}
	if err := <-closed; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if h.stores["slow"][0].closed != 1 {
		t.Error("store opened during Close was never closed")
	}
}

func TestRegistry_FailedOpenReleasesWaiters(t *testing.T) {
	h := newRegistryHarness()
	r := NewRegistry(h.factory, nil)
	defer r.Close()

	for i := 0; i < 2; i++ {
		if _, err := r.Get(context.Background(), "broken"); err == nil {
			t.Fatal("factory error should be returned")
		}
	}
	if len(r.creating) != 0 {
		t.Errorf("creating = %v, want empty after failures", r.creating)
	}
}

func TestRegistry_Transport(t *testing.T) {
	h := newRegistryHarness()
	h.llm.plans["hello"] = `{"specialty":"conversation","tags":["greeting"]}`
	r := NewRegistry(h.factory, nil)
	defer r.Close()

	ctx := context.Background()
	history, err := r.OnConnect(ctx, "ada")
	if err != nil || len(history) != 0 {
		t.Fatalf("OnConnect() = %v, %v", history, err)
	}

	var out collector
	if _, err := r.OnUserMessage(ctx, "ada", "hello", out.emit); err != nil {
		t.Fatalf("OnUserMessage() error = %v", err)
	}
	if out.last() != llm.StreamEnd {
		t.Errorf("stream = %q", out.chunks)
	}

	history, _ = r.OnConnect(ctx, "ada")
	if len(history) != 2 || history[1].Role != llm.RoleModel {
		t.Errorf("replayed history = %+v", history)
	}
}

func TestStoreFactory(t *testing.T) {
	dir := t.TempDir()
	users, err := userdata.Open(dir+"/users.db", nil)
	if err != nil {
		t.Fatalf("userdata.Open() error = %v", err)
	}
	defer users.Close()

	llmFake := newFakeLLM()
	llmFake.plans["remember this"] = `{"specialty":"conversation","tags":["note"]}`
	factory := StoreFactory(Services{
		Client:   llmFake,
		Embedder: embeddings.NewHash(32),
		Router:   testRouter(),
		UserData: users,
		DataDir:  dir,
	}, Config{ClassifierModel: "alpha"}, nil)

	r := NewRegistry(factory, nil)
	if _, err := r.OnUserMessage(context.Background(), "ada", "remember this", func(string) {}); err != nil {
		t.Fatalf("OnUserMessage() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	history, err := users.History("ada").Load()
	if err != nil || len(history) != 2 {
		t.Errorf("durable history = %+v, %v", history, err)
	}
}
