package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/kiku/internal/embeddings"
	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/memory"
	"github.com/nugget/kiku/internal/router"
	"github.com/nugget/kiku/internal/userdata"
)

// Registry errors.
var (
	ErrInvalidUser    = errors.New("invalid user id")
	ErrRegistryClosed = errors.New("registry is closed")
)

var validUser = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,63}$`)

// ValidUser reports whether user is usable as a user id. Ids name
// on-disk directories, so they are restricted to a safe alphabet.
func ValidUser(user string) bool {
	return validUser.MatchString(user)
}

// Factory builds the coordinator for a user.
type Factory func(ctx context.Context, user string) (*Coordinator, error)

// Registry maps active users to their coordinators. Coordinators are
// created on first activity and drained in the background on logout;
// a user who comes back while their old coordinator drains waits for it
// so two coordinators never write the same memory store.
//
// The factory runs outside the registry lock. Only callers for the same
// user wait on a coordinator being created.
type Registry struct {
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	active   map[string]*Coordinator
	draining map[string]chan struct{}
	creating map[string]chan struct{}
	closed   bool

	drains errgroup.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factory:  factory,
		logger:   logger.With("component", "registry"),
		active:   make(map[string]*Coordinator),
		draining: make(map[string]chan struct{}),
		creating: make(map[string]chan struct{}),
	}
}

// Get returns the coordinator of user, creating it if needed.
func (r *Registry) Get(ctx context.Context, user string) (*Coordinator, error) {
	if !ValidUser(user) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidUser, user)
	}

	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if c, ok := r.active[user]; ok {
			r.mu.Unlock()
			return c, nil
		}
		wait, ok := r.draining[user]
		if !ok {
			wait, ok = r.creating[user]
		}
		if ok {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		done := make(chan struct{})
		r.creating[user] = done
		r.mu.Unlock()

		return r.create(ctx, user, done)
	}
}

// create runs the factory for user and publishes the result. done is
// closed once the outcome is visible to other callers.
func (r *Registry) create(ctx context.Context, user string, done chan struct{}) (*Coordinator, error) {
	c, err := r.factory(ctx, user)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creating, user)
	defer close(done)

	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", user, err)
	}
	// Published even when closed so Close drains it.
	r.active[user] = c
	if r.closed {
		return nil, ErrRegistryClosed
	}

	r.logger.Info("session started", "user", user)
	return c, nil
}

// Remove discards the coordinator of user. Its archival queue drains in
// the background; durable data is kept.
func (r *Registry) Remove(user string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(user)
}

func (r *Registry) removeLocked(user string) {
	c, ok := r.active[user]
	if !ok {
		return
	}
	delete(r.active, user)

	done := make(chan struct{})
	r.draining[user] = done
	r.drains.Go(func() error {
		defer func() {
			r.mu.Lock()
			delete(r.draining, user)
			r.mu.Unlock()
			close(done)
		}()
		if err := c.Close(); err != nil {
			r.logger.Error("session drain failed", "user", user, "error", err)
			return err
		}
		r.logger.Info("session ended", "user", user)
		return nil
	})
}

// Active returns the users with a live coordinator, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.active))
	for u := range r.active {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Close removes every coordinator and waits until all have drained,
// including any still being created.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	pending := lo.Values(r.creating)
	r.mu.Unlock()

	for _, done := range pending {
		<-done
	}

	r.mu.Lock()
	for user := range r.active {
		r.removeLocked(user)
	}
	r.mu.Unlock()

	return r.drains.Wait()
}

// OnConnect returns the full history of user for replay.
func (r *Registry) OnConnect(ctx context.Context, user string) ([]llm.Message, error) {
	c, err := r.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	return c.History()
}

// OnUserMessage handles one message from user, streaming the reply to
// emit.
func (r *Registry) OnUserMessage(ctx context.Context, user, text string, emit llm.StreamFunc) (Turn, error) {
	c, err := r.Get(ctx, user)
	if err != nil {
		return Turn{}, err
	}
	return c.HandleMessage(ctx, text, emit)
}

// OnLogout ends the session of user.
func (r *Registry) OnLogout(user string) {
	r.Remove(user)
}

// Services are shared by every user's coordinator.
type Services struct {
	Client   llm.Client
	Embedder embeddings.Embedder
	Router   *router.Router
	UserData *userdata.Store

	// DataDir holds one memory store directory per user.
	DataDir string

	MaxRecords int
}

// StoreFactory returns a Factory that opens each user's memory store
// under svc.DataDir and binds their durable history and facts.
func StoreFactory(svc Services, cfg Config, logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, user string) (*Coordinator, error) {
		mem, err := memory.Open(ctx, MemoryDir(svc.DataDir, user), memory.Options{
			MaxRecords: svc.MaxRecords,
			Logger:     logger.With("user", user),
		})
		if err != nil {
			return nil, err
		}
		return NewCoordinator(user, Deps{
			Client:   svc.Client,
			Embedder: svc.Embedder,
			Router:   svc.Router,
			Memory:   mem,
			History:  svc.UserData.History(user),
			Facts:    svc.UserData.Facts(user),
		}, cfg, logger), nil
	}
}

// MemoryDir is where the memory store of user lives.
func MemoryDir(dataDir, user string) string {
	return filepath.Join(dataDir, "memories", user)
}

// Recall returns up to k memories of user closest to query.
func (r *Registry) Recall(ctx context.Context, user, query string, k int) ([]memory.Record, error) {
	c, err := r.Get(ctx, user)
	if err != nil {
		return nil, err
	}
	return c.Recall(ctx, query, k)
}

// Status returns the in-memory state of user's session.
func (r *Registry) Status(ctx context.Context, user string) (Status, error) {
	c, err := r.Get(ctx, user)
	if err != nil {
		return Status{}, err
	}
	return c.Status(), nil
}
