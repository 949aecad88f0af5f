package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nugget/kiku/internal/archive"
	"github.com/nugget/kiku/internal/embeddings"
	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/memory"
	"github.com/nugget/kiku/internal/prompts"
	"github.com/nugget/kiku/internal/router"
	"github.com/nugget/kiku/internal/topic"
)

// ErrEmptyMessage is returned for a blank user message.
var ErrEmptyMessage = errors.New("message is empty")

// MemoryStore is a user's long-term memory as the coordinator uses it.
type MemoryStore interface {
	archive.Store
	Search(ctx context.Context, embedding []float32, k int) []memory.Record
	Close() error
}

// History is a user's durable conversation log.
type History interface {
	Append(msg llm.Message) error
	Load() ([]llm.Message, error)
}

// Facts is a user's durable fact document.
type Facts interface {
	Load() (map[string]any, error)
	Merge(update map[string]any) (map[string]any, error)
}

// Deps are the collaborators of one coordinator.
type Deps struct {
	Client   llm.Client
	Embedder embeddings.Embedder
	Router   *router.Router
	Memory   MemoryStore
	History  History
	Facts    Facts
}

// Config tunes a coordinator.
type Config struct {
	Persona         string
	ClassifierModel string

	// RecallK is how many long-term memories are recalled. Default: 3.
	RecallK int

	// HistoryWindow limits the turns sent to the model. Zero sends all.
	HistoryWindow int

	ContextThreshold   float64
	WorkbenchThreshold float64
	WorkbenchMaxBlocks int

	Cascade router.CascadeConfig
	Archive archive.Config
}

func (c *Config) applyDefaults() {
	if c.RecallK <= 0 {
		c.RecallK = 3
	}
}

// Turn describes one completed generation.
type Turn struct {
	RequestID string
	Model     string
	Plan      ActionPlan
	Reply     string
	Elapsed   time.Duration
}

// Coordinator owns everything about one user's live conversation. Turns
// are processed one at a time.
type Coordinator struct {
	user string
	deps Deps
	cfg  Config

	classifier *Classifier
	topics     *topic.Contextualizer
	workbench  *Workbench
	cascade    *router.Cascade
	predictive *archive.TagSet
	session    *archive.TagSet
	worker     *archive.Worker

	turnMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error

	logger *slog.Logger
}

// NewCoordinator creates and starts a coordinator for user. Its archival
// worker runs detached from any request so a disconnect never aborts an
// archival already queued; Close drains it.
func NewCoordinator(user string, deps Deps, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user", user)

	c := &Coordinator{
		user:       user,
		deps:       deps,
		cfg:        cfg,
		classifier: NewClassifier(deps.Client, cfg.ClassifierModel, deps.Router.Specialties(), cfg.Cascade.CallTimeout, logger),
		topics:     topic.New(deps.Embedder, cfg.ContextThreshold, logger),
		workbench:  NewWorkbench(cfg.WorkbenchThreshold, cfg.WorkbenchMaxBlocks),
		cascade:    router.NewCascade(cfg.Cascade, logger),
		predictive: &archive.TagSet{},
		session:    &archive.TagSet{},
		logger:     logger.With("component", "coordinator"),
	}

	pipeline := archive.NewPipeline(deps.Client, deps.Embedder, deps.Memory, c.predictive, c.session, logger, cfg.Archive)
	c.worker = archive.NewWorker(pipeline, cfg.Archive.QueueSize, logger)
	c.worker.Start(context.Background())
	return c
}

// User returns the user this coordinator serves.
func (c *Coordinator) User() string { return c.user }

// History returns the full durable history.
func (c *Coordinator) History() ([]llm.Message, error) {
	return c.deps.History.Load()
}

// HandleMessage records a user message and generates the reply.
func (c *Coordinator) HandleMessage(ctx context.Context, text string, emit llm.StreamFunc) (Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, ErrEmptyMessage
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	if err := c.deps.History.Append(llm.UserMessage(text)); err != nil {
		return Turn{}, fmt.Errorf("record user message: %w", err)
	}
	return c.generate(ctx, emit)
}

// Generate replies to the stored history as it stands.
func (c *Coordinator) Generate(ctx context.Context, emit llm.StreamFunc) (Turn, error) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	return c.generate(ctx, emit)
}

func (c *Coordinator) generate(ctx context.Context, emit llm.StreamFunc) (Turn, error) {
	start := time.Now()

	history, err := c.deps.History.Load()
	if err != nil {
		return Turn{}, fmt.Errorf("load history: %w", err)
	}
	facts, err := c.deps.Facts.Load()
	if err != nil {
		c.logger.Warn("facts unavailable", "error", err)
		facts = nil
	}
	system := prompts.SystemInstruction(c.cfg.Persona, facts)

	if len(history) == 0 {
		emit(prompts.EmptyHistoryMessage)
		emit(llm.StreamEnd)
		return Turn{Plan: DefaultPlan(), Reply: prompts.EmptyHistoryMessage}, nil
	}

	plan := c.classifier.Classify(ctx, history)

	if len(plan.ExtractedFacts) > 0 {
		if _, err := c.deps.Facts.Merge(plan.ExtractedFacts); err != nil {
			c.logger.Warn("fact merge failed", "error", err)
		} else {
			c.logger.Debug("facts merged", "keys", len(plan.ExtractedFacts))
		}
	}

	lastUser, hasUser := lastUserMessage(history)
	if hasUser {
		if closed, ok := c.topics.Observe(ctx, lastUser, plan.Tags); ok {
			c.workbench.Add(*closed)
			c.worker.Enqueue(*closed)
		}
	}

	c.predictive.Add(plan.Tags...)

	prompt := c.window(history)
	if snippet, ok := c.workbench.Consult(plan.Tags); ok {
		prompt = append(prompt, llm.UserMessage(snippet))
	}
	if plan.NeedsLongTermMemory && hasUser {
		if recalled := c.recall(ctx, lastUser.Text); recalled != "" {
			prompt = append(prompt, llm.UserMessage(recalled))
		}
	}

	models, decision := c.deps.Router.Resolve(plan.Specialty)

	var reply strings.Builder
	attempt := func(ctx context.Context, model string, out llm.StreamFunc) error {
		reply.Reset()
		return c.deps.Client.CompleteStream(ctx, model, prompt, system, func(chunk string) {
			reply.WriteString(chunk)
			out(chunk)
		})
	}

	// The last chunk before the end marker is the cascade's failure
	// notice when every model fails.
	var notice string
	out := func(chunk string) {
		if chunk != llm.StreamEnd {
			notice = chunk
		}
		emit(chunk)
	}

	model, err := c.cascade.Run(ctx, models, attempt, out)
	elapsed := time.Since(start)
	c.deps.Router.RecordOutcome(decision.RequestID, model, elapsed, err)

	turn := Turn{RequestID: decision.RequestID, Model: model, Plan: plan, Elapsed: elapsed}
	if err != nil {
		c.logger.Warn("turn failed", "request_id", decision.RequestID, "error", err)
		// A cancelled stream never completed, so nothing is recorded. A
		// stream that ended in the failure notice did, and the notice is
		// the model's turn.
		if errors.Is(err, router.ErrAllModelsFailed) {
			c.recordModelTurn(decision.RequestID, notice)
		}
		return turn, err
	}

	turn.Reply = reply.String()
	c.recordModelTurn(decision.RequestID, turn.Reply)

	c.logger.Info("turn completed",
		"request_id", decision.RequestID,
		"model", model,
		"specialty", plan.Specialty,
		"reply_len", len(turn.Reply),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return turn, nil
}

// recordModelTurn appends a completed stream's text to the durable
// history and to the open topic block.
func (c *Coordinator) recordModelTurn(requestID, text string) {
	answer := llm.ModelMessage(text)
	if err := c.deps.History.Append(answer); err != nil {
		c.logger.Error("model reply not persisted", "request_id", requestID, "error", err)
	}
	c.topics.AppendModelTurn(answer)
}

// window trims history to the configured window. The returned slice is
// always a fresh copy the caller may append to.
func (c *Coordinator) window(history []llm.Message) []llm.Message {
	if c.cfg.HistoryWindow > 0 && len(history) > c.cfg.HistoryWindow {
		history = history[len(history)-c.cfg.HistoryWindow:]
	}
	return append([]llm.Message(nil), history...)
}

// recall renders the memories closest to text, or "" when there are
// none or retrieval failed.
func (c *Coordinator) recall(ctx context.Context, text string) string {
	records, err := c.Recall(ctx, text, c.cfg.RecallK)
	if err != nil {
		c.logger.Warn("recall skipped", "error", err)
		return ""
	}
	if len(records) == 0 {
		return ""
	}

	memories := make([]prompts.Recollection, len(records))
	for i, r := range records {
		memories[i] = prompts.Recollection{Tags: r.Tags, Summary: r.Summary}
	}
	c.logger.Debug("memories recalled", "count", len(records))
	return prompts.RecalledMemories(memories)
}

// Recall returns up to k memories closest to query.
func (c *Coordinator) Recall(ctx context.Context, query string, k int) ([]memory.Record, error) {
	if k <= 0 {
		k = c.cfg.RecallK
	}
	vec, err := c.deps.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return c.deps.Memory.Search(ctx, vec, k), nil
}

// Status summarizes the coordinator's in-memory state.
type Status struct {
	User           string   `json:"user"`
	OpenBlock      int      `json:"open_block_messages"`
	TopicTags      []string `json:"topic_tags"`
	WorkbenchSize  int      `json:"workbench_blocks"`
	SessionTags    []string `json:"session_tags"`
	LockedModels   []string `json:"locked_models"`
	Turns          int      `json:"turns"`
	ArchivePending int      `json:"archive_pending"`
	ArchiveDropped int64    `json:"archive_dropped"`
}

// Status returns a snapshot of the coordinator's state.
func (c *Coordinator) Status() Status {
	open := c.topics.Snapshot()
	return Status{
		User:           c.user,
		OpenBlock:      len(open.Messages),
		TopicTags:      open.Tags,
		WorkbenchSize:  c.workbench.Len(),
		SessionTags:    c.session.Items(),
		LockedModels:   c.cascade.Locked(),
		Turns:          c.cascade.Turns(),
		ArchivePending: c.worker.Pending(),
		ArchiveDropped: c.worker.Dropped(),
	}
}

// Close waits for queued archival to finish and closes the memory
// store. It is safe to call more than once.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.worker.Stop()
		if err := c.deps.Memory.Close(); err != nil {
			c.closeErr = fmt.Errorf("close memory of %s: %w", c.user, err)
		}
		c.logger.Debug("coordinator closed")
	})
	return c.closeErr
}

func lastUserMessage(history []llm.Message) (llm.Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleUser {
			return history[i], true
		}
	}
	return llm.Message{}, false
}
