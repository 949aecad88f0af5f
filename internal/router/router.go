// Package router ranks the model catalog for a task specialty and runs
// the resulting cascade, locking models that fail.
package router

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Model is one catalog entry.
type Model struct {
	Name     string         // Model identifier (e.g., "gemini-1.5-flash-latest")
	Provider string         // "gemini", "openai", "anthropic" or "ollama"
	Rankings map[string]int // Specialty → fitness score, higher is better
}

// Config holds router configuration.
type Config struct {
	Models         []Model  // Catalog, in preference order for ties
	DefaultCascade []string // Used when no model is ranked for a specialty
	MaxAuditLog    int      // How many decisions to keep in memory

	// Enabled lists the configured providers. Models from any other
	// provider are never ranked. Nil enables every provider.
	Enabled []string
}

// Decision records how a cascade was chosen and, once known, how the
// turn went.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Specialty string    `json:"specialty"`

	Scores   map[string]int `json:"scores,omitempty"`
	Disabled []string       `json:"disabled,omitempty"` // Ranked but provider not configured
	Cascade  []string       `json:"cascade"`
	Fallback bool           `json:"fallback"` // Default cascade used

	Reasoning string `json:"reasoning"`

	// Post-execution (filled in later)
	ModelUsed string `json:"model_used,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests   int64            `json:"total_requests"`
	Fallbacks       int64            `json:"fallbacks"`
	Failures        int64            `json:"failures"`
	SpecialtyCounts map[string]int64 `json:"specialty_counts"`
	ModelCounts     map[string]int64 `json:"model_counts"`
	AvgLatencyMs    map[string]int64 `json:"avg_latency_ms"`
}

// Router resolves specialties to model cascades.
type Router struct {
	logger  *slog.Logger
	config  Config
	enabled map[string]bool

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	var enabled map[string]bool
	if config.Enabled != nil {
		enabled = make(map[string]bool, len(config.Enabled))
		for _, p := range config.Enabled {
			enabled[p] = true
		}
	}

	return &Router{
		logger:   logger.With("component", "router"),
		config:   config,
		enabled:  enabled,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			SpecialtyCounts: make(map[string]int64),
			ModelCounts:     make(map[string]int64),
			AvgLatencyMs:    make(map[string]int64),
		},
	}
}

// Specialties returns every specialty ranked by at least one model,
// sorted.
func (r *Router) Specialties() []string {
	seen := make(map[string]bool)
	for _, m := range r.config.Models {
		for s := range m.Rankings {
			seen[s] = true
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Resolve returns the models to try for specialty, best first. Models
// are ordered by descending score with catalog order breaking ties.
// When no enabled model ranks the specialty, the default cascade is
// returned.
func (r *Router) Resolve(specialty string) ([]string, Decision) {
	decision := Decision{
		RequestID: generateRequestID(),
		Timestamp: time.Now(),
		Specialty: specialty,
		Scores:    make(map[string]int),
	}

	type ranked struct {
		name  string
		score int
	}
	var candidates []ranked
	for _, m := range r.config.Models {
		score, ok := m.Rankings[specialty]
		if !ok {
			continue
		}
		if r.enabled != nil && !r.enabled[m.Provider] {
			decision.Disabled = append(decision.Disabled, m.Name)
			continue
		}
		decision.Scores[m.Name] = score
		candidates = append(candidates, ranked{m.Name, score})
	}

	var reasoning strings.Builder
	if len(candidates) == 0 {
		decision.Fallback = true
		decision.Cascade = slices.Clone(r.config.DefaultCascade)
		reasoning.WriteString("No enabled model ranked for " + strconv.Quote(specialty) + ", using default cascade.")
	} else {
		slices.SortStableFunc(candidates, func(a, b ranked) int {
			return cmp.Compare(b.score, a.score)
		})
		for _, c := range candidates {
			decision.Cascade = append(decision.Cascade, c.name)
		}
		fmt.Fprintf(&reasoning, "Ranked %d model(s) for %s; %s leads (score=%d).",
			len(candidates), specialty, candidates[0].name, candidates[0].score)
	}
	if len(decision.Disabled) > 0 {
		reasoning.WriteString(" Provider not configured for: " + strings.Join(decision.Disabled, ", ") + ".")
	}
	decision.Reasoning = reasoning.String()

	r.recordDecision(decision)

	r.logger.Debug("cascade resolved",
		"request_id", decision.RequestID,
		"specialty", specialty,
		"cascade", decision.Cascade,
		"fallback", decision.Fallback,
	)

	return slices.Clone(decision.Cascade), decision
}

// RecordOutcome updates a decision with execution results. err is nil
// on success.
func (r *Router) RecordOutcome(requestID, model string, latency time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID != requestID {
			continue
		}
		success := err == nil
		d := &r.auditLog[i]
		d.ModelUsed = model
		d.LatencyMs = latency.Milliseconds()
		d.Success = &success
		if err != nil {
			d.Error = err.Error()
			r.stats.Failures++
			return
		}

		r.stats.ModelCounts[model]++
		if prev, ok := r.stats.AvgLatencyMs[model]; ok {
			r.stats.AvgLatencyMs[model] = (prev + d.LatencyMs) / 2
		} else {
			r.stats.AvgLatencyMs[model] = d.LatencyMs
		}
		return
	}
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Trim if over capacity
	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}

	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.SpecialtyCounts[d.Specialty]++
	if d.Fallback {
		r.stats.Fallbacks++
	}
}

// AuditLog returns up to limit recent decisions, oldest first. A limit
// of zero or less returns the whole log.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// Stats returns a snapshot of routing statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	s.SpecialtyCounts = maps.Clone(r.stats.SpecialtyCounts)
	s.ModelCounts = maps.Clone(r.stats.ModelCounts)
	s.AvgLatencyMs = maps.Clone(r.stats.AvgLatencyMs)
	return s
}

// Explain returns details about why a specific decision was made.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}

func generateRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
