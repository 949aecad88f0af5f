package router

import (
	"errors"
	"log/slog"
	"slices"
	"testing"
	"time"
)

func testCatalog() []Model {
	return []Model{
		{Name: "pro", Provider: "gemini", Rankings: map[string]int{"conversation": 8, "code_generation": 10}},
		{Name: "flash", Provider: "gemini", Rankings: map[string]int{"conversation": 10, "code_generation": 8}},
		{Name: "gpt", Provider: "openai", Rankings: map[string]int{"conversation": 9, "code_generation": 10}},
		{Name: "local", Provider: "ollama", Rankings: map[string]int{"summaries": 5}},
	}
}

func newTestRouter(enabled ...string) *Router {
	cfg := Config{
		Models:         testCatalog(),
		DefaultCascade: []string{"flash"},
		MaxAuditLog:    10,
	}
	if enabled != nil {
		cfg.Enabled = enabled
	}
	return NewRouter(slog.Default(), cfg)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name         string
		enabled      []string
		specialty    string
		want         []string
		wantFallback bool
	}{
		{name: "ranked by score", specialty: "conversation", want: []string{"flash", "gpt", "pro"}},
		{name: "ties keep catalog order", specialty: "code_generation", want: []string{"pro", "gpt", "flash"}},
		{name: "unknown specialty", specialty: "astrology", want: []string{"flash"}, wantFallback: true},
		{name: "empty specialty", specialty: "", want: []string{"flash"}, wantFallback: true},
		{name: "disabled provider skipped", enabled: []string{"openai"}, specialty: "conversation", want: []string{"gpt"}},
		{name: "no enabled model ranked", enabled: []string{"anthropic"}, specialty: "conversation", want: []string{"flash"}, wantFallback: true},
		{name: "single model", specialty: "summaries", want: []string{"local"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(tt.enabled...)
			got, decision := r.Resolve(tt.specialty)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Resolve(%q) = %v, want %v", tt.specialty, got, tt.want)
			}
			if decision.Fallback != tt.wantFallback {
				t.Errorf("Fallback = %v, want %v", decision.Fallback, tt.wantFallback)
			}
			if decision.RequestID == "" || decision.Reasoning == "" {
				t.Errorf("decision missing id or reasoning: %+v", decision)
			}
		})
	}
}

func TestResolve_RecordsDisabledModels(t *testing.T) {
	r := newTestRouter("openai")
	_, decision := r.Resolve("conversation")
	if !slices.Equal(decision.Disabled, []string{"pro", "flash"}) {
		t.Errorf("Disabled = %v, want [pro flash]", decision.Disabled)
	}
	if _, ok := decision.Scores["pro"]; ok {
		t.Error("disabled model should not be scored")
	}
}

func TestResolve_ReturnsCopy(t *testing.T) {
	r := newTestRouter()
	got, decision := r.Resolve("astrology")
	got[0] = "mutated"
	if r.config.DefaultCascade[0] != "flash" || decision.Cascade[0] != "flash" {
		t.Error("Resolve should not share slices with its caller")
	}
}

func TestSpecialties(t *testing.T) {
	r := newTestRouter()
	want := []string{"code_generation", "conversation", "summaries"}
	if got := r.Specialties(); !slices.Equal(got, want) {
		t.Errorf("Specialties() = %v, want %v", got, want)
	}
}

func TestAuditLog(t *testing.T) {
	r := newTestRouter()
	var last Decision
	for range 15 {
		_, last = r.Resolve("conversation")
	}

	log := r.AuditLog(0)
	if len(log) != 10 {
		t.Fatalf("AuditLog(0) has %d entries, want 10 (bounded)", len(log))
	}
	if log[len(log)-1].RequestID != last.RequestID {
		t.Error("newest decision should be last")
	}
	if got := r.AuditLog(3); len(got) != 3 || got[2].RequestID != last.RequestID {
		t.Errorf("AuditLog(3) = %d entries", len(got))
	}

	if d := r.Explain(last.RequestID); d == nil || d.Specialty != "conversation" {
		t.Errorf("Explain() = %+v", d)
	}
	if d := r.Explain("nope"); d != nil {
		t.Errorf("Explain(unknown) = %+v, want nil", d)
	}
}

func TestRecordOutcome(t *testing.T) {
	r := newTestRouter()
	_, ok1 := r.Resolve("conversation")
	_, ok2 := r.Resolve("conversation")
	_, bad := r.Resolve("astrology")

	r.RecordOutcome(ok1.RequestID, "flash", 100*time.Millisecond, nil)
	r.RecordOutcome(ok2.RequestID, "flash", 300*time.Millisecond, nil)
	r.RecordOutcome(bad.RequestID, "", time.Second, errors.New("boom"))
	r.RecordOutcome("missing", "flash", time.Second, nil)

	stats := r.Stats()
	if stats.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", stats.TotalRequests)
	}
	if stats.Fallbacks != 1 || stats.Failures != 1 {
		t.Errorf("Fallbacks = %d, Failures = %d, want 1 and 1", stats.Fallbacks, stats.Failures)
	}
	if stats.ModelCounts["flash"] != 2 {
		t.Errorf("ModelCounts[flash] = %d, want 2", stats.ModelCounts["flash"])
	}
	if stats.AvgLatencyMs["flash"] != 200 {
		t.Errorf("AvgLatencyMs[flash] = %d, want 200", stats.AvgLatencyMs["flash"])
	}
	if stats.SpecialtyCounts["conversation"] != 2 {
		t.Errorf("SpecialtyCounts = %v", stats.SpecialtyCounts)
	}

	d := r.Explain(bad.RequestID)
	if d.Success == nil || *d.Success || d.Error != "boom" {
		t.Errorf("failed outcome not recorded: %+v", d)
	}

	// Stats is a snapshot.
	stats.ModelCounts["flash"] = 99
	if r.Stats().ModelCounts["flash"] != 2 {
		t.Error("Stats() should return copies of its maps")
	}
}
