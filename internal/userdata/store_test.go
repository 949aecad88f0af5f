package userdata

import (
	"path/filepath"
	"testing"

	"github.com/nugget/kiku/internal/llm"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "userdata.bolt")
	s := openTestStore(t, path)

	h := s.History("alice")
	msgs, err := h.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("empty Load() = %#v, want empty non-nil slice", msgs)
	}

	turns := []llm.Message{
		llm.UserMessage("hello"),
		llm.ModelMessage("hi!"),
		llm.UserMessage("how are you"),
	}
	for _, m := range turns {
		if err := h.Append(m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	// Another user's history stays separate.
	if err := s.History("bob").Append(llm.UserMessage("other")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := h.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != len(turns) {
		t.Fatalf("Load() returned %d messages, want %d", len(got), len(turns))
	}
	for i := range turns {
		if got[i] != turns[i] {
			t.Errorf("message %d = %+v, want %+v", i, got[i], turns[i])
		}
	}

	users, err := s.Users()
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("Users() = %v", users)
	}

	if err := h.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if got, _ := h.Load(); len(got) != 0 {
		t.Errorf("Load() after Clear = %v", got)
	}
}

func TestHistory_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userdata.bolt")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.History("alice").Append(llm.UserMessage("remember me"))
	s.Close()

	reopened := openTestStore(t, path)
	got, err := reopened.History("alice").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 1 || got[0].Text != "remember me" {
		t.Errorf("Load() = %v", got)
	}
}

func TestFacts_Merge(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "userdata.bolt"))
	f := s.Facts("alice")

	facts, err := f.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(facts) != 0 {
		t.Errorf("empty Load() = %v", facts)
	}

	if _, err := f.Merge(map[string]any{"name": "Alice", "city": "Paris"}); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	merged, err := f.Merge(map[string]any{"city": "Lyon", "pet": "cat"})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	want := map[string]any{"name": "Alice", "city": "Lyon", "pet": "cat"}
	loaded, _ := f.Load()
	for _, got := range []map[string]any{merged, loaded} {
		if len(got) != len(want) {
			t.Errorf("facts = %v, want %v", got, want)
			continue
		}
		for k, v := range want {
			if got[k] != v {
				t.Errorf("facts[%q] = %v, want %v", k, got[k], v)
			}
		}
	}

	if _, err := s.Facts("").Merge(map[string]any{"x": 1}); err == nil {
		t.Error("Merge() for empty user should fail")
	}
}
