package prompts

import (
	"errors"
	"strings"
	"testing"
)

func TestSystemInstruction(t *testing.T) {
	t.Run("default persona without facts", func(t *testing.T) {
		got := SystemInstruction("", nil)
		if got != DefaultPersona {
			t.Errorf("got %q, want DefaultPersona", got)
		}
	})

	t.Run("custom persona", func(t *testing.T) {
		if got := SystemInstruction("You are terse.", map[string]any{}); got != "You are terse." {
			t.Errorf("got %q", got)
		}
	})

	t.Run("facts appended", func(t *testing.T) {
		got := SystemInstruction("", map[string]any{"name": "Ana", "likes": []string{"tea"}})
		for _, phrase := range []string{
			DefaultPersona,
			"--- ADDITIONAL INFORMATION YOU ALREADY KNOW ---",
			"Known Facts:",
			`"name": "Ana"`,
			"--- END OF ADDITIONAL INFORMATION ---",
		} {
			if !strings.Contains(got, phrase) {
				t.Errorf("instruction missing %q", phrase)
			}
		}
	})
}

func TestClassifierInstruction(t *testing.T) {
	got := ClassifierInstruction([]string{"conversation", "code_generation"})
	for _, phrase := range []string{
		"['conversation', 'code_generation']",
		`"needs_long_term_memory"`,
		`"extracted_facts"`,
		"1-3",
	} {
		if !strings.Contains(got, phrase) {
			t.Errorf("classifier instruction missing %q", phrase)
		}
	}
}

func TestTaggerInstruction(t *testing.T) {
	bare := TaggerInstruction(nil, nil)
	if strings.Contains(bare, "MASTER VOCABULARY") || strings.Contains(bare, "SESSION TAGS") {
		t.Error("empty lists should drop their sections")
	}
	if !strings.Contains(bare, TaggingRules) || !strings.Contains(bare, "JSON array of strings") {
		t.Error("rules or output format missing")
	}

	full := TaggerInstruction([]string{"travel", "japan"}, []string{"ramen"})
	for _, phrase := range []string{"[travel, japan]", "[ramen]", "Strongly prioritize reusing"} {
		if !strings.Contains(full, phrase) {
			t.Errorf("tagger instruction missing %q", phrase)
		}
	}

	input := TaggerInput("User plans a trip.", []string{"trip", "japan"})
	if !strings.Contains(input, "---\nUser plans a trip.\n---") || !strings.Contains(input, "[trip, japan]") {
		t.Errorf("TaggerInput() = %q", input)
	}
}

func TestSessionContext(t *testing.T) {
	got := SessionContext([]string{"cooking", "pasta"}, "user: hi\nmodel: hello")
	want := "<SESSION_CONTEXT (Topics: cooking, pasta)>\nuser: hi\nmodel: hello\n</SESSION_CONTEXT>"
	if got != want {
		t.Errorf("SessionContext() = %q, want %q", got, want)
	}
}

func TestRecalledMemories(t *testing.T) {
	got := RecalledMemories([]Recollection{
		{Tags: []string{"travel"}, Summary: "User visited Kyoto."},
		{Tags: []string{"food", "ramen"}, Summary: "User loves ramen."},
	})
	want := "<RECALLED_MEMORIES>\n" +
		"- Reminder from a previous conversation (Topics: travel): User visited Kyoto.\n" +
		"- Reminder from a previous conversation (Topics: food, ramen): User loves ramen.\n" +
		"</RECALLED_MEMORIES>"
	if got != want {
		t.Errorf("RecalledMemories() = %q, want %q", got, want)
	}
}

func TestAllModelsFailed(t *testing.T) {
	got := AllModelsFailed(3, errors.New("quota exceeded"))
	if got != "Error: all models failed after 3 attempts. Last error: quota exceeded" {
		t.Errorf("AllModelsFailed() = %q", got)
	}
}
