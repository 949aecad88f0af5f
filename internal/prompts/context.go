package prompts

import (
	"fmt"
	"strings"
)

// SessionContext renders a workbench block as an inline snippet:
//
//	<SESSION_CONTEXT (Topics: a, b)>
//	user: ...
//	model: ...
//	</SESSION_CONTEXT>
//
// lines holds the block's turns already formatted as "role: text".
func SessionContext(topics []string, lines string) string {
	var b strings.Builder
	b.WriteString("<SESSION_CONTEXT (Topics: ")
	b.WriteString(strings.Join(topics, ", "))
	b.WriteString(")>\n")
	b.WriteString(lines)
	b.WriteString("\n</SESSION_CONTEXT>")
	return b.String()
}

// Recollection is one recalled memory for RecalledMemories.
type Recollection struct {
	Tags    []string
	Summary string
}

// RecalledMemories renders long-term memories as a reminder block.
func RecalledMemories(memories []Recollection) string {
	var b strings.Builder
	b.WriteString("<RECALLED_MEMORIES>\n")
	for _, m := range memories {
		b.WriteString("- Reminder from a previous conversation (Topics: ")
		b.WriteString(strings.Join(m.Tags, ", "))
		b.WriteString("): ")
		b.WriteString(m.Summary)
		b.WriteByte('\n')
	}
	b.WriteString("</RECALLED_MEMORIES>")
	return b.String()
}

// AllModelsFailed is the terminal chunk when every model in every round
// failed.
func AllModelsFailed(rounds int, lastErr error) string {
	msg := "unknown error"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return fmt.Sprintf("Error: all models failed after %d attempts. Last error: %s", rounds, msg)
}
