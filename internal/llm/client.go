// Package llm provides the text-completion capability behind a small
// provider-neutral interface, with one implementation per supported
// provider.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Conversation roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// StreamEnd terminates every chunk sequence handed to a transport.
const StreamEnd = "[STREAM_END]"

// Errors shared by providers.
var (
	ErrNoProvider    = errors.New("no provider configured for model")
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// Message is one conversation turn.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// UserMessage is shorthand for a user turn.
func UserMessage(text string) Message { return Message{Role: RoleUser, Text: text} }

// ModelMessage is shorthand for a model turn.
func ModelMessage(text string) Message { return Message{Role: RoleModel, Text: text} }

// StreamFunc receives streamed text chunks in order.
type StreamFunc func(chunk string)

// Client is the interface that all LLM providers implement.
type Client interface {
	// Complete returns the whole completion at once. When jsonMode is set
	// the provider is asked to constrain its output to a JSON document.
	Complete(ctx context.Context, model string, history []Message, system string, jsonMode bool) (string, error)

	// CompleteStream delivers the completion to fn chunk by chunk and
	// returns once the provider signals the end of the stream.
	CompleteStream(ctx context.Context, model string, history []Message, system string, fn StreamFunc) error

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Transcript renders messages as "role: text" lines.
func Transcript(msgs []Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text)
	}
	return b.String()
}

// StripCodeFence removes a surrounding markdown code fence, which models
// often wrap around JSON even when asked not to.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line ("json", "JSON", ...).
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
