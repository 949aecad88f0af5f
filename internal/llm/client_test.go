package llm

import "testing"

func TestTranscript(t *testing.T) {
	got := Transcript([]Message{UserMessage("hi"), ModelMessage("hello"), UserMessage("bye")})
	want := "user: hi\nmodel: hello\nuser: bye"
	if got != want {
		t.Errorf("Transcript() = %q, want %q", got, want)
	}
	if got := Transcript(nil); got != "" {
		t.Errorf("Transcript(nil) = %q, want empty", got)
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"padded", "  {\"a\":1}\n", `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[\"x\"]\n```", `["x"]`},
		{"fence without close", "```json\n{\"a\":1}", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripCodeFence(tt.in); got != tt.want {
				t.Errorf("StripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
