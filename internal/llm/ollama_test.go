package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaClient_Complete(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"model":"llama3","message":{"role":"assistant","content":"{\"ok\":true}"},"done":true}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	out, err := c.Complete(context.Background(), "llama3",
		[]Message{UserMessage("hi"), ModelMessage("hello"), UserMessage("json please")},
		"be brief", true)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != `{"ok":true}` {
		t.Errorf("Complete() = %q", out)
	}

	if got.Format != "json" {
		t.Errorf("format = %q, want json", got.Format)
	}
	if got.Stream {
		t.Error("stream should be false for Complete")
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(got.Messages), len(wantRoles))
	}
	for i, role := range wantRoles {
		if got.Messages[i].Role != role {
			t.Errorf("messages[%d].role = %q, want %q", i, got.Messages[i].Role, role)
		}
	}
}

func TestOllamaClient_CompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"eval_count":2}`,
		}
		fmt.Fprint(w, strings.Join(lines, "\n"))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	var chunks []string
	err := c.CompleteStream(context.Background(), "llama3", []Message{UserMessage("hi")}, "", func(s string) {
		chunks = append(chunks, s)
	})
	if err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}
	if strings.Join(chunks, "|") != "Hel|lo" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestOllamaClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.Error(w, "model not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	_, err := c.Complete(context.Background(), "missing", []Message{UserMessage("hi")}, "", false)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Complete() error = %v, want 404", err)
	}
	if err := c.CompleteStream(context.Background(), "missing", []Message{UserMessage("hi")}, "", func(string) {}); err == nil {
		t.Error("CompleteStream() should fail on 404")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() should fail on 503")
	}
}

func TestOllamaClient_StreamErrorObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"content":"par"},"done":false}`+"\n"+`{"error":"out of memory"}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	var got string
	err := c.CompleteStream(context.Background(), "llama3", []Message{UserMessage("hi")}, "", func(s string) { got += s })
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Errorf("CompleteStream() error = %v, want out of memory", err)
	}
	if got != "par" {
		t.Errorf("partial output = %q, want par", got)
	}
}
