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

func TestOpenAIClient_Complete(t *testing.T) {
	var got openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	out, err := c.Complete(context.Background(), "gpt-4o", []Message{UserMessage("hi"), ModelMessage("yo"), UserMessage("again")}, "sys", true)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != "hi there" {
		t.Errorf("Complete() = %q", out)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v, want json_object", got.ResponseFormat)
	}
	if got.Messages[0].Role != "system" || got.Messages[2].Role != "assistant" {
		t.Errorf("roles = %+v", got.Messages)
	}
}

func TestOpenAIClient_CompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n")
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL, nil)
	var chunks []string
	if err := c.CompleteStream(context.Background(), "gpt-4o", []Message{UserMessage("hi")}, "", func(s string) {
		chunks = append(chunks, s)
	}); err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}
	if strings.Join(chunks, "") != "Hello world" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestOpenAIClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAIClient("bad", srv.URL, nil)
	_, err := c.Complete(context.Background(), "gpt-4o", []Message{UserMessage("hi")}, "", false)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Complete() error = %v, want 401", err)
	}
}
