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

func TestGeminiClient_Complete(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-1.5-flash-latest:generateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if key := r.Header.Get("x-goog-api-key"); key != "g-key" {
			t.Errorf("api key header = %q", key)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"tags\":"},{"text":"[]}"}]}}]}`)
	}))
	defer srv.Close()

	c := NewGeminiClient("g-key", srv.URL, nil)
	out, err := c.Complete(context.Background(), "gemini-1.5-flash-latest",
		[]Message{UserMessage("hi"), ModelMessage("hello")}, "persona", true)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != `{"tags":[]}` {
		t.Errorf("Complete() = %q", out)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "persona" {
		t.Errorf("systemInstruction = %+v", got.SystemInstruction)
	}
	if got.GenerationConfig == nil || got.GenerationConfig.ResponseMIMEType != "application/json" {
		t.Errorf("generationConfig = %+v", got.GenerationConfig)
	}
	if len(got.Contents) != 2 || got.Contents[1].Role != RoleModel {
		t.Errorf("contents = %+v", got.Contents)
	}
}

func TestGeminiClient_CompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("alt = %q, want sse", r.URL.Query().Get("alt"))
		}
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Good \"}]}}]}\r\n\r\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"morning\"}]},\"finishReason\":\"STOP\"}]}\r\n\r\n")
	}))
	defer srv.Close()

	c := NewGeminiClient("g-key", srv.URL, nil)
	var chunks []string
	if err := c.CompleteStream(context.Background(), "gemini-1.5-pro-latest", []Message{UserMessage("hi")}, "", func(s string) {
		chunks = append(chunks, s)
	}); err != nil {
		t.Fatalf("CompleteStream() error = %v", err)
	}
	if strings.Join(chunks, "|") != "Good |morning" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestGeminiClient_Blocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer srv.Close()

	c := NewGeminiClient("g-key", srv.URL, nil)
	_, err := c.Complete(context.Background(), "gemini-1.5-pro-latest", []Message{UserMessage("hi")}, "", false)
	if err == nil || !strings.Contains(err.Error(), "SAFETY") {
		t.Errorf("Complete() error = %v, want SAFETY block", err)
	}
}
