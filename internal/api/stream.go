package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nugget/kiku/internal/llm"
	"github.com/nugget/kiku/internal/orchestrator"
	"github.com/nugget/kiku/internal/router"
)

// Frame types of the chat protocol, shared by the SSE stream and the
// websocket.
const (
	FrameLoadHistory = "load_history"
	FrameNewMessage  = "new_message"
	FrameStreamStart = "stream_start"
	FrameStreamChunk = "stream_chunk"
	FrameStreamEnd   = "stream_end"
	FrameError       = "error"
)

// Frame is one protocol message.
type Frame struct {
	Type      string        `json:"type"`
	Message   string        `json:"message,omitempty"`    // new_message
	Data      string        `json:"data,omitempty"`       // stream_chunk
	History   []llm.Message `json:"history,omitempty"`    // load_history
	Model     string        `json:"model,omitempty"`      // stream_end
	RequestID string        `json:"request_id,omitempty"` // stream_end
	Error     string        `json:"error,omitempty"`
}

// MessageRequest is the body of POST /v1/users/{user}/messages.
type MessageRequest struct {
	Message string `json:"message"`
	Stream  *bool  `json:"stream,omitempty"` // Default true
}

// MessageResponse is the non-streaming reply.
type MessageResponse struct {
	Reply     string `json:"reply"`
	Model     string `json:"model"`
	RequestID string `json:"request_id"`
}

// sendFunc delivers one frame to a client.
type sendFunc func(Frame) error

// converse runs one user message and reports it as a stream_start,
// stream_chunk..., stream_end sequence. The end-of-stream marker is
// translated into stream_end rather than forwarded.
func (s *Server) converse(ctx context.Context, user, text string, send sendFunc) {
	if err := send(Frame{Type: FrameStreamStart}); err != nil {
		return
	}

	emit := func(chunk string) {
		if chunk == llm.StreamEnd {
			return
		}
		if err := send(Frame{Type: FrameStreamChunk, Data: chunk}); err != nil {
			s.logger.Debug("chunk not delivered", "user", user, "error", err)
		}
	}

	turn, err := s.sessions.OnUserMessage(ctx, user, text, emit)
	switch {
	case err == nil, errors.Is(err, router.ErrAllModelsFailed):
		// The cascade has already streamed its own error text.
	case ctx.Err() != nil:
		s.logger.Debug("client went away mid-turn", "user", user)
		return
	default:
		s.logger.Error("turn failed", "user", user, "error", err)
		send(Frame{Type: FrameError, Error: publicError(err)})
	}
	send(Frame{Type: FrameStreamEnd, Model: turn.Model, RequestID: turn.RequestID})
}

func publicError(err error) string {
	if errors.Is(err, orchestrator.ErrEmptyMessage) {
		return "message is empty"
	}
	return "could not process message"
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	if req.Stream != nil && !*req.Stream {
		s.replyOnce(w, r, user, req.Message)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	rc := http.NewResponseController(w)

	s.converse(r.Context(), user, req.Message, func(f Frame) error {
		if err := s.writeSSE(w, f); err != nil {
			return err
		}
		flusher.Flush()
		// Slow models can go quiet for a while; keep extending the
		// write deadline as chunks arrive.
		if err := rc.SetWriteDeadline(time.Now().Add(2 * time.Minute)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
		return nil
	})

	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) replyOnce(w http.ResponseWriter, r *http.Request, user, text string) {
	var reply strings.Builder
	turn, err := s.sessions.OnUserMessage(r.Context(), user, text, func(chunk string) {
		if chunk != llm.StreamEnd {
			reply.WriteString(chunk)
		}
	})
	if err != nil && !errors.Is(err, router.ErrAllModelsFailed) {
		s.logger.Error("turn failed", "user", user, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, publicError(err))
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, reply.String())
		return
	}
	writeJSON(w, MessageResponse{
		Reply:     reply.String(),
		Model:     turn.Model,
		RequestID: turn.RequestID,
	}, s.logger)
}

func (s *Server) writeSSE(w http.ResponseWriter, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// handleSocket speaks the chat protocol over a websocket: the history is
// sent on connect, then every new_message frame is answered with a
// stream. A disconnect cancels the turn in progress.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")

	if !s.trackSocket() {
		s.errorResponse(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}
	defer s.sockets.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "user", user, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	send := func(f Frame) error {
		if err := conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
			return err
		}
		return conn.WriteJSON(f)
	}

	history, err := s.sessions.OnConnect(ctx, user)
	if err != nil {
		s.logger.Error("history replay failed", "user", user, "error", err)
		send(Frame{Type: FrameError, Error: "history unavailable"})
		return
	}
	if history == nil {
		history = []llm.Message{}
	}
	if err := send(Frame{Type: FrameLoadHistory, History: history}); err != nil {
		return
	}
	s.logger.Info("websocket connected", "user", user, "history", len(history))

	inbound := make(chan Frame)
	go func() {
		defer close(inbound)
		defer cancel()
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("websocket read ended", "user", user, "error", err)
				}
				return
			}
			select {
			case inbound <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Turns run inline, so shutdown is only noticed between turns.
	for {
		select {
		case f, ok := <-inbound:
			if !ok {
				s.logger.Info("websocket disconnected", "user", user)
				return
			}
			switch f.Type {
			case FrameNewMessage:
				if strings.TrimSpace(f.Message) == "" {
					continue
				}
				s.converse(ctx, user, f.Message, send)
			default:
				send(Frame{Type: FrameError, Error: fmt.Sprintf("unknown frame type %q", f.Type)})
			}
		case <-s.closing:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			s.logger.Info("websocket closed for shutdown", "user", user)
			return
		}
	}
}
