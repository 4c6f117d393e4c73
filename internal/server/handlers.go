package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"
	"unicode/utf8"

	"asi-llm/internal/domain"
	"asi-llm/internal/llm"
	"asi-llm/internal/types"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const indexJobTimeout = 10 * time.Minute

// readBody reads a size limited UTF-8 JSON body.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("read body failed", "error", err)
		writeError(w, http.StatusBadRequest, "error reading request body")
		return nil, false
	}
	if !utf8.Valid(body) || !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return nil, false
	}
	return body, true
}

// boolParam reads a boolean switch from the query string, falling back to
// the same field in the JSON body. ok is false when the query value is not
// a boolean; a 400 has been written then.
func boolParam(w http.ResponseWriter, r *http.Request, body []byte, name string) (value, ok bool) {
	if raw := r.URL.Query().Get(name); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s parameter: %q", name, raw))
			return false, false
		}
		return v, true
	}
	return gjson.GetBytes(body, name).Bool(), true
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	prompt := gjson.GetBytes(body, "prompt").String()
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	stream, ok := boolParam(w, r, body, "stream")
	if !ok {
		return
	}
	if !stream {
		resp, err := s.model.Complete(r.Context(), prompt)
		if err != nil {
			writeModelError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	streamer, ok := s.model.(llm.Streamer)
	if !ok {
		writeModelError(w, types.ErrStreamingUnsupported)
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}
	for chunk, err := range streamer.StreamComplete(r.Context(), prompt) {
		if err != nil {
			sse.error(err)
			return
		}
		if !sse.send(chunk) {
			return
		}
	}
	sse.done()
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	messages, err := parseMessages(gjson.GetBytes(body, "messages"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stream, ok := boolParam(w, r, body, "stream")
	if !ok {
		return
	}
	if !stream {
		resp, err := s.model.Chat(r.Context(), messages)
		if err != nil {
			writeModelError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	streamer, ok := s.model.(llm.Streamer)
	if !ok {
		writeModelError(w, types.ErrStreamingUnsupported)
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}
	for chunk, err := range streamer.StreamChat(r.Context(), messages) {
		if err != nil {
			sse.error(err)
			return
		}
		if !sse.send(chunk) {
			return
		}
	}
	sse.done()
}

// parseMessages reads [{"role": ..., "content": ...}]. Role defaults to user.
func parseMessages(v gjson.Result) ([]llm.ChatMessage, error) {
	if !v.IsArray() || len(v.Array()) == 0 {
		return nil, errors.New("messages must be a non-empty array")
	}
	var messages []llm.ChatMessage
	var parseErr error
	v.ForEach(func(_, m gjson.Result) bool {
		role := llm.MessageRole(m.Get("role").String())
		switch role {
		case "":
			role = llm.RoleUser
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool:
		default:
			parseErr = fmt.Errorf("unknown message role %q", role)
			return false
		}
		messages = append(messages, llm.ChatMessage{
			Role:       role,
			Content:    m.Get("content").String(),
			ToolCallID: m.Get("tool_call_id").String(),
		})
		return true
	})
	return messages, parseErr
}

type documentsResponse struct {
	Documents int    `json:"documents"`
	Nodes     int    `json:"nodes,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// handleInsertDocuments indexes {"documents": [...]}, replacing documents
// with the same ID. With ?async=true (or "async": true in the body) the job
// runs in the background and 202 is returned.
func (s *Server) handleInsertDocuments(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	async, ok := boolParam(w, r, body, "async")
	if !ok {
		return
	}
	var req struct {
		Documents []domain.Document `json:"documents"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid documents payload")
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "documents are required")
		return
	}
	for i := range req.Documents {
		if req.Documents[i].ID == "" {
			req.Documents[i].ID = uuid.NewString()
		}
	}

	if !async {
		n, err := s.index.Replace(r.Context(), req.Documents...)
		if err != nil {
			slog.Error("index documents failed", "error", err)
			writeError(w, http.StatusInternalServerError, "index documents failed")
			return
		}
		writeJSON(w, http.StatusOK, documentsResponse{Documents: len(req.Documents), Nodes: n})
		return
	}

	// Check capacity before starting the goroutine
	select {
	case s.sem <- struct{}{}:
	default:
		slog.Warn("indexing queue full")
		writeError(w, http.StatusServiceUnavailable, "indexing queue full")
		return
	}

	jobID := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("panic recovered in indexing job", "panic", p, "stack", string(debug.Stack()))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), indexJobTimeout)
		defer cancel()

		n, err := s.index.Replace(ctx, req.Documents...)
		if err != nil {
			slog.Error("index documents failed", "job_id", jobID, "error", err)
			return
		}
		slog.Info("indexing job finished", "job_id", jobID, "documents", len(req.Documents), "nodes", n)
	}()

	writeJSON(w, http.StatusAccepted, documentsResponse{Documents: len(req.Documents), JobID: jobID})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.index.Delete(r.Context(), id); err != nil {
		slog.Error("delete document failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "delete document failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	q := gjson.GetBytes(body, "query").String()
	if q == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	stream, ok := boolParam(w, r, body, "stream")
	if !ok {
		return
	}
	if !stream {
		resp, err := s.engine.Query(r.Context(), q)
		if err != nil {
			writeModelError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp, err := s.engine.StreamQuery(r.Context(), q)
	if err != nil {
		writeModelError(w, err)
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}
	if !sse.send(map[string]any{"source_nodes": resp.SourceNodes}) {
		return
	}
	for delta, err := range resp.Deltas {
		if err != nil {
			sse.error(err)
			return
		}
		if !sse.send(map[string]string{"delta": delta}) {
			return
		}
	}
	sse.done()
}

// sseWriter writes server-sent events, one JSON object per event.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported by connection")
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal sse event failed", "error", err)
		return false
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}

func (s *sseWriter) error(err error) {
	slog.Error("stream failed", "error", err)
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	fmt.Fprintf(s.w, "event: error\ndata: %s\n\n", b)
	s.flusher.Flush()
}

func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeModelError maps LLM and engine errors to HTTP statuses.
func writeModelError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var cfgErr *types.ConfigError
	switch {
	case errors.Is(err, types.ErrFunctionCallingUnsupported), errors.Is(err, types.ErrStreamingUnsupported):
		status = http.StatusNotImplemented
	case errors.As(err, &cfgErr):
		status = http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case types.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	slog.Error("request failed", "status", status, "error", err)
	writeError(w, status, err.Error())
}
