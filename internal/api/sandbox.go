package api

import (
	"bytes"
	"io"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/dispatch"
)

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []*dispatch.SandboxMessage `json:"messages"`
	Total    int                        `json:"total"`
}

// SandboxMessageDetailResponse is the response for GET /api/v1/sandbox/messages/{id}
type SandboxMessageDetailResponse struct {
	*dispatch.SandboxMessage
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Size    int               `json:"size"`
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	messages, err := s.deps.Sandbox.List(r.Context(), dispatch.SandboxFilter{
		CampaignID: r.URL.Query().Get("campaign_id"),
		TenantID:   r.URL.Query().Get("tenant_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.sendEngineError(w, err, "Failed to list messages")
		return
	}
	if messages == nil {
		messages = []*dispatch.SandboxMessage{}
	}

	sendJSON(w, http.StatusOK, SandboxListResponse{Messages: messages, Total: len(messages)})
}

// handleSandboxGet handles GET /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxGet(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.sandboxMessage(w, r)
	if !ok {
		return
	}

	headers, body := parseEmailData(msg.Data)
	size := len(msg.Data)
	msg.Data = nil

	sendJSON(w, http.StatusOK, SandboxMessageDetailResponse{
		SandboxMessage: msg,
		Headers:        headers,
		Body:           body,
		Size:           size,
	})
}

// handleSandboxRaw handles GET /api/v1/sandbox/messages/{id}/raw
func (s *Server) handleSandboxRaw(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.sandboxMessage(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "message/rfc822")
	w.WriteHeader(http.StatusOK)
	w.Write(msg.Data)
}

func (s *Server) sandboxMessage(w http.ResponseWriter, r *http.Request) (*dispatch.SandboxMessage, bool) {
	msg, err := s.deps.Sandbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get message")
		return nil, false
	}
	if msg == nil {
		sendError(w, http.StatusNotFound, "Message not found")
		return nil, false
	}
	return msg, true
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	var olderThan time.Duration
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			sendError(w, http.StatusBadRequest, "Invalid older_than format (use Go duration: 24h)")
			return
		}
		olderThan = d
	}

	count, err := s.deps.Sandbox.Clear(r.Context(), olderThan)
	if err != nil {
		s.sendEngineError(w, err, "Failed to clear messages")
		return
	}

	sendJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

// parseEmailData splits a raw message into its top level headers and body
func parseEmailData(data []byte) (map[string]string, string) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, ""
	}

	headers := make(map[string]string, len(msg.Header))
	for k, v := range msg.Header {
		headers[k] = strings.Join(v, ", ")
	}

	body, _ := io.ReadAll(msg.Body)
	return headers, string(body)
}
