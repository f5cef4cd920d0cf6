package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/engine"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/store"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Scheduler metrics.SchedulerStats `json:"scheduler"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// ContactResponse is the response for GET /campaigns/{id}/contacts/{contact}
type ContactResponse struct {
	Contact *campaign.Contact     `json:"contact"`
	State   *campaign.State       `json:"state"`
	History []campaign.Transition `json:"history"`
}

// ListResponse wraps a page of items
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   s.deps.Version,
		Uptime:    time.Since(s.startTime).String(),
		Scheduler: s.deps.Engine.SchedulerStats(),
	})
}

// handleLaunch handles POST /api/v1/campaigns
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req engine.LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := s.deps.Engine.Launch(r.Context(), req)
	if err != nil {
		s.sendEngineError(w, err, "Failed to launch campaign")
		return
	}

	sendJSON(w, http.StatusCreated, res)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	camps, err := s.deps.Store.ListCampaigns(r.Context(), store.CampaignFilter{
		TenantID: q.Get("tenant_id"),
		Status:   campaign.Status(q.Get("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.sendEngineError(w, err, "Failed to list campaigns")
		return
	}
	if camps == nil {
		camps = []*campaign.Campaign{}
	}

	sendJSON(w, http.StatusOK, ListResponse[*campaign.Campaign]{Items: camps, Limit: limit, Offset: offset})
}

// handleCampaignStatus handles GET /api/v1/campaigns/{id}
func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to get campaign")
		return
	}
	sendJSON(w, http.StatusOK, status)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.sendEngineError(w, err, "Failed to delete campaign")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Engine.Start)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Engine.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Engine.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.deps.Engine.Cancel)
}

// control runs a campaign status change and answers with the campaign
func (s *Server) control(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*campaign.Campaign, error)) {
	c, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to change campaign status")
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// handleListContacts handles GET /api/v1/campaigns/{id}/contacts
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	if _, err := s.deps.Store.GetCampaign(r.Context(), id); err != nil {
		s.sendEngineError(w, err, "Failed to get campaign")
		return
	}

	states, err := s.deps.Store.ListStates(r.Context(), id, store.StateFilter{
		Craft:  campaign.CraftStatus(q.Get("craft")),
		Send:   campaign.SendStatus(q.Get("send")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.sendEngineError(w, err, "Failed to list contacts")
		return
	}
	if states == nil {
		states = []*campaign.State{}
	}

	sendJSON(w, http.StatusOK, ListResponse[*campaign.State]{Items: states, Limit: limit, Offset: offset})
}

// handleGetContact handles GET /api/v1/campaigns/{id}/contacts/{contact}
func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	contactID, err := campaign.NormalizeEmail(chi.URLParam(r, "contact"))
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	contact, err := s.deps.Store.GetContact(r.Context(), id, contactID)
	if err != nil {
		s.sendEngineError(w, err, "Failed to get contact")
		return
	}
	state, err := s.deps.Store.GetState(r.Context(), id, contactID)
	if err != nil {
		s.sendEngineError(w, err, "Failed to get contact state")
		return
	}
	history, err := s.deps.Store.History(r.Context(), id, contactID)
	if err != nil {
		s.sendEngineError(w, err, "Failed to get contact history")
		return
	}

	sendJSON(w, http.StatusOK, ContactResponse{Contact: contact, State: state, History: history})
}

// sendEngineError maps domain errors to status codes. Anything unexpected
// is logged and reported as an internal error with message.
func (s *Server) sendEngineError(w http.ResponseWriter, err error, message string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, campaign.ErrNotFound):
		sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, campaign.ErrInvalidStatus):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrInvalidLaunch):
		sendError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &maxBytes):
		sendError(w, http.StatusRequestEntityTooLarge, "Request body too large")
	default:
		s.logger.Error(message, "error", err)
		sendError(w, http.StatusInternalServerError, message)
	}
}

// pagination reads limit and offset query parameters
func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit = 100
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			sendError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return 0, 0, false
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(w, http.StatusBadRequest, "offset must not be negative")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
