package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/outreach/internal/campaign"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/store"
	"github.com/foxzi/outreach/internal/vault"
)

// CredentialRequest is the request body for PUT /tenants/{tenant}/credential
type CredentialRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// SuppressionRequest is the request body for POST /tenants/{tenant}/suppressions
type SuppressionRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason,omitempty"`
}

// ReplyRequest is the request body for POST /tenants/{tenant}/replies
type ReplyRequest struct {
	Email string `json:"email"`
	Note  string `json:"note,omitempty"`
}

// RateLimitResponse is the response for GET /tenants/{tenant}/ratelimit
type RateLimitResponse struct {
	Plan   *ratelimit.Plan  `json:"plan"`
	Budget *ratelimit.Stats `json:"budget"`
}

// handlePutCredential handles PUT /api/v1/tenants/{tenant}/credential.
// The secret is never echoed back.
func (s *Server) handlePutCredential(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")

	var req CredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Secret == "" {
		sendError(w, http.StatusBadRequest, "secret is required")
		return
	}

	cred := vault.Credential{Username: req.Username, Secret: []byte(req.Secret)}
	if err := s.deps.Vault.Store(r.Context(), tenantID, cred); err != nil {
		s.sendEngineError(w, err, "Failed to store credential")
		return
	}

	s.logger.Info("tenant credential stored", "tenant_id", tenantID, "credential", cred)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteCredential handles DELETE /api/v1/tenants/{tenant}/credential
func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")
	if err := s.deps.Vault.Delete(r.Context(), tenantID); err != nil {
		s.sendEngineError(w, err, "Failed to delete credential")
		return
	}
	s.logger.Info("tenant credential deleted", "tenant_id", tenantID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListSuppressions handles GET /api/v1/tenants/{tenant}/suppressions
func (s *Server) handleListSuppressions(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListSuppressions(r.Context(), chi.URLParam(r, "tenant"))
	if err != nil {
		s.sendEngineError(w, err, "Failed to list suppressions")
		return
	}
	if list == nil {
		list = []*store.Suppression{}
	}
	sendJSON(w, http.StatusOK, ListResponse[*store.Suppression]{Items: list, Limit: len(list)})
}

// handleAddSuppression handles POST /api/v1/tenants/{tenant}/suppressions
func (s *Server) handleAddSuppression(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")

	var req SuppressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	email, err := campaign.NormalizeEmail(req.Email)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Store.AddSuppression(r.Context(), tenantID, email, req.Reason); err != nil {
		s.sendEngineError(w, err, "Failed to add suppression")
		return
	}

	s.logger.Info("address suppressed", "tenant_id", tenantID, "email", email)
	sendJSON(w, http.StatusCreated, SuppressionRequest{Email: email, Reason: req.Reason})
}

// handleRemoveSuppression handles DELETE /api/v1/tenants/{tenant}/suppressions/{email}
func (s *Server) handleRemoveSuppression(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid email")
		return
	}
	if err := s.deps.Store.RemoveSuppression(r.Context(), chi.URLParam(r, "tenant"), raw); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecordReply handles POST /api/v1/tenants/{tenant}/replies
func (s *Server) handleRecordReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := campaign.NormalizeEmail(req.Email); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Engine.RecordReply(r.Context(), chi.URLParam(r, "tenant"), req.Email, req.Note)
	if err != nil {
		s.sendEngineError(w, err, "Failed to record reply")
		return
	}
	sendJSON(w, http.StatusOK, res)
}

// handleRateLimit handles GET /api/v1/tenants/{tenant}/ratelimit
func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant")

	plan, err := s.deps.Plans.PlanFor(r.Context(), tenantID)
	if err != nil {
		sendError(w, http.StatusNotFound, err.Error())
		return
	}

	sendJSON(w, http.StatusOK, RateLimitResponse{
		Plan:   plan,
		Budget: s.deps.Limiter.Stats(tenantID),
	})
}
