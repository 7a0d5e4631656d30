package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/outreachd/outreachd/internal/dedupe"
	"github.com/outreachd/outreachd/internal/metrics"
	"github.com/outreachd/outreachd/internal/schedule"
	"github.com/outreachd/outreachd/internal/store"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Queue   *store.QueueStats `json:"queue"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateCampaignRequest is the request body for POST /campaigns
type CreateCampaignRequest struct {
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"name"`
	AccountID   string            `json:"account_id"`
	Steps       []StepRequest     `json:"steps"`
	Schedule    schedule.Settings `json:"schedule"`
}

// StepRequest is one sequence step in a campaign request
type StepRequest struct {
	Kind     string `json:"kind"`
	Template string `json:"template"`
	DelayH   int    `json:"delay_hours"`
}

// AddProspectsRequest is the request body for POST /campaigns/{id}/prospects
type AddProspectsRequest struct {
	Prospects []ProspectRequest `json:"prospects"`
}

// ProspectRequest is one prospect in an add request
type ProspectRequest struct {
	ExternalID     string `json:"external_id"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	Company        string `json:"company,omitempty"`
	Title          string `json:"title,omitempty"`
	OwnerAccountID string `json:"owner_account_id,omitempty"`
}

// ProspectResult reports the outcome for one prospect in an add request
type ProspectResult struct {
	ExternalID string `json:"external_id"`
	ProspectID string `json:"prospect_id,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// QueueResponse is the response for GET /queue
type QueueResponse struct {
	Stats *store.QueueStats  `json:"stats"`
	Items []*store.QueueItem `json:"items,omitempty"`
}

// ResetProspectRequest is the request body for POST /prospects/{id}/reset
type ResetProspectRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// ReplyWebhookRequest is the request body for POST /webhooks/reply
type ReplyWebhookRequest struct {
	ProspectID string `json:"prospect_id,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
}

// RunnerCallbackRequest is the request body for POST /webhooks/runner
type RunnerCallbackRequest struct {
	ItemID    string `json:"item_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	Temporary bool   `json:"temporary,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Queue:   stats,
	})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := store.CampaignFilter{
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		Status:      store.CampaignStatus(r.URL.Query().Get("status")),
	}
	campaigns, err := s.store.ListCampaigns(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"campaigns": campaigns})
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.WorkspaceID == "" {
		s.sendError(w, http.StatusBadRequest, "workspace_id is required")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.AccountID == "" {
		s.sendError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	if len(req.Steps) == 0 {
		s.sendError(w, http.StatusBadRequest, "at least one step is required")
		return
	}

	if _, err := s.store.GetAccount(r.Context(), req.AccountID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusBadRequest, "account not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to load account")
		return
	}

	steps, err := s.buildSteps(req.Steps)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	// campaigns without an explicit schedule inherit the configured default
	window := req.Schedule
	if window == (schedule.Settings{}) {
		window = s.defaults
	}
	if err := window.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	campaign := &store.Campaign{
		ID:          uuid.New().String(),
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		AccountID:   req.AccountID,
		Status:      store.CampaignDraft,
		Steps:       steps,
		Schedule:    window.Normalized(),
	}
	if err := s.store.PutCampaign(r.Context(), campaign); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create campaign")
		return
	}

	s.logger.Info("campaign created", "campaign_id", campaign.ID, "name", campaign.Name)
	s.sendJSON(w, http.StatusCreated, campaign)
}

// buildSteps validates and converts request steps. A connection request may
// only appear as the first step; everything after it is gated on acceptance.
func (s *Server) buildSteps(reqs []StepRequest) ([]store.Step, error) {
	steps := make([]store.Step, 0, len(reqs))
	for i, sr := range reqs {
		kind := store.StepKind(sr.Kind)
		switch kind {
		case store.StepConnectionRequest:
			if i != 0 {
				return nil, fmt.Errorf("step %d: connection_request must be the first step", i)
			}
		case store.StepFollowUp, store.StepGoodbye:
			if sr.DelayH <= 0 {
				return nil, fmt.Errorf("step %d: delay_hours must be positive", i)
			}
		default:
			return nil, fmt.Errorf("step %d: unknown kind %q", i, sr.Kind)
		}
		if err := s.templates.Validate(sr.Template); err != nil {
			return nil, fmt.Errorf("step %d: %v", i, err)
		}
		steps = append(steps, store.Step{
			Kind:     kind,
			Template: sr.Template,
			Delay:    time.Duration(sr.DelayH) * time.Hour,
		})
	}
	return steps, nil
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, campaign)
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.setCampaignStatus(w, r, store.CampaignActive, store.CampaignPaused)
}

// handleResumeCampaign handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.setCampaignStatus(w, r, store.CampaignPaused, store.CampaignActive)
}

func (s *Server) setCampaignStatus(w http.ResponseWriter, r *http.Request, from, to store.CampaignStatus) {
	id := chi.URLParam(r, "id")
	campaign, err := s.store.UpdateCampaign(r.Context(), id, func(c *store.Campaign) error {
		// draft campaigns may be activated directly
		if c.Status != from && !(to == store.CampaignActive && c.Status == store.CampaignDraft) {
			return fmt.Errorf("campaign is %s", c.Status)
		}
		c.Status = to
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.logger.Info("campaign status changed", "campaign_id", id, "status", to)
	s.sendJSON(w, http.StatusOK, campaign)
}

// handleAddProspects handles POST /api/v1/campaigns/{id}/prospects.
// Each prospect is normalized, stored, and its first step enqueued; the
// dispatcher applies window, quota and duplicate rules at send time.
func (s *Server) handleAddProspects(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.store.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}

	var req AddProspectsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Prospects) == 0 {
		s.sendError(w, http.StatusBadRequest, "prospects is required")
		return
	}

	now := time.Now()
	results := make([]ProspectResult, 0, len(req.Prospects))
	for _, pr := range req.Prospects {
		results = append(results, s.addProspect(r, campaign, pr, now))
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) addProspect(r *http.Request, campaign *store.Campaign, pr ProspectRequest, now time.Time) ProspectResult {
	normID := dedupe.Normalize(pr.ExternalID)
	if normID == "" {
		return ProspectResult{ExternalID: pr.ExternalID, Status: "rejected", Error: "external_id is required"}
	}

	prospect := &store.Prospect{
		ID:             uuid.New().String(),
		CampaignID:     campaign.ID,
		WorkspaceID:    campaign.WorkspaceID,
		ExternalID:     pr.ExternalID,
		NormalizedID:   normID,
		FirstName:      pr.FirstName,
		LastName:       pr.LastName,
		Company:        pr.Company,
		Title:          pr.Title,
		OwnerAccountID: pr.OwnerAccountID,
		// identity normalized and first step enqueued below, so the
		// prospect is past approved and ready for dispatch
		Status: store.ProspectReadyToMessage,
	}
	if err := s.store.PutProspect(r.Context(), prospect); err != nil {
		return ProspectResult{ExternalID: pr.ExternalID, Status: "error", Error: err.Error()}
	}

	item := &store.QueueItem{
		ID:           uuid.New().String(),
		ProspectID:   prospect.ID,
		CampaignID:   campaign.ID,
		NormalizedID: normID,
		MessageType:  campaign.MessageTypeFor(0),
		StepIndex:    0,
		ScheduledFor: now,
	}
	if err := s.store.Enqueue(r.Context(), item); err != nil {
		if errors.Is(err, store.ErrDuplicateActive) {
			return ProspectResult{ExternalID: pr.ExternalID, ProspectID: prospect.ID, Status: "duplicate_active"}
		}
		return ProspectResult{ExternalID: pr.ExternalID, ProspectID: prospect.ID, Status: "error", Error: err.Error()}
	}
	return ProspectResult{ExternalID: pr.ExternalID, ProspectID: prospect.ID, Status: "queued"}
}

// handleQueue handles GET /api/v1/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.store.ListItems(r.Context(), store.ItemFilter{
		CampaignID: r.URL.Query().Get("campaign_id"),
		Status:     store.ItemStatus(r.URL.Query().Get("status")),
		Limit:      limit,
	})
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to list queue items")
		return
	}
	s.sendJSON(w, http.StatusOK, QueueResponse{Stats: stats, Items: items})
}

// handleGetItem handles GET /api/v1/queue/{id}
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Item not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to load item")
		return
	}
	s.sendJSON(w, http.StatusOK, item)
}

// handleRetryItem handles POST /api/v1/queue/{id}/retry
func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Retry(r.Context(), id, time.Now()); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.sendError(w, http.StatusNotFound, "Item not found")
		case errors.Is(err, store.ErrDuplicateActive):
			s.sendError(w, http.StatusConflict, "Prospect already has an active item in this campaign")
		default:
			s.sendError(w, http.StatusConflict, err.Error())
		}
		return
	}
	s.logger.Info("queue item retried", "item_id", id)
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDeleteItem handles DELETE /api/v1/queue/{id}
func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteItem(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Item not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to delete item")
		return
	}
	s.logger.Info("queue item deleted", "item_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleResetProspect handles POST /api/v1/prospects/{id}/reset, an audited
// administrative status override.
func (s *Server) handleResetProspect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResetProspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	to := store.ProspectStatus(req.Status)
	if !to.Valid() {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", req.Status))
		return
	}
	if req.Actor == "" {
		s.sendError(w, http.StatusBadRequest, "actor is required")
		return
	}

	prospect, err := s.store.ResetProspect(r.Context(), id, to, req.Actor, req.Reason)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Prospect not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to reset prospect")
		return
	}
	s.logger.Info("prospect reset", "prospect_id", id, "status", to, "actor", req.Actor)
	s.sendJSON(w, http.StatusOK, prospect)
}

// handleReplyWebhook handles POST /api/v1/webhooks/reply. A reply halts the
// prospect's sequence and skips any queued steps.
func (s *Server) handleReplyWebhook(w http.ResponseWriter, r *http.Request) {
	var req ReplyWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ids := []string{}
	switch {
	case req.ProspectID != "":
		ids = append(ids, req.ProspectID)
	case req.ProviderID != "":
		prospects, err := s.store.ProspectsByProviderID(r.Context(), req.ProviderID)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "Failed to resolve prospect")
			return
		}
		for _, p := range prospects {
			ids = append(ids, p.ID)
		}
	default:
		s.sendError(w, http.StatusBadRequest, "prospect_id or provider_id is required")
		return
	}
	if len(ids) == 0 {
		s.sendError(w, http.StatusNotFound, "Prospect not found")
		return
	}

	for _, id := range ids {
		if err := s.sequencer.HandleReply(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.sendError(w, http.StatusNotFound, "Prospect not found")
				return
			}
			s.logger.Error("failed to handle reply", "prospect_id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to handle reply")
			return
		}
		metrics.IncReplies()
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunnerCallback handles POST /api/v1/webhooks/runner. Replays are
// safe: an already finalized item is acknowledged without changes.
func (s *Server) handleRunnerCallback(w http.ResponseWriter, r *http.Request) {
	var req RunnerCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ItemID == "" {
		s.sendError(w, http.StatusBadRequest, "item_id is required")
		return
	}

	if err := s.dispatcher.CompleteItem(r.Context(), req.ItemID, req.Success, req.Reason, req.Temporary); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Item not found")
			return
		}
		s.logger.Error("runner callback failed", "item_id", req.ItemID, "error", err)
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
