package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/placehunter/extraction-engine/internal/extraction"
	"github.com/placehunter/extraction-engine/internal/wire"
)

const (
	defaultCampaignLimit = 50
	maxCampaignLimit     = 500
)

// createCampaign handles POST /api/campaigns. The campaign and its per-city
// tasks are materialized synchronously; the run starts separately.
func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req wire.CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_error", "invalid JSON")
		return
	}
	c, err := s.service.Create(r.Context(), req.Config())
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, wire.FromCampaignCreated(c))
}

// listCampaigns handles GET /api/campaigns?status=&limit=&offset=.
func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultCampaignLimit, maxCampaignLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	filter := extraction.CampaignFilter{Limit: limit, Offset: offset}
	if statusParam := strings.TrimSpace(r.URL.Query().Get("status")); statusParam != "" {
		status, parseErr := parseCampaignStatus(statusParam)
		if parseErr != nil {
			s.writeError(w, http.StatusBadRequest, "validation_error", parseErr.Error())
			return
		}
		filter.Status = status
	}
	cs, err := s.service.List(r.Context(), filter)
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wire.FromCampaigns(cs))
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.service.Get(r.Context(), campaignID(r))
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wire.FromCampaign(c))
}

// listPlaces handles GET /api/campaigns/{campaign_id}/places, reviews inline.
func (s *Server) listPlaces(w http.ResponseWriter, r *http.Request) {
	ps, err := s.service.PlacesOf(r.Context(), campaignID(r))
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wire.FromPlaces(ps))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	ts, err := s.service.TasksOf(r.Context(), campaignID(r))
	if err != nil {
		s.domainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wire.FromTasks(ts))
}

func (s *Server) startCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.service.Start)
}

func (s *Server) resumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.service.Resume)
}

func (s *Server) archiveCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, s.service.Archive)
}

func (s *Server) lifecycleAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	if err := fn(r.Context(), campaignID(r)); err != nil {
		s.domainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func campaignID(r *http.Request) string {
	return chi.URLParam(r, "campaign_id")
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseCampaignStatus(input string) (extraction.CampaignStatus, error) {
	switch strings.ToUpper(input) {
	case string(extraction.CampaignPending):
		return extraction.CampaignPending, nil
	case string(extraction.CampaignInProgress):
		return extraction.CampaignInProgress, nil
	case string(extraction.CampaignCompleted):
		return extraction.CampaignCompleted, nil
	case string(extraction.CampaignFailed):
		return extraction.CampaignFailed, nil
	case string(extraction.CampaignArchived):
		return extraction.CampaignArchived, nil
	default:
		return "", fmt.Errorf("invalid status %q", input)
	}
}
