package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
)

const (
	defaultScanPage = 100
	maxScanPage     = 1000
)

// report handles GET /v1/report. ?format=text returns the tabular report.
func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	snap := s.frontier.Snapshot()
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(frontier.FormatReport(snap)))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type scanResponse struct {
	Items  []frontier.CrawlURI `json:"items"`
	Marker frontier.Marker     `json:"marker"`
	// Next is the base64 start key for the following page; empty when done.
	Next string `json:"next,omitempty"`
}

// scan handles GET /v1/scan?start=&pattern=&max=.
func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var m frontier.Marker
	if raw := q.Get("start"); raw != "" {
		start, err := base64.URLEncoding.DecodeString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be base64url")
			return
		}
		m.Start = start
	}
	if p := q.Get("pattern"); p != "" {
		if _, err := regexp.Compile(p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid pattern: "+err.Error())
			return
		}
		m.Pattern = p
	}
	limit := defaultScanPage
	if raw := q.Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		limit = min(n, maxScanPage)
	}

	items, next, err := s.frontier.ScanFrom(m, limit)
	if err != nil {
		s.logger.Error("scan failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	if items == nil {
		items = []frontier.CrawlURI{}
	}
	resp := scanResponse{Items: items, Marker: next}
	if !next.Done {
		resp.Next = base64.URLEncoding.EncodeToString(next.Start)
	}
	writeJSON(w, http.StatusOK, resp)
}

// sync handles POST /v1/sync, forcing buffered state to disk.
func (s *Server) sync(w http.ResponseWriter, _ *http.Request) {
	if err := s.frontier.Sync(); err != nil {
		s.logger.Error("sync failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (s *Server) getPoliteness(w http.ResponseWriter, _ *http.Request) {
	p := s.frontier.Politeness()
	writeJSON(w, http.StatusOK, politenessBody{
		MinimumDelayMs: p.MinimumDelay.Milliseconds(),
		DelayFactor:    p.DelayFactor,
	})
}

func (s *Server) putPoliteness(w http.ResponseWriter, r *http.Request) {
	var body politenessBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.MinimumDelayMs < 0 || body.DelayFactor < 0 {
		writeError(w, http.StatusBadRequest, "politeness must not be negative")
		return
	}
	s.frontier.SetPoliteness(body.toPoliteness())
	s.logger.Info("politeness updated",
		zap.Int64("minimum_delay_ms", body.MinimumDelayMs),
		zap.Float64("delay_factor", body.DelayFactor))
	writeJSON(w, http.StatusOK, body)
}

// deleteMatching handles DELETE /v1/queues/{class_key}/uris?pattern=.
func (s *Server) deleteMatching(w http.ResponseWriter, r *http.Request) {
	classKey := chi.URLParam(r, "class_key")
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern required")
		return
	}
	if _, err := regexp.Compile(pattern); err != nil {
		writeError(w, http.StatusBadRequest, "invalid pattern: "+err.Error())
		return
	}
	n, err := s.frontier.DeleteMatching(classKey, pattern)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("deleted matching uris", zap.String("class_key", classKey), zap.String("pattern", pattern), zap.Int("removed", n))
	writeJSON(w, http.StatusOK, map[string]any{"class_key": classKey, "removed": n})
}

type budgetRequest struct {
	SessionBudget *int64 `json:"session_budget"`
	TotalBudget   *int64 `json:"total_budget"`
}

// setBudget handles POST /v1/queues/{class_key}/budget. Both fields are
// required; a negative total means unlimited.
func (s *Server) setBudget(w http.ResponseWriter, r *http.Request) {
	classKey := chi.URLParam(r, "class_key")
	var req budgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.SessionBudget == nil || req.TotalBudget == nil {
		writeError(w, http.StatusBadRequest, "session_budget and total_budget required")
		return
	}
	if err := s.frontier.SetBudget(classKey, *req.SessionBudget, *req.TotalBudget); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"class_key":      classKey,
		"session_budget": *req.SessionBudget,
		"total_budget":   *req.TotalBudget,
	})
}

// reactivate handles POST /v1/queues/{class_key}/reactivate.
func (s *Server) reactivate(w http.ResponseWriter, r *http.Request) {
	classKey := chi.URLParam(r, "class_key")
	if err := s.frontier.Reactivate(classKey); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"class_key": classKey, "status": "reactivated"})
}
