package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/queuekey"
)

const maxLeaseWait = 30 * time.Second

type scheduleRequest struct {
	URIs []frontier.CrawlURI `json:"uris"`
}

type rejectedURI struct {
	Index int    `json:"index"`
	URI   string `json:"uri"`
	Error string `json:"error"`
}

type scheduleResponse struct {
	Scheduled int           `json:"scheduled"`
	Rejected  []rejectedURI `json:"rejected,omitempty"`
}

// schedule handles POST /v1/schedule. Items with an unencodable priority or
// cost, or with no derivable class key, are rejected individually; a storage
// failure aborts the request.
func (s *Server) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URIs) == 0 {
		writeError(w, http.StatusBadRequest, "uris required")
		return
	}
	var resp scheduleResponse
	for i, uri := range req.URIs {
		if uri.ClassKey == "" {
			uri.ClassKey = frontier.HostClassKey(uri.URI)
		}
		if uri.URI == "" || uri.ClassKey == "" {
			resp.Rejected = append(resp.Rejected, rejectedURI{Index: i, URI: uri.URI, Error: "uri with a host required"})
			continue
		}
		uri.Attempts = 0
		err := s.frontier.Schedule(uri)
		switch {
		case err == nil:
			resp.Scheduled++
		case errors.Is(err, queuekey.ErrOutOfRange), errors.Is(err, queuekey.ErrInvalidClassKey):
			resp.Rejected = append(resp.Rejected, rejectedURI{Index: i, URI: uri.URI, Error: err.Error()})
		default:
			s.logger.Error("schedule failed", zap.String("uri", uri.URI), zap.Error(err))
			writeError(w, statusFor(err), err.Error())
			return
		}
	}
	status := http.StatusAccepted
	if resp.Scheduled == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

// lease handles POST /v1/lease?wait=. Without wait it returns at once; with
// wait it blocks up to that long (capped). 204 means nothing is eligible.
func (s *Server) lease(w http.ResponseWriter, r *http.Request) {
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		wait = min(d, maxLeaseWait)
	}

	var (
		uri frontier.CrawlURI
		err error
	)
	if wait == 0 {
		uri, err = s.frontier.TryNext()
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		uri, err = s.frontier.Next(ctx)
		cancel()
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"uri": uri})
	case errors.Is(err, frontier.ErrNoneAvailable), errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, context.Canceled):
		// Client went away.
	default:
		s.logger.Error("lease failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
	}
}

type politenessBody struct {
	MinimumDelayMs int64   `json:"minimum_delay_ms"`
	DelayFactor    float64 `json:"delay_factor"`
}

func (p politenessBody) toPoliteness() frontier.Politeness {
	return frontier.Politeness{
		MinimumDelay: time.Duration(p.MinimumDelayMs) * time.Millisecond,
		DelayFactor:  p.DelayFactor,
	}
}

type finishedRequest struct {
	URI           frontier.CrawlURI `json:"uri"`
	Cost          int64             `json:"cost"`
	Disposition   string            `json:"disposition"`
	HostExhausted bool              `json:"host_exhausted"`
	Politeness    *politenessBody   `json:"politeness"`
}

func parseDisposition(s string) (frontier.Disposition, bool) {
	switch strings.ToLower(s) {
	case "", "success":
		return frontier.Success, true
	case "failure":
		return frontier.Failure, true
	case "retry":
		return frontier.Retry, true
	default:
		return 0, false
	}
}

// finished handles POST /v1/finished for an item obtained from /v1/lease.
func (s *Server) finished(w http.ResponseWriter, r *http.Request) {
	var req finishedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URI.HolderKey) == 0 {
		writeError(w, http.StatusBadRequest, "uri.holder_key required")
		return
	}
	disp, ok := parseDisposition(req.Disposition)
	if !ok {
		writeError(w, http.StatusBadRequest, "disposition must be success, failure or retry")
		return
	}
	out := frontier.Outcome{Disposition: disp, HostExhausted: req.HostExhausted}
	if req.Politeness != nil {
		p := req.Politeness.toPoliteness()
		out.Politeness = &p
	}
	if err := s.frontier.Finished(req.URI, req.Cost, out); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "finished"})
}

// abandon handles POST /v1/abandon, returning a leased item untouched.
func (s *Server) abandon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI frontier.CrawlURI `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.frontier.Abandon(req.URI); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
}
