package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/traceforge/cryptoscan/internal/collector/storage"
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store Store
}

// NewServer creates a new Server backed by store.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// handleHealthz responds to GET /healthz. It does not require
// authentication and returns HTTP 200 with a simple JSON body so load
// balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetFindings responds to GET /api/v1/findings.
//
// Supported query parameters:
//
//	scanner_id    – exact scanner UUID filter (optional)
//	detector_tag  – exact detector tag filter, e.g. "entropy-diff" (optional)
//	from          – RFC3339 start of the observed_at window (required)
//	to            – RFC3339 end of the observed_at window (required)
//	limit         – maximum number of results (default 100, max 1000)
//	offset        – pagination offset (default 0)
//
// Returns HTTP 400 when required parameters are missing or malformed, HTTP
// 200 with a JSON array of Finding objects on success.
func (s *Server) handleGetFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fromStr := q.Get("from")
	toStr := q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	fq := storage.FindingQuery{
		Since: from,
		Until: to,
	}

	if scannerID := q.Get("scanner_id"); scannerID != "" {
		fq.ScannerID = scannerID
	}
	if tag := q.Get("detector_tag"); tag != "" {
		fq.DetectorTag = tag
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		fq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		fq.Offset = offset
	}

	findings, err := s.store.QueryFindings(r.Context(), fq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query findings")
		return
	}

	// Ensure we always return a JSON array, not null.
	if findings == nil {
		findings = []storage.Finding{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(findings)
}

// handleGetScanners responds to GET /api/v1/scanners.
//
// Returns HTTP 200 with a JSON array of all registered Scanner objects,
// most recently seen first.
func (s *Server) handleGetScanners(w http.ResponseWriter, r *http.Request) {
	scanners, err := s.store.ListScanners(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list scanners")
		return
	}

	if scanners == nil {
		scanners = []storage.Scanner{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(scanners)
}
