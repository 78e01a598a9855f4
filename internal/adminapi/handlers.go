package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/eyrie-systems/remctld/internal/history"
	"github.com/eyrie-systems/remctld/internal/invocation"
	"github.com/eyrie-systems/remctld/internal/policy"
)

// Server holds the dependencies needed by the admin API handlers.
type Server struct {
	history HistoryStore
	policy  func() *policy.Table
	spool   SpoolStatus
}

// NewServer creates a new Server. spool may be nil when no local spool is
// configured (the daemon forwards invocation records directly). policy is
// called on every request to handleGetPolicy, so a hot reload swapping the
// table out from under it is reflected immediately rather than frozen at
// startup.
func NewServer(historyStore HistoryStore, policy func() *policy.Table, spool SpoolStatus) *Server {
	return &Server{history: historyStore, policy: policy, spool: spool}
}

// handleHealthz responds to GET /healthz. It does not require
// authentication and returns HTTP 200 so load balancers and orchestrators
// can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleGetPolicy responds to GET /api/v1/policy with the currently loaded
// rule table, in declaration order, so an operator can confirm a reload
// took effect without reading the file on disk.
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	rules := s.policy().Rules
	if rules == nil {
		rules = []policy.Rule{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(rules)
}

// handleGetHistory responds to GET /api/v1/history.
//
// Supported query parameters:
//
//	user    – exact username filter (optional)
//	command – exact command filter (optional)
//	from    – RFC3339 start of the ts window (required)
//	to      – RFC3339 end of the ts window (required)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
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

	if s.history == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]invocation.Record{})
		return
	}

	hq := history.Query{From: from, To: to, User: q.Get("user"), Command: q.Get("command")}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		if limit > 1000 {
			limit = 1000
		}
		hq.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		hq.Offset = offset
	}

	records, err := s.history.Find(r.Context(), hq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query invocation history")
		return
	}
	if records == nil {
		records = []invocation.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(records)
}

// handleGetSpool responds to GET /api/v1/spool with the current local
// spool depth, so an operator can tell whether invocation records are
// backing up because the history store is unreachable.
func (s *Server) handleGetSpool(w http.ResponseWriter, r *http.Request) {
	depth := 0
	if s.spool != nil {
		depth = s.spool.Depth()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"depth": depth})
}
