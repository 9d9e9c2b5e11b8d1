package http

import (
	"net/http"
	"strconv"

	"github.com/starforge/starforge/internal/deadletter"
	"github.com/starforge/starforge/internal/dictionary"
	"github.com/starforge/starforge/internal/enrich"
	"github.com/starforge/starforge/internal/observability"
)

// DictionaryStatus describes one dictionary cache.
type DictionaryStatus struct {
	Name  string `json:"name"`
	Keys  int    `json:"keys"`
	AgeMS int64  `json:"age_ms"`
	Stale bool   `json:"stale"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Pipeline     observability.Snapshot `json:"pipeline"`
	Dictionaries []DictionaryStatus     `json:"dictionaries"`
	DeadLettered int64                  `json:"dead_letter_records"`
	PendingJoins int                    `json:"pending_joins"`
}

// StatsHandler handles GET /v1/stats requests.
type StatsHandler struct {
	stats  *observability.PipelineStats
	dead   *deadletter.Sink
	caches []*dictionary.Cache
	view   *enrich.View
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(stats *observability.PipelineStats, dead *deadletter.Sink, caches []*dictionary.Cache, view *enrich.View) *StatsHandler {
	return &StatsHandler{stats: stats, dead: dead, caches: caches, view: view}
}

// ServeHTTP handles the stats HTTP request.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	resp := StatsResponse{
		Pipeline: h.stats.Snapshot(),
	}
	for _, c := range h.caches {
		resp.Dictionaries = append(resp.Dictionaries, DictionaryStatus{
			Name:  c.Name(),
			Keys:  c.Len(),
			AgeMS: c.Age().Milliseconds(),
			Stale: c.Stale(),
		})
	}
	if h.dead != nil {
		resp.DeadLettered = h.dead.Count()
	}
	if h.view != nil {
		resp.PendingJoins = h.view.PendingCount()
	}

	writeJSON(w, http.StatusOK, resp)
}

// DeadLetterResponse is the body of GET /v1/deadletter.
type DeadLetterResponse struct {
	Records []deadletter.Record `json:"records"`
}

// DeadLetterHandler handles GET /v1/deadletter requests, returning the most
// recent dead-letter records, newest first.
type DeadLetterHandler struct {
	dir string
}

// NewDeadLetterHandler creates a handler reading segments from dir.
func NewDeadLetterHandler(dir string) *DeadLetterHandler {
	return &DeadLetterHandler{dir: dir}
}

// ServeHTTP handles the dead-letter inspection HTTP request.
func (h *DeadLetterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", requestID)
			return
		}
		limit = n
	}

	records, err := deadletter.Tail(h.dir, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), requestID)
		return
	}
	if records == nil {
		records = []deadletter.Record{}
	}
	writeJSON(w, http.StatusOK, DeadLetterResponse{Records: records})
}

// HealthHandler handles GET /healthz requests.
type HealthHandler struct{}

// ServeHTTP reports liveness.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
