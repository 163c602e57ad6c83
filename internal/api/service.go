package api

import (
	"net/http"
	"strconv"

	"github.com/starford/raido/internal/checkpoint"
	"github.com/starford/raido/internal/report"
)

// Service answers status queries from the live broker and the checkpoint
// store.
type Service struct {
	broker *report.Broker
	store  *checkpoint.Store
}

// NewService builds the status service. store may be nil when no checkpoint
// database is configured; failure listing then returns an empty list.
func NewService(broker *report.Broker, store *checkpoint.Store) *Service {
	return &Service{broker: broker, store: store}
}

// GetStatus returns the live run snapshot.
func (s *Service) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Status())
}

// ListFailures returns recorded failures, most recent first. Query parameter
// "limit" caps the count (default 100).
func (s *Service) ListFailures(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	if s.store == nil {
		writeJSON(w, http.StatusOK, []checkpoint.Failure{})
		return
	}
	failures, err := s.store.Failures(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failure query failed")
		return
	}
	if failures == nil {
		failures = []checkpoint.Failure{}
	}
	writeJSON(w, http.StatusOK, failures)
}
