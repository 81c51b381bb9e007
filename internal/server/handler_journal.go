package server

import (
	"net/http"
	"strconv"

	"github.com/me/obsched/pkg/model"
)

const defaultJournalLimit = 100

// handleJournal serves the persisted journal, or the in-memory one when the
// server runs without a store.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("invalid limit "+strconv.Quote(v)))
			return
		}
		limit = n
	}

	entries := []model.JournalEntry{}
	switch {
	case s.store != nil:
		stored, err := s.store.ListJournal(r.Context(), limit)
		if err != nil {
			respondErr(w, reqID, err)
			return
		}
		if stored != nil {
			entries = stored
		}
	case s.journal != nil:
		entries = s.journal.Entries(limit)
	}
	respondOK(w, reqID, entries)
}
