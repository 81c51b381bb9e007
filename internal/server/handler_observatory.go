package server

import (
	"net/http"

	"github.com/me/obsched/pkg/model"
)

func (s *Server) handleObservatory(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.obs == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			&model.APIError{Code: model.ErrInternal, Message: "observatory is not configured"})
		return
	}
	respondOK(w, reqID, s.obs.Status())
}
