package server

import (
	"net/http"

	"nebulaai/pkg/domain"
)

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"plans": s.app.PlanList()})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Tier string `json:"tier"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := s.app.Subscribe(r.Context(), user.ID, req.Tier)
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.audit(r, "subscribe", "success", "user_id", user.ID, "tier", req.Tier)
	writeSuccess(w, http.StatusOK, result)
}
