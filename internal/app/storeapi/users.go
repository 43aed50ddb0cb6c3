package storeapi

import (
	"encoding/json"
	"net/http"

	"github.com/todo-1m/replicasync/internal/app/identity"
	"github.com/todo-1m/replicasync/internal/remote"
)

type authWithPasswordRequest struct {
	Identity string `json:"identity"`
	Password string `json:"password"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, remote.BadRequest("Failed to load the submitted data due to invalid formatting."))
		return
	}
	u, err := h.Users.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.Logger.Info("user registered", "user_id", u.ID)
	h.writeJSON(w, http.StatusOK, u)
}

func (h *Handler) handleAuthWithPassword(w http.ResponseWriter, r *http.Request) {
	var req authWithPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, remote.BadRequest("Failed to load the submitted data due to invalid formatting."))
		return
	}
	resp, err := h.Users.AuthWithPassword(r.Context(), req.Identity, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Users.Refresh(r.Context(), principalFromContext(r.Context()))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}
