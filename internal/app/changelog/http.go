package changelog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/todo-1m/replicasync/internal/platform/auth"
	"github.com/todo-1m/replicasync/internal/platform/metrics"
)

// Handler serves the caller's change history. Tokens are the store's, so a
// client signed in to the store can read its own history.
type Handler struct {
	Service *Service
	Tokens  auth.Manager
	Logger  *slog.Logger
}

func NewHandler(service *Service, tokens auth.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Tokens: tokens, Logger: logger.With("component", "changelog")}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.DefaultHandler())
	r.Get("/api/changes", h.handleList)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	claims, err := h.Tokens.Parse(auth.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	q := Query{
		UserID:     claims.Subject,
		Collection: strings.TrimSpace(r.URL.Query().Get("collection")),
		RecordID:   strings.TrimSpace(r.URL.Query().Get("record")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = limit
	}

	changes, err := h.Service.History(r.Context(), q)
	if err != nil {
		if errors.Is(err, ErrMissingOwner) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		h.Logger.Error("list changes failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch changes"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": changes})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
