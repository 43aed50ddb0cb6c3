// Package storeapi serves the remote collection API over HTTP for local
// development, backed by the in-memory store.
package storeapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/todo-1m/replicasync/internal/app/identity"
	"github.com/todo-1m/replicasync/internal/platform/auth"
	"github.com/todo-1m/replicasync/internal/platform/metrics"
	"github.com/todo-1m/replicasync/internal/remote"
)

// Store is the collection API the handler exposes.
type Store interface {
	List(ctx context.Context, collection string, q remote.ListQuery) ([]json.RawMessage, error)
	Get(ctx context.Context, collection, id string) (json.RawMessage, error)
	Create(ctx context.Context, collection string, fields any) (json.RawMessage, error)
	Update(ctx context.Context, collection, id string, patch any) (json.RawMessage, error)
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection, topic string) (remote.RawSubscription, error)
}

type Handler struct {
	Store  Store
	Tokens auth.Manager
	// Users serves the auth collection. Without it only dev tokens exist.
	Users  *identity.Service
	Logger *slog.Logger
	// KeepAlive is the comment interval on idle realtime streams.
	KeepAlive time.Duration
}

func NewHandler(store Store, tokens auth.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:     store,
		Tokens:    tokens,
		Logger:    logger.With("component", "storeapi"),
		KeepAlive: 15 * time.Second,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.DefaultHandler())
	r.Post("/api/dev/token", h.handleDevToken)
	if h.Users != nil {
		r.Post("/api/collections/users/records", h.handleRegister)
		r.Post("/api/collections/users/auth-with-password", h.handleAuthWithPassword)
		r.With(h.authMiddleware).Post("/api/collections/users/auth-refresh", h.handleAuthRefresh)
	}

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/collections/{collection}/records", h.handleList)
		authR.Post("/api/collections/{collection}/records", h.handleCreate)
		authR.Get("/api/collections/{collection}/records/{id}", h.handleView)
		authR.Patch("/api/collections/{collection}/records/{id}", h.handleUpdate)
		authR.Delete("/api/collections/{collection}/records/{id}", h.handleDelete)
		authR.Get("/api/realtime", h.handleRealtime)
	})
	return r
}

type devTokenRequest struct {
	UserID string `json:"userId"`
}

type devTokenResponse struct {
	Token  string            `json:"token"`
	Record map[string]string `json:"record"`
}

// handleDevToken issues a token for any user id. It exists only because the
// development store has no user accounts.
func (h *Handler) handleDevToken(w http.ResponseWriter, r *http.Request) {
	var req devTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, remote.BadRequest("Failed to load the submitted data due to invalid formatting."))
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		h.writeError(w, remote.BadRequest("userId is required."))
		return
	}
	token, err := h.Tokens.Sign(userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, devTokenResponse{Token: token, Record: map[string]string{"id": userID}})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	q := remote.ListQuery{
		Sort:   r.URL.Query().Get("sort"),
		Filter: remote.And(r.URL.Query().Get("filter"), remote.Eq("userId", principal)),
	}
	if expand := strings.TrimSpace(r.URL.Query().Get("expand")); expand != "" {
		q.Expand = strings.Split(expand, ",")
	}
	items, err := h.Store.List(r.Context(), chi.URLParam(r, "collection"), q)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"page":       1,
		"perPage":    len(items),
		"totalItems": len(items),
		"totalPages": 1,
		"items":      items,
	})
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	rec, err := h.owned(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	fields := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		h.writeError(w, remote.BadRequest("Failed to load the submitted data due to invalid formatting."))
		return
	}
	principal := principalFromContext(r.Context())
	if owner, ok := fields["userId"]; ok && owner != principal {
		h.writeError(w, &remote.Error{Status: http.StatusForbidden, Message: "Only the owner can create this record."})
		return
	}
	fields["userId"] = principal

	rec, err := h.Store.Create(r.Context(), chi.URLParam(r, "collection"), fields)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	patch := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, remote.BadRequest("Failed to load the submitted data due to invalid formatting."))
		return
	}
	if _, err := h.owned(r); err != nil {
		h.writeError(w, err)
		return
	}
	if owner, ok := patch["userId"]; ok && owner != principalFromContext(r.Context()) {
		h.writeError(w, &remote.Error{Status: http.StatusForbidden, Message: "Records cannot change owner."})
		return
	}

	rec, err := h.Store.Update(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := h.owned(r); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.Store.Delete(r.Context(), chi.URLParam(r, "collection"), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// owned loads the addressed record and hides it from anyone but its owner.
func (h *Handler) owned(r *http.Request) (json.RawMessage, error) {
	collection, id := chi.URLParam(r, "collection"), chi.URLParam(r, "id")
	rec, err := h.Store.Get(r.Context(), collection, id)
	if err != nil {
		return nil, err
	}
	var owner struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(rec, &owner); err != nil || owner.UserID != principalFromContext(r.Context()) {
		return nil, remote.NotFound(collection, id)
	}
	return rec, nil
}

type principalContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, &remote.Error{Status: http.StatusUnauthorized, Message: "The request requires valid record authorization token to be set."})
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			h.writeError(w, &remote.Error{Status: http.StatusUnauthorized, Message: "The request requires valid record authorization token to be set."})
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) string {
	id, _ := ctx.Value(principalContextKey{}).(string)
	return id
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError answers in the store's error shape: {"code","message","data"}.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var apiErr *remote.Error
	if !errors.As(err, &apiErr) {
		h.Logger.Error("store request failed", "error", err)
		apiErr = &remote.Error{Status: http.StatusInternalServerError, Message: "Something went wrong while processing your request."}
	}
	data := apiErr.Data
	if data == nil {
		data = map[string]any{}
	}
	h.writeJSON(w, apiErr.Status, map[string]any{
		"code":    apiErr.Status,
		"message": apiErr.Message,
		"data":    data,
	})
}
