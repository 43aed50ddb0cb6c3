package proxy

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/todo-1m/replicasync/internal/platform/auth"
	"github.com/todo-1m/replicasync/internal/platform/metrics"
	"github.com/todo-1m/replicasync/internal/remote"
)

type Handler struct {
	Service       *Service
	AllowedOrigin string
	Logger        *slog.Logger
}

func NewHandler(service *Service, allowedOrigin string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service:       service,
		AllowedOrigin: allowedOrigin,
		Logger:        logger.With("component", "proxy"),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.DefaultHandler())

	r.Route("/api/todos", func(todos chi.Router) {
		todos.Use(forwardToken)
		todos.Get("/", h.handleList)
		todos.Post("/", h.handleCreate)
		todos.Patch("/{id}", h.handleUpdate)
		todos.Delete("/{id}", h.handleDelete)
	})
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.Service.List(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to fetch todos")
		return
	}
	h.writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateTodoRequest
	if err := decodeStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	todo, err := h.Service.Create(r.Context(), req)
	if err != nil {
		h.fail(w, err, "Failed to create todo")
		return
	}
	h.writeJSON(w, http.StatusCreated, todo)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateTodoRequest
	if err := decodeStrict(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	todo, err := h.Service.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.fail(w, err, "Failed to update todo")
		return
	}
	h.writeJSON(w, http.StatusOK, todo)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, err, "Failed to delete todo")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail answers validation errors with 400 and everything else, including
// store errors, with 500 and a fixed message.
func (h *Handler) fail(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, ErrTitleRequired), errors.Is(err, ErrTitleEmpty), errors.Is(err, ErrEmptyPatch):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.Logger.Error(message, "error", err)
		h.writeError(w, http.StatusInternalServerError, message)
	}
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON payload")
	}
	if dec.More() {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func forwardToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" {
			r = r.WithContext(remote.WithToken(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		if requested := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requested != "" {
			w.Header().Set("Access-Control-Allow-Headers", requested)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOriginForRequest echoes the request origin when it is the allowed
// one or the same loopback origin spelled differently (localhost vs
// 127.0.0.1).
func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	switch {
	case origin == "":
		return allowed
	case origin == allowed, sameLoopbackOrigin(origin, allowed):
		return origin
	default:
		return allowed
	}
}

func sameLoopbackOrigin(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return isLoopbackHost(ua.Hostname()) && isLoopbackHost(ub.Hostname()) &&
		ua.Port() == ub.Port() && strings.EqualFold(ua.Scheme, ub.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
