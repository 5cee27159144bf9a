package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"gamerelay/internal/delivery"
	"gamerelay/internal/directory"
	"gamerelay/internal/store"
)

// Persistence is the slice of the store the API needs.
type Persistence interface {
	HealthCheck(ctx context.Context) error
	Notifications(ctx context.Context, userID string, limit int) ([]*store.Notification, error)
}

// API serves the non-websocket HTTP surface: health, stats, and
// notification history.
type API struct {
	store     Persistence
	directory directory.Store
	registry  *delivery.Registry
	log       zerolog.Logger
}

// NewAPI wires the HTTP API.
func NewAPI(st Persistence, dir directory.Store, registry *delivery.Registry, log zerolog.Logger) *API {
	return &API{
		store:     st,
		directory: dir,
		registry:  registry,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the API endpoints on a fresh chi router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", a.handleHealth)
	r.Get("/stats", a.handleStats)
	r.Get("/users/{userID}/notifications", a.handleNotifications)
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.HealthCheck(ctx); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	count, err := a.directory.Count(r.Context())
	if err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "directory unavailable",
		})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"directory_records": count,
		"local_connections": a.registry.Count(),
	})
}

const defaultHistoryLimit = 50

func (a *API) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	notifications, err := a.store.Notifications(r.Context(), userID, limit)
	if err != nil {
		a.log.Warn().Err(err).Str("user_id", userID).Msg("notification history query failed")
		a.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "history unavailable",
		})
		return
	}
	if notifications == nil {
		notifications = []*store.Notification{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Warn().Err(err).Msg("encode response")
	}
}
