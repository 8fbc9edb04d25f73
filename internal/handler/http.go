package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/percentile"
	"github.com/lobby-ratings/internal/service"
	"github.com/lobby-ratings/internal/table"
	"github.com/lobby-ratings/internal/websocket"
	"github.com/lobby-ratings/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EventHandler accepts match lifecycle events from game servers.
type EventHandler interface {
	Handle(ctx context.Context, ev domain.MatchEvent) error
}

// ReadinessCheck reports whether a dependency can serve requests.
type ReadinessCheck func(ctx context.Context) error

// Dependencies are the components served over HTTP.
type Dependencies struct {
	Ratings     *service.RatingService
	Percentiles *percentile.Tracker
	Lobbies     *table.Lobbies
	Invitations *table.Invitations
	Hub         *websocket.Hub
	// Events receives posted match events; nil disables the route.
	Events EventHandler
	// Checks are run by /ready, keyed by dependency name.
	Checks map[string]ReadinessCheck
}

// Handler provides HTTP handlers for the lobby and rating API
type Handler struct {
	ratings     *service.RatingService
	percentiles *percentile.Tracker
	lobbies     *table.Lobbies
	invitations *table.Invitations
	hub         *websocket.Hub
	events      EventHandler
	checks      map[string]ReadinessCheck
	logger      *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Dependencies, logger *slog.Logger) *Handler {
	return &Handler{
		ratings:     deps.Ratings,
		percentiles: deps.Percentiles,
		lobbies:     deps.Lobbies,
		invitations: deps.Invitations,
		hub:         deps.Hub,
		events:      deps.Events,
		checks:      deps.Checks,
		logger:      logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Compress(5))

		r.Route("/lobbies/{lobbyID}/tables", func(r chi.Router) {
			r.Get("/", h.ListTables)
			r.With(requireIdentity).Post("/", h.CreateTable)

			r.Route("/{tableID}", func(r chi.Router) {
				r.Get("/", h.GetTable)
				r.Group(func(r chi.Router) {
					r.Use(requireIdentity)
					r.Post("/join", h.JoinTable)
					r.Post("/leave", h.LeaveTable)
					r.Post("/start", h.StartTable)
					r.Post("/boot", h.BootPlayer)
				})
			})
		})

		r.Route("/invitations", func(r chi.Router) {
			r.Use(requireIdentity)
			r.Get("/", h.ListInvitations)
			r.Post("/", h.Invite)
			r.Post("/{inviteID}/respond", h.RespondInvitation)
		})

		r.Route("/games/{gameID}", func(r chi.Router) {
			r.Get("/ratings/top", h.GetTopRatings)
			r.Get("/ratings/{playerID}", h.GetRating)
			r.Delete("/ratings/{playerID}", h.DeleteRating)
			r.Delete("/ratings", h.PurgeGame)
			r.Get("/percentiles/{name}", h.GetPercentile)
		})
		r.Post("/ratings/purge", h.PurgePlayers)

		if h.events != nil {
			r.Post("/matches/events", h.PostMatchEvent)
		}

		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers",
			"Accept, Authorization, Content-Type, X-Request-ID, "+HeaderBodyOID+", "+HeaderPlayerID+", "+HeaderPlayerName)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request latency by route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(route, r.Method, strconv.Itoa(status), time.Since(start).Seconds())
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{Success: false, Error: err.Error()})
}

// writeFailure maps err to a status. Rejected table requests carry their
// player-facing reason; unexpected errors are logged and hidden.
func (h *Handler) writeFailure(w http.ResponseWriter, op string, err error) {
	var rejected *table.Error
	switch {
	case domain.IsNotFoundError(err):
		h.writeJSON(w, http.StatusNotFound, APIResponse{Error: table.Reason(err)})
	case errors.As(err, &rejected):
		h.writeJSON(w, rejectionStatus(err), APIResponse{Error: rejected.Reason})
	case errors.Is(err, domain.ErrInvalidIdentity):
		h.writeError(w, http.StatusUnauthorized, domain.ErrInvalidIdentity)
	case errors.Is(err, domain.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("request abandoned", "op", op, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, err)
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

func rejectionStatus(err error) int {
	switch {
	case errors.Is(err, table.ErrInvalidConfig),
		errors.Is(err, table.ErrInvalidPosition),
		errors.Is(err, table.ErrUnknownSimulant),
		errors.Is(err, table.ErrInvalidInvitation):
		return http.StatusBadRequest
	case errors.Is(err, table.ErrNotOwner), errors.Is(err, table.ErrNotInvitee):
		return http.StatusForbidden
	}
	return http.StatusConflict
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidRequest
	}
	return nil
}

func intParam(r *http.Request, name string) (int, error) {
	v, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		return 0, domain.ErrInvalidRequest
	}
	return v, nil
}

// PostMatchEvent hands a game server's lifecycle event to the sessions
func (h *Handler) PostMatchEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.MatchEvent
	if err := decode(r, &ev); err != nil || ev.Type == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if err := h.events.Handle(r.Context(), ev); err != nil {
		if errors.Is(err, domain.ErrUnknownEventType) {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		h.writeFailure(w, "match event", err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, APIResponse{Success: true, Data: map[string]string{"status": "accepted"}})
}

// HandleWebSocket upgrades to the table event stream. Identity headers are
// optional; ?lobby= subscribes immediately.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	player, _ := identityFromRequest(r)
	websocket.ServeWs(h.hub, player, r.URL.Query()["lobby"], h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]any{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck runs every readiness check
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failing := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Data:  map[string]any{"status": "not ready", "failing": failing},
			Error: "dependencies unavailable",
		})
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}
