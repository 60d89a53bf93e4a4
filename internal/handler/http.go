package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gameshop-ledger/internal/domain"
	"github.com/gameshop-ledger/internal/websocket"
)

// ShopService is the purchase surface the handler exposes
type ShopService interface {
	Purchase(ctx context.Context, userID int64, productID, idempotencyKey string) (*domain.PurchaseResult, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListPurchases(ctx context.Context, userID int64, limit int) ([]domain.Purchase, error)
	GetUser(ctx context.Context, userID int64) (*domain.User, error)
}

// StatsService is the game-stats surface the handler exposes
type StatsService interface {
	GetStats(ctx context.Context, userID int64) (*domain.UserStats, error)
	RecordResult(ctx context.Context, res domain.GameResult) error
}

// Handler provides HTTP handlers for the shop and stats API
type Handler struct {
	shop      ShopService
	stats     StatsService
	hub       *websocket.Hub
	jwtSecret string
	logger    *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(shop ShopService, stats StatsService, hub *websocket.Hub, jwtSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		shop:      shop,
		stats:     stats,
		hub:       hub,
		jwtSecret: jwtSecret,
		logger:    logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StatsResponse is the fixed envelope for stats payloads
type StatsResponse struct {
	Success bool              `json:"success"`
	Stats   *domain.UserStats `json:"stats"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/shop", func(r chi.Router) {
			r.Get("/products", h.ListProducts)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware)
				r.Post("/purchase", h.Purchase)
				r.Get("/transactions", h.ListTransactions)
			})
		})

		r.Route("/games", func(r chi.Router) {
			r.Post("/result", h.SubmitGameResult)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware)
				r.Get("/stats/me", h.GetMyStats)
			})
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/stats", h.GetUserStats)
			r.Get("/balance", h.GetUserBalance)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// Purchase handles a purchase request for the authenticated user
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
		return
	}

	var req domain.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if req.ProductID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.shop.Purchase(r.Context(), userID, req.ProductID, req.IdempotencyKey)
	if err != nil {
		switch {
		case domain.IsNotFoundError(err):
			h.writeError(w, http.StatusNotFound, err)
		case errors.Is(err, domain.ErrInsufficientFunds):
			h.writeError(w, http.StatusConflict, err)
		case errors.Is(err, domain.ErrPurchaseInProgress):
			h.writeError(w, http.StatusConflict, err)
		case errors.Is(err, domain.ErrInvalidRequest):
			h.writeError(w, http.StatusBadRequest, err)
		default:
			h.logger.Error("failed to process purchase", "user_id", userID, "error", err)
			h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		}
		return
	}

	h.writeSuccess(w, result)
}

// ListProducts returns the active product catalog
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.shop.ListProducts(r.Context())
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, products)
}

// ListTransactions returns recent purchases for the authenticated user
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	purchases, err := h.shop.ListPurchases(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list transactions", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, purchases)
}

// GetMyStats returns game stats for the authenticated user
func (h *Handler) GetMyStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
		return
	}

	h.serveStats(w, r, userID)
}

// GetUserStats returns game stats for the user in the path
func (h *Handler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	h.serveStats(w, r, userID)
}

// serveStats writes the stats envelope for a user
func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request, userID int64) {
	stats, err := h.stats.GetStats(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get stats", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeJSON(w, http.StatusOK, StatsResponse{
		Success: true,
		Stats:   stats,
	})
}

// GetUserBalance returns a user's current gold balance
func (h *Handler) GetUserBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	user, err := h.shop.GetUser(r.Context(), userID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get user", "user_id", userID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, user)
}

// SubmitGameResult records a single game-resolution event
func (h *Handler) SubmitGameResult(w http.ResponseWriter, r *http.Request) {
	var res domain.GameResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	if err := h.stats.RecordResult(r.Context(), res); err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		h.logger.Error("failed to record game result", "user_id", res.UserID, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "recorded"})
}
