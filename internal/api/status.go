// Package api serves the pool's read-only HTTP endpoints.
package api

import (
	"context"
	stderrors "errors"
	"math"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/bardlex/poolcore/internal/store"
	"github.com/bardlex/poolcore/pkg/log"
)

// StatusSource is the part of the store the status endpoint reads.
type StatusSource interface {
	SelectMinerByUsername(ctx context.Context, username string) (*store.Miner, error)
	CountValidShares(ctx context.Context, username string, since time.Time) (int64, error)
}

// HealthChecker reports whether the backing stores are reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// MinerStatus is the body of a successful status request.
type MinerStatus struct {
	Username    string  `json:"username"`
	Address     string  `json:"address"`
	Status      string  `json:"status"`
	ValidShares int64   `json:"validshares"`
	Hashrate    float64 `json:"hashrate"`
	TotalReward float64 `json:"totalreward"`
}

type errorBody struct {
	Error string `json:"error"`
}

// hashesPerShare is the expected work behind one difficulty-1 share.
var hashesPerShare = math.Exp2(32)

// Handler serves GET /api/miner/status and GET /healthz.
type Handler struct {
	source      StatusSource
	health      HealthChecker
	window      time.Duration
	shareReward float64
	now         func() time.Time
	logger      *log.Logger
}

// NewHandler creates the status handler. Hashrate is averaged over window;
// every valid share earns shareReward. health may be nil.
func NewHandler(source StatusSource, health HealthChecker, window time.Duration, shareReward float64, logger *log.Logger) *Handler {
	return &Handler{
		source:      source,
		health:      health,
		window:      window,
		shareReward: shareReward,
		now:         time.Now,
		logger:      logger.WithComponent("status_api"),
	}
}

// Routes returns the endpoint mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/miner/status", h.minerStatus)
	mux.HandleFunc("/healthz", h.healthz)
	return mux
}

func (h *Handler) minerStatus(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		h.writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
		return
	}

	username := r.URL.Query().Get("username")
	if username == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "username is required"})
		return
	}

	ctx := r.Context()
	logger := h.logger.WithMiner(username)

	m, err := h.source.SelectMinerByUsername(ctx, username)
	if stderrors.Is(err, store.ErrNotFound) {
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: "miner not found"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("failed to load miner")
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
		return
	}

	total, err := h.source.CountValidShares(ctx, username, time.Time{})
	if err != nil {
		logger.WithError(err).Error("failed to count shares")
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
		return
	}

	var hashrate float64
	if h.window > 0 {
		recent, err := h.source.CountValidShares(ctx, username, h.now().Add(-h.window))
		if err != nil {
			logger.WithError(err).Error("failed to count recent shares")
			h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
			return
		}
		hashrate = Hashrate(recent, h.window)
	}

	h.writeJSON(w, http.StatusOK, MinerStatus{
		Username:    m.Username,
		Address:     m.Address,
		Status:      string(m.Status),
		ValidShares: total,
		Hashrate:    hashrate,
		TotalReward: float64(total) * h.shareReward,
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Health(r.Context()); err != nil {
			h.logger.WithError(err).Warn("health check failed")
			h.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unhealthy"})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Hashrate estimates hashes per second from the valid shares found in window.
func Hashrate(shares int64, window time.Duration) float64 {
	if shares <= 0 || window <= 0 {
		return 0
	}
	return float64(shares) * hashesPerShare / window.Seconds()
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
