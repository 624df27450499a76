package diagnostics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/alexherrero/sherwood/broker"
	"github.com/alexherrero/sherwood/config"
	"github.com/alexherrero/sherwood/reconcile"
)

// Handler holds the dependencies the diagnostics surface reports on. It
// never mutates trading state; every method here is a read.
type Handler struct {
	config    *config.Config
	adapter   broker.Adapter
	pending   *reconcile.PendingOrderReconciler
	exit      *reconcile.ExitOrderReconciler
	startTime time.Time
}

// NewHandler constructs a Handler. adapter, pending and exit may be nil
// (e.g. before the broker connects at startup) and are reported as
// unavailable rather than causing a panic.
func NewHandler(cfg *config.Config, adapter broker.Adapter, pending *reconcile.PendingOrderReconciler, exit *reconcile.ExitOrderReconciler) *Handler {
	return &Handler{
		config:    cfg,
		adapter:   adapter,
		pending:   pending,
		exit:      exit,
		startTime: time.Now(),
	}
}

// HealthHandler reports liveness. It never depends on the broker or the
// database being reachable, so it is safe to use as a process-level probe.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": time.Since(h.startTime).Seconds(),
		"timestamp":      time.Now(),
	})
}

// StatusHandler reports broker connection state and both reconcilers'
// metric snapshots, for operator visibility into the running system.
func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	brokerStatus := map[string]interface{}{
		"available": false,
	}
	if h.adapter != nil {
		brokerStatus = map[string]interface{}{
			"available":        true,
			"connected":        h.adapter.IsConnected(),
			"can_place_orders": h.adapter.CanPlaceOrders(),
		}
	}

	resp := map[string]interface{}{
		"trading_enabled": h.config.TradingEnabled,
		"data_feed_mode":  string(h.config.DataFeedMode),
		"broker":          brokerStatus,
		"goroutines":      runtime.NumGoroutine(),
		"timestamp":       time.Now(),
	}

	if h.pending != nil {
		resp["pending_reconciler"] = h.pending.Metrics()
	}
	if h.exit != nil {
		resp["exit_reconciler"] = h.exit.Metrics()
	}

	writeJSON(w, http.StatusOK, resp)
}
