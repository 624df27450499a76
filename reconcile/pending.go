// Package reconcile implements the two timer-driven reconciliation loops
// that heal broker-order state the live push path (OnBrokerOrderUpdate)
// missed: orders stuck PENDING or exit orders stuck PLACED. Both loops
// share the same shape — periodic cycle, per-row timeout check before any
// broker call, semaphore-bounded concurrency, per-row errors logged and
// swallowed so one bad row never aborts the cycle.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/alexherrero/sherwood/broker"
	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/store"
	"github.com/alexherrero/sherwood/trade"
	"github.com/alexherrero/sherwood/tracing"
)

// AdapterResolver resolves the live BrokerAdapter for a userBrokerId.
type AdapterResolver interface {
	Resolve(ctx context.Context, userBrokerID string) (broker.Adapter, error)
}

// PendingOrderReconcilerConfig configures a PendingOrderReconciler. Zero
// values fall back to the spec defaults.
type PendingOrderReconcilerConfig struct {
	Period         time.Duration // default 30s
	InitialDelay   time.Duration // default 10s
	PendingTimeout time.Duration // default 10m
	Concurrency    int           // default 5
}

func (c PendingOrderReconcilerConfig) withDefaults() PendingOrderReconcilerConfig {
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 10 * time.Second
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 10 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	return c
}

// PendingOrderReconciler periodically resolves Trade rows stuck at
// status=PENDING against the broker's authoritative order state.
type PendingOrderReconciler struct {
	trades   store.TradeRepository
	service  *trade.Service
	resolver AdapterResolver
	cfg      PendingOrderReconcilerConfig
	metrics  Metrics
	sem      chan struct{}
}

// NewPendingOrderReconciler constructs a PendingOrderReconciler.
func NewPendingOrderReconciler(trades store.TradeRepository, service *trade.Service, resolver AdapterResolver, cfg PendingOrderReconcilerConfig) *PendingOrderReconciler {
	cfg = cfg.withDefaults()
	r := &PendingOrderReconciler{
		trades:   trades,
		service:  service,
		resolver: resolver,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
	r.metrics.availablePermits.Store(int64(cfg.Concurrency))
	return r
}

// Metrics returns a snapshot of the reconciler's counters.
func (r *PendingOrderReconciler) Metrics() Snapshot {
	return r.metrics.Snapshot()
}

// Run blocks, firing one cycle after InitialDelay and then every Period,
// until ctx is cancelled.
func (r *PendingOrderReconciler) Run(ctx context.Context) {
	timer := time.NewTimer(r.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.runCycle(ctx)
			timer.Reset(r.cfg.Period)
		}
	}
}

func (r *PendingOrderReconciler) runCycle(ctx context.Context) {
	start := time.Now()
	cycleCtx := tracing.WithTraceID(ctx, tracing.NewTraceID())
	logger := tracing.Logger(cycleCtx)
	r.metrics.lastChecked.Store(start.UnixNano())

	rows, err := r.trades.FindByStatus(cycleCtx, models.TradePending)
	if err != nil {
		logger.Error().Err(err).Msg("pending reconciler: query failed")
		r.metrics.lastRunTime.Store(int64(time.Since(start)))
		return
	}

	var wg sync.WaitGroup
	for i := range rows {
		t := rows[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic", rec).Str("trade_id", t.TradeID).Msg("pending reconciler: row panicked, recovered")
				}
			}()
			r.reconcileRow(cycleCtx, t)
		}()
	}
	wg.Wait()

	r.metrics.lastRunTime.Store(int64(time.Since(start)))
}

func (r *PendingOrderReconciler) reconcileRow(ctx context.Context, t models.Trade) {
	logger := tracing.Logger(ctx)
	r.metrics.totalChecked.Add(1)

	lastSeen := t.LastBrokerUpdateAt
	if t.CreatedAt.After(lastSeen) {
		lastSeen = t.CreatedAt
	}
	if time.Since(lastSeen) > r.cfg.PendingTimeout {
		r.metrics.totalTimeouts.Add(1)
		if err := r.service.MarkTradeTimedOut(ctx, t.TradeID); err != nil {
			logger.Error().Err(err).Str("trade_id", t.TradeID).Msg("pending reconciler: mark timed out failed")
		}
		return
	}

	select {
	case r.sem <- struct{}{}:
		r.metrics.availablePermits.Add(-1)
	default:
		r.metrics.totalRateLimited.Add(1)
		return
	}
	defer func() {
		<-r.sem
		r.metrics.availablePermits.Add(1)
	}()

	adapter, err := r.resolver.Resolve(ctx, t.UserBrokerID)
	if err != nil {
		logger.Warn().Err(err).Str("trade_id", t.TradeID).Msg("pending reconciler: resolve adapter failed")
		return
	}
	status, err := adapter.GetOrderStatus(ctx, t.BrokerOrderID)
	if err != nil {
		logger.Warn().Err(err).Str("trade_id", t.TradeID).Str("broker_order_id", t.BrokerOrderID).Msg("pending reconciler: broker poll failed")
		return
	}

	updated, err := r.service.ApplyPendingPoll(ctx, t.TradeID, status)
	if err != nil {
		logger.Error().Err(err).Str("trade_id", t.TradeID).Msg("pending reconciler: apply poll failed")
		return
	}
	if updated {
		r.metrics.totalUpdated.Add(1)
	}
}
