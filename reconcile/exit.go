package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/store"
	"github.com/alexherrero/sherwood/trade"
	"github.com/alexherrero/sherwood/tracing"
)

// ExitOrderReconcilerConfig configures an ExitOrderReconciler. Zero values
// fall back to the spec defaults.
type ExitOrderReconcilerConfig struct {
	Period        time.Duration // default 30s
	InitialDelay  time.Duration // default 15s
	PlacedTimeout time.Duration // default 10m
	Concurrency   int           // default 5
}

func (c ExitOrderReconcilerConfig) withDefaults() ExitOrderReconcilerConfig {
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 15 * time.Second
	}
	if c.PlacedTimeout <= 0 {
		c.PlacedTimeout = 10 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	return c
}

// ExitOrderReconciler periodically resolves ExitIntent rows stuck at
// status=PLACED (with a real, non-placeholder brokerOrderId) against the
// broker's authoritative order state.
type ExitOrderReconciler struct {
	intents  store.ExitIntentRepository
	service  *trade.Service
	resolver AdapterResolver
	cfg      ExitOrderReconcilerConfig
	metrics  Metrics
	sem      chan struct{}
}

// NewExitOrderReconciler constructs an ExitOrderReconciler.
func NewExitOrderReconciler(intents store.ExitIntentRepository, service *trade.Service, resolver AdapterResolver, cfg ExitOrderReconcilerConfig) *ExitOrderReconciler {
	cfg = cfg.withDefaults()
	r := &ExitOrderReconciler{
		intents:  intents,
		service:  service,
		resolver: resolver,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Concurrency),
	}
	r.metrics.availablePermits.Store(int64(cfg.Concurrency))
	return r
}

// Metrics returns a snapshot of the reconciler's counters.
func (r *ExitOrderReconciler) Metrics() Snapshot {
	return r.metrics.Snapshot()
}

// Run blocks, firing one cycle after InitialDelay and then every Period,
// until ctx is cancelled.
func (r *ExitOrderReconciler) Run(ctx context.Context) {
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

func (r *ExitOrderReconciler) runCycle(ctx context.Context) {
	start := time.Now()
	cycleCtx := tracing.WithTraceID(ctx, tracing.NewTraceID())
	logger := tracing.Logger(cycleCtx)
	r.metrics.lastChecked.Store(start.UnixNano())

	rows, err := r.intents.FindByStatus(cycleCtx, models.ExitIntentPlaced)
	if err != nil {
		logger.Error().Err(err).Msg("exit reconciler: query failed")
		r.metrics.lastRunTime.Store(int64(time.Since(start)))
		return
	}

	var wg sync.WaitGroup
	for i := range rows {
		e := rows[i]
		if strings.HasPrefix(e.BrokerOrderID, models.PendingBrokerOrderIDPrefix) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic", rec).Str("exit_intent_id", e.ExitIntentID).Msg("exit reconciler: row panicked, recovered")
				}
			}()
			r.reconcileRow(cycleCtx, e)
		}()
	}
	wg.Wait()

	r.metrics.lastRunTime.Store(int64(time.Since(start)))
}

func (r *ExitOrderReconciler) reconcileRow(ctx context.Context, e models.ExitIntent) {
	logger := tracing.Logger(ctx)
	r.metrics.totalChecked.Add(1)

	if e.PlacedAt != nil && time.Since(*e.PlacedAt) > r.cfg.PlacedTimeout {
		r.metrics.totalTimeouts.Add(1)
		if err := r.intents.MarkFailed(ctx, e.ExitIntentID, "TIMEOUT", "placed order timeout exceeded"); err != nil {
			logger.Error().Err(err).Str("exit_intent_id", e.ExitIntentID).Msg("exit reconciler: mark timed out failed")
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

	tr, err := r.service.Get(ctx, e.TradeID)
	if err != nil || tr == nil {
		logger.Warn().Str("exit_intent_id", e.ExitIntentID).Msg("exit reconciler: trade not found")
		return
	}
	adapter, err := r.resolver.Resolve(ctx, e.UserBrokerID)
	if err != nil {
		logger.Warn().Err(err).Str("exit_intent_id", e.ExitIntentID).Msg("exit reconciler: resolve adapter failed")
		return
	}
	status, err := adapter.GetOrderStatus(ctx, e.BrokerOrderID)
	if err != nil {
		logger.Warn().Err(err).Str("exit_intent_id", e.ExitIntentID).Str("broker_order_id", e.BrokerOrderID).Msg("exit reconciler: broker poll failed")
		return
	}

	switch status.Status {
	case models.BrokerStateComplete, models.BrokerStateFilled:
		if err := r.intents.MarkFilled(ctx, e.ExitIntentID); err != nil {
			logger.Error().Err(err).Str("exit_intent_id", e.ExitIntentID).Msg("exit reconciler: mark filled failed")
			return
		}
		r.service.CloseTradeOnExitFill(ctx, e.TradeID, status.AveragePrice, models.ExitTrigger(e.ExitReason), time.Now())
		r.metrics.totalUpdated.Add(1)
	case models.BrokerStateRejected:
		if err := r.intents.MarkFailed(ctx, e.ExitIntentID, "BROKER_REJECTED", status.StatusMessage); err != nil {
			logger.Error().Err(err).Str("exit_intent_id", e.ExitIntentID).Msg("exit reconciler: mark failed failed")
			return
		}
		r.metrics.totalUpdated.Add(1)
	case models.BrokerStateCancelled:
		if err := r.intents.MarkCancelled(ctx, e.ExitIntentID); err != nil {
			logger.Error().Err(err).Str("exit_intent_id", e.ExitIntentID).Msg("exit reconciler: mark cancelled failed")
			return
		}
		r.metrics.totalUpdated.Add(1)
	}
}
