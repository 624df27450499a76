package trade

import (
	"context"
	"fmt"

	"github.com/alexherrero/sherwood/errs"
	"github.com/alexherrero/sherwood/eventbus"
	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/store"
	"github.com/alexherrero/sherwood/tracing"
)

// EntryExecution turns an approved TradeIntent into a broker order. It
// honors the process-wide trading-enabled flag and the adapter's
// CanPlaceOrders() READ-ONLY gate: if either is false the intent is never
// sent to the broker.
type EntryExecution struct {
	service        *Service
	signals        store.SignalRepository
	resolver       AdapterResolver
	bus            *eventbus.Bus
	tradingEnabled func() bool
}

// NewEntryExecution constructs an EntryExecution. tradingEnabled is
// evaluated on every call so it can reflect a runtime-toggled env var
// without requiring a restart.
func NewEntryExecution(service *Service, signals store.SignalRepository, resolver AdapterResolver, bus *eventbus.Bus, tradingEnabled func() bool) *EntryExecution {
	return &EntryExecution{service: service, signals: signals, resolver: resolver, bus: bus, tradingEnabled: tradingEnabled}
}

// Execute validates the intent, applies the trading-enabled and read-only
// gates (returning a wrapped errs.TradingDisabled or errs.ReadOnly when one
// refuses), resolves its signal, and calls OnIntentApproved on the caller's
// goroutine; nothing here goes through the TradeCoordinator.
func (e *EntryExecution) Execute(ctx context.Context, intent models.TradeIntent) error {
	if !intent.ValidationPassed {
		return fmt.Errorf("entry execution: intent %s failed validation", intent.IntentID)
	}
	if e.tradingEnabled != nil && !e.tradingEnabled() {
		tracing.Logger(ctx).Warn().Str("intent_id", intent.IntentID).Msg("entry execution: trading disabled, intent rejected")
		return fmt.Errorf("entry execution: intent %s: %w", intent.IntentID, errs.TradingDisabled)
	}

	adapter, err := e.resolver.Resolve(ctx, intent.UserBrokerID)
	if err != nil {
		return fmt.Errorf("entry execution: resolve adapter: %w", err)
	}
	if !adapter.CanPlaceOrders() {
		tracing.Logger(ctx).Warn().Str("intent_id", intent.IntentID).Msg("entry execution: adapter not ready to place orders (read-only gate)")
		return fmt.Errorf("entry execution: intent %s: %w", intent.IntentID, errs.ReadOnly)
	}

	signal, err := e.signals.FindByID(ctx, intent.SignalID)
	if err != nil || signal == nil {
		return fmt.Errorf("entry execution: resolve signal %s: %w", intent.SignalID, err)
	}

	e.service.OnIntentApproved(ctx, intent, *signal)
	return nil
}
