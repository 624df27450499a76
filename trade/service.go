package trade

import (
	"fmt"
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alexherrero/sherwood/broker"
	"github.com/alexherrero/sherwood/coordinator"
	"github.com/alexherrero/sherwood/eventbus"
	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/store"
	"github.com/alexherrero/sherwood/tracing"
)

// source is the EventBus "source" tag every event this service emits
// carries, per the stable event-payload contract.
const source = "TRADE_MANAGEMENT_SERVICE"

// AdapterResolver resolves the live BrokerAdapter for a userBrokerId. It is
// declared here rather than imported from a concrete wiring package so
// trade has no dependency on how adapters are constructed or pooled.
type AdapterResolver interface {
	Resolve(ctx context.Context, userBrokerID string) (broker.Adapter, error)
}

// Service is the TradeManagementService: the only component permitted to
// mutate Trade rows. Only OnPriceUpdate submits work to the TradeCoordinator
// (keyed by tradeId); every other method runs on its caller's goroutine, so
// two mutations of one trade are not serialized, and persist's Version check
// discards the later, stale write.
type Service struct {
	trades         store.TradeRepository
	intents        store.ExitIntentRepository
	index          *ActiveTradeIndex
	resolver       AdapterResolver
	coord          *coordinator.Coordinator
	bus            *eventbus.Bus
	maxHoldingDays int
}

// NewService constructs a Service. maxHoldingDays is the time-based exit
// threshold (§4.10), default 30.
func NewService(trades store.TradeRepository, intents store.ExitIntentRepository, index *ActiveTradeIndex, resolver AdapterResolver, coord *coordinator.Coordinator, bus *eventbus.Bus, maxHoldingDays int) *Service {
	if maxHoldingDays <= 0 {
		maxHoldingDays = 30
	}
	return &Service{
		trades:         trades,
		intents:        intents,
		index:          index,
		resolver:       resolver,
		coord:          coord,
		bus:            bus,
		maxHoldingDays: maxHoldingDays,
	}
}

func (s *Service) emit(eventType eventbus.EventType, t *models.Trade) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:          eventType,
		Source:        source,
		Symbol:        t.Symbol,
		TradeID:       t.TradeID,
		BrokerOrderID: t.BrokerOrderID,
		Payload:       t,
	})
}

// CreateTradeForIntent reads the existing trades for (userId, symbol) and
// fails if that read fails, but records no NEWBUY/REBUY classification from
// it; it generates a UUID tradeId, and persists the row synchronously with status=CREATED and
// entryPrice pre-filled from the intent's limit price.
func (s *Service) CreateTradeForIntent(ctx context.Context, intent models.TradeIntent, signal models.Signal) (*models.Trade, error) {
	if _, err := s.trades.FindByUserAndSymbol(ctx, intent.UserID, intent.Symbol); err != nil {
		return nil, fmt.Errorf("trade service: create for intent: count existing trades: %w", err)
	}

	now := time.Now()
	t := &models.Trade{
		TradeID:          uuid.New().String(),
		ClientOrderID:    intent.IntentID,
		Symbol:           intent.Symbol,
		Direction:        intent.Direction,
		Status:           models.TradeCreated,
		EntryPrice:       intent.LimitPrice,
		EntryHTFLow:      signal.HTFLow,
		EntryHTFHigh:     signal.HTFHigh,
		EntryITFLow:      signal.ITFLow,
		EntryITFHigh:     signal.ITFHigh,
		EntryLTFLow:      signal.LTFLow,
		EntryLTFHigh:     signal.LTFHigh,
		EffectiveFloor:   signal.EffectiveFloor,
		ExitPrimaryPrice: signal.EffectiveCeiling,
		UserID:           intent.UserID,
		UserBrokerID:     intent.UserBrokerID,
		SignalID:         intent.SignalID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	if err := s.trades.Insert(ctx, t); err != nil {
		return nil, fmt.Errorf("trade service: create for intent: insert: %w", err)
	}
	return t, nil
}

// OnIntentApproved runs on the caller's goroutine: creates the row, resolves the
// broker adapter, and places the order. Success transitions to PENDING with
// brokerOrderId set; failure transitions to REJECTED.
func (s *Service) OnIntentApproved(ctx context.Context, intent models.TradeIntent, signal models.Signal) {
	t, err := s.CreateTradeForIntent(ctx, intent, signal)
	if err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("intent_id", intent.IntentID).Msg("trade service: create trade for intent failed")
		return
	}

	adapter, err := s.resolver.Resolve(ctx, intent.UserBrokerID)
	if err != nil {
		s.reject(ctx, t, "ADAPTER_UNAVAILABLE", err.Error())
		return
	}

	result, err := adapter.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        intent.Symbol,
		Direction:     intent.Direction,
		OrderType:     intent.OrderType,
		ProductType:   intent.ProductType,
		Quantity:      intent.CalculatedQty,
		LimitPrice:    intent.LimitPrice,
		ClientOrderID: intent.IntentID,
	})
	if err != nil || !result.Success {
		code, msg := "BROKER_ERROR", ""
		if err == nil {
			code, msg = result.ErrorCode, result.ErrorMessage
		} else {
			msg = err.Error()
		}
		s.reject(ctx, t, code, msg)
		return
	}

	t.Status = models.TradePending
	t.BrokerOrderID = result.OrderID
	t.LastBrokerUpdateAt = time.Now()
	s.persist(ctx, t)
	s.emit(eventbus.EventOrderCreated, t)
}

func (s *Service) reject(ctx context.Context, t *models.Trade, code, msg string) {
	t.Status = models.TradeRejected
	s.persist(ctx, t)
	tracing.Logger(ctx).Warn().Str("trade_id", t.TradeID).Str("code", code).Str("message", msg).Msg("trade service: order placement rejected")
	s.emit(eventbus.EventOrderRejected, t)
}

// persist bumps Version and writes t via the optimistic-concurrency
// Upsert. A failed CAS is logged and left for the next broker update or
// reconciler pass to heal, per the failure-semantics contract: TMS handlers
// never rethrow into the coordinator.
func (s *Service) persist(ctx context.Context, t *models.Trade) {
	t.UpdatedAt = time.Now()
	expected := t.Version
	t.Version = expected + 1
	ok, err := s.trades.Upsert(ctx, t, expected)
	if err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("trade_id", t.TradeID).Msg("trade service: persist failed")
		return
	}
	if !ok {
		tracing.Logger(ctx).Warn().Str("trade_id", t.TradeID).Msg("trade service: stale write discarded, trade changed concurrently")
	}
}

// OnBrokerOrderUpdate resolves the trade by brokerOrderId, falling back to
// clientOrderId, then dispatches on the normalized broker status.
func (s *Service) OnBrokerOrderUpdate(ctx context.Context, update models.BrokerOrderStatus, clientOrderID string) {
	t, err := s.trades.FindByBrokerOrderID(ctx, update.OrderID)
	if err != nil || t == nil {
		t, err = s.trades.FindByIntentID(ctx, clientOrderID)
	}
	if err != nil || t == nil {
		tracing.Logger(ctx).Warn().Str("broker_order_id", update.OrderID).Msg("trade service: broker update for unknown trade")
		return
	}

	switch models.Classify(update.Status) {
	case models.StatusTerminalFill:
		switch t.Status {
		case models.TradePending:
			s.handleEntryFill(ctx, t, update)
		case models.TradeExiting:
			s.handleExitFill(ctx, t, update)
		}
	case models.StatusTerminalFail:
		t.Status = models.TradeRejected
		s.persist(ctx, t)
		s.emit(eventbus.EventOrderRejected, t)
	}
}

func (s *Service) handleEntryFill(ctx context.Context, t *models.Trade, update models.BrokerOrderStatus) {
	now := time.Now()
	t.Status = models.TradeOpen
	t.EntryPrice = update.AveragePrice
	t.EntryQty = update.FilledQuantity
	t.EntryValue = update.AveragePrice.Mul(update.FilledQuantity)
	t.EntryTimestamp = &now
	t.LastBrokerUpdateAt = now
	s.persist(ctx, t)
	s.index.AddTrade(t.TradeID, t.Symbol)
	s.emit(eventbus.EventTradeUpdated, t)
}

func (s *Service) handleExitFill(ctx context.Context, t *models.Trade, update models.BrokerOrderStatus) {
	s.CloseTradeOnExitFill(ctx, t.TradeID, update.AveragePrice, t.ExitTrigger, time.Now())
}

// OnPriceUpdate submits one job per open trade for symbol, keyed by
// tradeId so each trade's evaluation serializes with any other mutation in
// flight for it. evaluate is the exit condition evaluator (exit_eval.go);
// it is passed in rather than called directly so tests can substitute a
// stub without constructing a full Service.
func (s *Service) OnPriceUpdate(symbol string, ltp decimal.Decimal, ts time.Time, evaluate func(ctx context.Context, tradeID string, ltp decimal.Decimal, ts time.Time)) {
	for _, tradeID := range s.index.GetOpenTrades(symbol) {
		id := tradeID
		s.coord.Execute(id, func(ctx context.Context) error {
			evaluate(ctx, id, ltp, ts)
			return nil
		})
	}
}

// UpdateTrailingStop updates the trailing-stop fields iff activate is true
// or highestPrice exceeds the trade's current highest.
func (s *Service) UpdateTrailingStop(ctx context.Context, tradeID string, highestPrice, stopPrice decimal.Decimal, activate bool) error {
	t, err := s.trades.FindByID(ctx, tradeID)
	if err != nil || t == nil {
		return fmt.Errorf("trade service: update trailing stop: trade %s not found", tradeID)
	}
	if !activate && highestPrice.LessThanOrEqual(t.TrailingHighestPrice) {
		return nil
	}
	t.TrailingActive = true
	t.TrailingHighestPrice = highestPrice
	t.TrailingStopPrice = stopPrice
	s.persist(ctx, t)
	return nil
}

// UpdateTradeExitOrderPlaced transitions the trade to EXITING and records
// the exit order id. This is the point at which the trade is removed from
// ActiveTradeIndex so the exit evaluator is never invoked again for it.
// BrokerOrderID is also overwritten with exitOrderID so a subsequent
// OnBrokerOrderUpdate for the exit fill resolves this trade on its first
// lookup (FindByBrokerOrderID), the same path the entry fill uses.
func (s *Service) UpdateTradeExitOrderPlaced(ctx context.Context, tradeID, exitOrderID string, placedAt time.Time) error {
	t, err := s.trades.FindByID(ctx, tradeID)
	if err != nil || t == nil {
		return fmt.Errorf("trade service: update exit order placed: trade %s not found", tradeID)
	}
	t.Status = models.TradeExiting
	t.ExitOrderID = exitOrderID
	t.BrokerOrderID = exitOrderID
	s.persist(ctx, t)
	s.index.RemoveTrade(tradeID)
	s.emit(eventbus.EventTradeUpdated, t)
	return nil
}

// CloseTradeOnExitFill is an idempotent close: a no-op if the trade is
// already CLOSED. realizedPnl is (exit-entry)*qty for BUY, mirrored for
// SELL; realizedLogReturn is ln(exit/entry) mirrored for SELL.
func (s *Service) CloseTradeOnExitFill(ctx context.Context, tradeID string, exitPrice decimal.Decimal, exitReason models.ExitTrigger, exitTimestamp time.Time) {
	t, err := s.trades.FindByID(ctx, tradeID)
	if err != nil || t == nil {
		tracing.Logger(ctx).Error().Str("trade_id", tradeID).Msg("trade service: close on exit fill: trade not found")
		return
	}
	if t.Status == models.TradeClosed {
		return
	}

	t.ExitPrice = exitPrice
	t.ExitTimestamp = &exitTimestamp
	t.ExitTrigger = exitReason
	t.Status = models.TradeClosed

	diff := exitPrice.Sub(t.EntryPrice)
	logReturn := 0.0
	if !t.EntryPrice.IsZero() {
		ratio, _ := exitPrice.Div(t.EntryPrice).Float64()
		if ratio > 0 {
			logReturn = math.Log(ratio)
		}
	}
	if t.IsShort() {
		diff = diff.Neg()
		logReturn = -logReturn
	}
	t.RealizedPnl = diff.Mul(t.EntryQty)
	t.RealizedLogReturn = decimal.NewFromFloat(math.Round(logReturn*1e6) / 1e6)

	if t.EntryTimestamp != nil {
		days := exitTimestamp.Sub(*t.EntryTimestamp).Hours() / 24
		t.HoldingDays = decimal.NewFromFloat(math.Round(days*100) / 100)
	}

	s.persist(ctx, t)
	s.index.RemoveTrade(tradeID)
	s.emit(eventbus.EventTradeClosed, t)
}

// MarkTradeRejectedByIntentID resolves the trade by its originating intent
// id and marks it REJECTED.
func (s *Service) MarkTradeRejectedByIntentID(ctx context.Context, intentID, code, message string) {
	t, err := s.trades.FindByIntentID(ctx, intentID)
	if err != nil || t == nil {
		tracing.Logger(ctx).Warn().Str("intent_id", intentID).Msg("trade service: mark rejected: trade not found")
		return
	}
	s.reject(ctx, t, code, message)
}

// Get satisfies TradeReader for the exit condition evaluator.
func (s *Service) Get(ctx context.Context, tradeID string) (*models.Trade, error) {
	return s.trades.FindByID(ctx, tradeID)
}

// MarkTradeTimedOut transitions a PENDING trade to REJECTED because
// pendingTimeout elapsed with no broker resolution. Called by
// PendingOrderReconciler; it's a no-op if the trade already left PENDING.
func (s *Service) MarkTradeTimedOut(ctx context.Context, tradeID string) error {
	t, err := s.trades.FindByID(ctx, tradeID)
	if err != nil || t == nil {
		return fmt.Errorf("trade service: mark timed out: trade %s not found", tradeID)
	}
	if t.Status != models.TradePending {
		return nil
	}
	s.reject(ctx, t, "TIMEOUT", "pending order timeout exceeded")
	return nil
}

// ApplyPendingPoll applies a broker poll result for a PENDING trade to the
// authoritative row. Every poll of a PENDING trade is persisted, since
// LastBrokerUpdateAt is set to now each time; it reports true only when the
// poll moved the trade out of PENDING (filled or rejected).
func (s *Service) ApplyPendingPoll(ctx context.Context, tradeID string, status models.BrokerOrderStatus) (bool, error) {
	t, err := s.trades.FindByID(ctx, tradeID)
	if err != nil || t == nil {
		return false, fmt.Errorf("trade service: apply pending poll: trade %s not found", tradeID)
	}
	if t.Status != models.TradePending {
		return false, nil
	}

	now := time.Now()
	switch models.Classify(status.Status) {
	case models.StatusTerminalFill:
		t.Status = models.TradeOpen
		t.EntryPrice = status.AveragePrice
		t.EntryQty = status.FilledQuantity
		t.EntryValue = status.AveragePrice.Mul(status.FilledQuantity)
		t.EntryTimestamp = &now
		t.LastBrokerUpdateAt = now
		s.persist(ctx, t)
		s.index.AddTrade(t.TradeID, t.Symbol)
		s.emit(eventbus.EventTradeUpdated, t)
		return true, nil
	case models.StatusTerminalFail:
		t.LastBrokerUpdateAt = now
		s.reject(ctx, t, "BROKER_REJECTED", status.StatusMessage)
		return true, nil
	default:
		t.LastBrokerUpdateAt = now
		s.persist(ctx, t)
		return false, nil
	}
}

// RebuildActiveIndex reads all OPEN trades and repopulates ActiveTradeIndex,
// run once at startup (and after recovery) before any tick is processed.
func (s *Service) RebuildActiveIndex(ctx context.Context) error {
	open, err := s.trades.FindOpen(ctx)
	if err != nil {
		return fmt.Errorf("trade service: rebuild active index: %w", err)
	}
	m := make(map[string]string, len(open))
	for _, t := range open {
		m[t.TradeID] = t.Symbol
	}
	s.index.Rebuild(m)
	return nil
}
