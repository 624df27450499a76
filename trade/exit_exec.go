package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alexherrero/sherwood/eventbus"
	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/store"
	"github.com/alexherrero/sherwood/tracing"
)

// exitPlaceholderPrefix mirrors models.PendingBrokerOrderIDPrefix; used as
// the CAS placeholder written by PlaceExitOrder before the real broker
// order id is known.
const exitPlaceholderPrefix = models.PendingBrokerOrderIDPrefix

// ExitExecution turns an APPROVED ExitIntent into a broker order, and also
// serves as the Evaluator's ExitCreator: it creates the ExitIntent row for
// a hit condition, then immediately attempts to place it.
type ExitExecution struct {
	service  *Service
	intents  store.ExitIntentRepository
	resolver AdapterResolver
	bus      *eventbus.Bus
}

// NewExitExecution constructs an ExitExecution.
func NewExitExecution(service *Service, intents store.ExitIntentRepository, resolver AdapterResolver, bus *eventbus.Bus) *ExitExecution {
	return &ExitExecution{service: service, intents: intents, resolver: resolver, bus: bus}
}

// CreateExitIntent satisfies trade.ExitCreator: it persists a new
// ExitIntent at status=APPROVED for t, then attempts to place it.
func (e *ExitExecution) CreateExitIntent(ctx context.Context, t *models.Trade, reason models.ExitTrigger) error {
	now := time.Now()
	intent := &models.ExitIntent{
		ExitIntentID:  uuid.New().String(),
		TradeID:       t.TradeID,
		UserBrokerID:  t.UserBrokerID,
		ExitReason:    mapExitReason(reason),
		OrderType:     models.OrderTypeMarket,
		CalculatedQty: t.EntryQty,
		Status:        models.ExitIntentApproved,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if err := e.intents.Insert(ctx, intent); err != nil {
		return fmt.Errorf("exit execution: insert intent: %w", err)
	}
	return e.Place(ctx, intent.ExitIntentID)
}

func mapExitReason(trigger models.ExitTrigger) models.ExitReason {
	switch trigger {
	case ReasonTargetHit:
		return models.ExitTargetHit
	case ReasonStopLoss:
		return models.ExitStopLoss
	case ReasonTimeBased:
		return models.ExitTimeBased
	default:
		return models.ExitManual
	}
}

// Place implements the APPROVED->PLACED CAS transition: it preconditions
// exitIntent.status=APPROVED AND trade.status=OPEN, then performs the
// conditional write, writing brokerOrderId=PENDING_<wallTime>. If the CAS
// fails to update exactly one row it returns without placing (someone else
// already claimed this intent).
func (e *ExitExecution) Place(ctx context.Context, exitIntentID string) error {
	intent, err := e.intents.FindByID(ctx, exitIntentID)
	if err != nil || intent == nil {
		return fmt.Errorf("exit execution: load intent %s: %w", exitIntentID, err)
	}
	if intent.Status != models.ExitIntentApproved {
		return nil
	}
	trade, err := e.service.Get(ctx, intent.TradeID)
	if err != nil || trade == nil || trade.Status != models.TradeOpen {
		return nil
	}

	placeholder := fmt.Sprintf("%s%d", exitPlaceholderPrefix, time.Now().UnixNano())
	claimed, err := e.intents.PlaceExitOrder(ctx, exitIntentID, placeholder)
	if err != nil {
		return fmt.Errorf("exit execution: CAS place for %s: %w", exitIntentID, err)
	}
	if !claimed {
		return nil
	}

	adapter, err := e.resolver.Resolve(ctx, intent.UserBrokerID)
	if err != nil {
		e.fail(ctx, intent, "ADAPTER_UNAVAILABLE", err.Error())
		return nil
	}

	reverse := models.Buy
	if trade.Direction == models.Buy {
		reverse = models.Sell
	}
	result, err := adapter.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        trade.Symbol,
		Direction:     reverse,
		OrderType:     intent.OrderType,
		ProductType:   intent.ProductType,
		Quantity:      intent.CalculatedQty,
		LimitPrice:    intent.LimitPrice,
		ClientOrderID: exitIntentID,
	})
	if err != nil || !result.Success {
		code, msg := "BROKER_REJECTED", ""
		if err == nil {
			code, msg = result.ErrorCode, result.ErrorMessage
		} else {
			msg = err.Error()
		}
		e.fail(ctx, intent, code, msg)
		return nil
	}

	if err := e.intents.UpdateBrokerOrderID(ctx, exitIntentID, result.OrderID); err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("exit_intent_id", exitIntentID).Msg("exit execution: overwrite placeholder order id failed")
	}
	if err := e.service.UpdateTradeExitOrderPlaced(ctx, intent.TradeID, result.OrderID, time.Now()); err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("trade_id", intent.TradeID).Msg("exit execution: transition trade to EXITING failed")
	}
	return nil
}

func (e *ExitExecution) fail(ctx context.Context, intent *models.ExitIntent, code, message string) {
	if err := e.intents.MarkFailed(ctx, intent.ExitIntentID, code, message); err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("exit_intent_id", intent.ExitIntentID).Msg("exit execution: mark failed write failed")
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Type:         eventbus.EventExitIntentFailed,
			Source:       "EXIT_ORDER_EXECUTION",
			TradeID:      intent.TradeID,
			ExitIntentID: intent.ExitIntentID,
			ErrorCode:    code,
			ErrorMessage: message,
		})
	}
}
