package trade

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/tracing"
)

// Exit condition priority order: target-hit, then stop-loss, then
// time-based. The first matching reason wins.
const (
	ReasonTargetHit models.ExitTrigger = "TARGET_HIT"
	ReasonStopLoss  models.ExitTrigger = "STOP_LOSS"
	ReasonTimeBased models.ExitTrigger = "TIME_BASED"
)

// ExitCreator is what the evaluator hands a hit to: submitting an exit
// order creation keyed by tradeId. The in-flight status->EXITING
// transition happens only when the broker acknowledges placement, so the
// evaluator itself never mutates Trade state.
type ExitCreator interface {
	CreateExitIntent(ctx context.Context, t *models.Trade, reason models.ExitTrigger) error
}

// Evaluator implements the exit condition evaluator for OPEN trades.
type Evaluator struct {
	trades         TradeReader
	creator        ExitCreator
	maxHoldingDays int
}

// TradeReader is the read-side the evaluator needs; Service satisfies it.
type TradeReader interface {
	Get(ctx context.Context, tradeID string) (*models.Trade, error)
}

// NewEvaluator constructs an Evaluator. maxHoldingDays defaults to 30.
func NewEvaluator(trades TradeReader, creator ExitCreator, maxHoldingDays int) *Evaluator {
	if maxHoldingDays <= 0 {
		maxHoldingDays = 30
	}
	return &Evaluator{trades: trades, creator: creator, maxHoldingDays: maxHoldingDays}
}

// Evaluate checks tradeID's exit conditions against currentPrice at ts. It
// is a no-op for trades not OPEN (already EXITING/CLOSED/etc, since
// ActiveTradeIndex removal at the EXITING transition prevents re-entry).
func (e *Evaluator) Evaluate(ctx context.Context, tradeID string, currentPrice decimal.Decimal, ts time.Time) {
	t, err := e.trades.Get(ctx, tradeID)
	if err != nil || t == nil {
		tracing.Logger(ctx).Warn().Str("trade_id", tradeID).Msg("exit evaluator: trade not found")
		return
	}
	if t.Status != models.TradeOpen {
		return
	}

	reason, hit := e.check(t, currentPrice, ts)
	if !hit {
		return
	}
	if err := e.creator.CreateExitIntent(ctx, t, reason); err != nil {
		tracing.Logger(ctx).Error().Err(err).Str("trade_id", tradeID).Str("reason", string(reason)).Msg("exit evaluator: exit intent creation failed")
	}
}

func (e *Evaluator) check(t *models.Trade, currentPrice decimal.Decimal, ts time.Time) (models.ExitTrigger, bool) {
	short := t.IsShort()

	targetHit := currentPrice.GreaterThanOrEqual(t.ExitPrimaryPrice)
	if short {
		targetHit = currentPrice.LessThanOrEqual(t.ExitPrimaryPrice)
	}
	if targetHit {
		return ReasonTargetHit, true
	}

	stopHit := currentPrice.LessThanOrEqual(t.EffectiveFloor)
	if short {
		stopHit = currentPrice.GreaterThanOrEqual(t.EffectiveFloor)
	}
	if stopHit {
		return ReasonStopLoss, true
	}

	if t.EntryTimestamp != nil {
		elapsed := ts.Sub(*t.EntryTimestamp)
		if elapsed.Hours() >= float64(e.maxHoldingDays)*24 {
			return ReasonTimeBased, true
		}
	}

	return "", false
}
