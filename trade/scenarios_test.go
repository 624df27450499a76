package trade_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexherrero/sherwood/broker"
	"github.com/alexherrero/sherwood/coordinator"
	"github.com/alexherrero/sherwood/errs"
	"github.com/alexherrero/sherwood/eventbus"
	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/reconcile"
	"github.com/alexherrero/sherwood/trade"
)

// memTradeRepo is an in-memory store.TradeRepository fake mirroring what
// data.TradeRepository does over sqlite, minus the CAS semantics'
// storage-layer details (version checks are still enforced).
type memTradeRepo struct {
	mu     sync.Mutex
	trades map[string]*models.Trade
}

func newMemTradeRepo() *memTradeRepo {
	return &memTradeRepo{trades: make(map[string]*models.Trade)}
}

func (r *memTradeRepo) clone(t *models.Trade) *models.Trade {
	cp := *t
	return &cp
}

func (r *memTradeRepo) FindByID(ctx context.Context, tradeID string) (*models.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[tradeID]
	if !ok {
		return nil, nil
	}
	return r.clone(t), nil
}

func (r *memTradeRepo) FindByBrokerOrderID(ctx context.Context, brokerOrderID string) (*models.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.trades {
		if t.BrokerOrderID == brokerOrderID {
			return r.clone(t), nil
		}
	}
	return nil, nil
}

func (r *memTradeRepo) FindByIntentID(ctx context.Context, intentID string) (*models.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.trades {
		if t.ClientOrderID == intentID {
			return r.clone(t), nil
		}
	}
	return nil, nil
}

func (r *memTradeRepo) FindByStatus(ctx context.Context, status models.TradeStatus) ([]models.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Trade
	for _, t := range r.trades {
		if t.Status == status {
			out = append(out, *r.clone(t))
		}
	}
	return out, nil
}

func (r *memTradeRepo) FindByUserAndSymbol(ctx context.Context, userID, symbol string) ([]models.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Trade
	for _, t := range r.trades {
		if t.UserID == userID && t.Symbol == symbol && !t.Status.Terminal() {
			out = append(out, *r.clone(t))
		}
	}
	return out, nil
}

func (r *memTradeRepo) FindOpen(ctx context.Context) ([]models.Trade, error) {
	return r.FindByStatus(ctx, models.TradeOpen)
}

func (r *memTradeRepo) Insert(ctx context.Context, t *models.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades[t.TradeID] = r.clone(t)
	return nil
}

func (r *memTradeRepo) Upsert(ctx context.Context, t *models.Trade, expectedVersion int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.trades[t.TradeID]
	if !ok || existing.Version != expectedVersion {
		return false, nil
	}
	r.trades[t.TradeID] = r.clone(t)
	return true, nil
}

// memExitIntentRepo is an in-memory store.ExitIntentRepository fake.
type memExitIntentRepo struct {
	mu      sync.Mutex
	intents map[string]*models.ExitIntent
}

func newMemExitIntentRepo() *memExitIntentRepo {
	return &memExitIntentRepo{intents: make(map[string]*models.ExitIntent)}
}

func (r *memExitIntentRepo) FindByID(ctx context.Context, exitIntentID string) (*models.ExitIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.intents[exitIntentID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *memExitIntentRepo) FindPendingIntents(ctx context.Context) ([]models.ExitIntent, error) {
	return r.FindByStatus(ctx, models.ExitIntentPlaced)
}

func (r *memExitIntentRepo) FindByStatus(ctx context.Context, status models.ExitIntentStatus) ([]models.ExitIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ExitIntent
	for _, e := range r.intents {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *memExitIntentRepo) Insert(ctx context.Context, e *models.ExitIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.intents[e.ExitIntentID] = &cp
	return nil
}

func (r *memExitIntentRepo) PlaceExitOrder(ctx context.Context, exitIntentID, placeholder string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.intents[exitIntentID]
	if !ok || e.Status != models.ExitIntentApproved {
		return false, nil
	}
	e.Status = models.ExitIntentPlaced
	e.BrokerOrderID = placeholder
	return true, nil
}

func (r *memExitIntentRepo) UpdateBrokerOrderID(ctx context.Context, exitIntentID, brokerOrderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.intents[exitIntentID]; ok {
		e.BrokerOrderID = brokerOrderID
	}
	return nil
}

func (r *memExitIntentRepo) UpdateStatus(ctx context.Context, exitIntentID string, status models.ExitIntentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.intents[exitIntentID]; ok {
		e.Status = status
	}
	return nil
}

func (r *memExitIntentRepo) MarkFilled(ctx context.Context, exitIntentID string) error {
	return r.UpdateStatus(ctx, exitIntentID, models.ExitIntentFilled)
}

func (r *memExitIntentRepo) MarkFailed(ctx context.Context, exitIntentID, code, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.intents[exitIntentID]; ok {
		e.Status = models.ExitIntentFailed
	}
	return nil
}

func (r *memExitIntentRepo) MarkCancelled(ctx context.Context, exitIntentID string) error {
	return r.UpdateStatus(ctx, exitIntentID, models.ExitIntentCancelled)
}

// fixedAdapterResolver always resolves to the same adapter, the shape a
// single-broker deployment uses.
type fixedAdapterResolver struct{ adapter broker.Adapter }

func (r fixedAdapterResolver) Resolve(ctx context.Context, userBrokerID string) (broker.Adapter, error) {
	return r.adapter, nil
}

type harness struct {
	trades    *memTradeRepo
	intents   *memExitIntentRepo
	index     *trade.ActiveTradeIndex
	coord     *coordinator.Coordinator
	bus       *eventbus.Bus
	adapter   *broker.PaperAdapter
	service   *trade.Service
	exitExec  *trade.ExitExecution
	evaluator *trade.Evaluator
}

func newHarness() *harness {
	trades := newMemTradeRepo()
	intents := newMemExitIntentRepo()
	index := trade.NewActiveTradeIndex()
	coord := coordinator.New("trade-test")
	bus := eventbus.New()
	adapter := broker.NewPaperAdapter(decimal.NewFromInt(1_000_000))
	resolver := fixedAdapterResolver{adapter: adapter}

	service := trade.NewService(trades, intents, index, resolver, coord, bus, 30)
	exitExec := trade.NewExitExecution(service, intents, resolver, bus)
	evaluator := trade.NewEvaluator(service, exitExec, 30)

	return &harness{
		trades: trades, intents: intents, index: index, coord: coord, bus: bus,
		adapter: adapter, service: service, exitExec: exitExec, evaluator: evaluator,
	}
}

func (h *harness) close() {
	h.coord.Shutdown()
}

func intentFor(symbol string, direction models.Direction, qty, limitPrice decimal.Decimal) models.TradeIntent {
	return models.TradeIntent{
		IntentID:         uuid.New().String(),
		UserID:           "U1",
		UserBrokerID:     "UB1",
		SignalID:         "SIG1",
		Symbol:           symbol,
		Direction:        direction,
		OrderType:        models.OrderTypeLimit,
		CalculatedQty:    qty,
		LimitPrice:       limitPrice,
		ValidationPassed: true,
	}
}

func signalFor(floor, ceiling decimal.Decimal) models.Signal {
	return models.Signal{
		SignalID: "SIG1", Symbol: "ACME", Direction: models.Buy,
		EffectiveFloor: floor, EffectiveCeiling: ceiling,
	}
}

// waitForStatus polls until tradeID reaches status or the deadline passes;
// trade mutations run asynchronously on the Coordinator's worker goroutines.
func waitForStatus(t *testing.T, h *harness, tradeID string, status models.TradeStatus) *models.Trade {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr, err := h.trades.FindByID(context.Background(), tradeID)
		require.NoError(t, err)
		if tr != nil && tr.Status == status {
			return tr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("trade %s never reached status %s", tradeID, status)
	return nil
}

// TestHappyEntry covers S1: an approved intent fills and the trade lands
// OPEN with the broker's average price and filled quantity, and becomes
// visible in the ActiveTradeIndex.
func TestHappyEntry(t *testing.T) {
	h := newHarness()
	defer h.close()
	ctx := context.Background()

	_, err := h.adapter.Connect(ctx, broker.Credentials{})
	require.NoError(t, err)
	h.adapter.SetPrice(ctx, "ACME", decimal.NewFromInt(100))

	intent := intentFor("ACME", models.Buy, decimal.NewFromInt(10), decimal.NewFromInt(100))
	signal := signalFor(decimal.NewFromInt(95), decimal.NewFromInt(120))

	h.service.OnIntentApproved(ctx, intent, signal)

	tr, err := h.trades.FindByIntentID(ctx, intent.IntentID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	require.Equal(t, models.TradePending, tr.Status)
	require.NotEmpty(t, tr.BrokerOrderID)

	status, err := h.adapter.GetOrderStatus(ctx, tr.BrokerOrderID)
	require.NoError(t, err)
	h.service.OnBrokerOrderUpdate(ctx, status, intent.IntentID)

	open := waitForStatus(t, h, tr.TradeID, models.TradeOpen)
	assert.True(t, open.EntryPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, open.EntryQty.Equal(decimal.NewFromInt(10)))
	assert.Contains(t, h.index.GetOpenTrades("ACME"), tr.TradeID)
}

// TestTargetHitExit covers S2: starting from an OPEN trade, a price tick
// past the target creates and places a reverse-side exit order; on fill
// the trade closes with the expected realized PnL.
func TestTargetHitExit(t *testing.T) {
	h := newHarness()
	defer h.close()
	ctx := context.Background()

	_, err := h.adapter.Connect(ctx, broker.Credentials{})
	require.NoError(t, err)
	h.adapter.SetPrice(ctx, "ACME", decimal.NewFromInt(100))

	intent := intentFor("ACME", models.Buy, decimal.NewFromInt(10), decimal.NewFromInt(100))
	signal := signalFor(decimal.NewFromInt(95), decimal.NewFromInt(120))
	h.service.OnIntentApproved(ctx, intent, signal)

	tr, err := h.trades.FindByIntentID(ctx, intent.IntentID)
	require.NoError(t, err)
	status, err := h.adapter.GetOrderStatus(ctx, tr.BrokerOrderID)
	require.NoError(t, err)
	h.service.OnBrokerOrderUpdate(ctx, status, intent.IntentID)
	waitForStatus(t, h, tr.TradeID, models.TradeOpen)

	h.adapter.SetPrice(ctx, "ACME", decimal.NewFromFloat(120.50))
	h.service.OnPriceUpdate("ACME", decimal.NewFromFloat(121.0), time.Now(), h.evaluator.Evaluate)

	waitForStatus(t, h, tr.TradeID, models.TradeExiting)
	assert.NotContains(t, h.index.GetOpenTrades("ACME"), tr.TradeID)

	resolver := fixedAdapterResolver{adapter: h.adapter}
	exitReconciler := reconcile.NewExitOrderReconciler(h.intents, h.service, resolver, reconcile.ExitOrderReconcilerConfig{
		Period: 50 * time.Millisecond, InitialDelay: time.Millisecond, PlacedTimeout: 10 * time.Minute, Concurrency: 5,
	})
	runExitReconcilerCycle(t, exitReconciler, ctx)

	closed := waitForStatus(t, h, tr.TradeID, models.TradeClosed)
	assert.Equal(t, trade.ReasonTargetHit, closed.ExitTrigger)
	assert.True(t, closed.RealizedPnl.Equal(decimal.NewFromFloat(205.0)), "realized pnl: got %s", closed.RealizedPnl)
	assert.NotContains(t, h.index.GetOpenTrades("ACME"), tr.TradeID)
}

// TestPendingTimeout covers S3: a PENDING trade whose lastBrokerUpdateAt is
// older than PendingTimeout is rejected by the reconciler without a broker
// call.
func TestPendingTimeout(t *testing.T) {
	h := newHarness()
	defer h.close()
	ctx := context.Background()

	now := time.Now()
	tr := &models.Trade{
		TradeID: uuid.New().String(), ClientOrderID: "I-timeout",
		Symbol: "ACME", Direction: models.Buy, Status: models.TradePending,
		BrokerOrderID: "unresolvable-order", UserBrokerID: "UB1",
		CreatedAt: now.Add(-11 * time.Minute), UpdatedAt: now.Add(-11 * time.Minute),
		LastBrokerUpdateAt: now.Add(-11 * time.Minute), Version: 1,
	}
	require.NoError(t, h.trades.Insert(ctx, tr))

	resolver := fixedAdapterResolver{adapter: h.adapter}
	reconciler := reconcile.NewPendingOrderReconciler(h.trades, h.service, resolver, reconcile.PendingOrderReconcilerConfig{
		Period:         50 * time.Millisecond,
		InitialDelay:   time.Millisecond,
		PendingTimeout: 10 * time.Minute,
		Concurrency:    5,
	})

	cycleCtx := context.Background()
	runReconcilerCycle(t, reconciler, cycleCtx)

	got, err := h.trades.FindByID(ctx, tr.TradeID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeRejected, got.Status)
	assert.EqualValues(t, 1, reconciler.Metrics().TotalTimeouts)
}

// TestDuplicateTickIgnored covers S5 at the evaluator/service boundary: two
// price updates delivered within the same instant for the same trade both
// evaluate, but since the underlying index lookup is idempotent and the
// evaluator only reacts to OPEN trades, a duplicate delivery produces at
// most one exit.
func TestDuplicateTickIgnored(t *testing.T) {
	h := newHarness()
	defer h.close()
	ctx := context.Background()

	_, err := h.adapter.Connect(ctx, broker.Credentials{})
	require.NoError(t, err)
	h.adapter.SetPrice(ctx, "ACME", decimal.NewFromInt(100))

	intent := intentFor("ACME", models.Buy, decimal.NewFromInt(10), decimal.NewFromInt(100))
	signal := signalFor(decimal.NewFromInt(95), decimal.NewFromInt(120))
	h.service.OnIntentApproved(ctx, intent, signal)
	tr, _ := h.trades.FindByIntentID(ctx, intent.IntentID)
	status, _ := h.adapter.GetOrderStatus(ctx, tr.BrokerOrderID)
	h.service.OnBrokerOrderUpdate(ctx, status, intent.IntentID)
	waitForStatus(t, h, tr.TradeID, models.TradeOpen)

	h.adapter.SetPrice(ctx, "ACME", decimal.NewFromFloat(121.0))
	ts := time.Now()
	h.service.OnPriceUpdate("ACME", decimal.NewFromFloat(121.0), ts, h.evaluator.Evaluate)
	h.service.OnPriceUpdate("ACME", decimal.NewFromFloat(121.0), ts, h.evaluator.Evaluate)

	waitForStatus(t, h, tr.TradeID, models.TradeExiting)

	placed, err := h.intents.FindByStatus(ctx, models.ExitIntentPlaced)
	require.NoError(t, err)
	assert.Len(t, placed, 1, "duplicate price updates for an already-exiting trade must not double-place")
}

// TestStaleFeedBlocksOrders covers S6: once an adapter is no longer
// connected, CanPlaceOrders reports false, so entry execution's read-only
// gate refuses placement with errs.ReadOnly and no Trade row is created.
func TestStaleFeedBlocksOrders(t *testing.T) {
	h := newHarness()
	defer h.close()
	ctx := context.Background()

	require.NoError(t, h.adapter.Disconnect())
	assert.False(t, h.adapter.CanPlaceOrders())

	resolver := fixedAdapterResolver{adapter: h.adapter}
	entryExec := trade.NewEntryExecution(h.service, stubSignalRepo{}, resolver, h.bus, func() bool { return true })

	intent := intentFor("ACME", models.Buy, decimal.NewFromInt(10), decimal.NewFromInt(100))
	require.ErrorIs(t, entryExec.Execute(ctx, intent), errs.ReadOnly)

	tr, err := h.trades.FindByIntentID(ctx, intent.IntentID)
	require.NoError(t, err)
	assert.Nil(t, tr, "no trade row should be created while the adapter is read-only")
}

type stubSignalRepo struct{}

func (stubSignalRepo) FindByID(ctx context.Context, signalID string) (*models.Signal, error) {
	s := signalFor(decimal.NewFromInt(95), decimal.NewFromInt(120))
	return &s, nil
}

// runReconcilerCycle invokes the unexported cycle logic indirectly by
// waiting out InitialDelay on a reconciler built with a near-zero delay;
// this keeps the S3 test from depending on reconcile package internals.
func runReconcilerCycle(t *testing.T, r *reconcile.PendingOrderReconciler, ctx context.Context) {
	t.Helper()
	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	go r.Run(runCtx)
	<-runCtx.Done()
}

// runExitReconcilerCycle is runReconcilerCycle's ExitOrderReconciler
// counterpart: exit fills are never pushed synchronously (PaperAdapter fills
// at PlaceOrder time but does not call back), so tests drive the
// PLACED->FILLED transition the same way production does, by polling.
func runExitReconcilerCycle(t *testing.T, r *reconcile.ExitOrderReconciler, ctx context.Context) {
	t.Helper()
	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	go r.Run(runCtx)
	<-runCtx.Done()
}
