package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/alexherrero/sherwood/models"
)

// PaperAdapter simulates a broker for paper trading and tests. No real
// money is at risk and no network calls are made; fills are instant at the
// last price set via SetPrice (market orders) or the order's limit price.
//
// Unlike tradeId (a UUID, generated by TradeManagementService), PaperAdapter
// keeps the teacher's narrower synthetic order-id counter scheme since it
// only needs to be unique within one paper-trading process.
type PaperAdapter struct {
	mu           sync.RWMutex
	connected    bool
	cash         decimal.Decimal
	positions    map[string]models.Position
	orders       map[string]models.BrokerOrderStatus
	orderCounter int
	latestPrices map[string]decimal.Decimal

	tickListener TickListener
}

// NewPaperAdapter constructs a PaperAdapter with the given starting cash.
func NewPaperAdapter(initialCash decimal.Decimal) *PaperAdapter {
	return &PaperAdapter{
		cash:         initialCash,
		positions:    make(map[string]models.Position),
		orders:       make(map[string]models.BrokerOrderStatus),
		latestPrices: make(map[string]decimal.Decimal),
	}
}

func (p *PaperAdapter) Connect(ctx context.Context, credentials Credentials) (models.ConnectionResult, error) {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	log.Info().Msg("paper adapter connected")
	return models.ConnectionResult{Success: true, SessionToken: "paper-session"}, nil
}

func (p *PaperAdapter) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

func (p *PaperAdapter) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *PaperAdapter) CanPlaceOrders() bool {
	return p.IsConnected()
}

// SetPrice sets the simulated last-traded price for symbol, driving market
// order fills and IsConnected-adjacent tick delivery in tests.
func (p *PaperAdapter) SetPrice(ctx context.Context, symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.latestPrices[symbol] = price
	listener := p.tickListener
	p.mu.Unlock()

	if listener != nil {
		listener(ctx, models.Tick{Symbol: symbol, LastPrice: price, ExchangeTimestamp: time.Now()})
	}
}

func (p *PaperAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return models.OrderResult{Success: false, ErrorCode: "NOT_CONNECTED"}, nil
	}

	price := req.LimitPrice
	if req.OrderType == models.OrderTypeMarket {
		last, ok := p.latestPrices[req.Symbol]
		if !ok {
			return models.OrderResult{Success: false, ErrorCode: "NO_PRICE", ErrorMessage: fmt.Sprintf("no price for %s", req.Symbol)}, nil
		}
		price = last
	}

	if req.Direction == models.Buy {
		cost := price.Mul(req.Quantity)
		if cost.GreaterThan(p.cash) {
			p.orderCounter++
			orderID := fmt.Sprintf("paper-%06d", p.orderCounter)
			p.orders[orderID] = models.BrokerOrderStatus{OrderID: orderID, Status: models.BrokerStateRejected}
			return models.OrderResult{Success: false, OrderID: orderID, ErrorCode: "INSUFFICIENT_FUNDS"}, nil
		}
	}

	p.orderCounter++
	orderID := fmt.Sprintf("paper-%06d", p.orderCounter)

	if req.Direction == models.Buy {
		p.applyBuy(req.Symbol, req.Quantity, price)
	} else {
		p.applySell(req.Symbol, req.Quantity, price)
	}

	p.orders[orderID] = models.BrokerOrderStatus{
		OrderID:        orderID,
		Status:         models.BrokerStateFilled,
		AveragePrice:   price,
		FilledQuantity: req.Quantity,
	}

	log.Info().Str("order_id", orderID).Str("symbol", req.Symbol).Str("direction", string(req.Direction)).
		Str("quantity", req.Quantity.String()).Str("price", price.String()).Msg("paper order filled")

	return models.OrderResult{Success: true, OrderID: orderID}, nil
}

func (p *PaperAdapter) applyBuy(symbol string, quantity, price decimal.Decimal) {
	cost := quantity.Mul(price)
	p.cash = p.cash.Sub(cost)

	pos, exists := p.positions[symbol]
	if exists {
		totalQty := pos.Quantity.Add(quantity)
		totalCost := pos.AveragePrice.Mul(pos.Quantity).Add(cost)
		pos.AveragePrice = totalCost.Div(totalQty)
		pos.Quantity = totalQty
	} else {
		pos = models.Position{Symbol: symbol, Quantity: quantity, AveragePrice: price}
	}
	p.positions[symbol] = pos
}

func (p *PaperAdapter) applySell(symbol string, quantity, price decimal.Decimal) {
	proceeds := quantity.Mul(price)
	p.cash = p.cash.Add(proceeds)

	pos, exists := p.positions[symbol]
	if !exists {
		return
	}
	pos.Quantity = pos.Quantity.Sub(quantity)
	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = pos
}

func (p *PaperAdapter) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) (models.OrderResult, error) {
	if _, err := p.CancelOrder(ctx, orderID); err != nil {
		return models.OrderResult{}, err
	}
	return p.PlaceOrder(ctx, req)
}

func (p *PaperAdapter) CancelOrder(ctx context.Context, orderID string) (models.OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status, exists := p.orders[orderID]
	if !exists {
		return models.OrderResult{Success: false, ErrorCode: "NOT_FOUND"}, nil
	}
	if status.Status == models.BrokerStateFilled {
		return models.OrderResult{Success: false, ErrorCode: "ALREADY_FILLED"}, nil
	}
	status.Status = models.BrokerStateCancelled
	p.orders[orderID] = status
	return models.OrderResult{Success: true, OrderID: orderID}, nil
}

func (p *PaperAdapter) GetOrderStatus(ctx context.Context, orderID string) (models.BrokerOrderStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	status, exists := p.orders[orderID]
	if !exists {
		return models.BrokerOrderStatus{}, fmt.Errorf("paper adapter: order not found: %s", orderID)
	}
	return status, nil
}

func (p *PaperAdapter) GetOpenOrders(ctx context.Context) ([]models.BrokerOrderStatus, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []models.BrokerOrderStatus
	for _, o := range p.orders {
		if models.Classify(o.Status) == models.StatusNonTerminal {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *PaperAdapter) GetPositions(ctx context.Context) ([]models.Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (p *PaperAdapter) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	positions, _ := p.GetPositions(ctx)
	out := make([]models.Holding, 0, len(positions))
	for _, pos := range positions {
		out = append(out, models.Holding{Symbol: pos.Symbol, Quantity: pos.Quantity})
	}
	return out, nil
}

func (p *PaperAdapter) GetFunds(ctx context.Context) (models.Funds, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return models.Funds{Cash: p.cash, BuyingPower: p.cash, UpdatedAt: time.Now()}, nil
}

func (p *PaperAdapter) GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.latestPrices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("paper adapter: no price for %s", symbol)
	}
	return price, nil
}

func (p *PaperAdapter) GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	return nil, nil
}

func (p *PaperAdapter) SubscribeTicks(ctx context.Context, symbols []string, listener TickListener) error {
	p.mu.Lock()
	p.tickListener = listener
	p.mu.Unlock()
	return nil
}

func (p *PaperAdapter) UnsubscribeTicks(ctx context.Context, symbols []string) error {
	return nil
}

func (p *PaperAdapter) GetInstruments(ctx context.Context) ([]models.Instrument, error) {
	return nil, nil
}

func (p *PaperAdapter) ReloadToken(ctx context.Context, newToken, sessionID string) error {
	return nil
}

// OnReconnect is a no-op: PaperAdapter has no live feed to reconnect.
func (p *PaperAdapter) OnReconnect(fn func()) {}
