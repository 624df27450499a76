package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/alexherrero/sherwood/models"
)

// BinanceAdapter implements Adapter against a live exchange: order
// placement/queries over the REST client, historical candles via
// historicalFetcher, and the live tick feed via wsClient.
type BinanceAdapter struct {
	client *binance.Client
	ws     *wsClient
	hist   *historicalFetcher

	connectedMu sync.RWMutex
	connected   bool
}

// NewBinanceAdapter constructs a disconnected BinanceAdapter. wsURL is the
// broker's tick-stream endpoint.
func NewBinanceAdapter(apiKey, apiSecret, wsURL string) *BinanceAdapter {
	client := binance.NewClient(apiKey, apiSecret)
	return &BinanceAdapter{
		client: client,
		ws:     newWSClient(wsURL),
		hist:   newHistoricalFetcher(client),
	}
}

// Connect validates credentials against the account endpoint, then starts
// the WS reconnect loop.
func (a *BinanceAdapter) Connect(ctx context.Context, credentials Credentials) (models.ConnectionResult, error) {
	if _, err := a.client.NewGetAccountService().Do(ctx); err != nil {
		return models.ConnectionResult{Success: false, ErrorCode: "AUTH_FAILED", Message: err.Error()}, nil
	}
	a.connectedMu.Lock()
	a.connected = true
	a.connectedMu.Unlock()
	go a.ws.run(ctx)
	return models.ConnectionResult{Success: true, SessionToken: credentials.AccessToken}, nil
}

// Disconnect is idempotent: it closes the WS with a normal-close code and
// clears connected state.
func (a *BinanceAdapter) Disconnect() error {
	a.connectedMu.Lock()
	a.connected = false
	a.connectedMu.Unlock()
	return a.ws.close()
}

func (a *BinanceAdapter) IsConnected() bool {
	a.connectedMu.RLock()
	defer a.connectedMu.RUnlock()
	return a.connected && a.ws.isConnected()
}

func (a *BinanceAdapter) CanPlaceOrders() bool {
	a.connectedMu.RLock()
	defer a.connectedMu.RUnlock()
	return a.connected && a.ws.canPlaceOrders()
}

func (a *BinanceAdapter) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	side := binance.SideTypeBuy
	if req.Direction == models.Sell {
		side = binance.SideTypeSell
	}
	orderType := binance.OrderTypeMarket
	if req.OrderType == models.OrderTypeLimit {
		orderType = binance.OrderTypeLimit
	}

	svc := a.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(orderType).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID)
	if orderType == binance.OrderTypeLimit {
		svc = svc.Price(req.LimitPrice.String()).TimeInForce(binance.TimeInForceTypeGTC)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return models.OrderResult{Success: false, ErrorCode: "BROKER_REJECTED", ErrorMessage: err.Error()}, nil
	}
	return models.OrderResult{Success: true, OrderID: strconv.FormatInt(resp.OrderID, 10)}, nil
}

func (a *BinanceAdapter) ModifyOrder(ctx context.Context, orderID string, req models.OrderRequest) (models.OrderResult, error) {
	// The exchange has no native modify; the idiom is cancel-then-replace.
	if _, err := a.CancelOrder(ctx, orderID); err != nil {
		return models.OrderResult{Success: false, ErrorCode: "MODIFY_FAILED", ErrorMessage: err.Error()}, nil
	}
	return a.PlaceOrder(ctx, req)
}

func (a *BinanceAdapter) CancelOrder(ctx context.Context, orderID string) (models.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return models.OrderResult{Success: false, ErrorCode: "INVALID_ORDER_ID"}, nil
	}
	if _, err := a.client.NewCancelOrderService().OrderID(id).Do(ctx); err != nil {
		return models.OrderResult{Success: false, ErrorCode: "CANCEL_FAILED", ErrorMessage: err.Error()}, nil
	}
	return models.OrderResult{Success: true, OrderID: orderID}, nil
}

func (a *BinanceAdapter) GetOrderStatus(ctx context.Context, orderID string) (models.BrokerOrderStatus, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return models.BrokerOrderStatus{}, fmt.Errorf("broker: invalid order id %q: %w", orderID, err)
	}
	order, err := a.client.NewGetOrderService().OrderID(id).Do(ctx)
	if err != nil {
		return models.BrokerOrderStatus{}, fmt.Errorf("broker: get order status %s: %w", orderID, err)
	}
	avgPrice, _ := decimal.NewFromString(order.Price)
	filled, _ := decimal.NewFromString(order.ExecutedQuantity)
	return models.BrokerOrderStatus{
		OrderID:        orderID,
		Status:         mapBinanceStatus(string(order.Status)),
		AveragePrice:   avgPrice,
		FilledQuantity: filled,
	}, nil
}

func mapBinanceStatus(status string) models.BrokerOrderState {
	switch status {
	case "FILLED":
		return models.BrokerStateFilled
	case "REJECTED", "EXPIRED":
		return models.BrokerStateRejected
	case "CANCELED":
		return models.BrokerStateCancelled
	case "PARTIALLY_FILLED", "NEW":
		return models.BrokerStateOpen
	default:
		return models.BrokerStatePending
	}
}

func (a *BinanceAdapter) GetOpenOrders(ctx context.Context) ([]models.BrokerOrderStatus, error) {
	orders, err := a.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: list open orders: %w", err)
	}
	out := make([]models.BrokerOrderStatus, 0, len(orders))
	for _, o := range orders {
		avgPrice, _ := decimal.NewFromString(o.Price)
		filled, _ := decimal.NewFromString(o.ExecutedQuantity)
		out = append(out, models.BrokerOrderStatus{
			OrderID:        strconv.FormatInt(o.OrderID, 10),
			Status:         mapBinanceStatus(string(o.Status)),
			AveragePrice:   avgPrice,
			FilledQuantity: filled,
		})
	}
	return out, nil
}

func (a *BinanceAdapter) GetPositions(ctx context.Context) ([]models.Position, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: get positions: %w", err)
	}
	out := make([]models.Position, 0, len(account.Balances))
	for _, b := range account.Balances {
		qty, _ := decimal.NewFromString(b.Free)
		if qty.IsZero() {
			continue
		}
		out = append(out, models.Position{Symbol: b.Asset, Quantity: qty})
	}
	return out, nil
}

func (a *BinanceAdapter) GetHoldings(ctx context.Context) ([]models.Holding, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Holding, 0, len(positions))
	for _, p := range positions {
		out = append(out, models.Holding{Symbol: p.Symbol, Quantity: p.Quantity})
	}
	return out, nil
}

func (a *BinanceAdapter) GetFunds(ctx context.Context) (models.Funds, error) {
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return models.Funds{}, fmt.Errorf("broker: get funds: %w", err)
	}
	var cash decimal.Decimal
	for _, b := range account.Balances {
		if b.Asset == "USDT" {
			cash, _ = decimal.NewFromString(b.Free)
			break
		}
	}
	return models.Funds{Cash: cash, BuyingPower: cash, UpdatedAt: time.Now()}, nil
}

func (a *BinanceAdapter) GetLTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := a.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("broker: get LTP for %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("broker: no price returned for %s", symbol)
	}
	return decimal.NewFromString(prices[0].Price)
}

func (a *BinanceAdapter) GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	return a.hist.GetHistoricalCandles(ctx, symbol, tf, from, to)
}

func (a *BinanceAdapter) SubscribeTicks(ctx context.Context, symbols []string, listener TickListener) error {
	a.ws.setListener(listener)
	a.ws.subscribe(symbols)
	return nil
}

func (a *BinanceAdapter) UnsubscribeTicks(ctx context.Context, symbols []string) error {
	a.ws.unsubscribe(symbols)
	return nil
}

// OnReconnect wires fn to the current wsClient's reconnect callback. A
// ReloadToken swap replaces a.ws with a fresh client, so a reconnect
// listener registered before a reload must be re-installed afterward.
func (a *BinanceAdapter) OnReconnect(fn func()) {
	a.ws.setReconnectListener(fn)
}

func (a *BinanceAdapter) GetInstruments(ctx context.Context) ([]models.Instrument, error) {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker: get instruments: %w", err)
	}
	out := make([]models.Instrument, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		out = append(out, models.Instrument{Token: s.Symbol, Symbol: s.Symbol, Exchange: "BINANCE"})
	}
	return out, nil
}

// ReloadToken closes the current WS and replaces it with a fresh client, so
// the failure counters start from zero. It carries the tick listener, the
// reconnect listener and every currently registered symbol over to the new
// client and starts its reconnect loop at once; the symbols are re-subscribed
// when it connects. newToken and sessionID are not used: the REST client
// keeps the API key and secret given to NewBinanceAdapter.
func (a *BinanceAdapter) ReloadToken(ctx context.Context, newToken, sessionID string) error {
	old := a.ws
	reconnectListener := old.onReconnect.Load()
	tickListener := old.listener.Load()
	old.subscribedMu.RLock()
	symbols := make([]string, 0, len(old.subscribed))
	for s := range old.subscribed {
		symbols = append(symbols, s)
	}
	old.subscribedMu.RUnlock()
	if err := old.close(); err != nil {
		return fmt.Errorf("broker: reload token close: %w", err)
	}
	a.ws = newWSClient(old.url)
	if reconnectListener != nil {
		a.ws.setReconnectListener(*reconnectListener)
	}
	if tickListener != nil {
		a.ws.setListener(*tickListener)
	}
	a.ws.subscribe(symbols)
	go a.ws.run(ctx)
	return nil
}
