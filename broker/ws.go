package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/alexherrero/sherwood/models"
)

// nonRetryableHTTPStatus reports whether a handshake failure should wait for
// a token reload rather than retry with backoff.
func nonRetryableHTTPStatus(code int) bool {
	switch code {
	case 401, 403, 404:
		return true
	default:
		return false
	}
}

// wsClient owns one live WebSocket connection to a broker's tick feed,
// driving the DISCONNECTED -> CONNECTING -> CONNECTED -> RECONNECT_REQUIRED
// state machine with exponential-backoff-with-jitter reconnect and a
// circuit breaker after repeated failures.
//
// The connection handle is guarded by connMu (Go's equivalent of the
// safe-send rule: a send that finds it nil logs and returns without
// panicking; a send that errors transitions to RECONNECT_REQUIRED).
type wsClient struct {
	url string

	state atomic.Int32 // ConnState

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]struct{}

	listener   atomic.Pointer[TickListener]
	lastTickAt atomic.Int64 // unix nanos

	failures *backoff.Backoff // attempt counter only; delay computed by hand

	stop      chan struct{}
	closeOnce sync.Once

	connectedOnce atomic.Bool // true once any connectAndRead has succeeded
	onReconnect   atomic.Pointer[func()]
}

func newWSClient(url string) *wsClient {
	c := &wsClient{
		url:        url,
		subscribed: make(map[string]struct{}),
		failures:   &backoff.Backoff{Min: time.Second, Max: 60 * time.Second},
		stop:       make(chan struct{}),
	}
	c.state.Store(int32(Disconnected))
	return c
}

// setReconnectListener installs a callback fired on every successful connect
// of this client after its first successful one (i.e. an actual reconnect;
// the first connect of a client, including the fresh client ReloadToken
// creates, does not fire it).
func (c *wsClient) setReconnectListener(fn func()) {
	c.onReconnect.Store(&fn)
}

func (c *wsClient) connState() ConnState { return ConnState(c.state.Load()) }

// isStale reports whether no tick has been observed for StaleFeedThreshold.
func (c *wsClient) isStale() bool {
	last := c.lastTickAt.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) > StaleFeedThreshold
}

// isConnected is the adapter-level gate: connected state AND not stale.
func (c *wsClient) isConnected() bool {
	return c.connState() == Connected && !c.isStale()
}

func (c *wsClient) canPlaceOrders() bool {
	return c.isConnected() && c.connState() == Connected
}

// setListener installs the tick callback invoked for every delivered tick.
func (c *wsClient) setListener(l TickListener) {
	c.listener.Store(&l)
}

// subscribe adds symbols to the tracked set and, if connected, sends a
// subscribe message immediately.
func (c *wsClient) subscribe(symbols []string) {
	c.subscribedMu.Lock()
	for _, s := range symbols {
		c.subscribed[s] = struct{}{}
	}
	c.subscribedMu.Unlock()
	if c.connState() == Connected {
		c.resubscribeAll()
	}
}

func (c *wsClient) unsubscribe(symbols []string) {
	c.subscribedMu.Lock()
	for _, s := range symbols {
		delete(c.subscribed, s)
	}
	c.subscribedMu.Unlock()
}

func (c *wsClient) resubscribeAll() {
	c.subscribedMu.RLock()
	symbols := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		symbols = append(symbols, s)
	}
	c.subscribedMu.RUnlock()
	if err := c.sendSubscribe(symbols); err != nil {
		log.Warn().Err(err).Msg("broker ws: re-subscribe failed")
		c.transitionToReconnectRequired()
	}
}

func (c *wsClient) sendSubscribe(symbols []string) error {
	return c.safeWriteJSON(map[string]any{"action": "subscribe", "symbols": symbols})
}

// safeWriteJSON implements the safe-send rule: nil handle logs and returns
// nil; a write error transitions the state machine to RECONNECT_REQUIRED.
func (c *wsClient) safeWriteJSON(v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		log.Debug().Msg("broker ws: send skipped, no live connection")
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		c.transitionToReconnectRequired()
		return fmt.Errorf("broker ws: write failed: %w", err)
	}
	return nil
}

func (c *wsClient) transitionToReconnectRequired() {
	c.state.Store(int32(ReconnectRequired))
}

// run drives the reconnect loop until ctx is cancelled or Close is called.
// It blocks; callers should run it in its own goroutine.
func (c *wsClient) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		c.state.Store(int32(Connecting))
		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		var wsErr *handshakeError
		if asHandshakeError(err, &wsErr) && nonRetryableHTTPStatus(wsErr.statusCode) {
			log.Error().Int("status", wsErr.statusCode).Msg("broker ws: non-retryable handshake failure, waiting for token reload")
			c.state.Store(int32(Disconnected))
			c.failures.Reset()
			<-c.stop
			return
		}

		// c.failures is used only as a consecutive-attempt counter; the
		// actual delay is computed by reconnectDelay to match the exact
		// formula required (jpillora/backoff's own Duration() uses a
		// slightly different jitter shape).
		attempt := int(c.failures.Attempt())
		c.failures.Duration()
		if attempt+1 >= CircuitBreakerThreshold {
			log.Warn().Int("failures", attempt+1).Msg("broker ws: circuit breaker tripped, pausing")
			select {
			case <-ctx.Done():
				return
			case <-time.After(CircuitBreakerPause):
			}
			c.failures.Reset()
			continue
		}

		delay := reconnectDelay(attempt + 1)
		log.Warn().Err(err).Dur("delay", delay).Msg("broker ws: disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// reconnectDelay implements delay = min(2^min(failures,6)*1s, 60s) +
// uniform[0, 500ms).
func reconnectDelay(failures int) time.Duration {
	capped := failures
	if capped > 6 {
		capped = 6
	}
	base := time.Duration(1<<uint(capped)) * time.Second
	if base > 60*time.Second {
		base = 60 * time.Second
	}
	jitter := time.Duration(rand.Intn(500)) * time.Millisecond
	return base + jitter
}

type handshakeError struct {
	statusCode int
	err        error
}

func (e *handshakeError) Error() string { return e.err.Error() }

func asHandshakeError(err error, target **handshakeError) bool {
	he, ok := err.(*handshakeError)
	if !ok {
		return false
	}
	*target = he
	return true
}

func (c *wsClient) connectAndRead(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return &handshakeError{statusCode: resp.StatusCode, err: err}
		}
		return fmt.Errorf("broker ws: dial failed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.state.Store(int32(Connected))
	c.lastTickAt.Store(time.Now().UnixNano())
	c.failures.Reset()

	if c.connectedOnce.Swap(true) {
		if l := c.onReconnect.Load(); l != nil {
			(*l)()
		}
	}

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	c.resubscribeAll()
	log.Info().Str("url", c.url).Msg("broker ws: connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(StaleFeedThreshold))
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.transitionToReconnectRequired()
			return fmt.Errorf("broker ws: read failed: %w", err)
		}
		c.handleMessage(ctx, data)
	}
}

func (c *wsClient) handleMessage(ctx context.Context, data []byte) {
	t, ok := decodeTick(data)
	if !ok {
		return
	}
	c.lastTickAt.Store(time.Now().UnixNano())
	if l := c.listener.Load(); l != nil {
		(*l)(ctx, t)
	}
}

// decodeTick is the one wire format wsClient accepts for the tick channel: a
// flat JSON object matching models.Tick's field names. There is no
// per-backend override.
func decodeTick(data []byte) (models.Tick, bool) {
	var wire struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Volume    uint64 `json:"volume"`
		Timestamp int64  `json:"exchangeTimestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return models.Tick{}, false
	}
	price, err := decimal.NewFromString(wire.LastPrice)
	if err != nil {
		return models.Tick{}, false
	}
	return models.Tick{
		Symbol:            wire.Symbol,
		LastPrice:         price,
		Volume:            wire.Volume,
		ExchangeTimestamp: time.Unix(0, wire.Timestamp*int64(time.Millisecond)),
	}, true
}

// close is idempotent: a second call is a no-op, matching BinanceAdapter's
// Disconnect contract.
func (c *wsClient) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.connMu.Lock()
		defer c.connMu.Unlock()
		c.state.Store(int32(Disconnected))
		if c.conn != nil {
			writeErr := c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			closeErr := c.conn.Close()
			c.conn = nil
			if writeErr != nil {
				err = writeErr
				return
			}
			err = closeErr
		}
	})
	return err
}
