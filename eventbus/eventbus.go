// Package eventbus provides in-process fan-out of trade-lifecycle events
// (ORDER_CREATED, TRADE_UPDATED, TRADE_CLOSED, EXIT_*, CANDLE, TICK) to any
// number of subscribers. It generalizes the teacher's WebSocket broadcast
// hub (register/unregister/broadcast over channels, one goroutine owning
// the subscriber set) from WS clients to arbitrary in-process listeners.
package eventbus

import (
	"time"

	"github.com/rs/zerolog/log"
)

// EventType names one of the stable lifecycle events emitted by the core.
type EventType string

const (
	EventOrderCreated     EventType = "ORDER_CREATED"
	EventOrderRejected    EventType = "ORDER_REJECTED"
	EventTradeUpdated     EventType = "TRADE_UPDATED"
	EventTradeClosed      EventType = "TRADE_CLOSED"
	EventExitIntentFailed EventType = "EXIT_INTENT_FAILED"
	EventExitPlaced       EventType = "EXIT_PLACED"
	EventCandle           EventType = "CANDLE"
	EventTick             EventType = "TICK"
)

// Event is the stable payload shape described in the external-interfaces
// section: a fixed set of well-known keys, most left zero-valued for event
// types that don't use them.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Source    string

	Symbol        string
	Timeframe     string
	TradeID       string
	IntentID      string
	SignalID      string
	ExitIntentID  string
	BrokerOrderID string
	ExitReason    string
	ErrorCode     string
	ErrorMessage  string

	Payload any
}

// subscriber is one registered listener's mailbox.
type subscriber struct {
	id uint64
	ch chan Event
}

// Bus fans out Events to subscribers. A subscriber whose buffer is full
// misses the event being delivered rather than stalling the bus; Publish
// itself blocks only while the bus's publish queue is full. This matches the teacher's broadcast hub which drops and closes a
// write-blocked client rather than stalling the whole hub.
type Bus struct {
	register   chan subscriber
	unregister chan uint64
	publish    chan Event
	done       chan struct{}

	nextID uint64
}

// New constructs a Bus. Run must be started in its own goroutine before
// Publish/Subscribe are used.
func New() *Bus {
	return &Bus{
		register:   make(chan subscriber),
		unregister: make(chan uint64),
		publish:    make(chan Event, 256),
		done:       make(chan struct{}),
	}
}

// Run owns the subscriber set and must be invoked exactly once, typically as
// `go bus.Run()` from the process bootstrap.
func (b *Bus) Run() {
	subs := make(map[uint64]chan Event)
	for {
		select {
		case s := <-b.register:
			subs[s.id] = s.ch
		case id := <-b.unregister:
			if ch, ok := subs[id]; ok {
				close(ch)
				delete(subs, id)
			}
		case ev := <-b.publish:
			for id, ch := range subs {
				select {
				case ch <- ev:
				default:
					log.Warn().Uint64("subscriber", id).Str("event", string(ev.Type)).Msg("eventbus: subscriber slow, dropping event")
				}
			}
		case <-b.done:
			for id, ch := range subs {
				close(ch)
				delete(subs, id)
			}
			return
		}
	}
}

// Stop shuts down Run and closes all subscriber channels.
func (b *Bus) Stop() {
	close(b.done)
}

// Subscribe registers a new listener and returns its event channel and an
// unsubscribe id. The returned channel is buffered; slow consumers lose
// events rather than blocking the bus.
func (b *Bus) Subscribe() (<-chan Event, uint64) {
	b.nextID++
	id := b.nextID
	ch := make(chan Event, 64)
	b.register <- subscriber{id: id, ch: ch}
	return ch, id
}

// Unsubscribe removes a listener registered via Subscribe.
func (b *Bus) Unsubscribe(id uint64) {
	b.unregister <- id
}

// Publish emits an event to every current subscriber. If Timestamp is zero
// it is stamped with the caller's wall-clock time.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.publish <- ev
}

// EmitUserBroker is the EventService contract §6 names for user/broker
// scoped events; it is a thin convenience wrapper over Publish.
func (b *Bus) EmitUserBroker(eventType EventType, userBrokerID, signalID, intentID, tradeID, brokerOrderID, source string, payload any) {
	b.Publish(Event{
		Type:          eventType,
		Source:        source,
		TradeID:       tradeID,
		IntentID:      intentID,
		SignalID:      signalID,
		BrokerOrderID: brokerOrderID,
		Payload:       payload,
	})
}

// EmitGlobal is the EventService contract §6 names for process-wide events
// with no user/broker scoping (e.g. CANDLE, TICK).
func (b *Bus) EmitGlobal(eventType EventType, source string, payload any) {
	b.Publish(Event{Type: eventType, Source: source, Payload: payload})
}
