package candle

import (
	"context"
	"fmt"
	"time"

	"github.com/alexherrero/sherwood/eventbus"
	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/sessionclock"
	"github.com/alexherrero/sherwood/tracing"
)

// Aggregator rolls LTF (1-minute) candles up into ITF (25m) and HTF (125m)
// candles every time an LTF candle closes. The reduction rule — open from
// the first bucket member, close from the last, high/low as extrema, volume
// summed — is idempotent: re-running it over the same bucket always
// produces the same result, so it's safe to call repeatedly as late LTF
// candles trickle in.
type Aggregator struct {
	store *Store
	clock sessionclock.Clock
	bus   *eventbus.Bus
}

// NewAggregator constructs an Aggregator over store, using clock to align
// bucket boundaries to the session open.
func NewAggregator(store *Store, clock sessionclock.Clock, bus *eventbus.Bus) *Aggregator {
	return &Aggregator{store: store, clock: clock, bus: bus}
}

// targetTimeframes lists the timeframes On1MinuteCandleClose rolls an LTF
// close up into; each bucket width comes from Timeframe.Minutes.
var targetTimeframes = []models.Timeframe{models.ITF, models.HTF}

// On1MinuteCandleClose recomputes the ITF and HTF candles whose bucket
// contains m1's timestamp, after an LTF candle for symbol has just closed.
func (a *Aggregator) On1MinuteCandleClose(ctx context.Context, symbol string, m1 models.Candle) error {
	for _, tf := range targetTimeframes {
		n := tf.Minutes()
		bucketStart := a.clock.FloorToIntervalFromSessionStart(m1.Timestamp, n)
		if err := a.aggregateBucket(ctx, symbol, tf, bucketStart, n); err != nil {
			tracing.Logger(ctx).Error().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("candle aggregation failed")
		}
	}
	return nil
}

func (a *Aggregator) aggregateBucket(ctx context.Context, symbol string, tf models.Timeframe, bucketStart time.Time, n int) error {
	bucketEnd := bucketStart.Add(time.Duration(n) * time.Minute)
	members, err := a.store.GetRange(ctx, symbol, models.LTF, bucketStart, bucketEnd)
	if err != nil {
		return fmt.Errorf("aggregator: fetch LTF members for %s/%s bucket %s: %w", symbol, tf, bucketStart, err)
	}
	if len(members) == 0 {
		return nil
	}
	agg := merge(symbol, tf, bucketStart, members)
	if err := a.store.Upsert(ctx, agg); err != nil {
		return fmt.Errorf("aggregator: upsert %s/%s bucket %s: %w", symbol, tf, bucketStart, err)
	}
	if a.bus != nil {
		a.bus.Publish(eventbus.Event{
			Type:      eventbus.EventCandle,
			Source:    "CANDLE_AGGREGATOR",
			Symbol:    symbol,
			Timeframe: string(tf),
			Payload:   agg,
		})
	}
	return nil
}

// merge reduces a set of LTF candles within one bucket into a single
// aggregated candle: open from the earliest member, close from the latest,
// high/low as extrema across all members, volume summed.
func merge(symbol string, tf models.Timeframe, bucketStart time.Time, members []models.Candle) models.Candle {
	first := members[0]
	last := members[0]
	high := members[0].High
	low := members[0].Low
	var volume uint64
	for _, c := range members {
		if c.Timestamp.Before(first.Timestamp) {
			first = c
		}
		if c.Timestamp.After(last.Timestamp) {
			last = c
		}
		if c.High.GreaterThan(high) {
			high = c.High
		}
		if c.Low.LessThan(low) {
			low = c.Low
		}
		volume += c.Volume
	}
	return models.Candle{
		Symbol:    symbol,
		Timeframe: tf,
		Timestamp: bucketStart,
		Open:      first.Open,
		High:      high,
		Low:       low,
		Close:     last.Close,
		Volume:    volume,
	}
}

// BackfillAggregatedCandles recomputes every ITF/HTF bucket touching
// [from, to), used after a gap in LTF candles has been filled in.
func (a *Aggregator) BackfillAggregatedCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) error {
	n := tf.Minutes()
	if n <= 0 {
		return fmt.Errorf("aggregator: %s is not an aggregation target", tf)
	}
	cursor := a.clock.FloorToIntervalFromSessionStart(from, n)
	end := a.clock.FloorToIntervalFromSessionStart(to, n)
	for !cursor.After(end) {
		if err := a.aggregateBucket(ctx, symbol, tf, cursor, n); err != nil {
			return err
		}
		cursor = cursor.Add(time.Duration(n) * time.Minute)
	}
	return nil
}
