package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/alexherrero/sherwood/models"
)

// klineAPI is the slice of the go-binance client the historical-candle
// fetcher depends on, narrowed for testability the way the teacher's
// BinanceAPI interface narrows *binance.Client.
type klineAPI interface {
	GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]*binance.Kline, error)
}

type defaultKlineAPI struct {
	client *binance.Client
}

func (a *defaultKlineAPI) GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]*binance.Kline, error) {
	svc := a.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
	if startMs > 0 {
		svc = svc.StartTime(startMs)
	}
	if endMs > 0 {
		svc = svc.EndTime(endMs)
	}
	return svc.Do(ctx)
}

// nativeIntervals maps the timeframes the upstream exchange supports
// directly. Anything else (ITF=25m, HTF=125m) is built by fetching the
// nearest supported base and aggregating with the same reduction rule the
// candle package's Aggregator uses.
var nativeIntervals = map[models.Timeframe]string{
	models.LTF: "1m",
}

// baseIntervalFor returns the supported base interval (string, minutes) used
// to synthesize tf when tf has no native support.
func baseIntervalFor(tf models.Timeframe) (string, int) {
	return "5m", 5
}

// rateLimiter is a minimal request-spacing gate, same shape as the teacher's
// BinanceProvider.rateLimit: a single "earliest next request" timestamp.
type rateLimiter struct {
	minInterval time.Duration
	last        time.Time
}

func (r *rateLimiter) wait() {
	if r.last.IsZero() {
		r.last = time.Now()
		return
	}
	elapsed := time.Since(r.last)
	if elapsed < r.minInterval {
		time.Sleep(r.minInterval - elapsed)
	}
	r.last = time.Now()
}

// historicalFetcher implements HistoricalSource (candle.HistoricalSource)
// against an exchange's kline REST endpoint, paginating in batches of up to
// 1000 candles per request.
type historicalFetcher struct {
	api     klineAPI
	limiter *rateLimiter
}

func newHistoricalFetcher(client *binance.Client) *historicalFetcher {
	return &historicalFetcher{
		api:     &defaultKlineAPI{client: client},
		limiter: &rateLimiter{minInterval: 100 * time.Millisecond},
	}
}

// GetHistoricalCandles satisfies candle.HistoricalSource.
func (f *historicalFetcher) GetHistoricalCandles(ctx context.Context, symbol string, tf models.Timeframe, from, to time.Time) ([]models.Candle, error) {
	if native, ok := nativeIntervals[tf]; ok {
		return f.fetchNative(ctx, symbol, tf, native, from, to)
	}
	baseInterval, baseMinutes := baseIntervalFor(tf)
	base, err := f.fetchNative(ctx, symbol, models.LTF, baseInterval, from, to)
	if err != nil {
		return nil, err
	}
	return aggregateToTimeframe(symbol, tf, base, baseMinutes), nil
}

func (f *historicalFetcher) fetchNative(ctx context.Context, symbol string, tf models.Timeframe, interval string, from, to time.Time) ([]models.Candle, error) {
	var out []models.Candle
	cursor := from

	for cursor.Before(to) {
		f.limiter.wait()

		klines, err := f.api.GetKlines(ctx, symbol, interval, cursor.UnixMilli(), to.UnixMilli(), 1000)
		if err != nil {
			return nil, fmt.Errorf("broker rest: fetch klines for %s %s: %w", symbol, interval, err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			c, err := klineToCandle(symbol, tf, k)
			if err != nil {
				return nil, fmt.Errorf("broker rest: parse kline for %s: %w", symbol, err)
			}
			out = append(out, c)
		}

		last := klines[len(klines)-1]
		cursor = time.UnixMilli(last.CloseTime + 1)

		if len(klines) < 1000 {
			break
		}
	}
	return out, nil
}

func klineToCandle(symbol string, tf models.Timeframe, k *binance.Kline) (models.Candle, error) {
	open, err := decimal.NewFromString(k.Open)
	if err != nil {
		return models.Candle{}, err
	}
	high, err := decimal.NewFromString(k.High)
	if err != nil {
		return models.Candle{}, err
	}
	low, err := decimal.NewFromString(k.Low)
	if err != nil {
		return models.Candle{}, err
	}
	closePrice, err := decimal.NewFromString(k.Close)
	if err != nil {
		return models.Candle{}, err
	}
	volumeFloat, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return models.Candle{}, err
	}
	return models.Candle{
		Symbol:    symbol,
		Timeframe: tf,
		Timestamp: time.UnixMilli(k.OpenTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    uint64(volumeFloat),
	}, nil
}

// aggregateToTimeframe buckets base-interval candles into tf-width buckets
// using the standard open/high/low/close/volume reduction, discarding any
// trailing partial bucket (one whose member count is less than a full
// bucket's worth of base candles).
func aggregateToTimeframe(symbol string, tf models.Timeframe, base []models.Candle, baseMinutes int) []models.Candle {
	n := tf.Minutes()
	if n <= 0 || len(base) == 0 {
		return nil
	}
	membersPerBucket := n / baseMinutes
	if membersPerBucket < 1 {
		membersPerBucket = 1
	}

	var out []models.Candle
	for i := 0; i+membersPerBucket <= len(base); i += membersPerBucket {
		bucket := base[i : i+membersPerBucket]
		first := bucket[0]
		last := bucket[len(bucket)-1]
		high := first.High
		low := first.Low
		var volume uint64
		for _, c := range bucket {
			if c.High.GreaterThan(high) {
				high = c.High
			}
			if c.Low.LessThan(low) {
				low = c.Low
			}
			volume += c.Volume
		}
		out = append(out, models.Candle{
			Symbol:    symbol,
			Timeframe: tf,
			Timestamp: first.Timestamp,
			Open:      first.Open,
			High:      high,
			Low:       low,
			Close:     last.Close,
			Volume:    volume,
		})
	}
	return out
}
