// Command server boots the Sherwood trade-lifecycle engine: the
// tick-to-candle pipeline, the per-trade coordinator, entry/exit order
// execution, the two reconcilers, and the read-only diagnostics HTTP
// surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alexherrero/sherwood/broker"
	"github.com/alexherrero/sherwood/candle"
	"github.com/alexherrero/sherwood/config"
	"github.com/alexherrero/sherwood/coordinator"
	"github.com/alexherrero/sherwood/data"
	"github.com/alexherrero/sherwood/diagnostics"
	"github.com/alexherrero/sherwood/eventbus"
	"github.com/alexherrero/sherwood/models"
	"github.com/alexherrero/sherwood/reconcile"
	"github.com/alexherrero/sherwood/recovery"
	"github.com/alexherrero/sherwood/sessionclock"
	"github.com/alexherrero/sherwood/trade"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if !cfg.TradingEnabled {
		log.Warn().Msg("TRADING_ENABLED is false: entry orders will be rejected at the execution gate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := data.NewDB(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}

	candleRepo := data.NewCandleRepository(db)
	tradeRepo := data.NewTradeRepository(db)
	intentRepo := data.NewExitIntentRepository(db)
	signalRepo := data.NewSignalRepository(db)

	startHour, startMinute, endHour, endMinute, loc := cfg.SessionHours()
	clock := sessionclock.Clock{
		Location:    loc,
		StartHour:   startHour,
		StartMinute: startMinute,
		EndHour:     endHour,
		EndMinute:   endMinute,
	}

	bus := eventbus.New()
	go bus.Run()
	defer bus.Stop()

	adapter := broker.NewBinanceAdapter(cfg.BinanceAPIKey, cfg.BinanceAPISecret, brokerWSURL(cfg))
	connResult, err := adapter.Connect(ctx, broker.Credentials{APIKey: cfg.BinanceAPIKey})
	if err != nil {
		log.Fatal().Err(err).Msg("broker connect failed")
	}
	if !connResult.Success {
		log.Error().Str("error_code", connResult.ErrorCode).Str("message", connResult.Message).Msg("broker rejected credentials; continuing disconnected, reconcilers and execution will stay gated")
	}
	resolver := singleAdapterResolver{adapter: adapter}

	store := candle.NewStore(candleRepo, cfg.CandleCacheSize)
	aggregator := candle.NewAggregator(store, clock, bus)
	backfiller := candle.NewHistoryBackfiller(store, clock, adapter)
	marketData := candle.NewMarketDataCache()
	builder := candle.NewTickCandleBuilder(clock, store, aggregator, backfiller, marketData, bus)
	go builder.RunFinalizer(ctx, time.Minute)

	recoveryMgr := recovery.NewManager(store, backfiller, aggregator, clock)
	for _, symbol := range cfg.Symbols {
		if err := recoveryMgr.RecoverOnStartup(ctx, symbol, time.Now()); err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("startup recovery failed")
		}
	}

	// Every reconnect after the initial connect may have missed ticks; recompute
	// the gap against each symbol's last stored LTF candle and backfill it.
	adapter.OnReconnect(func() {
		now := time.Now()
		for _, symbol := range cfg.Symbols {
			lastKnown := now
			latest, err := store.GetLatest(ctx, symbol, models.LTF)
			if err != nil {
				log.Error().Err(err).Str("symbol", symbol).Msg("reconnect recovery: get latest candle failed")
				continue
			}
			if latest != nil {
				lastKnown = latest.Timestamp
			}
			if err := recoveryMgr.RecoverOnReconnect(ctx, symbol, lastKnown, now); err != nil {
				log.Error().Err(err).Str("symbol", symbol).Msg("reconnect recovery failed")
			}
		}
	})

	coord := coordinator.New("trade")
	defer coord.Shutdown()

	index := trade.NewActiveTradeIndex()
	service := trade.NewService(tradeRepo, intentRepo, index, resolver, coord, bus, cfg.MaxHoldingDays)
	if err := service.RebuildActiveIndex(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to rebuild active trade index")
	}

	exitExec := trade.NewExitExecution(service, intentRepo, resolver, bus)
	evaluator := trade.NewEvaluator(service, exitExec, cfg.MaxHoldingDays)
	entryExec := trade.NewEntryExecution(service, signalRepo, resolver, bus, func() bool { return cfg.TradingEnabled })
	_ = entryExec // wired for external callers to invoke Execute; this process never originates intents itself

	pendingReconciler := reconcile.NewPendingOrderReconciler(tradeRepo, service, resolver, reconcile.PendingOrderReconcilerConfig{
		Period:         cfg.PendingReconcilerPeriod,
		InitialDelay:   cfg.PendingReconcilerInitialDelay,
		PendingTimeout: cfg.PendingOrderTimeout,
		Concurrency:    cfg.ReconcilerConcurrency,
	})
	exitReconciler := reconcile.NewExitOrderReconciler(intentRepo, service, resolver, reconcile.ExitOrderReconcilerConfig{
		Period:        cfg.ExitReconcilerPeriod,
		InitialDelay:  cfg.ExitReconcilerInitialDelay,
		PlacedTimeout: cfg.PlacedOrderTimeout,
		Concurrency:   cfg.ReconcilerConcurrency,
	})
	go pendingReconciler.Run(ctx)
	go exitReconciler.Run(ctx)

	if cfg.IsDirectFeed() {
		if err := adapter.SubscribeTicks(ctx, cfg.Symbols, func(tickCtx context.Context, t models.Tick) {
			builder.OnTick(tickCtx, t)
			service.OnPriceUpdate(t.Symbol, t.LastPrice, t.ExchangeTimestamp, evaluator.Evaluate)
		}); err != nil {
			log.Error().Err(err).Msg("subscribe ticks failed")
		}
	} else {
		log.Warn().Str("mode", string(cfg.DataFeedMode)).Msg("relay feed mode configured but no relay consumer is wired in this process")
	}

	router := diagnostics.NewRouter(cfg, adapter, pendingReconciler, exitReconciler)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("diagnostics server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("diagnostics server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("diagnostics server shutdown error")
	}
	if err := adapter.Disconnect(); err != nil {
		log.Error().Err(err).Msg("broker disconnect error")
	}

	log.Info().Msg("shutdown complete")
}

// brokerWSURL returns the configured WS override, or the Binance default
// (spot or US) selected by cfg.UseBinanceUS.
func brokerWSURL(cfg *config.Config) string {
	if cfg.BrokerWSURL != "" {
		return cfg.BrokerWSURL
	}
	if cfg.UseBinanceUS {
		return "wss://stream.binance.us:9443/ws"
	}
	return "wss://stream.binance.com:9443/ws"
}

// singleAdapterResolver is the AdapterResolver for a single-broker
// deployment: there is exactly one configured adapter, so userBrokerID is
// ignored. trade and reconcile each declare their own identical
// AdapterResolver interface; this type satisfies both.
type singleAdapterResolver struct {
	adapter broker.Adapter
}

func (r singleAdapterResolver) Resolve(ctx context.Context, userBrokerID string) (broker.Adapter, error) {
	return r.adapter, nil
}
