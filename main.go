package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"trading-desk/internal/api"
	"trading-desk/internal/engine"
	"trading-desk/internal/events"
	"trading-desk/internal/health"
	"trading-desk/internal/market"
	"trading-desk/internal/monitor"
	"trading-desk/internal/order"
	"trading-desk/internal/persistence"
	"trading-desk/internal/risk"
	"trading-desk/internal/state"
	"trading-desk/internal/strategy"
	"trading-desk/pkg/config"
	"trading-desk/pkg/db"
	"trading-desk/pkg/exchanges/common"
	"trading-desk/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info")
		boot.Fatal().Err(err).Msg("config load failed")
	}
	log := logger.New(cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("trading desk exited")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info().Str("path", cfg.DBPath).Msg("database ready")

	bus := events.NewBus()
	store := state.NewStore(log)

	// Background workers stop on bgCancel; the supervisor stops first.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	goBG := func(fn func(context.Context)) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			fn(bgCtx)
		}()
	}

	mon := &monitor.Monitor{Bus: bus, Log: logger.Component(log, "monitor")}
	mon.Start(bgCtx)

	journal := persistence.NewJournal(database, bus, store, log)
	if n, err := journal.LoadHoldings(ctx); err != nil {
		log.Warn().Err(err).Msg("holdings not loaded")
	} else if n > 0 {
		log.Info().Int("holdings", n).Msg("holdings seeded")
	}
	journal.Start(bgCtx)

	// Market data
	prices := market.NewPrices(10*cfg.MockInterval, log)
	goBG(func(c context.Context) { prices.Track(c, bus) })
	feed := &market.MockFeed{
		Bus:        bus,
		Prices:     prices,
		Symbols:    cfg.MockSymbols,
		StartPrice: cfg.MockStartPrice,
		Step:       cfg.MockStep,
		Interval:   cfg.MockInterval,
		Log:        logger.Component(log, "mock_feed"),
	}
	feed.Start(bgCtx)

	marker := state.NewMarker(store, prices, cfg.MarkInterval, log)
	goBG(marker.Run)

	// Orders
	broker := order.NewPaperBroker(prices, order.PaperConfig{
		FailRate:    cfg.PaperFailRate,
		PartialRate: cfg.PaperPartialRate,
		MaxNotional: cfg.PaperMaxNotional,
		SlippageBps: cfg.PaperSlippageBps,
	}, log)
	riskMgr := risk.NewManager(risk.Limits{
		MaxLegQuantity:      cfg.RiskMaxLegQty,
		MaxOrderNotional:    cfg.RiskMaxOrderNotional,
		MaxPositionNotional: cfg.RiskMaxPositionNotional,
		MaxTotalExposure:    cfg.RiskMaxTotalExposure,
		MaxDailyBaskets:     cfg.RiskMaxDailyBaskets,
	}, prices, log)
	gateway := common.Throttle(broker, cfg.BrokerRateLimit, cfg.BrokerRateBurst, log)
	pipeline := order.NewPipeline(gateway, store, bus, order.Config{
		MaxRetries:      cfg.OrderMaxRetries,
		Backoff:         order.Backoff{Min: cfg.OrderBackoffMin, Max: cfg.OrderBackoffMax, Factor: 2, Jitter: 0.2},
		Risk:            riskMgr,
		DispatchTimeout: cfg.OrderDispatchTimeout,
	}, log)
	if _, err := journal.Restore(ctx, pipeline); err != nil {
		log.Warn().Err(err).Msg("idempotency records not restored")
	}
	goBG(pipeline.Run)

	// Strategies
	configs, err := strategy.LoadConfig(cfg.StrategiesFile)
	if err != nil {
		bgCancel()
		return err
	}
	registry, err := strategy.NewRegistry(configs)
	if err != nil {
		bgCancel()
		return err
	}
	healthSrv := health.New(log)
	supervisor := strategy.NewSupervisor(strategy.Deps{
		Prices:   prices,
		State:    store,
		Orders:   pipeline,
		Bus:      bus,
		Health:   healthSrv,
		Registry: registry,
		Log:      log,
	})
	log.Info().Strs("strategies", registry.Names()).Str("file", cfg.StrategiesFile).Msg("strategy registry loaded")
	if cfg.AutoStart {
		if err := supervisor.StartAll(ctx); err != nil {
			log.Error().Err(err).Msg("some strategies failed to start")
		}
	}

	goBG(func(c context.Context) {
		if err := healthSrv.Serve(c, cfg.GRPCAddr); err != nil {
			log.Error().Err(err).Str("addr", cfg.GRPCAddr).Msg("grpc health server stopped")
		}
	})

	// API
	engService := engine.NewImpl(engine.Config{
		Supervisor:  supervisor,
		Pipeline:    pipeline,
		Store:       store,
		DB:          database,
		StopTimeout: cfg.StopTimeout,
		Meta: engine.Meta{
			Version: buildVersion,
			Venue:   "paper",
			Symbols: cfg.MockSymbols,
		},
	})
	server := api.NewServer(engService, api.Options{JWTSecret: cfg.JWTSecret}, log)
	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET not set; mutating routes are unauthenticated")
	}

	log.Info().Str("version", buildVersion).Str("port", cfg.Port).Msg("trading desk started")
	serveErr := server.Serve(ctx, ":"+cfg.Port)
	if serveErr != nil {
		log.Error().Err(serveErr).Msg("http server failed")
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := supervisor.Shutdown(shutdownCtx, cfg.StopTimeout); err != nil {
		log.Error().Err(err).Msg("strategies did not stop cleanly")
	}

	bgCancel()
	bg.Wait()
	select {
	case <-journal.Done():
	case <-shutdownCtx.Done():
		log.Warn().Msg("journal did not flush before shutdown deadline")
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
