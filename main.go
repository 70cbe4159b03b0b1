package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tez-core/internal/api"
	"tez-core/internal/autotrail"
	"tez-core/internal/backend"
	"tez-core/internal/channel"
	"tez-core/internal/events"
	"tez-core/internal/market"
	"tez-core/internal/monitor"
	"tez-core/internal/order"
	"tez-core/internal/persistence"
	"tez-core/internal/reconciliation"
	"tez-core/internal/sqofftimer"
	"tez-core/internal/state"
	"tez-core/pkg/cache"
	"tez-core/pkg/config"
	"tez-core/pkg/db"
	"tez-core/pkg/exchanges/common"
	"tez-core/pkg/exchanges/paper"
	"tez-core/pkg/hostinfo"
	"tez-core/pkg/i18n"
)

var buildVersion = "dev"

func main() {
	issue := flag.String("issue-token", "", "print an operator token for this name and exit")
	ttl := flag.Duration("token-ttl", 12*time.Hour, "lifetime of an issued token")
	anyMachine := flag.Bool("any-machine", false, "issue a token valid on every instance sharing JWT_SECRET")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))

	host := hostinfo.Describe(buildVersion)

	if *issue != "" {
		machine := host.MachineID
		if *anyMachine {
			machine = ""
		}
		tok, err := hostinfo.CreateToken(cfg.JWTSecret, *issue, machine, *ttl)
		if err != nil {
			log.Fatalf("issue token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port, cfg.DefaultULIndex)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instruments, err := config.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		log.Fatalf(i18n.Get("InstrumentsMissing"), err)
	}
	log.Printf(i18n.Get("InstrumentsLoaded"), instruments.Indices())

	bus := events.NewBus()

	// Storage
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}
	store, err := persistence.NewStore(database, persistence.StoreConfig{
		JournalDir:    cfg.JournalDir,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval(),
	})
	if err != nil {
		log.Fatalf(i18n.Get("StoreInitFailed"), err)
	}
	defer store.Close()
	log.Printf(i18n.Get("JournalEnabled"), cfg.JournalDir)

	ledger := state.NewLedger(database)
	if err := ledger.Load(ctx); err != nil {
		log.Fatalf(i18n.Get("LedgerLoadFailed"), err)
	}

	// Metrics
	prom := monitor.NewProm()
	metrics := monitor.NewSystemMetrics(prom)
	log.Println(i18n.Get("SystemMetricsInit"))
	alerts := &monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}, MinPriority: events.Priority(cfg.AlertMinPriority)}
	alerts.Start(ctx)

	// Broker: paper simulator behind the rate limiter and connectivity watch
	if !cfg.PaperTrading {
		log.Printf("⚠️ PAPER_TRADING=false but no live broker adapter is built in; using the simulator")
	}
	sim := paper.New(paper.Config{
		Margin:       cfg.PaperMargin,
		LatencyMinMs: cfg.PaperLatencyMinMs,
		LatencyMaxMs: cfg.PaperLatencyMaxMs,
		SlippageBps:  cfg.PaperSlippageBps,
	})
	log.Println(i18n.Get("PaperMode"))
	limited := common.NewRateLimitedAPI(sim, cfg.BrokerRateLimit, cfg.BrokerBurst)
	broker := backend.NewWatchedAPI(limited, bus, metrics, 5*time.Second)

	// Execution
	engine := order.NewEngine(order.Deps{
		API:      broker,
		Ledger:   ledger,
		Recorder: store,
		Bus:      bus,
		Metrics:  metrics,
	}, order.Config{
		Workers:          cfg.Workers,
		ConfirmAttempts:  cfg.ConfirmAttempts,
		ConfirmInterval:  cfg.ConfirmInterval(),
		MarginBuffer:     cfg.MarginBuffer,
		MaxCloseFailures: cfg.MaxCloseFailures,
	})
	defer engine.Close()
	log.Printf(i18n.Get("EngineReady"), cfg.Workers, cfg.ConfirmAttempts, cfg.ConfirmInterval())

	trailer := autotrail.New(engine, bus, autotrail.Options{Symbol: cfg.DefaultULIndex})
	log.Println(i18n.Get("AutoTrailerReady"))

	timerCfg := sqofftimer.Config{
		WindowStart: cfg.SquareOffWindowStart,
		WindowEnd:   cfg.SquareOffWindowEnd,
		SquareOffAt: cfg.SquareOffAt,
		MarketClose: cfg.MarketClose,
		Enabled:     cfg.SquareOffTimerEnabled,
		Location:    cfg.Location(),
	}
	var coordRef *backend.Coordinator
	timer, err := sqofftimer.New(engine, ledger, bus, timerCfg, func() float64 {
		if coordRef == nil {
			return 0
		}
		return coordRef.PnL()
	})
	if err != nil {
		log.Printf(i18n.Get("TimerInitFailed"), err)
		timerCfg = sqofftimer.DefaultConfig()
		timerCfg.Location = cfg.Location()
		timerCfg.Enabled = false
		timer, _ = sqofftimer.New(engine, ledger, bus, timerCfg, nil)
	}

	resolve := func(symbol string) (state.Instrument, bool) {
		in, typ, ok := instruments.Classify(symbol)
		if !ok {
			return state.Instrument{}, false
		}
		return state.Instrument{
			Symbol:     symbol,
			Underlying: in.ULIndex,
			Exchange:   in.Exchange,
			Type:       state.InstType(typ),
			LotSize:    in.LotSize,
			FreezeQty:  in.FreezeQty,
		}, true
	}
	recon := reconciliation.NewService(broker, ledger, bus, resolve, cfg.ReconcileInterval)

	// Market data
	ticks := cache.NewShardedTickCache()
	router := market.NewRouter(bus, ticks)
	var feed market.Feed
	if cfg.UseMockFeed {
		feed = &market.MockFeed{Bus: bus, Prices: cfg.MockPrices, Interval: cfg.MockFeedInterval()}
		log.Println(i18n.Get("MockFeedStarted"))
	} else {
		log.Println(i18n.Get("FeedUnavailable"))
	}

	channels := channel.NewManager()
	coord, err := backend.New(backend.Registry{
		Instruments: instruments,
		Bus:         bus,
		Channels:    channels,
		Engine:      engine,
		API:         broker,
		Broker:      broker,
		Paper:       sim,
		Feed:        feed,
		Router:      router,
		Cache:       ticks,
		AutoTrail:   trailer,
		Timer:       timer,
		Recon:       recon,
		Metrics:     metrics,
		Store:       store,
		DB:          database,
		Host:        host,
	}, backend.Options{
		ULIndex:     cfg.DefaultULIndex,
		Version:     buildVersion,
		Quantum:     cfg.DispatcherQuantum(),
		PnLInterval: cfg.PnLInterval(),
		UseMockFeed: cfg.UseMockFeed,
	})
	if err != nil {
		log.Fatalf("backend: %v", err)
	}
	coordRef = coord
	coord.Start(ctx)
	log.Println(i18n.Get("BackendStarted"))
	log.Println(i18n.Get("ReconStarted"))
	if st := timer.Status(); st.Scheduled {
		log.Printf(i18n.Get("TimerScheduled"), st.NextAt.Format(time.RFC3339))
	}

	// API surface
	bridge := api.NewBridge(channels, 10*time.Second)
	go bridge.Run(ctx)
	hub := api.NewHub(channels.Data)
	go hub.Run(ctx)

	var verifier *hostinfo.Verifier
	if cfg.JWTSecret != "" {
		verifier = hostinfo.NewVerifier(cfg.JWTSecret, host)
	}
	server := api.NewServer(api.Options{
		Backend:  coord,
		Bridge:   bridge,
		Hub:      hub,
		Metrics:  metrics,
		Prom:     prom,
		Verifier: verifier,
	})
	go func() {
		log.Printf(i18n.Get("ServerListening"), cfg.Port)
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()

	grpcHealth := api.NewHealthServer()
	grpcHealth.Track(ctx, bus)
	if lis, err := net.Listen("tcp", ":"+cfg.GRPCPort); err != nil {
		log.Printf("⚠️ gRPC health disabled: %v", err)
	} else {
		log.Printf(i18n.Get("GRPCListening"), cfg.GRPCPort)
		go func() {
			if err := grpcHealth.Serve(lis); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Printf("⚠️ gRPC health stopped: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println(i18n.Get("ShuttingDown"))

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ http shutdown: %v", err)
	}
	grpcHealth.Stop()
	if err := coord.Stop(5 * time.Second); err != nil {
		log.Printf("⚠️ backend stop: %v", err)
	}
	if n := engine.CancelInflight(shutdownCtx); n > 0 {
		log.Printf(i18n.Get("InflightCancelled"), n)
	}
	if err := trailer.Close(2 * time.Second); err != nil {
		log.Printf("⚠️ auto-trailer close: %v", err)
	}
	engine.Waiting().Wait()
	cancel()
	if err := store.Flush(shutdownCtx); err != nil {
		log.Printf("⚠️ final flush: %v", err)
	}
	log.Println(i18n.Get("ShutdownComplete"))
}
