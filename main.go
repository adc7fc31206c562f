package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/api"
	"execution-core/internal/control"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/position"
	"execution-core/internal/reconciliation"
	"execution-core/internal/scheduler"
	"execution-core/pkg/broker/okx"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

var buildVersion = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	trading, err := config.LoadTrading(cfg.TradingConfigPath)
	if err != nil {
		log.Fatalf("trading config load failed: %v", err)
	}
	log.Printf("starting execution core %s (symbols: %v, leverage: %dx %s)",
		buildVersion, trading.Trade.Symbols, trading.Trade.Leverage, trading.Trade.MarginMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	ctl := control.NewState()

	// Audit store. Optional: the core self-heals from broker truth and
	// never depends on local durability.
	var database *db.Database
	if cfg.DisableDB {
		log.Printf("audit database disabled")
	} else {
		database, err = db.New(cfg.DBPath)
		if err != nil {
			log.Fatalf("db init failed: %v", err)
		}
		defer database.Close()
		if err := db.ApplyMigrations(database); err != nil {
			log.Fatalf("db migrations failed: %v", err)
		}
		log.Printf("audit database at %s", cfg.DBPath)
	}

	store := position.NewStore(database)

	gateway := okx.NewClient(okx.Config{
		APIKey:     cfg.OKXAPIKey,
		APISecret:  cfg.OKXAPISecret,
		Passphrase: cfg.OKXPassphrase,
		Simulated:  cfg.OKXSimulated,
	})
	if cfg.OKXSimulated {
		log.Printf("OKX demo trading enabled")
	}

	eng := engine.New(engine.Config{
		Gateway:  gateway,
		Store:    store,
		Control:  ctl,
		Bus:      bus,
		Metrics:  metrics,
		Database: database,
		Trading:  trading,
	})

	reconciler := reconciliation.NewService(reconciliation.ServiceConfig{
		Gateway:  gateway,
		Store:    store,
		Bus:      bus,
		Metrics:  metrics,
		Database: database,
		Alerts:   monitor.LogSink{},
		Trading:  trading,
	})
	eng.SetReconcileRequester(reconciler.Request)
	reconciler.Start(ctx)

	// Broker truth before any signal: recover whatever is still open.
	reconciler.RunStartup(ctx)

	sched := scheduler.New(eng, reconciler, trading)
	sched.Start(ctx)

	server := api.NewServer(api.ServerConfig{
		Bus:               bus,
		DB:                database,
		Engine:            eng,
		Reconciler:        reconciler,
		Control:           ctl,
		Metrics:           metrics,
		JWTSecret:         cfg.JWTSecret,
		WebhookSecret:     cfg.WebhookSecret,
		AdminPasswordHash: cfg.AdminPasswordHash,
		AdminSecret:       cfg.AdminSecret,
		Meta: api.SystemMeta{
			Venue:     "okx",
			Simulated: cfg.OKXSimulated,
			Symbols:   trading.Trade.Symbols,
			Version:   buildVersion,
			StartedAt: time.Now(),
		},
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()
	log.Printf("listening on :%s", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
}
