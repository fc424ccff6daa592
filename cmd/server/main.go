/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty points engine server: configuration,
  dependency wiring, schedule registration, graceful shutdown.

STARTUP SEQUENCE:
  1. Parse environment configuration
  2. Open SQLite store
  3. Wire ledger, grant engine, ingestor, HTTP handler
  4. Register enabled schedule rules with the recurring scheduler
  5. Start server with graceful shutdown

CONFIGURATION (environment):
  PORT       HTTP server port (default: 8080)
  DB_PATH    SQLite database path (default: loyalty.db, ":memory:" works)
  TIMEZONE   IANA zone for birthdays, months and week boundaries (default: UTC)
  LOG_LEVEL  zerolog level (default: info)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop the scheduler, drain HTTP (30s timeout), close
  the database.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/grant"
	"github.com/warp/loyalty-engine/ingest"
	"github.com/warp/loyalty-engine/ledger"
	"github.com/warp/loyalty-engine/store/sqlite"
)

type config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	DBPath   string `env:"DB_PATH" envDefault:"loyalty.db"`
	Timezone string `env:"TIMEZONE" envDefault:"UTC"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatal().Str("timezone", cfg.Timezone).Err(err).Msg("invalid timezone")
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	// Grants and redemptions for one member share these locks.
	memberLocks := &ledger.KeyedMutex{}

	redeemer := ledger.NewRedeemer(store, memberLocks, log)
	queries := ledger.NewQueries(store)
	engine := grant.NewEngine(store, store, store, memberLocks, log)
	engine.Location = loc
	ingestor := ingest.New(engine, store, log)

	handler := api.NewHandler(redeemer, queries, engine, ingestor, store, log)
	router := api.NewRouter(handler)

	// Drive enabled schedule rules.
	sched := api.NewRecurringScheduler(log)
	rules, err := store.ListRules(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load rules")
	}
	for _, rule := range rules {
		if rule.Status != grant.StatusEnabled || rule.Trigger != grant.TriggerSchedule {
			continue
		}
		rule := rule
		sched.RegisterRecurring(rule.ID, rule.Cadence, func(ctx context.Context) {
			if _, err := engine.RunSchedule(ctx, rule.ID); err != nil {
				log.Error().Str("rule", string(rule.ID)).Err(err).Msg("schedule run failed")
			}
		})
	}
	defer sched.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}
