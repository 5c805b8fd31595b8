package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/campaign"
	"outreach/internal/config"
	busevents "outreach/internal/events"
	httpapi "outreach/internal/http"
	"outreach/internal/llm"
	"outreach/internal/rules"
	"outreach/internal/scheduler"
	"outreach/internal/storage"
	"outreach/internal/wa"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log := newLogger(cfg.Logging)

	store, err := storage.Open(cfg.Storage.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := busevents.NewBus()

	var completer rules.Completer
	if c := llm.New(cfg.LLM); c != nil {
		completer = c
		log.Info().Str("model", cfg.LLM.Model).Msg("AI fallback enabled")
	}
	engine := rules.New(store, rules.NewCooldowns(), completer, log)

	pool, err := wa.NewPool(ctx, cfg.Storage.DSN, store, bus, engine, cfg.Pool, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init connection pool")
	}

	dispatcher := campaign.New(store, pool, bus, log)
	flusher := scheduler.New(store, pool, bus, cfg.Flusher.Interval, cfg.Flusher.BatchSize, log)
	flusher.Start(ctx)

	pool.RestoreSessions(ctx)

	router := httpapi.NewRouter(store, pool, dispatcher, flusher, bus, cfg.Pool.PairingTimeout, log)
	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: router}

	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	flusher.Stop()
	dispatcher.Shutdown()
	pool.Shutdown()
	cancel()
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
