package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/config"
	"github.com/mcdev12/couplet/go/internal/relay"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadRelay(getEnv("RELAY_CONFIG", "relay.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load relay config")
	}
	setLogLevel(cfg.LogLevel)

	directory := relay.NewDirectory(cfg.JWTSecret, cfg.Users)
	srv := relay.NewServer(directory, relay.DefaultConnectionConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var consumer *relay.EventConsumer
	if cfg.NATS.URL != "" {
		consumer, err = relay.NewEventConsumer(ctx, srv.Push, cfg.NATS)
		if err != nil {
			log.Fatal().Err(err).Str("nats_url", cfg.NATS.URL).Msg("failed to create event consumer")
		}
		srv.Publisher = consumer

		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("event consumer failed")
			}
		}()
	} else {
		log.Info().Msg("no NATS url configured, delivering push events in-process")
	}

	server := &http.Server{
		Addr:        cfg.Addr,
		Handler:     srv.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	log.Info().
		Str("addr", cfg.Addr).
		Int("users", len(cfg.Users)).
		Bool("jwt", cfg.JWTSecret != "").
		Msg("starting couplet relay")

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// hijacked sockets are not tracked by Shutdown
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	if consumer != nil {
		consumer.Stop()
	}

	log.Info().Msg("couplet relay shutdown complete")
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
