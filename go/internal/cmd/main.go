package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/couplet/go/internal/config"
	"github.com/mcdev12/couplet/go/internal/supervisor"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(getEnv("COUPLET_CONFIG", "couplet.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.LogLevel)

	if cfg.Console.Mode == config.ConsoleTUI {
		logFile, err := os.OpenFile(cfg.Console.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Console.LogFile).Msg("failed to open log file")
		}
		defer logFile.Close()
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, NoColor: true})
	}

	if cfg.UserID == "" || cfg.Token == "" {
		log.Fatal().Msg("COUPLET_USER_ID and COUPLET_TOKEN are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}

	log.Info().
		Str("user_id", cfg.UserID).
		Str("transport", cfg.Stream.Transport).
		Str("stream_url", cfg.Stream.URL).
		Msg("starting couplet client")

	if err := svc.Stream.Connect(ctx, cfg.Token); err != nil {
		log.Fatal().Err(err).Msg("failed to start event stream")
	}
	go func() {
		if err := svc.Store.Refetch(ctx, svc.CriticalKeys...); err != nil {
			log.Warn().Err(err).Msg("initial cache load incomplete")
		}
	}()

	lifecycle := make(chan supervisor.Lifecycle, 1)
	go svc.Supervisor.Run(ctx, lifecycle)

	// SIGUSR1/SIGUSR2 stand in for the host app moving to background/foreground
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	var program *tea.Program
	programDone := make(chan struct{})
	if cfg.Console.Mode == config.ConsoleTUI {
		program = tea.NewProgram(
			newDashboard(ctx, func() statusSnapshot { return snapshotServices(svc) }, serviceRunner(svc, lifecycle)),
			tea.WithAltScreen(),
		)
		go func() {
			defer close(programDone)
			if _, err := program.Run(); err != nil {
				log.Error().Err(err).Msg("console exited with error")
			}
			select {
			case sigChan <- syscall.SIGTERM:
			default:
			}
		}()
	} else {
		con := &console{svc: svc, lifecycle: lifecycle, out: os.Stdout}
		go con.run(ctx, os.Stdin)
	}

	for sig := range sigChan {
		switch sig {
		case syscall.SIGUSR1:
			lifecycle <- supervisor.Background
			continue
		case syscall.SIGUSR2:
			lifecycle <- supervisor.Foreground
			continue
		}

		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		break
	}

	if program != nil {
		// restore the terminal before shutdown logs are written
		program.Quit()
		<-programDone
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()
	svc.Close(shutdownCtx)

	log.Info().Msg("couplet client shutdown complete")
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
