package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/server"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("chatrelay stopped with error")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsProduction() {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx := context.Background()

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	if !cfg.Directory.Empty() {
		seedCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		err := cfg.Directory.Apply(seedCtx, stores.directory)
		cancel()
		if err != nil {
			return fmt.Errorf("seed directory: %w", err)
		}
		logger.Info().
			Int("users", len(cfg.Directory.Users)).
			Int("rooms", len(cfg.Directory.Rooms)).
			Msg("directory seeded")
	}

	r := relay.New(relay.Options{
		Messages:              stores.messages,
		Directory:             stores.directory,
		Logger:                logger,
		EnforceRoomMembership: cfg.EnforceRoomMembership,
	})

	srv := server.New(server.Options{
		Relay:          r,
		Authenticator:  auth.NewTokenAuthenticator(cfg.JWTSecret, stores.directory),
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		Limits:         server.LimitsFromConfig(cfg),
		Checks:         stores.checks,
	})
	srv.Start()

	httpServer := server.CreateServer(cfg.Port, srv.Router())

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("messages", cfg.MessageBackend).
			Str("directory", cfg.DirectoryBackend).
			Msg("starting chatrelay")
		errCh <- server.StartServer(httpServer, logger)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = srv.Shutdown(cfg.ShutdownTimeout)
			return fmt.Errorf("http server: %w", err)
		}
	}

	// Sockets are hijacked connections that http.Server.Shutdown does not
	// track, so the hub is shut down explicitly afterwards.
	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, logger); err != nil {
		logger.Warn().Err(err).Msg("HTTP server did not drain in time")
	}
	if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("websocket clients did not drain in time")
	}

	logger.Info().Msg("server stopped")
	return nil
}
