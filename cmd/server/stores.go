package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// stores holds the backends selected by configuration. A single backend may
// serve as both the message and the directory store.
type stores struct {
	messages  relay.MessageStore
	directory store.Directory
	checks    map[string]server.Pinger
	closers   []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	s := &stores{checks: make(map[string]server.Pinger)}

	var (
		memory   *store.MemoryStore
		sqlite   *store.SQLiteStore
		postgres *store.PostgresStore
	)

	openCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()

	for _, backend := range []string{cfg.MessageBackend, cfg.DirectoryBackend} {
		switch backend {
		case config.BackendMemory:
			if memory == nil {
				memory = store.NewMemoryStore()
				logger.Warn().Msg("using in-memory store; data is lost on restart")
			}
		case config.BackendSQLite:
			if sqlite != nil {
				continue
			}
			db, err := store.NewSQLiteStore(openCtx, cfg.SQLitePath)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("open sqlite: %w", err)
			}
			sqlite = db
			s.checks["sqlite"] = db
			s.closers = append(s.closers, func() {
				if err := db.Close(); err != nil {
					logger.Warn().Err(err).Msg("error closing sqlite store")
				}
			})
			logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
		case config.BackendPostgres:
			if postgres != nil {
				continue
			}
			db, err := store.NewPostgresStore(openCtx, cfg.DatabaseURL)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("open postgres: %w", err)
			}
			postgres = db
			s.checks["postgres"] = db
			s.closers = append(s.closers, db.Close)
			logger.Info().Msg("connected to PostgreSQL")
		}
	}

	switch cfg.DirectoryBackend {
	case config.BackendSQLite:
		s.directory = sqlite
	case config.BackendPostgres:
		s.directory = postgres
	default:
		s.directory = memory
	}

	switch cfg.MessageBackend {
	case config.BackendSQLite:
		s.messages = sqlite
	case config.BackendPostgres:
		s.messages = postgres
	case config.BackendRedis:
		rdb, err := store.NewRedisMessageStore(openCtx, cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		s.messages = rdb
		s.checks["redis"] = rdb
		s.closers = append(s.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing redis store")
			}
		})
		logger.Info().Msg("connected to Redis")
	default:
		s.messages = memory
	}

	return s, nil
}
