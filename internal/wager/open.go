package wager

import (
	"context"
	"fmt"
	"log/slog"
)

// StoreOptions selects and addresses a Store.
type StoreOptions struct {
	Kind     string // memory, sqlite, postgres, redis
	DSN      string // sqlite path or postgres connection string
	Redis    RedisOptions
	Fallback bool // use memory when the backend cannot be opened
}

// OpenStore builds the store named by opts.Kind, seeded with initial.
func OpenStore(ctx context.Context, opts StoreOptions, initial float64, log *slog.Logger) (Store, error) {
	if log == nil {
		log = slog.Default()
	}

	var (
		store Store
		err   error
	)
	switch opts.Kind {
	case "", "memory":
		return NewMemoryStore(initial), nil
	case "sqlite":
		store, err = OpenSQLStore(ctx, DialectSQLite, opts.DSN, initial)
	case "postgres":
		store, err = OpenSQLStore(ctx, DialectPostgres, opts.DSN, initial)
	case "redis":
		store, err = OpenRedisStore(ctx, opts.Redis, initial)
	default:
		return nil, fmt.Errorf("unknown wallet store %q", opts.Kind)
	}
	if err != nil {
		if !opts.Fallback {
			return nil, err
		}
		log.Warn("wallet store unavailable, using memory", "store", opts.Kind, "error", err)
		return NewMemoryStore(initial), nil
	}
	log.Info("wallet store opened", "store", opts.Kind)
	return store, nil
}
