package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokenmeter"
	"github.com/ineyio/tokenmeter/ledger/postgres"
	redisledger "github.com/ineyio/tokenmeter/ledger/redis"
)

var errNoBackend = errors.New("no ledger backend: set --dsn or --redis")

// openLedger connects to the configured backend. The connection is released
// by a.close.
func (a *app) openLedger(ctx context.Context) (tokenmeter.Ledger, error) {
	if a.ledger != nil {
		return a.ledger, nil
	}

	switch {
	case a.dsn != "":
		store, err := a.openPostgres(ctx)
		if err != nil {
			return nil, err
		}
		a.ledger = store
	case a.redisURL != "":
		opts, err := goredis.ParseURL(a.redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, tokenmeter.StorageError("redis", "ping", err)
		}

		var ropts []redisledger.Option
		if a.keyPrefix != "" {
			ropts = append(ropts, redisledger.WithKeyPrefix(a.keyPrefix))
		}
		a.ledger = redisledger.New(client, ropts...)
	default:
		return nil, errNoBackend
	}
	return a.ledger, nil
}

func (a *app) openPostgres(ctx context.Context) (*postgres.Store, error) {
	pool, err := pgxpool.New(ctx, a.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if err := pool.Ping(ctx); err != nil {
		return nil, tokenmeter.StorageError("postgres", "ping", err)
	}

	var popts []postgres.Option
	if a.keyPrefix != "" {
		popts = append(popts, postgres.WithTablePrefix(a.keyPrefix))
	}
	return postgres.New(pool, popts...), nil
}
