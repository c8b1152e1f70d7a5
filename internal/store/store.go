// Package store holds the server's persistent state: thread operation logs,
// nonces and image tokens in Redis, posts and identities in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// The requested log range was compacted away
	ErrCompacted = errors.New("log range compacted")
	// The requested log range lies beyond the log's end or is inverted
	ErrRange = errors.New("invalid log range")
	// The image token was never issued, expired or already redeemed
	ErrInvalidToken = errors.New("invalid image token")
	ErrNotFound     = errors.New("not found")
)

// Retry connecting for this long on startup, while dependencies come up
const connectTimeout = 30 * time.Second

func retry(ctx context.Context, log zerolog.Logger, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = connectTimeout
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		log.Warn().Err(err).Dur("retry_in", d).Msgf("could not connect to %s", what)
	})
}

// ConnectRedis connects to Redis at addr
func ConnectRedis(ctx context.Context, log zerolog.Logger, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	err := retry(ctx, log, "redis", func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("connected to redis")
	return rdb, nil
}

// ConnectPostgres connects to PostgreSQL and creates the schema
func ConnectPostgres(ctx context.Context, log zerolog.Logger, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	err = retry(ctx, log, "postgres", func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	log.Info().Msg("connected to postgres")
	return pool, nil
}
