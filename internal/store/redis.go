package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const machineKeyPrefix = "machine:"

// Redis is a Machines backend on Redis. Documents live as JSON values under
// machine:<id>. Mutate is last-write-wins: health updates tolerate races
// because backoff transitions are monotonic per request.
type Redis struct {
	client *redis.Client
}

// NewRedisFromClient wraps an existing Redis client. The caller owns the
// client lifecycle unless Close is used.
func NewRedisFromClient(cli *redis.Client) *Redis {
	return &Redis{client: cli}
}

// NewRedisFromURL parses redisURL, creates a client and verifies the
// connection with a PING.
func NewRedisFromURL(ctx context.Context, redisURL string) (*Redis, error) {
	if ctx == nil {
		return nil, fmt.Errorf("store: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	return &Redis{client: cli}, nil
}

// Get returns the machine document, or ErrNotFound.
func (r *Redis) Get(ctx context.Context, id string) (*MachineData, error) {
	doc, err := r.client.Get(ctx, machineKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get %s: %w", id, err)
	}
	return decodeMachine(doc)
}

// Put writes the full document with no expiry.
func (r *Redis) Put(ctx context.Context, m *MachineData) error {
	m.UpdatedAt = time.Now().UTC()
	doc, err := encodeMachine(m)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, machineKeyPrefix+m.ID, doc, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set %s: %w", m.ID, err)
	}
	return nil
}

// Mutate reads the document, applies fn and writes the result back.
func (r *Redis) Mutate(ctx context.Context, id string, fn func(*MachineData) error) error {
	m, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	return r.Put(ctx, m)
}

// FindKey scans machine:* for an active API key equal to rawKey.
func (r *Redis) FindKey(ctx context.Context, rawKey string) (*MachineData, *APIKey, error) {
	iter := r.client.Scan(ctx, 0, machineKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		doc, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between SCAN and GET
		}
		if err != nil {
			return nil, nil, fmt.Errorf("store: redis get %s: %w", iter.Val(), err)
		}
		m, err := decodeMachine(doc)
		if err != nil {
			return nil, nil, err
		}
		if k := m.KeyByValue(rawKey); k != nil {
			return m, k, nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: redis scan: %w", err)
	}
	return nil, nil, ErrKeyNotFound
}

// Close releases the Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
