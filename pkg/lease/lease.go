// Package lease keeps a single active poller across replicas with a redis
// key that expires unless its owner refreshes it.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL is used when Config.TTL is zero
const DefaultTTL = 30 * time.Second

// Config holds lease configuration
type Config struct {
	Key string
	TTL time.Duration
	// Owner prefixes the random owner id; optional
	Owner string
}

// Lease is a redis-backed lock with an expiry
type Lease struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	owner  string
	logger *zap.Logger

	mu          sync.Mutex
	lockedUntil atomic.Int64
}

// NewClient creates a standalone redis client
func NewClient(addr, password string, db int) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// New creates a Lease. The owner id is unique even when Config.Owner is not.
func New(client redis.UniversalClient, cfg Config, logger *zap.Logger) (*Lease, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("lease key cannot be empty")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("failed to generate owner id: %w", err)
	}
	owner := hex.EncodeToString(suffix)
	if cfg.Owner != "" {
		owner = cfg.Owner + "-" + owner
	}

	return &Lease{
		client: client,
		key:    cfg.Key,
		ttl:    cfg.TTL,
		owner:  owner,
		logger: logger,
	}, nil
}

// Owner returns this lease's owner id
func (l *Lease) Owner() string { return l.owner }

// TTL returns the expiry set on every refresh
func (l *Lease) TTL() time.Duration { return l.ttl }

// Held reports whether the last Acquire succeeded and has not expired
// locally
func (l *Lease) Held() bool {
	return time.Now().Before(time.UnixMilli(l.lockedUntil.Load()))
}

// Acquire takes the lease if it is free or refreshes it if this owner holds
// it. It reports whether this owner holds the lease afterwards.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	got := false
	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, l.key).Result()
		if errors.Is(err, redis.Nil) {
			current = ""
			err = nil
		}
		if err != nil {
			return err
		}
		if current != "" && current != l.owner {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, l.key, l.owner, l.ttl)
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return nil
		}
		if err != nil {
			return err
		}
		got = true
		return nil
	}, l.key)

	if err != nil {
		// a cancelled refresh leaves the key as it was, so the local expiry
		// still holds
		if ctx.Err() == nil {
			l.lockedUntil.Store(0)
		}
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	if !got {
		l.lockedUntil.Store(0)
		return false, nil
	}
	l.lockedUntil.Store(start.Add(l.ttl).UnixMilli())
	return true, nil
}

// Keep refreshes a held lease every third of its TTL until stop is called.
// The returned context is cancelled as soon as a refresh fails or finds the
// key taken, and Held reports false from then on.
func (l *Lease) Keep(ctx context.Context) (context.Context, func()) {
	keepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-keepCtx.Done():
				return
			case <-ticker.C:
			}
			held, err := l.Acquire(keepCtx)
			if keepCtx.Err() != nil {
				return
			}
			if err != nil || !held {
				l.logger.Warn("Lease lost while working",
					zap.String("key", l.key),
					zap.String("owner", l.owner),
					zap.Error(err),
				)
				cancel()
				return
			}
		}
	}()

	return keepCtx, func() {
		cancel()
		<-done
	}
}

// Release deletes the key if this owner holds it
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lockedUntil.Store(0)

	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, l.key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != l.owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, l.key)
			return nil
		})
		if errors.Is(err, redis.TxFailedErr) {
			return nil
		}
		return err
	}, l.key)
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	l.logger.Info("Lease released", zap.String("key", l.key), zap.String("owner", l.owner))
	return nil
}
