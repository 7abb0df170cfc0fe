// Package indexer runs the poll loop: drain the outbox, fetch the next
// window, stage it, apply it and advance the cursor.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/events"
	"github.com/0xmhha/crowdfund-indexer/pkg/fetch"
	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/0xmhha/crowdfund-indexer/pkg/processor"
	"github.com/0xmhha/crowdfund-indexer/pkg/storage"
	"go.uber.org/zap"
)

// Defaults applied by NewIndexer
const (
	DefaultPollInterval = 1 * time.Second
	DefaultErrorBackoff = 5 * time.Second
	DefaultDrainLimit   = 500
	DefaultMaxAttempts  = 5
)

// Fetcher produces the transactions of the window after a cursor.
// *fetch.Fetcher satisfies it.
type Fetcher interface {
	Advance(ctx context.Context, cursor uint64) (fetch.Window, []ledger.Transaction, error)
}

// Applier applies one decoded transaction. *processor.Applier satisfies it.
type Applier interface {
	Apply(ctx context.Context, dt processor.DecodedTransaction) (bool, error)
}

// Lease gates the loop when several replicas run. *lease.Lease satisfies it.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	// Held reports whether the lease is still ours
	Held() bool
	// Keep refreshes the lease in the background until stop is called; the
	// returned context ends when the lease is lost
	Keep(ctx context.Context) (context.Context, func())
	Release(ctx context.Context) error
}

// Config holds poll loop configuration
type Config struct {
	// StartSlot is the cursor used when the store has none
	StartSlot uint64

	// PollInterval is the sleep after a tick that found nothing new
	PollInterval time.Duration

	// ErrorBackoff is the sleep after a failed tick
	ErrorBackoff time.Duration

	// DrainLimit caps outbox rows replayed per tick
	DrainLimit int

	// MaxAttempts is the number of failed applies after which an outbox row
	// is dead-lettered
	MaxAttempts int
}

var (
	// ErrApplyFailed is returned by Tick when some transactions stayed in
	// the outbox
	ErrApplyFailed = errors.New("some transactions failed to apply")

	// ErrLeaseLost is returned by Tick when the lease expired or was taken
	// mid-tick. The rest of the tick is left to the new holder.
	ErrLeaseLost = errors.New("poller lease lost")
)

// Indexer is the single poll loop
type Indexer struct {
	store   storage.Store
	fetcher Fetcher
	decoder *events.Decoder
	applier Applier
	lease   Lease
	config  Config
	logger  *zap.Logger
	metrics *Metrics

	mu          sync.RWMutex
	cursor      storage.Cursor
	initialized bool

	// leading is true while this replica holds the lease across ticks
	leading bool
}

// NewIndexer creates an Indexer. lease and metrics may be nil.
func NewIndexer(store storage.Store, fetcher Fetcher, decoder *events.Decoder, applier Applier, lease Lease, config Config, logger *zap.Logger, metrics *Metrics) (*Indexer, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if decoder == nil {
		return nil, fmt.Errorf("decoder cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = DefaultErrorBackoff
	}
	if config.DrainLimit <= 0 {
		config.DrainLimit = DefaultDrainLimit
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Indexer{
		store:   store,
		fetcher: fetcher,
		decoder: decoder,
		applier: applier,
		lease:   lease,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Cursor returns the in-memory cursor. It is the zero Cursor until Init.
func (ix *Indexer) Cursor() storage.Cursor {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.cursor
}

func (ix *Indexer) setCursor(c storage.Cursor) {
	ix.mu.Lock()
	ix.cursor = c
	ix.initialized = true
	ix.mu.Unlock()
	ix.metrics.CursorSlot.Set(float64(c.Slot))
}

// Init loads the cursor from the store, or starts at the configured slot
func (ix *Indexer) Init(ctx context.Context) error {
	c, err := ix.store.Cursor(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c = storage.Cursor{Slot: ix.config.StartSlot, UpdatedAt: time.Now()}
		ix.logger.Info("No stored cursor, starting from configured slot",
			zap.Uint64("start_slot", ix.config.StartSlot),
		)
	case err != nil:
		return fmt.Errorf("failed to load cursor: %w", err)
	default:
		ix.logger.Info("Resuming from stored cursor", zap.Uint64("slot", c.Slot))
	}
	ix.setCursor(c)
	return nil
}

// Tick runs one iteration. idle reports that nothing new was found (or
// another replica holds the lease), so the caller should wait a poll
// interval.
func (ix *Indexer) Tick(ctx context.Context) (idle bool, err error) {
	ix.mu.RLock()
	ready := ix.initialized
	ix.mu.RUnlock()
	if !ready {
		if err := ix.Init(ctx); err != nil {
			return false, err
		}
	}

	start := time.Now()
	result := resultOK
	defer func() {
		switch {
		case errors.Is(err, ErrLeaseLost):
			result = resultLeaseLost
		case err != nil:
			result = resultError
		}
		ix.metrics.Ticks.WithLabelValues(result).Inc()
		ix.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	if ix.lease != nil {
		held, err := ix.lease.Acquire(ctx)
		if err != nil {
			ix.leading = false
			return false, err
		}
		if !held {
			ix.leading = false
			result = resultStandby
			ix.logger.Debug("Lease held by another replica, standing by")
			return true, nil
		}
		if !ix.leading {
			// the previous holder may have moved the cursor
			if err := ix.Init(ctx); err != nil {
				return false, err
			}
			ix.leading = true
		}
		var stop func()
		ctx, stop = ix.lease.Keep(ctx)
		defer stop()
	}

	failed, err := ix.drain(ctx)
	if err != nil {
		return false, err
	}

	cursor := ix.Cursor()
	window, txs, err := ix.fetcher.Advance(ctx, cursor.Slot)
	if lerr := ix.checkLease(); lerr != nil {
		return false, lerr
	}
	if err != nil {
		return false, fmt.Errorf("failed to advance from slot %d: %w", cursor.Slot, err)
	}

	if window.Empty() {
		// refresh updated_at so lag stays low while the ledger is quiet
		if err := ix.saveCursor(ctx, cursor.Slot); err != nil {
			return false, err
		}
		if failed > 0 {
			return false, fmt.Errorf("%w: %d", ErrApplyFailed, failed)
		}
		result = resultIdle
		return true, nil
	}
	ix.metrics.WindowSlots.Set(float64(window.To - window.From + 1))

	pending := make([]storage.PendingTransaction, 0, len(txs))
	for _, tx := range txs {
		payload, err := json.Marshal(tx)
		if err != nil {
			return false, fmt.Errorf("failed to encode transaction %s: %w", tx.Signature, err)
		}
		pending = append(pending, storage.PendingTransaction{
			Signature: tx.Signature,
			Slot:      tx.Slot,
			Payload:   payload,
		})
	}
	if err := ix.store.StagePending(ctx, pending); err != nil {
		return false, fmt.Errorf("failed to stage window %d-%d: %w", window.From, window.To, err)
	}

	applied := 0
	for _, tx := range txs {
		if err := ix.checkLease(); err != nil {
			return false, err
		}
		ok, err := ix.apply(ctx, tx)
		if err != nil {
			if !ix.recordFailure(ctx, tx.Signature, err, ix.config.MaxAttempts) {
				failed++
			}
			continue
		}
		if ok {
			applied++
		}
	}

	if err := ix.checkLease(); err != nil {
		return false, err
	}
	if err := ix.saveCursor(ctx, window.To); err != nil {
		return false, err
	}

	ix.logger.Info("Processed window",
		zap.Uint64("from", window.From),
		zap.Uint64("to", window.To),
		zap.Int("transactions", len(txs)),
		zap.Int("applied", applied),
		zap.Int("failed", failed),
	)

	if failed > 0 {
		return false, fmt.Errorf("%w: %d", ErrApplyFailed, failed)
	}
	return false, nil
}

// checkLease fails once the lease is no longer ours. It is a no-op without
// a lease.
func (ix *Indexer) checkLease() error {
	if ix.lease == nil || ix.lease.Held() {
		return nil
	}
	ix.leading = false
	ix.logger.Warn("Lease lost mid-tick, stopping")
	return ErrLeaseLost
}

// drain replays outbox rows left by earlier ticks. It returns how many
// failed again.
func (ix *Indexer) drain(ctx context.Context) (int, error) {
	rows, err := ix.store.ListPending(ctx, ix.config.DrainLimit)
	if err != nil {
		if lerr := ix.checkLease(); lerr != nil {
			return 0, lerr
		}
		return 0, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	failed := 0
	for _, row := range rows {
		if err := ix.checkLease(); err != nil {
			return failed, err
		}
		var tx ledger.Transaction
		if err := json.Unmarshal(row.Payload, &tx); err != nil {
			// a payload that does not decode never will
			ix.recordFailure(ctx, row.Signature, fmt.Errorf("corrupt outbox payload: %w", err), 1)
			continue
		}
		if _, err := ix.apply(ctx, tx); err != nil {
			if !ix.recordFailure(ctx, row.Signature, err, ix.config.MaxAttempts) {
				failed++
			}
			continue
		}
		ix.metrics.PendingReplayed.Inc()
	}
	if len(rows) > 0 {
		ix.logger.Info("Drained outbox",
			zap.Int("rows", len(rows)),
			zap.Int("failed", failed),
		)
	}
	return failed, nil
}

// recordFailure counts a failed apply against the outbox row and reports
// whether the row is now dead-lettered.
func (ix *Indexer) recordFailure(ctx context.Context, sig ledger.Signature, cause error, maxAttempts int) bool {
	attempts, dead, err := ix.store.RecordPendingFailure(ctx, sig, cause.Error(), maxAttempts)
	if err != nil {
		ix.logger.Warn("Failed to record apply failure",
			zap.String("signature", sig.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return false
	}
	if dead {
		ix.metrics.DeadLettered.Inc()
		ix.logger.Error("Transaction dead-lettered",
			zap.String("signature", sig.String()),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		return true
	}
	ix.logger.Warn("Transaction left in outbox",
		zap.String("signature", sig.String()),
		zap.Int("attempts", attempts),
		zap.Int("max_attempts", maxAttempts),
		zap.Error(cause),
	)
	return false
}

func (ix *Indexer) apply(ctx context.Context, tx ledger.Transaction) (bool, error) {
	envs := ix.decoder.Decode(tx)
	ok, err := ix.applier.Apply(ctx, processor.DecodedTransaction{Transaction: tx, Events: envs})
	if err != nil {
		ix.metrics.ApplyFailures.Inc()
	}
	return ok, err
}

func (ix *Indexer) saveCursor(ctx context.Context, slot uint64) error {
	now := time.Now()
	if err := ix.store.SaveCursor(ctx, slot, now); err != nil {
		return fmt.Errorf("failed to save cursor at slot %d: %w", slot, err)
	}
	ix.setCursor(storage.Cursor{Slot: slot, UpdatedAt: now})
	return nil
}

// Run ticks until ctx is done. A tick in progress always completes.
func (ix *Indexer) Run(ctx context.Context) error {
	if err := ix.Init(ctx); err != nil {
		return err
	}
	ix.logger.Info("Starting poll loop",
		zap.Uint64("cursor", ix.Cursor().Slot),
		zap.Duration("poll_interval", ix.config.PollInterval),
	)
	defer ix.releaseLease()

	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("Poll loop stopped", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
		}

		idle, err := ix.Tick(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case errors.Is(err, ErrLeaseLost):
			wait = ix.config.PollInterval
		case err != nil:
			ix.logger.Error("Tick failed", zap.Error(err))
			wait = ix.config.ErrorBackoff
		case idle:
			wait = ix.config.PollInterval
		}
		if wait == 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (ix *Indexer) releaseLease() {
	if ix.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ix.lease.Release(ctx); err != nil {
		ix.logger.Warn("Failed to release lease", zap.Error(err))
	}
}

// Lag is the time since the cursor was last recorded
func (ix *Indexer) Lag(now time.Time) time.Duration {
	c := ix.Cursor()
	if c.UpdatedAt.IsZero() {
		return 0
	}
	return now.Sub(c.UpdatedAt)
}
