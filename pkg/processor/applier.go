// Package processor applies decoded transactions to the projection.
//
// One ledger transaction is one unit of work: its processed marker, every
// event it carries, and the removal of its outbox row commit together or not
// at all. Replaying a transaction whose marker exists changes nothing.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/0xmhha/crowdfund-indexer/internal/logger"
	"github.com/0xmhha/crowdfund-indexer/pkg/events"
	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/0xmhha/crowdfund-indexer/pkg/storage"
	"go.uber.org/zap"
)

// DefaultApplyTimeout bounds a unit of work
const DefaultApplyTimeout = 30 * time.Second

// DecodedTransaction is a ledger transaction with the events decoded from it
type DecodedTransaction struct {
	Transaction ledger.Transaction
	Events      []events.Envelope
}

// Applier writes decoded transactions to a store
type Applier struct {
	store   storage.Store
	logger  *zap.Logger
	metrics *Metrics
	timeout time.Duration
}

// NewApplier creates an Applier. metrics may be nil.
func NewApplier(store storage.Store, logger *zap.Logger, metrics *Metrics, timeout time.Duration) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if timeout <= 0 {
		timeout = DefaultApplyTimeout
	}
	return &Applier{store: store, logger: logger, metrics: metrics, timeout: timeout}
}

// Apply runs one unit of work for dt. It reports false when the transaction
// was already processed. The unit is not interrupted by cancellation of ctx;
// it is bounded by the applier timeout instead.
func (a *Applier) Apply(ctx context.Context, dt DecodedTransaction) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	defer cancel()

	sig := dt.Transaction.Signature
	log := logger.WithTransaction(a.logger, sig.String(), dt.Transaction.Slot)
	envs := dt.Events
	if envs == nil {
		envs = []events.Envelope{}
	}
	payload, err := json.Marshal(envs)
	if err != nil {
		return false, fmt.Errorf("failed to encode events of %s: %w", sig, err)
	}
	types := make([]string, len(envs))
	for i, env := range envs {
		types[i] = env.Type()
	}

	start := time.Now()
	applied := false
	err = a.store.WithTx(ctx, func(tx storage.Tx) error {
		applied = false

		done, err := tx.IsProcessed(ctx, sig)
		if err != nil {
			return err
		}
		if done {
			return tx.DeletePending(ctx, sig)
		}

		if err := tx.MarkProcessed(ctx, storage.ProcessedEvent{
			Signature:  sig,
			Slot:       dt.Transaction.Slot,
			BlockTime:  dt.Transaction.BlockTime,
			EventTypes: types,
			Payload:    payload,
		}); err != nil {
			return err
		}

		r := router{tx: tx, logger: log, metrics: a.metrics}
		for _, env := range envs {
			if err := r.route(ctx, env); err != nil {
				return fmt.Errorf("%s #%d: %w", env.Type(), env.Index, err)
			}
		}

		if err := tx.DeletePending(ctx, sig); err != nil {
			return err
		}
		applied = true
		return nil
	})
	a.metrics.ApplyDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		a.metrics.ApplyErrors.Inc()
		log.Error("Failed to apply transaction", zap.Error(err))
		return false, fmt.Errorf("apply %s: %w", sig, err)
	}

	if !applied {
		a.metrics.TransactionsSkipped.Inc()
		log.Debug("Transaction already processed")
		return false, nil
	}

	a.metrics.TransactionsApplied.Inc()
	for _, t := range types {
		a.metrics.EventsApplied.WithLabelValues(t).Inc()
	}
	log.Debug("Transaction applied", zap.Int("events", len(envs)))
	return true, nil
}
