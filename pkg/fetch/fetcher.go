// Package fetch pulls the transactions of tracked programs for a window of
// slots from a primary ledger endpoint with an optional fallback.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/client"
	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/0xmhha/crowdfund-indexer/pkg/resilience"
	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Source is a ledger endpoint. *client.Client satisfies it.
type Source interface {
	Endpoint() string
	GetSlot(ctx context.Context) (uint64, error)
	GetSignaturesForAddress(ctx context.Context, addr ledger.Address, opts client.SignatureOptions) ([]ledger.SignatureInfo, error)
	GetTransaction(ctx context.Context, sig ledger.Signature) (ledger.Transaction, error)
}

// Config holds fetcher configuration
type Config struct {
	// Programs are fetched in this order
	Programs []ledger.Address

	// BatchSize is the maximum number of slots per window
	BatchSize uint64

	// PageSize is the signatures page size, at most 1000
	PageSize int

	// Concurrency bounds the programs fetched in parallel
	Concurrency int

	// Retry applies to every remote call
	Retry resilience.Policy
}

// Validate validates the fetcher configuration
func (c *Config) Validate() error {
	if len(c.Programs) == 0 {
		return fmt.Errorf("at least one program is required")
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.PageSize <= 0 || c.PageSize > 1000 {
		return fmt.Errorf("page size must be between 1 and 1000")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	return nil
}

// Window is an inclusive slot range. A window with To < From is empty.
type Window struct {
	From uint64
	To   uint64
}

// Empty reports whether the window holds no slot
func (w Window) Empty() bool { return w.To < w.From }

// Contains reports whether slot falls inside the window
func (w Window) Contains(slot uint64) bool { return slot >= w.From && slot <= w.To }

// ProgramStatus is the outcome of the latest fetch of one program
type ProgramStatus struct {
	Program      ledger.Address `json:"program"`
	Window       Window         `json:"window"`
	Transactions int            `json:"transactions"`
	Skipped      int            `json:"skipped"`
	LastError    string         `json:"last_error,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// pageAnchor remembers where earlier listings of a program ended. Marks are
// the last signature of each full page whose slot was above the window just
// fetched, newest first; listing order follows slots, so a mark stays a valid
// starting point for any later window below it. until is the newest signature
// seen at or below cursor.
type pageAnchor struct {
	marks  []ledger.SignatureInfo
	cursor uint64
	until  ledger.Signature
}

// Fetcher fetches windows of program transactions
type Fetcher struct {
	primary  Source
	fallback Source
	config   Config
	retrier  *resilience.Retrier
	logger   *zap.Logger
	metrics  *Metrics
	status   *xsync.Map[ledger.Address, ProgramStatus]
	anchors  *xsync.Map[ledger.Address, pageAnchor]
}

// NewFetcher creates a Fetcher. fallback and metrics may be nil.
func NewFetcher(primary, fallback Source, config Config, logger *zap.Logger, metrics *Metrics) (*Fetcher, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary source cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetcher config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Fetcher{
		primary:  primary,
		fallback: fallback,
		config:   config,
		retrier:  resilience.NewRetrier(config.Retry, logger),
		logger:   logger,
		metrics:  metrics,
		status:   xsync.NewMap[ledger.Address, ProgramStatus](),
		anchors:  xsync.NewMap[ledger.Address, pageAnchor](),
	}, nil
}

// Head returns the latest confirmed slot. The fallback is asked once after
// the primary's first failure, before any backoff.
func (f *Fetcher) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := f.retrier.Do(ctx, "getSlot", func(ctx context.Context, attempt int) error {
		slot, err := f.primary.GetSlot(ctx)
		if err == nil {
			head = slot
			return nil
		}
		f.metrics.RPCErrors.WithLabelValues("getSlot").Inc()
		if attempt == 0 && f.fallback != nil {
			if slot, ferr := f.fallback.GetSlot(ctx); ferr == nil {
				f.metrics.FallbackUsed.WithLabelValues("getSlot").Inc()
				f.logger.Warn("Primary head query failed, using fallback",
					zap.String("fallback", f.fallback.Endpoint()),
					zap.Error(err),
				)
				head = slot
				return nil
			}
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get head slot: %w", err)
	}
	f.metrics.HeadSlot.Set(float64(head))
	return head, nil
}

// Advance computes the window after cursor and fetches its transactions,
// oldest first. A program that fails is logged and left out of the batch;
// only a head failure or cancellation fails the call.
func (f *Fetcher) Advance(ctx context.Context, cursor uint64) (Window, []ledger.Transaction, error) {
	head, err := f.Head(ctx)
	if err != nil {
		return Window{}, nil, err
	}
	if head <= cursor {
		return Window{From: cursor + 1, To: cursor}, nil, nil
	}

	w := Window{From: cursor + 1, To: cursor + f.config.BatchSize}
	if w.To > head {
		w.To = head
	}

	start := time.Now()
	perProgram := make([][]ledger.Transaction, len(f.config.Programs))

	pool := pond.NewPool(f.config.Concurrency, pond.WithQueueSize(len(f.config.Programs)))
	defer pool.StopAndWait()
	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for i, program := range f.config.Programs {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			perProgram[i] = f.fetchProgram(groupCtx, program, w)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		f.logger.Warn("Some program fetches failed", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return w, nil, err
	}

	txs := merge(perProgram)
	f.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	f.metrics.TransactionsFetched.Add(float64(len(txs)))
	return w, txs, nil
}

// merge de-duplicates by signature and orders by slot, keeping program
// order and per-program order for equal slots.
func merge(perProgram [][]ledger.Transaction) []ledger.Transaction {
	seen := make(map[ledger.Signature]struct{})
	var out []ledger.Transaction
	for _, txs := range perProgram {
		for _, tx := range txs {
			if _, dup := seen[tx.Signature]; dup {
				continue
			}
			seen[tx.Signature] = struct{}{}
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

func (f *Fetcher) fetchProgram(ctx context.Context, program ledger.Address, w Window) []ledger.Transaction {
	status := ProgramStatus{Program: program, Window: w}
	defer func() {
		status.UpdatedAt = time.Now()
		f.status.Store(program, status)
	}()

	sigs, err := f.signatures(ctx, program, w)
	if err != nil {
		status.LastError = err.Error()
		f.metrics.ProgramFailures.WithLabelValues(program.String()).Inc()
		f.logger.Error("Failed to list program signatures",
			zap.Stringer("program", program),
			zap.Uint64("from", w.From),
			zap.Uint64("to", w.To),
			zap.Error(err),
		)
		return nil
	}

	out := make([]ledger.Transaction, 0, len(sigs))
	// signatures arrive newest first
	for i := len(sigs) - 1; i >= 0; i-- {
		tx, err := f.transaction(ctx, sigs[i].Signature)
		if err != nil {
			if ctx.Err() != nil {
				status.LastError = ctx.Err().Error()
				return nil
			}
			status.Skipped++
			status.LastError = err.Error()
			f.logger.Error("Failed to fetch transaction",
				zap.Stringer("program", program),
				zap.String("signature", sigs[i].Signature.String()),
				zap.Bool("transient", client.IsTransient(err)),
				zap.Error(err),
			)
			continue
		}
		if tx.Failed {
			continue
		}
		out = append(out, tx)
	}

	status.Transactions = len(out)
	f.logger.Debug("Fetched program window",
		zap.Stringer("program", program),
		zap.Uint64("from", w.From),
		zap.Uint64("to", w.To),
		zap.Int("transactions", len(out)),
	)
	return out
}

// signatures pages backwards until a page reaches below the window. Paging
// starts at the oldest remembered mark above the window instead of the
// newest signature, and stops at the previous window's until anchor when the
// window follows it. Results are newest first; failed ones are dropped.
func (f *Fetcher) signatures(ctx context.Context, program ledger.Address, w Window) ([]ledger.SignatureInfo, error) {
	var (
		out    []ledger.SignatureInfo
		before ledger.Signature
		until  ledger.Signature
		marks  []ledger.SignatureInfo
	)
	prev, _ := f.anchors.Load(program)
	for _, m := range prev.marks {
		if m.Slot <= w.To {
			break
		}
		before = m.Signature
		marks = append(marks, m)
	}
	if prev.until != "" && prev.cursor+1 == w.From {
		until = prev.until
	}
	next := pageAnchor{cursor: w.To}

	for {
		var page []ledger.SignatureInfo
		opts := client.SignatureOptions{Before: before, Until: until, Limit: f.config.PageSize}
		err := f.retrier.Do(ctx, "getSignaturesForAddress", func(ctx context.Context, attempt int) error {
			var err error
			page, err = f.primary.GetSignaturesForAddress(ctx, program, opts)
			if err != nil {
				f.metrics.RPCErrors.WithLabelValues("getSignaturesForAddress").Inc()
			}
			return err
		})
		if err != nil {
			return nil, err
		}

		passed := false
		for _, s := range page {
			if s.Slot <= w.To && next.until == "" {
				next.until = s.Signature
			}
			if s.Slot < w.From {
				passed = true
				continue
			}
			if s.Slot > w.To || s.Failed {
				continue
			}
			out = append(out, s)
		}
		if passed || len(page) < f.config.PageSize {
			break
		}
		last := page[len(page)-1]
		if last.Slot > w.To {
			marks = append(marks, last)
		}
		before = last.Signature
	}

	// nothing at or below w.To came after until, so it still bounds the
	// next window from below
	if next.until == "" {
		next.until = until
	}
	next.marks = marks
	f.anchors.Store(program, next)
	return out, nil
}

// transaction fetches one transaction. The fallback is asked once after the
// primary's first failure.
func (f *Fetcher) transaction(ctx context.Context, sig ledger.Signature) (ledger.Transaction, error) {
	var tx ledger.Transaction
	err := f.retrier.Do(ctx, "getTransaction", func(ctx context.Context, attempt int) error {
		got, err := f.primary.GetTransaction(ctx, sig)
		if err == nil {
			tx = got
			return nil
		}
		f.metrics.RPCErrors.WithLabelValues("getTransaction").Inc()
		if attempt == 0 && f.fallback != nil {
			if got, ferr := f.fallback.GetTransaction(ctx, sig); ferr == nil {
				f.metrics.FallbackUsed.WithLabelValues("getTransaction").Inc()
				tx = got
				return nil
			}
		}
		return err
	})
	return tx, err
}

// Status returns the latest fetch outcome of every program in config order
func (f *Fetcher) Status() []ProgramStatus {
	out := make([]ProgramStatus, 0, len(f.config.Programs))
	for _, p := range f.config.Programs {
		if s, ok := f.status.Load(p); ok {
			out = append(out, s)
		}
	}
	return out
}
