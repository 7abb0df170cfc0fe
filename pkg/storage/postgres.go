package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/events"
	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/0xmhha/crowdfund-indexer/pkg/resilience"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Executor is implemented by both *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresConfig holds connection pool settings
type PostgresConfig struct {
	URL             string
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// PostgresStore is the PostgreSQL Store
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects a pool, retrying the initial connection
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	retrier := resilience.NewRetrier(resilience.Policy{MaxRetries: 3, BaseDelay: time.Second}, logger).
		WithClassifier(func(error) bool { return true })

	var pool *pgxpool.Pool
	err = retrier.Do(ctx, "postgres_connection", func(ctx context.Context, attempt int) error {
		p, openErr := pgxpool.NewWithConfig(ctx, poolCfg)
		if openErr != nil {
			return fmt.Errorf("failed to create postgres connection pool: %w", openErr)
		}
		if pingErr := p.Ping(ctx); pingErr != nil {
			p.Close()
			return fmt.Errorf("failed to ping postgres: %w", pingErr)
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("PostgreSQL connection pool configured",
		zap.Int32("min_conns", poolCfg.MinConns),
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.Duration("conn_max_lifetime", poolCfg.MaxConnLifetime),
		zap.Duration("conn_max_idle_time", poolCfg.MaxConnIdleTime),
	)

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// WithTx runs fn inside a database transaction
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{db: tx})
	})
}

// Cursor returns the persisted cursor
func (s *PostgresStore) Cursor(ctx context.Context) (Cursor, error) {
	var (
		slot int64
		at   time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT last_slot, updated_at FROM indexer_cursor WHERE id = 1`).Scan(&slot, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cursor{}, ErrNotFound
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to read cursor: %w", err)
	}
	return Cursor{Slot: uint64(slot), UpdatedAt: at}, nil
}

// SaveCursor records slot; the stored slot never decreases
func (s *PostgresStore) SaveCursor(ctx context.Context, slot uint64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO indexer_cursor (id, last_slot, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET last_slot = GREATEST(indexer_cursor.last_slot, EXCLUDED.last_slot),
		    updated_at = EXCLUDED.updated_at`,
		int64(slot), at)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// StagePending adds transactions to the outbox
func (s *PostgresStore) StagePending(ctx context.Context, txs []PendingTransaction) error {
	if len(txs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, tx := range txs {
		batch.Queue(`
			INSERT INTO pending_transactions (signature, slot, payload) VALUES ($1, $2, $3)
			ON CONFLICT (signature) DO NOTHING`,
			tx.Signature.String(), int64(tx.Slot), tx.Payload)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to stage pending transactions: %w", err)
	}
	return nil
}

// ListPending returns live staged transactions, oldest slot first
func (s *PostgresStore) ListPending(ctx context.Context, limit int) ([]PendingTransaction, error) {
	return s.listPending(ctx, `dead_at IS NULL`, limit)
}

// ListDeadLetters returns dead-lettered outbox rows, oldest slot first
func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]PendingTransaction, error) {
	return s.listPending(ctx, `dead_at IS NOT NULL`, limit)
}

func (s *PostgresStore) listPending(ctx context.Context, where string, limit int) ([]PendingTransaction, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT signature, slot, payload, attempts, COALESCE(last_error, '') FROM pending_transactions
		WHERE `+where+` ORDER BY slot, seq LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	defer rows.Close()

	var out []PendingTransaction
	for rows.Next() {
		var (
			sig      string
			slot     int64
			attempts int32
			p        PendingTransaction
		)
		if err := rows.Scan(&sig, &slot, &p.Payload, &attempts, &p.LastError); err != nil {
			return nil, err
		}
		p.Signature = ledger.Signature(sig)
		p.Slot = uint64(slot)
		p.Attempts = int(attempts)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordPendingFailure bumps the attempt count of an outbox row
func (s *PostgresStore) RecordPendingFailure(ctx context.Context, sig ledger.Signature, reason string, maxAttempts int) (int, bool, error) {
	var (
		attempts int32
		dead     bool
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE pending_transactions SET attempts = attempts + 1, last_error = $2,
			dead_at = CASE WHEN $3::int > 0 AND attempts + 1 >= $3::int THEN now() ELSE dead_at END
		WHERE signature = $1
		RETURNING attempts, dead_at IS NOT NULL`, sig.String(), reason, int32(maxAttempts)).Scan(&attempts, &dead)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return int(attempts), dead, nil
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ---- parameter and scan helpers ----

func numParam(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func optNumParam(n *big.Int) *string {
	if n == nil {
		return nil
	}
	s := n.String()
	return &s
}

func optAddrParam(a *ledger.Address) *string {
	if a == nil {
		return nil
	}
	s := a.String()
	return &s
}

func optU8Param(v *uint8) *int16 {
	if v == nil {
		return nil
	}
	n := int16(*v)
	return &n
}

func parseNum(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric %q", s)
	}
	return n, nil
}

func parseOptNum(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseNum(*s)
}

func parseOptAddr(s *string) (*ledger.Address, error) {
	if s == nil {
		return nil, nil
	}
	a, err := ledger.ParseAddress(*s)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func optU8(v *int16) *uint8 {
	if v == nil {
		return nil
	}
	n := uint8(*v)
	return &n
}

// scanErr maps a missing row to ErrNotFound
func scanErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}

// addrParser collects the first address parse failure of a row
type addrParser struct{ err error }

func (p *addrParser) parse(s string) ledger.Address {
	a, err := ledger.ParseAddress(s)
	if err != nil && p.err == nil {
		p.err = err
	}
	return a
}

type pgTx struct {
	db Executor
}

func (tx *pgTx) IsProcessed(ctx context.Context, sig ledger.Signature) (bool, error) {
	var exists bool
	err := tx.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM processed_events WHERE signature = $1)`, sig.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}
	return exists, nil
}

func (tx *pgTx) MarkProcessed(ctx context.Context, ev ProcessedEvent) error {
	types := ev.EventTypes
	if types == nil {
		types = []string{}
	}
	_, err := tx.db.Exec(ctx, `
		INSERT INTO processed_events (signature, slot, block_time, event_types, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.Signature.String(), int64(ev.Slot), ev.BlockTime, types, ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to insert processed marker: %w", err)
	}
	return nil
}

func (tx *pgTx) DeletePending(ctx context.Context, sig ledger.Signature) error {
	if _, err := tx.db.Exec(ctx, `DELETE FROM pending_transactions WHERE signature = $1`, sig.String()); err != nil {
		return fmt.Errorf("failed to delete pending transaction: %w", err)
	}
	return nil
}

// ---- campaigns ----

const campaignColumns = `address, campaign_id, creator, title, category, state, tasks_count,
	created_at, updated_at, published_at, activated_at, completed_at, archived_at`

func (tx *pgTx) InsertCampaign(ctx context.Context, c Campaign) (bool, error) {
	tag, err := tx.db.Exec(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (address) DO NOTHING`,
		c.Address.String(), c.CampaignID, c.Creator.String(), c.Title, c.Category, int16(c.State), int32(c.TasksCount),
		c.CreatedAt, c.UpdatedAt, c.PublishedAt, c.ActivatedAt, c.CompletedAt, c.ArchivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert campaign: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (tx *pgTx) GetCampaign(ctx context.Context, addr ledger.Address) (Campaign, error) {
	var (
		c              Campaign
		address, actor string
		state          int16
		tasksCount     int32
	)
	err := tx.db.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE address = $1 FOR UPDATE`, addr.String()).
		Scan(&address, &c.CampaignID, &actor, &c.Title, &c.Category, &state, &tasksCount,
			&c.CreatedAt, &c.UpdatedAt, &c.PublishedAt, &c.ActivatedAt, &c.CompletedAt, &c.ArchivedAt)
	if err != nil {
		return Campaign{}, scanErr(err, "campaign")
	}
	var p addrParser
	c.Address = p.parse(address)
	c.Creator = p.parse(actor)
	c.State = events.CampaignState(state)
	c.TasksCount = uint32(tasksCount)
	return c, p.err
}

func (tx *pgTx) UpdateCampaign(ctx context.Context, c Campaign) error {
	tag, err := tx.db.Exec(ctx, `
		UPDATE campaigns SET campaign_id = $2, creator = $3, title = $4, category = $5, state = $6,
			tasks_count = $7, created_at = $8, updated_at = $9, published_at = $10, activated_at = $11,
			completed_at = $12, archived_at = $13
		WHERE address = $1`,
		c.Address.String(), c.CampaignID, c.Creator.String(), c.Title, c.Category, int16(c.State), int32(c.TasksCount),
		c.CreatedAt, c.UpdatedAt, c.PublishedAt, c.ActivatedAt, c.CompletedAt, c.ArchivedAt)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- tasks ----

const taskColumns = `address, task_id, campaign_address, creator, title, recipient, state,
	finalized_budget::text, total_contributed::text, total_refunded::text, total_paid_out::text,
	deadline, approval_percent, rejection_percent,
	voting_started_at, budget_finalized_at, funding_opened_at, funded_at, started_at, submitted_at,
	approved_at, completed_at, rejected_at, refunding_at, refunded_at, disputed_at,
	created_at, updated_at, target_budget::text`

func taskArgs(t Task) []any {
	return []any{
		t.Address.String(), t.TaskID, t.Campaign.String(), t.Creator.String(), t.Title, optAddrParam(t.Recipient), int16(t.State),
		optNumParam(t.FinalizedBudget), numParam(t.TotalContributed), numParam(t.TotalRefunded), numParam(t.TotalPaidOut),
		t.Deadline, optU8Param(t.ApprovalPercent), optU8Param(t.RejectionPercent),
		t.VotingStartedAt, t.BudgetFinalizedAt, t.FundingOpenedAt, t.FundedAt, t.StartedAt, t.SubmittedAt,
		t.ApprovedAt, t.CompletedAt, t.RejectedAt, t.RefundingAt, t.RefundedAt, t.DisputedAt,
		t.CreatedAt, t.UpdatedAt, optNumParam(t.TargetBudget),
	}
}

func (tx *pgTx) InsertTask(ctx context.Context, t Task) (bool, error) {
	tag, err := tx.db.Exec(ctx, `
		INSERT INTO tasks (address, task_id, campaign_address, creator, title, recipient, state,
			finalized_budget, total_contributed, total_refunded, total_paid_out,
			deadline, approval_percent, rejection_percent,
			voting_started_at, budget_finalized_at, funding_opened_at, funded_at, started_at, submitted_at,
			approved_at, completed_at, rejected_at, refunding_at, refunded_at, disputed_at,
			created_at, updated_at, target_budget)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11::numeric,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29::numeric)
		ON CONFLICT (address) DO NOTHING`, taskArgs(t)...)
	if err != nil {
		return false, fmt.Errorf("failed to insert task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		t                              Task
		address, campaign, creator     string
		recipient                      *string
		state                          int16
		budget, target                 *string
		contributed, refunded, paidOut string
		approval, rejection            *int16
	)
	err := row.Scan(&address, &t.TaskID, &campaign, &creator, &t.Title, &recipient, &state,
		&budget, &contributed, &refunded, &paidOut,
		&t.Deadline, &approval, &rejection,
		&t.VotingStartedAt, &t.BudgetFinalizedAt, &t.FundingOpenedAt, &t.FundedAt, &t.StartedAt, &t.SubmittedAt,
		&t.ApprovedAt, &t.CompletedAt, &t.RejectedAt, &t.RefundingAt, &t.RefundedAt, &t.DisputedAt,
		&t.CreatedAt, &t.UpdatedAt, &target)
	if err != nil {
		return Task{}, err
	}

	var p addrParser
	t.Address = p.parse(address)
	t.Campaign = p.parse(campaign)
	t.Creator = p.parse(creator)
	if p.err != nil {
		return Task{}, p.err
	}
	if t.Recipient, err = parseOptAddr(recipient); err != nil {
		return Task{}, err
	}
	t.State = events.TaskState(state)
	if t.TargetBudget, err = parseOptNum(target); err != nil {
		return Task{}, err
	}
	if t.FinalizedBudget, err = parseOptNum(budget); err != nil {
		return Task{}, err
	}
	if t.TotalContributed, err = parseNum(contributed); err != nil {
		return Task{}, err
	}
	if t.TotalRefunded, err = parseNum(refunded); err != nil {
		return Task{}, err
	}
	if t.TotalPaidOut, err = parseNum(paidOut); err != nil {
		return Task{}, err
	}
	t.ApprovalPercent = optU8(approval)
	t.RejectionPercent = optU8(rejection)
	return t, nil
}

func (tx *pgTx) GetTask(ctx context.Context, addr ledger.Address) (Task, error) {
	t, err := scanTask(tx.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE address = $1 FOR UPDATE`, addr.String()))
	if err != nil {
		return Task{}, scanErr(err, "task")
	}
	return t, nil
}

func (tx *pgTx) UpdateTask(ctx context.Context, t Task) error {
	tag, err := tx.db.Exec(ctx, `
		UPDATE tasks SET task_id = $2, campaign_address = $3, creator = $4, title = $5, recipient = $6, state = $7,
			finalized_budget = $8::numeric, total_contributed = $9::numeric, total_refunded = $10::numeric,
			total_paid_out = $11::numeric, deadline = $12, approval_percent = $13, rejection_percent = $14,
			voting_started_at = $15, budget_finalized_at = $16, funding_opened_at = $17, funded_at = $18,
			started_at = $19, submitted_at = $20, approved_at = $21, completed_at = $22, rejected_at = $23,
			refunding_at = $24, refunded_at = $25, disputed_at = $26, created_at = $27, updated_at = $28,
			target_budget = $29::numeric
		WHERE address = $1`, taskArgs(t)...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *pgTx) ListTasks(ctx context.Context, campaign ledger.Address) ([]Task, error) {
	rows, err := tx.db.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE campaign_address = $1 ORDER BY address`, campaign.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- contributions ----

func scanContributions(rows pgx.Rows) ([]Contribution, error) {
	defer rows.Close()
	var out []Contribution
	for rows.Next() {
		var (
			c                  Contribution
			task, contributor  string
			amount             string
			age                int32
		)
		if err := rows.Scan(&task, &contributor, &amount, &age, &c.ContributedAt); err != nil {
			return nil, err
		}
		var p addrParser
		c.Task = p.parse(task)
		c.Contributor = p.parse(contributor)
		if p.err != nil {
			return nil, p.err
		}
		n, err := parseNum(amount)
		if err != nil {
			return nil, err
		}
		c.Amount = n
		c.WalletAgeDays = int(age)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (tx *pgTx) AddContribution(ctx context.Context, c Contribution) (Contribution, error) {
	var amount string
	err := tx.db.QueryRow(ctx, `
		INSERT INTO contributions (task_address, contributor, amount, wallet_age_days, contributed_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (task_address, contributor) DO UPDATE
		SET amount = contributions.amount + EXCLUDED.amount,
		    wallet_age_days = EXCLUDED.wallet_age_days,
		    contributed_at = EXCLUDED.contributed_at
		RETURNING amount::text`,
		c.Task.String(), c.Contributor.String(), numParam(c.Amount), int32(c.WalletAgeDays), c.ContributedAt).Scan(&amount)
	if err != nil {
		return Contribution{}, fmt.Errorf("failed to upsert contribution: %w", err)
	}
	total, err := parseNum(amount)
	if err != nil {
		return Contribution{}, err
	}
	c.Amount = total
	return c, nil
}

func (tx *pgTx) ListContributions(ctx context.Context, task ledger.Address) ([]Contribution, error) {
	rows, err := tx.db.Query(ctx, `
		SELECT task_address, contributor, amount::text, wallet_age_days, contributed_at
		FROM contributions WHERE task_address = $1 ORDER BY contributor`, task.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	return scanContributions(rows)
}

func (tx *pgTx) ListCampaignContributions(ctx context.Context, campaign ledger.Address) ([]Contribution, error) {
	rows, err := tx.db.Query(ctx, `
		SELECT c.task_address, c.contributor, c.amount::text, c.wallet_age_days, c.contributed_at
		FROM contributions c JOIN tasks t ON t.address = c.task_address
		WHERE t.campaign_address = $1
		ORDER BY c.task_address, c.contributor`, campaign.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list campaign contributions: %w", err)
	}
	return scanContributions(rows)
}

// ---- votes ----

func (tx *pgTx) UpsertBudgetVote(ctx context.Context, v BudgetVote) error {
	_, err := tx.db.Exec(ctx, `
		INSERT INTO budget_votes (task_address, voter, proposed_budget, vote_weight, voted_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5)
		ON CONFLICT (task_address, voter) DO UPDATE
		SET proposed_budget = EXCLUDED.proposed_budget,
		    vote_weight = EXCLUDED.vote_weight,
		    voted_at = EXCLUDED.voted_at`,
		v.Task.String(), v.Voter.String(), numParam(v.ProposedBudget), numParam(v.VoteWeight), v.VotedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert budget vote: %w", err)
	}
	return nil
}

func (tx *pgTx) ListBudgetVotes(ctx context.Context, task ledger.Address) ([]BudgetVote, error) {
	rows, err := tx.db.Query(ctx, `
		SELECT task_address, voter, proposed_budget::text, vote_weight::text, voted_at
		FROM budget_votes WHERE task_address = $1 ORDER BY voter`, task.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list budget votes: %w", err)
	}
	defer rows.Close()

	var out []BudgetVote
	for rows.Next() {
		var (
			v                     BudgetVote
			taskAddr, voter       string
			budget, weight        string
		)
		if err := rows.Scan(&taskAddr, &voter, &budget, &weight, &v.VotedAt); err != nil {
			return nil, err
		}
		var p addrParser
		v.Task = p.parse(taskAddr)
		v.Voter = p.parse(voter)
		if p.err != nil {
			return nil, p.err
		}
		if v.ProposedBudget, err = parseNum(budget); err != nil {
			return nil, err
		}
		if v.VoteWeight, err = parseNum(weight); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (tx *pgTx) UpsertApprovalVote(ctx context.Context, v ApprovalVote) error {
	_, err := tx.db.Exec(ctx, `
		INSERT INTO approval_votes (task_address, voter, approved, vote_weight, voted_at)
		VALUES ($1, $2, $3, $4::numeric, $5)
		ON CONFLICT (task_address, voter) DO UPDATE
		SET approved = EXCLUDED.approved,
		    vote_weight = EXCLUDED.vote_weight,
		    voted_at = EXCLUDED.voted_at`,
		v.Task.String(), v.Voter.String(), v.Approved, numParam(v.VoteWeight), v.VotedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert approval vote: %w", err)
	}
	return nil
}

func (tx *pgTx) ListApprovalVotes(ctx context.Context, task ledger.Address) ([]ApprovalVote, error) {
	rows, err := tx.db.Query(ctx, `
		SELECT task_address, voter, approved, vote_weight::text, voted_at
		FROM approval_votes WHERE task_address = $1 ORDER BY voter`, task.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list approval votes: %w", err)
	}
	defer rows.Close()

	var out []ApprovalVote
	for rows.Next() {
		var (
			v               ApprovalVote
			taskAddr, voter string
			weight          string
		)
		if err := rows.Scan(&taskAddr, &voter, &v.Approved, &weight, &v.VotedAt); err != nil {
			return nil, err
		}
		var p addrParser
		v.Task = p.parse(taskAddr)
		v.Voter = p.parse(voter)
		if p.err != nil {
			return nil, p.err
		}
		if v.VoteWeight, err = parseNum(weight); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---- proofs and disputes ----

func (tx *pgTx) InsertProof(ctx context.Context, p Proof) (bool, error) {
	tag, err := tx.db.Exec(ctx, `
		INSERT INTO proofs (address, task_address, recipient, proof_hash, proof_uri, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO NOTHING`,
		p.Address.String(), p.Task.String(), p.Recipient.String(), p.ProofHash, p.ProofURI, p.SubmittedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert proof: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (tx *pgTx) GetProof(ctx context.Context, addr ledger.Address) (Proof, error) {
	var (
		pr                         Proof
		address, task, recipient   string
	)
	err := tx.db.QueryRow(ctx, `
		SELECT address, task_address, recipient, proof_hash, proof_uri, submitted_at
		FROM proofs WHERE address = $1`, addr.String()).
		Scan(&address, &task, &recipient, &pr.ProofHash, &pr.ProofURI, &pr.SubmittedAt)
	if err != nil {
		return Proof{}, scanErr(err, "proof")
	}
	var p addrParser
	pr.Address = p.parse(address)
	pr.Task = p.parse(task)
	pr.Recipient = p.parse(recipient)
	return pr, p.err
}

func (tx *pgTx) InsertDispute(ctx context.Context, d Dispute) (bool, error) {
	tag, err := tx.db.Exec(ctx, `
		INSERT INTO disputes (address, task_address, initiator, reason, status, resolution, payout_percent, initiated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (address) DO NOTHING`,
		d.Address.String(), d.Task.String(), d.Initiator.String(), d.Reason, d.Status,
		resolutionParam(d.Resolution), optU8Param(d.PayoutPercent), d.InitiatedAt, d.ResolvedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert dispute: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func resolutionParam(r *events.DisputeResolution) *int16 {
	if r == nil {
		return nil
	}
	n := int16(*r)
	return &n
}

func (tx *pgTx) GetDispute(ctx context.Context, addr ledger.Address) (Dispute, error) {
	var (
		d                         Dispute
		address, task, initiator  string
		resolution, payout        *int16
	)
	err := tx.db.QueryRow(ctx, `
		SELECT address, task_address, initiator, reason, status, resolution, payout_percent, initiated_at, resolved_at
		FROM disputes WHERE address = $1 FOR UPDATE`, addr.String()).
		Scan(&address, &task, &initiator, &d.Reason, &d.Status, &resolution, &payout, &d.InitiatedAt, &d.ResolvedAt)
	if err != nil {
		return Dispute{}, scanErr(err, "dispute")
	}
	var p addrParser
	d.Address = p.parse(address)
	d.Task = p.parse(task)
	d.Initiator = p.parse(initiator)
	if resolution != nil {
		r := events.DisputeResolution(*resolution)
		d.Resolution = &r
	}
	d.PayoutPercent = optU8(payout)
	return d, p.err
}

func (tx *pgTx) UpdateDispute(ctx context.Context, d Dispute) error {
	tag, err := tx.db.Exec(ctx, `
		UPDATE disputes SET task_address = $2, initiator = $3, reason = $4, status = $5, resolution = $6,
			payout_percent = $7, initiated_at = $8, resolved_at = $9
		WHERE address = $1`,
		d.Address.String(), d.Task.String(), d.Initiator.String(), d.Reason, d.Status,
		resolutionParam(d.Resolution), optU8Param(d.PayoutPercent), d.InitiatedAt, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- wallets ----

const walletColumns = `address, first_seen_at, age_days, total_contributed::text, total_refunded::text,
	contribution_count, campaigns_created, tasks_created, last_active_at`

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w                       Wallet
		address                 string
		age                     int32
		contributed, refunded   string
		count, camps, tasks     int64
	)
	if err := row.Scan(&address, &w.FirstSeenAt, &age, &contributed, &refunded, &count, &camps, &tasks, &w.LastActiveAt); err != nil {
		return Wallet{}, err
	}
	a, err := ledger.ParseAddress(address)
	if err != nil {
		return Wallet{}, err
	}
	w.Address = a
	w.AgeDays = int(age)
	if w.TotalContributed, err = parseNum(contributed); err != nil {
		return Wallet{}, err
	}
	if w.TotalRefunded, err = parseNum(refunded); err != nil {
		return Wallet{}, err
	}
	w.ContributionCount = uint64(count)
	w.CampaignsCreated = uint64(camps)
	w.TasksCreated = uint64(tasks)
	return w, nil
}

func (tx *pgTx) EnsureWallet(ctx context.Context, addr ledger.Address, seenAt time.Time) (Wallet, error) {
	_, err := tx.db.Exec(ctx, `
		INSERT INTO wallet_metadata (address, first_seen_at, last_active_at) VALUES ($1, $2, $2)
		ON CONFLICT (address) DO NOTHING`, addr.String(), seenAt)
	if err != nil {
		return Wallet{}, fmt.Errorf("failed to ensure wallet: %w", err)
	}
	return tx.GetWallet(ctx, addr)
}

func (tx *pgTx) GetWallet(ctx context.Context, addr ledger.Address) (Wallet, error) {
	w, err := scanWallet(tx.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallet_metadata WHERE address = $1 FOR UPDATE`, addr.String()))
	if err != nil {
		return Wallet{}, scanErr(err, "wallet")
	}
	return w, nil
}

func (tx *pgTx) UpdateWallet(ctx context.Context, w Wallet) error {
	tag, err := tx.db.Exec(ctx, `
		UPDATE wallet_metadata SET first_seen_at = $2, age_days = $3, total_contributed = $4::numeric,
			total_refunded = $5::numeric, contribution_count = $6, campaigns_created = $7, tasks_created = $8,
			last_active_at = $9
		WHERE address = $1`,
		w.Address.String(), w.FirstSeenAt, int32(w.AgeDays), numParam(w.TotalContributed), numParam(w.TotalRefunded),
		int64(w.ContributionCount), int64(w.CampaignsCreated), int64(w.TasksCreated), w.LastActiveAt)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- metrics ----

func (tx *pgTx) GetTaskMetrics(ctx context.Context, task ledger.Address) (TaskMetrics, error) {
	var (
		m                                        TaskMetrics
		address, total, weighted, pct, trending  string
		unique                                   int32
	)
	err := tx.db.QueryRow(ctx, `
		SELECT task_address, total_contributed::text, unique_contributors, weighted_contributor_count::text,
			percent_funded::text, trending_score::text, updated_at
		FROM task_metrics WHERE task_address = $1`, task.String()).
		Scan(&address, &total, &unique, &weighted, &pct, &trending, &m.UpdatedAt)
	if err != nil {
		return TaskMetrics{}, scanErr(err, "task metrics")
	}
	if m.Task, err = ledger.ParseAddress(address); err != nil {
		return TaskMetrics{}, err
	}
	m.UniqueContributors = int(unique)
	if m.TotalContributed, err = parseNum(total); err != nil {
		return TaskMetrics{}, err
	}
	if m.PercentFunded, err = parseNum(pct); err != nil {
		return TaskMetrics{}, err
	}
	if m.WeightedContributors, err = decimal.NewFromString(weighted); err != nil {
		return TaskMetrics{}, err
	}
	if m.TrendingScore, err = decimal.NewFromString(trending); err != nil {
		return TaskMetrics{}, err
	}
	return m, nil
}

func (tx *pgTx) SaveTaskMetrics(ctx context.Context, m TaskMetrics) error {
	_, err := tx.db.Exec(ctx, `
		INSERT INTO task_metrics (task_address, total_contributed, unique_contributors, weighted_contributor_count,
			percent_funded, trending_score, updated_at)
		VALUES ($1, $2::numeric, $3, $4::numeric, $5::numeric, $6::numeric, $7)
		ON CONFLICT (task_address) DO UPDATE
		SET total_contributed = EXCLUDED.total_contributed,
		    unique_contributors = EXCLUDED.unique_contributors,
		    weighted_contributor_count = EXCLUDED.weighted_contributor_count,
		    percent_funded = EXCLUDED.percent_funded,
		    trending_score = EXCLUDED.trending_score,
		    updated_at = EXCLUDED.updated_at`,
		m.Task.String(), numParam(m.TotalContributed), int32(m.UniqueContributors), m.WeightedContributors.String(),
		numParam(m.PercentFunded), m.TrendingScore.String(), m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save task metrics: %w", err)
	}
	return nil
}

func (tx *pgTx) GetCampaignMetrics(ctx context.Context, campaign ledger.Address) (CampaignMetrics, error) {
	var (
		m                                  CampaignMetrics
		address, total, weighted, trending string
		tasks, unique                      int32
	)
	err := tx.db.QueryRow(ctx, `
		SELECT campaign_address, total_tasks, total_contributed::text, unique_contributors,
			weighted_contributor_count::text, trending_score::text, updated_at
		FROM campaign_metrics WHERE campaign_address = $1`, campaign.String()).
		Scan(&address, &tasks, &total, &unique, &weighted, &trending, &m.UpdatedAt)
	if err != nil {
		return CampaignMetrics{}, scanErr(err, "campaign metrics")
	}
	if m.Campaign, err = ledger.ParseAddress(address); err != nil {
		return CampaignMetrics{}, err
	}
	m.TotalTasks = int(tasks)
	m.UniqueContributors = int(unique)
	if m.TotalContributed, err = parseNum(total); err != nil {
		return CampaignMetrics{}, err
	}
	if m.WeightedContributors, err = decimal.NewFromString(weighted); err != nil {
		return CampaignMetrics{}, err
	}
	if m.TrendingScore, err = decimal.NewFromString(trending); err != nil {
		return CampaignMetrics{}, err
	}
	return m, nil
}

func (tx *pgTx) SaveCampaignMetrics(ctx context.Context, m CampaignMetrics) error {
	_, err := tx.db.Exec(ctx, `
		INSERT INTO campaign_metrics (campaign_address, total_tasks, total_contributed, unique_contributors,
			weighted_contributor_count, trending_score, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5::numeric, $6::numeric, $7)
		ON CONFLICT (campaign_address) DO UPDATE
		SET total_tasks = EXCLUDED.total_tasks,
		    total_contributed = EXCLUDED.total_contributed,
		    unique_contributors = EXCLUDED.unique_contributors,
		    weighted_contributor_count = EXCLUDED.weighted_contributor_count,
		    trending_score = EXCLUDED.trending_score,
		    updated_at = EXCLUDED.updated_at`,
		m.Campaign.String(), int32(m.TotalTasks), numParam(m.TotalContributed), int32(m.UniqueContributors),
		m.WeightedContributors.String(), m.TrendingScore.String(), m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save campaign metrics: %w", err)
	}
	return nil
}

// ---- governance ----

func (tx *pgTx) InsertDistribution(ctx context.Context, d Distribution) (bool, error) {
	tag, err := tx.db.Exec(ctx, `
		INSERT INTO governance_distributions (address, recipient, amount, recipient_type, distributed_at)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (address) DO NOTHING`,
		d.Address.String(), d.Recipient.String(), numParam(d.Amount), int16(d.RecipientType), d.DistributedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert distribution: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (tx *pgTx) GetDistribution(ctx context.Context, addr ledger.Address) (Distribution, error) {
	var (
		d                  Distribution
		address, recipient string
		amount             string
		kind               int16
	)
	err := tx.db.QueryRow(ctx, `
		SELECT address, recipient, amount::text, recipient_type, distributed_at
		FROM governance_distributions WHERE address = $1`, addr.String()).
		Scan(&address, &recipient, &amount, &kind, &d.DistributedAt)
	if err != nil {
		return Distribution{}, scanErr(err, "distribution")
	}
	var p addrParser
	d.Address = p.parse(address)
	d.Recipient = p.parse(recipient)
	if p.err != nil {
		return Distribution{}, p.err
	}
	if d.Amount, err = parseNum(amount); err != nil {
		return Distribution{}, err
	}
	d.RecipientType = events.RecipientType(kind)
	return d, nil
}
