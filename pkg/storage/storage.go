// Package storage holds the relational projection of campaign and task state.
//
// All domain writes happen inside a unit of work (Store.WithTx). Reads inside
// a unit of work lock the row they return, so read-modify-write sequences on
// one entity are serialized across concurrent units.
package storage

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/events"
	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/shopspring/decimal"
)

// Common errors
var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("storage closed")
)

// Cursor is the last fully processed slot and when it was recorded.
type Cursor struct {
	Slot      uint64
	UpdatedAt time.Time
}

// ProcessedEvent marks a transaction whose events have all been applied.
type ProcessedEvent struct {
	Signature  ledger.Signature
	Slot       uint64
	BlockTime  time.Time
	EventTypes []string
	// Payload is the JSON encoding of the applied events.
	Payload []byte
}

// PendingTransaction is a fetched transaction waiting to be applied.
type PendingTransaction struct {
	Signature ledger.Signature
	Slot      uint64
	// Payload is the JSON encoding of the ledger.Transaction.
	Payload []byte
	// Attempts counts failed applies. A row reaching the store's attempt
	// limit is dead-lettered and no longer listed.
	Attempts  int
	LastError string
}

// Campaign is the projection of one campaign account.
type Campaign struct {
	Address    ledger.Address
	CampaignID string
	Creator    ledger.Address
	Title      string
	Category   string
	State      events.CampaignState
	TasksCount uint32

	CreatedAt   time.Time
	UpdatedAt   time.Time
	PublishedAt *time.Time
	ActivatedAt *time.Time
	CompletedAt *time.Time
	ArchivedAt  *time.Time
}

// Task is the projection of one task account. Amounts are in minor units.
type Task struct {
	Address   ledger.Address
	TaskID    string
	Campaign  ledger.Address
	Creator   ledger.Address
	Title     string
	Recipient *ledger.Address
	State     events.TaskState

	TargetBudget     *big.Int
	FinalizedBudget  *big.Int
	TotalContributed *big.Int
	TotalRefunded    *big.Int
	TotalPaidOut     *big.Int

	Deadline         *time.Time
	ApprovalPercent  *uint8
	RejectionPercent *uint8

	VotingStartedAt   *time.Time
	BudgetFinalizedAt *time.Time
	FundingOpenedAt   *time.Time
	FundedAt          *time.Time
	StartedAt         *time.Time
	SubmittedAt       *time.Time
	ApprovedAt        *time.Time
	CompletedAt       *time.Time
	RejectedAt        *time.Time
	RefundingAt       *time.Time
	RefundedAt        *time.Time
	DisputedAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Contribution is the cumulative amount one contributor gave to one task.
type Contribution struct {
	Task        ledger.Address
	Contributor ledger.Address
	Amount      *big.Int
	// WalletAgeDays is the contributor's wallet age at the last contribution.
	WalletAgeDays int
	ContributedAt time.Time
}

// BudgetVote is a voter's latest budget proposal for a task.
type BudgetVote struct {
	Task           ledger.Address
	Voter          ledger.Address
	ProposedBudget *big.Int
	VoteWeight     *big.Int
	VotedAt        time.Time
}

// ApprovalVote is a voter's latest approval decision for a task.
type ApprovalVote struct {
	Task       ledger.Address
	Voter      ledger.Address
	Approved   bool
	VoteWeight *big.Int
	VotedAt    time.Time
}

// Proof is a completion proof submitted for a task.
type Proof struct {
	Address     ledger.Address
	Task        ledger.Address
	Recipient   ledger.Address
	ProofHash   string
	ProofURI    string
	SubmittedAt time.Time
}

// Dispute statuses
const (
	DisputePending  = "Pending"
	DisputeResolved = "Resolved"
)

// Dispute is a dispute raised against a task.
type Dispute struct {
	Address       ledger.Address
	Task          ledger.Address
	Initiator     ledger.Address
	Reason        string
	Status        string
	Resolution    *events.DisputeResolution
	PayoutPercent *uint8
	InitiatedAt   time.Time
	ResolvedAt    *time.Time
}

// Wallet is the activity profile of one address.
type Wallet struct {
	Address           ledger.Address
	FirstSeenAt       time.Time
	AgeDays           int
	TotalContributed  *big.Int
	TotalRefunded     *big.Int
	ContributionCount uint64
	CampaignsCreated  uint64
	TasksCreated      uint64
	LastActiveAt      time.Time
}

// TaskMetrics are derived from a task and its contributions.
type TaskMetrics struct {
	Task                 ledger.Address
	TotalContributed     *big.Int
	UniqueContributors   int
	WeightedContributors decimal.Decimal
	PercentFunded        *big.Int
	TrendingScore        decimal.Decimal
	UpdatedAt            time.Time
}

// CampaignMetrics are derived from a campaign's tasks and contributions.
type CampaignMetrics struct {
	Campaign             ledger.Address
	TotalTasks           int
	TotalContributed     *big.Int
	UniqueContributors   int
	WeightedContributors decimal.Decimal
	TrendingScore        decimal.Decimal
	UpdatedAt            time.Time
}

// Distribution is one governance token grant.
type Distribution struct {
	Address       ledger.Address
	Recipient     ledger.Address
	Amount        *big.Int
	RecipientType events.RecipientType
	DistributedAt time.Time
}

// Tx is a unit of work. Get methods return ErrNotFound for missing rows and
// lock the returned row until the unit ends. Insert methods are
// insert-if-absent and report whether a row was created.
type Tx interface {
	// IsProcessed reports whether the signature has a processed marker
	IsProcessed(ctx context.Context, sig ledger.Signature) (bool, error)

	// MarkProcessed inserts the processed marker for a transaction
	MarkProcessed(ctx context.Context, ev ProcessedEvent) error

	// DeletePending removes a transaction from the outbox
	DeletePending(ctx context.Context, sig ledger.Signature) error

	InsertCampaign(ctx context.Context, c Campaign) (bool, error)
	GetCampaign(ctx context.Context, addr ledger.Address) (Campaign, error)
	UpdateCampaign(ctx context.Context, c Campaign) error

	InsertTask(ctx context.Context, t Task) (bool, error)
	GetTask(ctx context.Context, addr ledger.Address) (Task, error)
	UpdateTask(ctx context.Context, t Task) error
	// ListTasks returns the tasks of a campaign ordered by address
	ListTasks(ctx context.Context, campaign ledger.Address) ([]Task, error)

	// AddContribution adds c.Amount to the (task, contributor) row, creating
	// it if absent, and returns the resulting row.
	AddContribution(ctx context.Context, c Contribution) (Contribution, error)
	// ListContributions returns a task's contributions ordered by contributor
	ListContributions(ctx context.Context, task ledger.Address) ([]Contribution, error)
	// ListCampaignContributions returns the contributions to every task of a
	// campaign ordered by task, then contributor
	ListCampaignContributions(ctx context.Context, campaign ledger.Address) ([]Contribution, error)

	// UpsertBudgetVote replaces any previous vote of the same voter
	UpsertBudgetVote(ctx context.Context, v BudgetVote) error
	ListBudgetVotes(ctx context.Context, task ledger.Address) ([]BudgetVote, error)
	// UpsertApprovalVote replaces any previous vote of the same voter
	UpsertApprovalVote(ctx context.Context, v ApprovalVote) error
	ListApprovalVotes(ctx context.Context, task ledger.Address) ([]ApprovalVote, error)

	InsertProof(ctx context.Context, p Proof) (bool, error)
	GetProof(ctx context.Context, addr ledger.Address) (Proof, error)

	InsertDispute(ctx context.Context, d Dispute) (bool, error)
	GetDispute(ctx context.Context, addr ledger.Address) (Dispute, error)
	UpdateDispute(ctx context.Context, d Dispute) error

	// EnsureWallet creates the wallet with first_seen_at = seenAt if absent
	// and returns the locked row.
	EnsureWallet(ctx context.Context, addr ledger.Address, seenAt time.Time) (Wallet, error)
	GetWallet(ctx context.Context, addr ledger.Address) (Wallet, error)
	UpdateWallet(ctx context.Context, w Wallet) error

	GetTaskMetrics(ctx context.Context, task ledger.Address) (TaskMetrics, error)
	// SaveTaskMetrics replaces the task's metrics row
	SaveTaskMetrics(ctx context.Context, m TaskMetrics) error
	GetCampaignMetrics(ctx context.Context, campaign ledger.Address) (CampaignMetrics, error)
	// SaveCampaignMetrics replaces the campaign's metrics row
	SaveCampaignMetrics(ctx context.Context, m CampaignMetrics) error

	InsertDistribution(ctx context.Context, d Distribution) (bool, error)
	GetDistribution(ctx context.Context, addr ledger.Address) (Distribution, error)
}

// Store provides units of work plus the cursor and outbox, which live
// outside any single unit.
type Store interface {
	// WithTx runs fn in one atomic unit of work. A non-nil error from fn
	// rolls back every write made through the Tx.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Cursor returns the persisted cursor or ErrNotFound
	Cursor(ctx context.Context) (Cursor, error)

	// SaveCursor records slot as processed. The stored slot never decreases.
	SaveCursor(ctx context.Context, slot uint64, at time.Time) error

	// StagePending adds transactions to the outbox, ignoring ones already
	// staged
	StagePending(ctx context.Context, txs []PendingTransaction) error

	// ListPending returns up to limit staged transactions that are not
	// dead-lettered, oldest slot first
	ListPending(ctx context.Context, limit int) ([]PendingTransaction, error)

	// RecordPendingFailure bumps the attempt count of an outbox row and
	// dead-letters it once attempts reaches maxAttempts (never when
	// maxAttempts <= 0). A missing row returns zero attempts.
	RecordPendingFailure(ctx context.Context, sig ledger.Signature, reason string, maxAttempts int) (attempts int, dead bool, err error)

	// ListDeadLetters returns up to limit dead-lettered outbox rows
	ListDeadLetters(ctx context.Context, limit int) ([]PendingTransaction, error)

	// Ping checks the store is reachable
	Ping(ctx context.Context) error

	// Close releases the store's resources
	Close() error
}

// CampaignMilestone returns the timestamp column stamped when a campaign
// enters state, or "" when the state has none.
func CampaignMilestone(state events.CampaignState) string {
	switch state {
	case events.CampaignStatePublished:
		return "published_at"
	case events.CampaignStateActive:
		return "activated_at"
	case events.CampaignStateCompleted:
		return "completed_at"
	case events.CampaignStateArchived:
		return "archived_at"
	}
	return ""
}

// TaskMilestone returns the timestamp column stamped when a task enters
// state, or "" when the state has none.
func TaskMilestone(state events.TaskState) string {
	switch state {
	case events.TaskStateVotingBudget:
		return "voting_started_at"
	case events.TaskStateBudgetFinalized:
		return "budget_finalized_at"
	case events.TaskStateFundingOpen:
		return "funding_opened_at"
	case events.TaskStateFunded:
		return "funded_at"
	case events.TaskStateInProgress:
		return "started_at"
	case events.TaskStateSubmittedForReview:
		return "submitted_at"
	case events.TaskStateApproved:
		return "approved_at"
	case events.TaskStatePaidOut:
		return "completed_at"
	case events.TaskStateRejected:
		return "rejected_at"
	case events.TaskStateRefunding:
		return "refunding_at"
	case events.TaskStateRefunded:
		return "refunded_at"
	case events.TaskStateDisputed:
		return "disputed_at"
	}
	return ""
}

// Stamp sets the milestone column for state to at. It reports false when the
// state has no milestone.
func (c *Campaign) Stamp(state events.CampaignState, at time.Time) bool {
	var field **time.Time
	switch CampaignMilestone(state) {
	case "published_at":
		field = &c.PublishedAt
	case "activated_at":
		field = &c.ActivatedAt
	case "completed_at":
		field = &c.CompletedAt
	case "archived_at":
		field = &c.ArchivedAt
	default:
		return false
	}
	*field = &at
	return true
}

// Stamp sets the milestone column for state to at. It reports false when the
// state has no milestone.
func (t *Task) Stamp(state events.TaskState, at time.Time) bool {
	var field **time.Time
	switch TaskMilestone(state) {
	case "voting_started_at":
		field = &t.VotingStartedAt
	case "budget_finalized_at":
		field = &t.BudgetFinalizedAt
	case "funding_opened_at":
		field = &t.FundingOpenedAt
	case "funded_at":
		field = &t.FundedAt
	case "started_at":
		field = &t.StartedAt
	case "submitted_at":
		field = &t.SubmittedAt
	case "approved_at":
		field = &t.ApprovedAt
	case "completed_at":
		field = &t.CompletedAt
	case "rejected_at":
		field = &t.RejectedAt
	case "refunding_at":
		field = &t.RefundingAt
	case "refunded_at":
		field = &t.RefundedAt
	case "disputed_at":
		field = &t.DisputedAt
	default:
		return false
	}
	*field = &at
	return true
}
