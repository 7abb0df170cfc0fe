// Package events decodes program log output into typed domain events.
//
// Every event the projection understands is a variant of the closed Event
// sum type; routers switch on the concrete type. Events that a schema
// describes but the projection has no handler for decode to Unrecognized.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
)

// Event is implemented by every decoded event variant.
type Event interface {
	// EventName is the type tag, identical to the schema event name.
	EventName() string
	sealed()
}

// Envelope wraps a decoded event with its provenance.
type Envelope struct {
	Signature ledger.Signature
	Slot      uint64
	BlockTime time.Time
	Program   ledger.Address
	// Index is the position of the event within its transaction.
	Index int
	Event Event
}

// Type returns the event type tag.
func (e Envelope) Type() string {
	if e.Event == nil {
		return ""
	}
	return e.Event.EventName()
}

type envelopeJSON struct {
	Type    string         `json:"type"`
	Program ledger.Address `json:"program"`
	Index   int            `json:"index"`
	Data    Event          `json:"data"`
}

// MarshalJSON encodes the envelope as {type, program, index, data}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		Type:    e.Type(),
		Program: e.Program,
		Index:   e.Index,
		Data:    e.Event,
	})
}

// CampaignState mirrors the on-chain campaign lifecycle.
type CampaignState uint8

const (
	CampaignStateDraft CampaignState = iota
	CampaignStatePublished
	CampaignStateActive
	CampaignStateCompleted
	CampaignStateArchived
)

var campaignStateNames = [...]string{"Draft", "Published", "Active", "Completed", "Archived"}

func (s CampaignState) String() string {
	if int(s) < len(campaignStateNames) {
		return campaignStateNames[s]
	}
	return fmt.Sprintf("CampaignState(%d)", uint8(s))
}

// Valid reports whether s is a known state.
func (s CampaignState) Valid() bool { return int(s) < len(campaignStateNames) }

// TaskState mirrors the on-chain task lifecycle.
type TaskState uint8

const (
	TaskStateDraft TaskState = iota
	TaskStateVotingBudget
	TaskStateBudgetFinalized
	TaskStateFundingOpen
	TaskStateFunded
	TaskStateInProgress
	TaskStateSubmittedForReview
	TaskStateApproved
	TaskStatePaidOut
	TaskStateRejected
	TaskStateRefunding
	TaskStateRefunded
	TaskStateDisputed
)

var taskStateNames = [...]string{
	"Draft", "VotingBudget", "BudgetFinalized", "FundingOpen", "Funded",
	"InProgress", "SubmittedForReview", "Approved", "PaidOut", "Rejected",
	"Refunding", "Refunded", "Disputed",
}

func (s TaskState) String() string {
	if int(s) < len(taskStateNames) {
		return taskStateNames[s]
	}
	return fmt.Sprintf("TaskState(%d)", uint8(s))
}

// Valid reports whether s is a known state.
func (s TaskState) Valid() bool { return int(s) < len(taskStateNames) }

// DisputeResolution is the outcome of a resolved dispute.
type DisputeResolution uint8

const (
	PayoutToRecipient DisputeResolution = iota
	RefundToDonors
	PartialPayoutPartialRefund
)

var resolutionNames = [...]string{"PayoutToRecipient", "RefundToDonors", "PartialPayoutPartialRefund"}

func (r DisputeResolution) String() string {
	if int(r) < len(resolutionNames) {
		return resolutionNames[r]
	}
	return fmt.Sprintf("DisputeResolution(%d)", uint8(r))
}

// RecipientType classifies governance token grants.
type RecipientType uint8

const (
	EarlyContributor RecipientType = iota
	CommunityAirdrop
	DaoTreasury
	EcosystemFund
	FutureContributor
)

var recipientTypeNames = [...]string{"EarlyContributor", "CommunityAirdrop", "DaoTreasury", "EcosystemFund", "FutureContributor"}

func (r RecipientType) String() string {
	if int(r) < len(recipientTypeNames) {
		return recipientTypeNames[r]
	}
	return fmt.Sprintf("RecipientType(%d)", uint8(r))
}

// Campaign program events

type CampaignCreated struct {
	Campaign   ledger.Address `json:"campaign"`
	CampaignID string         `json:"campaign_id"`
	Creator    ledger.Address `json:"creator"`
	Title      string         `json:"title"`
	Category   string         `json:"category"`
	CreatedAt  time.Time      `json:"created_at"`
}

type CampaignUpdated struct {
	Campaign   ledger.Address `json:"campaign"`
	CampaignID string         `json:"campaign_id"`
	UpdatedBy  ledger.Address `json:"updated_by"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

type CampaignPublished struct {
	Campaign    ledger.Address `json:"campaign"`
	CampaignID  string         `json:"campaign_id"`
	Creator     ledger.Address `json:"creator"`
	PublishedAt time.Time      `json:"published_at"`
}

type CampaignStateChanged struct {
	Campaign   ledger.Address `json:"campaign"`
	CampaignID string         `json:"campaign_id"`
	OldState   CampaignState  `json:"old_state"`
	NewState   CampaignState  `json:"new_state"`
	ChangedAt  time.Time      `json:"changed_at"`
}

type CampaignArchived struct {
	Campaign   ledger.Address `json:"campaign"`
	CampaignID string         `json:"campaign_id"`
	ArchivedBy ledger.Address `json:"archived_by"`
	ArchivedAt time.Time      `json:"archived_at"`
}

type TaskAddedToCampaign struct {
	Campaign   ledger.Address `json:"campaign"`
	CampaignID string         `json:"campaign_id"`
	Task       ledger.Address `json:"task"`
	TasksCount uint32         `json:"tasks_count"`
	AddedAt    time.Time      `json:"added_at"`
}

// Task program events

type TaskCreated struct {
	Task      ledger.Address `json:"task"`
	TaskID    string         `json:"task_id"`
	Campaign  ledger.Address `json:"campaign"`
	Creator   ledger.Address `json:"creator"`
	Title        string         `json:"title"`
	TargetBudget uint64         `json:"target_budget"`
	CreatedAt    time.Time      `json:"created_at"`
}

type TaskStateChanged struct {
	Task      ledger.Address `json:"task"`
	TaskID    string         `json:"task_id"`
	OldState  TaskState      `json:"old_state"`
	NewState  TaskState      `json:"new_state"`
	ChangedAt time.Time      `json:"changed_at"`
}

type TaskUpdated struct {
	Task      ledger.Address `json:"task"`
	TaskID    string         `json:"task_id"`
	UpdatedBy ledger.Address `json:"updated_by"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type RecipientAssigned struct {
	Task       ledger.Address `json:"task"`
	TaskID     string         `json:"task_id"`
	Recipient  ledger.Address `json:"recipient"`
	AssignedAt time.Time      `json:"assigned_at"`
}

// Budget program events

type BudgetVoteCast struct {
	Task           ledger.Address `json:"task"`
	Voter          ledger.Address `json:"voter"`
	ProposedBudget uint64         `json:"proposed_budget"`
	VoteWeight     uint64         `json:"vote_weight"`
	VotedAt        time.Time      `json:"voted_at"`
}

type BudgetFinalized struct {
	Task            ledger.Address `json:"task"`
	FinalizedBudget uint64         `json:"finalized_budget"`
	TotalVotes      uint32         `json:"total_votes"`
	TotalWeight     uint64         `json:"total_weight"`
	FinalizedAt     time.Time      `json:"finalized_at"`
}

// Escrow program events

type ContributionMade struct {
	Task             ledger.Address `json:"task"`
	Contributor      ledger.Address `json:"contributor"`
	Amount           uint64         `json:"amount"`
	TotalContributed uint64         `json:"total_contributed"`
	ContributedAt    time.Time      `json:"contributed_at"`
}

type TaskFunded struct {
	Task             ledger.Address `json:"task"`
	TotalContributed uint64         `json:"total_contributed"`
	FundedAt         time.Time      `json:"funded_at"`
}

type PayoutExecuted struct {
	Task      ledger.Address `json:"task"`
	Recipient ledger.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
	// TotalPaidOut is nil when the schema does not carry the running total.
	TotalPaidOut *uint64  `json:"total_paid_out,omitempty"`
	PaidAt       time.Time `json:"paid_at"`
}

type RefundExecuted struct {
	Task        ledger.Address `json:"task"`
	Contributor ledger.Address `json:"contributor"`
	Amount      uint64         `json:"amount"`
	// TotalRefunded is nil when the schema does not carry the running total.
	TotalRefunded *uint64  `json:"total_refunded,omitempty"`
	RefundedAt    time.Time `json:"refunded_at"`
}

// Proof program events

type ProofSubmitted struct {
	Proof       ledger.Address `json:"proof"`
	Task        ledger.Address `json:"task"`
	Recipient   ledger.Address `json:"recipient"`
	ProofHash   string         `json:"proof_hash"`
	ProofURI    string         `json:"proof_uri"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Approval program events

type ApprovalVoteCast struct {
	Task       ledger.Address `json:"task"`
	Voter      ledger.Address `json:"voter"`
	Approved   bool           `json:"approved"`
	VoteWeight uint64         `json:"vote_weight"`
	VotedAt    time.Time      `json:"voted_at"`
}

type TaskApproved struct {
	Task            ledger.Address `json:"task"`
	ApprovalPercent uint8          `json:"approval_percent"`
	ApprovedAt      time.Time      `json:"approved_at"`
}

type TaskRejected struct {
	Task             ledger.Address `json:"task"`
	RejectionPercent uint8          `json:"rejection_percent"`
	RejectedAt       time.Time      `json:"rejected_at"`
}

// Dispute program events

type DisputeInitiated struct {
	Dispute     ledger.Address `json:"dispute"`
	Task        ledger.Address `json:"task"`
	Initiator   ledger.Address `json:"initiator"`
	Reason      string         `json:"reason"`
	InitiatedAt time.Time      `json:"initiated_at"`
}

type DisputeResolved struct {
	Dispute       ledger.Address    `json:"dispute"`
	Task          ledger.Address    `json:"task"`
	Resolution    DisputeResolution `json:"resolution"`
	PayoutPercent uint8             `json:"payout_percent"`
	ResolvedAt    time.Time         `json:"resolved_at"`
}

// Governance program events

type TokensDistributed struct {
	Distribution  ledger.Address `json:"distribution"`
	Recipient     ledger.Address `json:"recipient"`
	Amount        uint64         `json:"amount"`
	RecipientType RecipientType  `json:"recipient_type"`
	DistributedAt time.Time      `json:"distributed_at"`
}

// Unrecognized carries an event the schema knows how to decode but the
// projection has no handler for.
type Unrecognized struct {
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields"`
}

func (CampaignCreated) EventName() string      { return "CampaignCreated" }
func (CampaignUpdated) EventName() string      { return "CampaignUpdated" }
func (CampaignPublished) EventName() string    { return "CampaignPublished" }
func (CampaignStateChanged) EventName() string { return "CampaignStateChanged" }
func (CampaignArchived) EventName() string     { return "CampaignArchived" }
func (TaskAddedToCampaign) EventName() string  { return "TaskAddedToCampaign" }
func (TaskCreated) EventName() string          { return "TaskCreated" }
func (TaskStateChanged) EventName() string     { return "TaskStateChanged" }
func (TaskUpdated) EventName() string          { return "TaskUpdated" }
func (RecipientAssigned) EventName() string    { return "RecipientAssigned" }
func (BudgetVoteCast) EventName() string       { return "BudgetVoteCast" }
func (BudgetFinalized) EventName() string      { return "BudgetFinalized" }
func (ContributionMade) EventName() string     { return "ContributionMade" }
func (TaskFunded) EventName() string           { return "TaskFunded" }
func (PayoutExecuted) EventName() string       { return "PayoutExecuted" }
func (RefundExecuted) EventName() string       { return "RefundExecuted" }
func (ProofSubmitted) EventName() string       { return "ProofSubmitted" }
func (ApprovalVoteCast) EventName() string     { return "ApprovalVoteCast" }
func (TaskApproved) EventName() string         { return "TaskApproved" }
func (TaskRejected) EventName() string         { return "TaskRejected" }
func (DisputeInitiated) EventName() string     { return "DisputeInitiated" }
func (DisputeResolved) EventName() string      { return "DisputeResolved" }
func (TokensDistributed) EventName() string    { return "TokensDistributed" }
func (u Unrecognized) EventName() string       { return u.Name }

func (CampaignCreated) sealed()      {}
func (CampaignUpdated) sealed()      {}
func (CampaignPublished) sealed()    {}
func (CampaignStateChanged) sealed() {}
func (CampaignArchived) sealed()     {}
func (TaskAddedToCampaign) sealed()  {}
func (TaskCreated) sealed()          {}
func (TaskStateChanged) sealed()     {}
func (TaskUpdated) sealed()          {}
func (RecipientAssigned) sealed()    {}
func (BudgetVoteCast) sealed()       {}
func (BudgetFinalized) sealed()      {}
func (ContributionMade) sealed()     {}
func (TaskFunded) sealed()           {}
func (PayoutExecuted) sealed()       {}
func (RefundExecuted) sealed()       {}
func (ProofSubmitted) sealed()       {}
func (ApprovalVoteCast) sealed()     {}
func (TaskApproved) sealed()         {}
func (TaskRejected) sealed()         {}
func (DisputeInitiated) sealed()     {}
func (DisputeResolved) sealed()      {}
func (TokensDistributed) sealed()    {}
func (Unrecognized) sealed()         {}
