package events

import (
	"fmt"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
)

// fieldReader pulls typed values out of a RawEvent. Address fields are
// required; every other field is optional and defaults to its zero value so
// schemas may omit trailing or informational fields. The first problem is
// kept in err.
type fieldReader struct {
	raw RawEvent
	err error
}

func (r *fieldReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%s: "+format, append([]any{r.raw.Name}, args...)...)
	}
}

func (r *fieldReader) address(name string) ledger.Address {
	v, ok := r.raw.Fields[name]
	if !ok {
		r.fail("missing field %s", name)
		return ledger.Address{}
	}
	a, ok := v.(ledger.Address)
	if !ok {
		r.fail("field %s: expected pubkey, got %T", name, v)
	}
	return a
}

func (r *fieldReader) optAddress(name string) ledger.Address {
	if _, ok := r.raw.Fields[name]; !ok {
		return ledger.Address{}
	}
	return r.address(name)
}

func (r *fieldReader) str(name string) string {
	v, ok := r.raw.Fields[name]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail("field %s: expected string, got %T", name, v)
	}
	return s
}

func (r *fieldReader) flag(name string) bool {
	v, ok := r.raw.Fields[name]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.fail("field %s: expected bool, got %T", name, v)
	}
	return b
}

func (r *fieldReader) u64(name string) uint64 {
	v, ok := r.raw.Fields[name]
	if !ok {
		return 0
	}
	n, ok := v.(uint64)
	if !ok {
		r.fail("field %s: expected unsigned integer, got %T", name, v)
	}
	return n
}

func (r *fieldReader) optU64(name string) *uint64 {
	if _, ok := r.raw.Fields[name]; !ok {
		return nil
	}
	n := r.u64(name)
	return &n
}

func (r *fieldReader) u32(name string) uint32 {
	n := r.u64(name)
	if n > 1<<32-1 {
		r.fail("field %s: %d overflows u32", name, n)
	}
	return uint32(n)
}

func (r *fieldReader) u8(name string) uint8 {
	n := r.u64(name)
	if n > 255 {
		r.fail("field %s: %d overflows u8", name, n)
	}
	return uint8(n)
}

func (r *fieldReader) ts(name string) time.Time {
	v, ok := r.raw.Fields[name]
	if !ok {
		return time.Time{}
	}
	n, ok := v.(int64)
	if !ok {
		r.fail("field %s: expected i64 timestamp, got %T", name, v)
		return time.Time{}
	}
	return time.Unix(n, 0).UTC()
}

// Bind converts a raw payload into its typed variant. Events without a typed
// variant become Unrecognized.
func Bind(raw RawEvent) (Event, error) {
	r := &fieldReader{raw: raw}
	var ev Event

	switch raw.Name {
	case "CampaignCreated":
		ev = CampaignCreated{
			Campaign:   r.address("campaign_pubkey"),
			CampaignID: r.str("campaign_id"),
			Creator:    r.address("creator"),
			Title:      r.str("title"),
			Category:   r.str("category"),
			CreatedAt:  r.ts("created_at"),
		}
	case "CampaignUpdated":
		ev = CampaignUpdated{
			Campaign:   r.address("campaign_pubkey"),
			CampaignID: r.str("campaign_id"),
			UpdatedBy:  r.optAddress("updated_by"),
			UpdatedAt:  r.ts("updated_at"),
		}
	case "CampaignPublished":
		ev = CampaignPublished{
			Campaign:    r.address("campaign_pubkey"),
			CampaignID:  r.str("campaign_id"),
			Creator:     r.optAddress("creator"),
			PublishedAt: r.ts("published_at"),
		}
	case "CampaignStateChanged":
		ev = CampaignStateChanged{
			Campaign:   r.address("campaign_pubkey"),
			CampaignID: r.str("campaign_id"),
			OldState:   CampaignState(r.u8("old_state")),
			NewState:   CampaignState(r.u8("new_state")),
			ChangedAt:  r.ts("changed_at"),
		}
	case "CampaignArchived":
		ev = CampaignArchived{
			Campaign:   r.address("campaign_pubkey"),
			CampaignID: r.str("campaign_id"),
			ArchivedBy: r.optAddress("archived_by"),
			ArchivedAt: r.ts("archived_at"),
		}
	case "TaskAddedToCampaign":
		ev = TaskAddedToCampaign{
			Campaign:   r.address("campaign_pubkey"),
			CampaignID: r.str("campaign_id"),
			Task:       r.address("task_pubkey"),
			TasksCount: r.u32("tasks_count"),
			AddedAt:    r.ts("added_at"),
		}
	case "TaskCreated":
		ev = TaskCreated{
			Task:         r.address("task_pubkey"),
			TaskID:       r.str("task_id"),
			Campaign:     r.address("campaign_pubkey"),
			Creator:      r.address("creator"),
			Title:        r.str("title"),
			TargetBudget: r.u64("target_budget"),
			CreatedAt:    r.ts("created_at"),
		}
	case "TaskStateChanged":
		ev = TaskStateChanged{
			Task:      r.address("task_pubkey"),
			TaskID:    r.str("task_id"),
			OldState:  TaskState(r.u8("old_state")),
			NewState:  TaskState(r.u8("new_state")),
			ChangedAt: r.ts("changed_at"),
		}
	case "TaskUpdated":
		ev = TaskUpdated{
			Task:      r.address("task_pubkey"),
			TaskID:    r.str("task_id"),
			UpdatedBy: r.optAddress("updated_by"),
			UpdatedAt: r.ts("updated_at"),
		}
	case "RecipientAssigned":
		ev = RecipientAssigned{
			Task:       r.address("task_pubkey"),
			TaskID:     r.str("task_id"),
			Recipient:  r.address("recipient"),
			AssignedAt: r.ts("assigned_at"),
		}
	case "BudgetVoteCast":
		ev = BudgetVoteCast{
			Task:           r.address("task_pubkey"),
			Voter:          r.address("voter"),
			ProposedBudget: r.u64("proposed_budget"),
			VoteWeight:     r.u64("vote_weight"),
			VotedAt:        r.ts("voted_at"),
		}
	case "BudgetFinalized":
		ev = BudgetFinalized{
			Task:            r.address("task_pubkey"),
			FinalizedBudget: r.u64("finalized_budget"),
			TotalVotes:      r.u32("total_votes"),
			TotalWeight:     r.u64("total_weight"),
			FinalizedAt:     r.ts("finalized_at"),
		}
	case "ContributionMade":
		ev = ContributionMade{
			Task:             r.address("task_pubkey"),
			Contributor:      r.address("contributor"),
			Amount:           r.u64("amount"),
			TotalContributed: r.u64("total_contributed"),
			ContributedAt:    r.ts("contributed_at"),
		}
	case "TaskFunded":
		ev = TaskFunded{
			Task:             r.address("task_pubkey"),
			TotalContributed: r.u64("total_contributed"),
			FundedAt:         r.ts("funded_at"),
		}
	case "PayoutExecuted":
		ev = PayoutExecuted{
			Task:         r.address("task_pubkey"),
			Recipient:    r.address("recipient"),
			Amount:       r.u64("amount"),
			TotalPaidOut: r.optU64("total_paid_out"),
			PaidAt:       r.ts("paid_at"),
		}
	case "RefundExecuted":
		ev = RefundExecuted{
			Task:          r.address("task_pubkey"),
			Contributor:   r.address("contributor"),
			Amount:        r.u64("amount"),
			TotalRefunded: r.optU64("total_refunded"),
			RefundedAt:    r.ts("refunded_at"),
		}
	case "ProofSubmitted":
		ev = ProofSubmitted{
			Proof:       r.address("proof_pubkey"),
			Task:        r.address("task_pubkey"),
			Recipient:   r.address("recipient"),
			ProofHash:   r.str("proof_hash"),
			ProofURI:    r.str("proof_uri"),
			SubmittedAt: r.ts("submitted_at"),
		}
	case "ApprovalVoteCast":
		ev = ApprovalVoteCast{
			Task:       r.address("task_pubkey"),
			Voter:      r.address("voter"),
			Approved:   r.flag("approved"),
			VoteWeight: r.u64("vote_weight"),
			VotedAt:    r.ts("voted_at"),
		}
	case "TaskApproved":
		ev = TaskApproved{
			Task:            r.address("task_pubkey"),
			ApprovalPercent: r.u8("approval_percent"),
			ApprovedAt:      r.ts("approved_at"),
		}
	case "TaskRejected":
		ev = TaskRejected{
			Task:             r.address("task_pubkey"),
			RejectionPercent: r.u8("rejection_percent"),
			RejectedAt:       r.ts("rejected_at"),
		}
	case "DisputeInitiated":
		ev = DisputeInitiated{
			Dispute:     r.address("dispute_pubkey"),
			Task:        r.address("task_pubkey"),
			Initiator:   r.address("initiator"),
			Reason:      r.str("reason"),
			InitiatedAt: r.ts("initiated_at"),
		}
	case "DisputeResolved":
		ev = DisputeResolved{
			Dispute:       r.address("dispute_pubkey"),
			Task:          r.optAddress("task_pubkey"),
			Resolution:    DisputeResolution(r.u8("resolution")),
			PayoutPercent: r.u8("payout_percent"),
			ResolvedAt:    r.ts("resolved_at"),
		}
	case "TokensDistributed":
		ev = TokensDistributed{
			Distribution:  r.address("distribution_pubkey"),
			Recipient:     r.address("recipient"),
			Amount:        r.u64("amount"),
			RecipientType: RecipientType(r.u8("recipient_type")),
			DistributedAt: r.ts("distributed_at"),
		}
	default:
		return Unrecognized{Name: raw.Name, Fields: raw.Fields}, nil
	}

	if r.err != nil {
		return nil, r.err
	}
	return ev, nil
}
