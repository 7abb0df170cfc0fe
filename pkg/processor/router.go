package processor

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/derived"
	"github.com/0xmhha/crowdfund-indexer/pkg/events"
	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/0xmhha/crowdfund-indexer/pkg/storage"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

// router dispatches the events of one unit of work
type router struct {
	tx      storage.Tx
	logger  *zap.Logger
	metrics *Metrics
}

func (r *router) route(ctx context.Context, env events.Envelope) error {
	switch ev := env.Event.(type) {
	case events.CampaignCreated:
		return r.campaignCreated(ctx, env, ev)
	case events.CampaignUpdated:
		return r.updateCampaign(ctx, ev.Campaign, func(c *storage.Campaign) {
			c.UpdatedAt = ev.UpdatedAt
		})
	case events.CampaignPublished:
		return r.updateCampaign(ctx, ev.Campaign, func(c *storage.Campaign) {
			c.State = events.CampaignStatePublished
			c.Stamp(c.State, ev.PublishedAt)
			c.UpdatedAt = ev.PublishedAt
		})
	case events.CampaignStateChanged:
		return r.updateCampaign(ctx, ev.Campaign, func(c *storage.Campaign) {
			c.State = ev.NewState
			c.Stamp(c.State, ev.ChangedAt)
			c.UpdatedAt = ev.ChangedAt
		})
	case events.CampaignArchived:
		return r.updateCampaign(ctx, ev.Campaign, func(c *storage.Campaign) {
			c.State = events.CampaignStateArchived
			c.Stamp(c.State, ev.ArchivedAt)
			c.UpdatedAt = ev.ArchivedAt
		})
	case events.TaskAddedToCampaign:
		return r.taskAddedToCampaign(ctx, env, ev)

	case events.TaskCreated:
		return r.taskCreated(ctx, env, ev)
	case events.TaskStateChanged:
		return r.updateTask(ctx, ev.Task, func(t *storage.Task) {
			t.State = ev.NewState
			t.Stamp(t.State, ev.ChangedAt)
			t.UpdatedAt = ev.ChangedAt
		})
	case events.TaskUpdated:
		return r.updateTask(ctx, ev.Task, func(t *storage.Task) {
			t.UpdatedAt = ev.UpdatedAt
		})
	case events.RecipientAssigned:
		return r.updateTask(ctx, ev.Task, func(t *storage.Task) {
			recipient := ev.Recipient
			t.Recipient = &recipient
		})

	case events.BudgetVoteCast:
		if err := r.touchWallet(ctx, ev.Voter, seenAt(env, ev.VotedAt)); err != nil {
			return err
		}
		return r.tx.UpsertBudgetVote(ctx, storage.BudgetVote{
			Task:           ev.Task,
			Voter:          ev.Voter,
			ProposedBudget: new(big.Int).SetUint64(ev.ProposedBudget),
			VoteWeight:     new(big.Int).SetUint64(ev.VoteWeight),
			VotedAt:        ev.VotedAt,
		})
	case events.BudgetFinalized:
		return r.updateTaskAndMetrics(ctx, env, ev.Task, func(t *storage.Task) {
			t.FinalizedBudget = new(big.Int).SetUint64(ev.FinalizedBudget)
			t.Stamp(events.TaskStateBudgetFinalized, ev.FinalizedAt)
		})

	case events.ContributionMade:
		return r.contributionMade(ctx, env, ev)
	case events.TaskFunded:
		return r.updateTaskAndMetrics(ctx, env, ev.Task, func(t *storage.Task) {
			t.TotalContributed = new(big.Int).SetUint64(ev.TotalContributed)
			t.Stamp(events.TaskStateFunded, ev.FundedAt)
		})
	case events.PayoutExecuted:
		return r.updateTask(ctx, ev.Task, func(t *storage.Task) {
			t.TotalPaidOut = runningTotal(t.TotalPaidOut, ev.Amount, ev.TotalPaidOut)
		})
	case events.RefundExecuted:
		return r.refundExecuted(ctx, env, ev)

	case events.ProofSubmitted:
		_, err := r.tx.InsertProof(ctx, storage.Proof{
			Address:     ev.Proof,
			Task:        ev.Task,
			Recipient:   ev.Recipient,
			ProofHash:   ev.ProofHash,
			ProofURI:    ev.ProofURI,
			SubmittedAt: ev.SubmittedAt,
		})
		return err

	case events.ApprovalVoteCast:
		if err := r.touchWallet(ctx, ev.Voter, seenAt(env, ev.VotedAt)); err != nil {
			return err
		}
		return r.tx.UpsertApprovalVote(ctx, storage.ApprovalVote{
			Task:       ev.Task,
			Voter:      ev.Voter,
			Approved:   ev.Approved,
			VoteWeight: new(big.Int).SetUint64(ev.VoteWeight),
			VotedAt:    ev.VotedAt,
		})
	case events.TaskApproved:
		return r.updateTask(ctx, ev.Task, func(t *storage.Task) {
			pct := ev.ApprovalPercent
			t.ApprovalPercent = &pct
			t.Stamp(events.TaskStateApproved, ev.ApprovedAt)
		})
	case events.TaskRejected:
		return r.updateTask(ctx, ev.Task, func(t *storage.Task) {
			pct := ev.RejectionPercent
			t.RejectionPercent = &pct
			t.Stamp(events.TaskStateRejected, ev.RejectedAt)
		})

	case events.DisputeInitiated:
		_, err := r.tx.InsertDispute(ctx, storage.Dispute{
			Address:     ev.Dispute,
			Task:        ev.Task,
			Initiator:   ev.Initiator,
			Reason:      ev.Reason,
			Status:      storage.DisputePending,
			InitiatedAt: ev.InitiatedAt,
		})
		return err
	case events.DisputeResolved:
		return r.disputeResolved(ctx, ev)

	case events.TokensDistributed:
		_, err := r.tx.InsertDistribution(ctx, storage.Distribution{
			Address:       ev.Distribution,
			Recipient:     ev.Recipient,
			Amount:        new(big.Int).SetUint64(ev.Amount),
			RecipientType: ev.RecipientType,
			DistributedAt: ev.DistributedAt,
		})
		return err

	case events.Unrecognized:
		r.metrics.EventsUnrecognized.WithLabelValues(ev.Name).Inc()
		r.logger.Warn("No projection for event",
			zap.String("event", ev.Name),
			zap.String("signature", env.Signature.String()),
			zap.Stringer("program", env.Program),
		)
		return nil
	}

	r.logger.Warn("Unhandled event variant",
		zap.String("event", env.Type()),
		zap.String("signature", env.Signature.String()),
	)
	return nil
}

// seenAt is the time activity is attributed to
func seenAt(env events.Envelope, fallback time.Time) time.Time {
	if env.BlockTime.IsZero() {
		return fallback
	}
	return env.BlockTime
}

// touchWallet creates the wallet if absent and records activity
func (r *router) touchWallet(ctx context.Context, addr ledger.Address, at time.Time) error {
	_, err := r.bumpWallet(ctx, addr, at, func(*storage.Wallet) {})
	return err
}

// bumpWallet creates the wallet if absent, refreshes its age and activity
// time, and applies fn.
func (r *router) bumpWallet(ctx context.Context, addr ledger.Address, at time.Time, fn func(*storage.Wallet)) (storage.Wallet, error) {
	w, err := r.tx.EnsureWallet(ctx, addr, at)
	if err != nil {
		return storage.Wallet{}, err
	}
	if age := walletAge(w.FirstSeenAt, at); age > w.AgeDays {
		w.AgeDays = age
	}
	if at.After(w.LastActiveAt) {
		w.LastActiveAt = at
	}
	fn(&w)
	if err := r.tx.UpdateWallet(ctx, w); err != nil {
		return storage.Wallet{}, err
	}
	return w, nil
}

// walletAge is the number of whole days between first and at
func walletAge(first, at time.Time) int {
	if at.Before(first) {
		return 0
	}
	return int(at.Sub(first) / day)
}

func runningTotal(current *big.Int, amount uint64, authoritative *uint64) *big.Int {
	if authoritative != nil {
		return new(big.Int).SetUint64(*authoritative)
	}
	next := new(big.Int).SetUint64(amount)
	if current != nil {
		next.Add(next, current)
	}
	return next
}

func (r *router) updateCampaign(ctx context.Context, addr ledger.Address, fn func(*storage.Campaign)) error {
	c, err := r.tx.GetCampaign(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("Campaign not indexed, skipping update", zap.Stringer("campaign", addr))
		return nil
	}
	if err != nil {
		return err
	}
	fn(&c)
	return r.tx.UpdateCampaign(ctx, c)
}

// loadAndUpdateTask applies fn to a task. It reports found=false for a task
// the projection has not seen.
func (r *router) loadAndUpdateTask(ctx context.Context, addr ledger.Address, fn func(*storage.Task)) (storage.Task, bool, error) {
	t, err := r.tx.GetTask(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("Task not indexed, skipping update", zap.Stringer("task", addr))
		return storage.Task{}, false, nil
	}
	if err != nil {
		return storage.Task{}, false, err
	}
	fn(&t)
	if err := r.tx.UpdateTask(ctx, t); err != nil {
		return storage.Task{}, false, err
	}
	return t, true, nil
}

func (r *router) updateTask(ctx context.Context, addr ledger.Address, fn func(*storage.Task)) error {
	_, _, err := r.loadAndUpdateTask(ctx, addr, fn)
	return err
}

func (r *router) updateTaskAndMetrics(ctx context.Context, env events.Envelope, addr ledger.Address, fn func(*storage.Task)) error {
	t, found, err := r.loadAndUpdateTask(ctx, addr, fn)
	if err != nil || !found {
		return err
	}
	return r.recompute(ctx, env, t)
}

// recompute refreshes the metrics of a task and its campaign
func (r *router) recompute(ctx context.Context, env events.Envelope, t storage.Task) error {
	at := seenAt(env, t.UpdatedAt)
	if _, err := derived.RecomputeTask(ctx, r.tx, t.Address, at); err != nil {
		return err
	}
	_, err := derived.RecomputeCampaign(ctx, r.tx, t.Campaign, at)
	return err
}

func (r *router) campaignCreated(ctx context.Context, env events.Envelope, ev events.CampaignCreated) error {
	created, err := r.tx.InsertCampaign(ctx, storage.Campaign{
		Address:    ev.Campaign,
		CampaignID: ev.CampaignID,
		Creator:    ev.Creator,
		Title:      ev.Title,
		Category:   ev.Category,
		State:      events.CampaignStateDraft,
		CreatedAt:  ev.CreatedAt,
		UpdatedAt:  ev.CreatedAt,
	})
	if err != nil || !created {
		return err
	}
	if _, err := r.bumpWallet(ctx, ev.Creator, seenAt(env, ev.CreatedAt), func(w *storage.Wallet) {
		w.CampaignsCreated++
	}); err != nil {
		return err
	}
	return r.tx.SaveCampaignMetrics(ctx, derived.ZeroCampaignMetrics(ev.Campaign, seenAt(env, ev.CreatedAt)))
}

func (r *router) taskAddedToCampaign(ctx context.Context, env events.Envelope, ev events.TaskAddedToCampaign) error {
	c, err := r.tx.GetCampaign(ctx, ev.Campaign)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("Campaign not indexed, skipping task count", zap.Stringer("campaign", ev.Campaign))
		return nil
	}
	if err != nil {
		return err
	}
	c.TasksCount = ev.TasksCount
	c.UpdatedAt = ev.AddedAt
	if err := r.tx.UpdateCampaign(ctx, c); err != nil {
		return err
	}
	_, err = derived.RecomputeCampaign(ctx, r.tx, ev.Campaign, seenAt(env, ev.AddedAt))
	return err
}

func (r *router) taskCreated(ctx context.Context, env events.Envelope, ev events.TaskCreated) error {
	created, err := r.tx.InsertTask(ctx, storage.Task{
		Address:          ev.Task,
		TaskID:           ev.TaskID,
		Campaign:         ev.Campaign,
		Creator:          ev.Creator,
		Title:            ev.Title,
		State:            events.TaskStateDraft,
		TotalContributed: new(big.Int),
		TotalRefunded:    new(big.Int),
		TotalPaidOut:     new(big.Int),
		TargetBudget:     new(big.Int).SetUint64(ev.TargetBudget),
		CreatedAt:        ev.CreatedAt,
		UpdatedAt:        ev.CreatedAt,
	})
	if err != nil || !created {
		return err
	}
	if _, err := r.bumpWallet(ctx, ev.Creator, seenAt(env, ev.CreatedAt), func(w *storage.Wallet) {
		w.TasksCreated++
	}); err != nil {
		return err
	}
	return r.tx.SaveTaskMetrics(ctx, derived.ZeroTaskMetrics(ev.Task, seenAt(env, ev.CreatedAt)))
}

// contributionMade records the contribution and the contributor's wallet
// even when the task is not indexed. Only the task totals and metrics need
// the task row.
func (r *router) contributionMade(ctx context.Context, env events.Envelope, ev events.ContributionMade) error {
	amount := new(big.Int).SetUint64(ev.Amount)

	w, err := r.bumpWallet(ctx, ev.Contributor, seenAt(env, ev.ContributedAt), func(w *storage.Wallet) {
		w.TotalContributed = new(big.Int).Add(w.TotalContributed, amount)
		w.ContributionCount++
	})
	if err != nil {
		return err
	}

	if _, err := r.tx.AddContribution(ctx, storage.Contribution{
		Task:          ev.Task,
		Contributor:   ev.Contributor,
		Amount:        amount,
		WalletAgeDays: w.AgeDays,
		ContributedAt: ev.ContributedAt,
	}); err != nil {
		return err
	}

	return r.updateTaskAndMetrics(ctx, env, ev.Task, func(t *storage.Task) {
		t.TotalContributed = new(big.Int).SetUint64(ev.TotalContributed)
	})
}

func (r *router) refundExecuted(ctx context.Context, env events.Envelope, ev events.RefundExecuted) error {
	if _, err := r.bumpWallet(ctx, ev.Contributor, seenAt(env, ev.RefundedAt), func(w *storage.Wallet) {
		w.TotalRefunded = new(big.Int).Add(w.TotalRefunded, new(big.Int).SetUint64(ev.Amount))
	}); err != nil {
		return err
	}
	return r.updateTask(ctx, ev.Task, func(t *storage.Task) {
		t.TotalRefunded = runningTotal(t.TotalRefunded, ev.Amount, ev.TotalRefunded)
	})
}

func (r *router) disputeResolved(ctx context.Context, ev events.DisputeResolved) error {
	d, err := r.tx.GetDispute(ctx, ev.Dispute)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("Dispute not indexed, skipping resolution", zap.Stringer("dispute", ev.Dispute))
		return nil
	}
	if err != nil {
		return err
	}
	resolution := ev.Resolution
	pct := ev.PayoutPercent
	resolvedAt := ev.ResolvedAt
	d.Status = storage.DisputeResolved
	d.Resolution = &resolution
	d.PayoutPercent = &pct
	d.ResolvedAt = &resolvedAt
	return r.tx.UpdateDispute(ctx, d)
}
