package processor

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/0xmhha/crowdfund-indexer/internal/testutil"
	"github.com/0xmhha/crowdfund-indexer/pkg/events"
	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/0xmhha/crowdfund-indexer/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	campaignAddr = testutil.Address(0x01)
	taskAddr     = testutil.Address(0x02)
	creator      = testutil.Address(0x03)
	alice        = testutil.Address(0x0A)
	bob          = testutil.Address(0x0B)
	carol        = testutil.Address(0x0C)
)

// txOf builds a decoded transaction whose block time is blockDay days after
// the fixture epoch.
func txOf(sig string, slot uint64, blockDay int, evs ...events.Event) DecodedTransaction {
	tx := testutil.Transaction(sig, slot, testutil.Time(blockDay))
	envs := make([]events.Envelope, len(evs))
	for i, ev := range evs {
		envs[i] = events.Envelope{
			Signature: tx.Signature,
			Slot:      slot,
			BlockTime: tx.BlockTime,
			Program:   testutil.Address(0xEE),
			Index:     i,
			Event:     ev,
		}
	}
	return DecodedTransaction{Transaction: tx, Events: envs}
}

func newApplier(t *testing.T) (*Applier, *storage.MemoryStore) {
	store := storage.NewMemoryStore(nil)
	return NewApplier(store, testutil.NewTestLogger(t), NewMetrics(nil), time.Second), store
}

func apply(t *testing.T, a *Applier, dt DecodedTransaction) bool {
	t.Helper()
	applied, err := a.Apply(context.Background(), dt)
	require.NoError(t, err)
	return applied
}

func seedTask(t *testing.T, a *Applier, budget uint64) {
	t.Helper()
	evs := []events.Event{
		events.CampaignCreated{
			Campaign: campaignAddr, CampaignID: "c-1", Creator: creator,
			Title: "Grants", Category: "infra", CreatedAt: testutil.Time(0),
		},
		events.TaskCreated{
			Task: taskAddr, TaskID: "t-1", Campaign: campaignAddr, Creator: creator,
			Title: "Audit", TargetBudget: 50_000_000_000_000, CreatedAt: testutil.Time(0),
		},
		events.TaskAddedToCampaign{Campaign: campaignAddr, Task: taskAddr, TasksCount: 1, AddedAt: testutil.Time(0)},
	}
	if budget > 0 {
		evs = append(evs, events.BudgetFinalized{Task: taskAddr, FinalizedBudget: budget, FinalizedAt: testutil.Time(0)})
	}
	require.True(t, apply(t, a, txOf("seed", 1, 0, evs...)))
}

func read(t *testing.T, s storage.Store, fn func(tx storage.Tx)) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx storage.Tx) error {
		fn(tx)
		return nil
	}))
}

func TestApply_Idempotent(t *testing.T) {
	a, store := newApplier(t)
	seedTask(t, a, 100)

	dt := txOf("contrib", 2, 1, events.ContributionMade{
		Task: taskAddr, Contributor: alice, Amount: 10, TotalContributed: 10, ContributedAt: testutil.Time(1),
	})
	require.NoError(t, store.StagePending(context.Background(), []storage.PendingTransaction{
		{Signature: dt.Transaction.Signature, Slot: 2, Payload: []byte(`{}`)},
	}))

	assert.True(t, apply(t, a, dt))
	assert.False(t, apply(t, a, dt), "replay is a no-op")

	read(t, store, func(tx storage.Tx) {
		list, err := tx.ListContributions(context.Background(), taskAddr)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "10", list[0].Amount.String())

		w, err := tx.GetWallet(context.Background(), alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), w.ContributionCount)
	})

	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "outbox row removed with the unit")

	assert.Equal(t, float64(2), promtestutil.ToFloat64(a.metrics.TransactionsApplied))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(a.metrics.TransactionsSkipped))
}

func TestApply_ReplayDeletesStaleOutboxRow(t *testing.T) {
	a, store := newApplier(t)
	dt := txOf("sig", 1, 0)
	require.True(t, apply(t, a, dt))

	require.NoError(t, store.StagePending(context.Background(), []storage.PendingTransaction{
		{Signature: "sig", Slot: 1, Payload: []byte(`{}`)},
	}))
	assert.False(t, apply(t, a, dt))

	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApply_ContributionAccumulates(t *testing.T) {
	a, store := newApplier(t)
	seedTask(t, a, 100)

	apply(t, a, txOf("c1", 2, 1, events.ContributionMade{
		Task: taskAddr, Contributor: alice, Amount: 10, TotalContributed: 10, ContributedAt: testutil.Time(1),
	}))
	apply(t, a, txOf("c2", 3, 2, events.ContributionMade{
		Task: taskAddr, Contributor: alice, Amount: 15, TotalContributed: 25, ContributedAt: testutil.Time(2),
	}))

	read(t, store, func(tx storage.Tx) {
		ctx := context.Background()
		list, err := tx.ListContributions(ctx, taskAddr)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "25", list[0].Amount.String())
		assert.True(t, list[0].ContributedAt.Equal(testutil.Time(2)))

		task, err := tx.GetTask(ctx, taskAddr)
		require.NoError(t, err)
		assert.Equal(t, "25", task.TotalContributed.String())

		w, err := tx.GetWallet(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, "25", w.TotalContributed.String())
		assert.Equal(t, uint64(2), w.ContributionCount)
		assert.Equal(t, 1, w.AgeDays)

		m, err := tx.GetTaskMetrics(ctx, taskAddr)
		require.NoError(t, err)
		assert.Equal(t, "25", m.PercentFunded.String())
		assert.Equal(t, 1, m.UniqueContributors)
		assert.True(t, m.UpdatedAt.Equal(testutil.Time(2)))
	})
}

func TestApply_AntiSybilMetrics(t *testing.T) {
	a, store := newApplier(t)
	seedTask(t, a, 100)

	// each wallet is first seen on its own day, then contributes on day 200
	apply(t, a, txOf("seen-a", 2, 197, events.BudgetVoteCast{Task: taskAddr, Voter: alice, ProposedBudget: 1, VotedAt: testutil.Time(197)}))
	apply(t, a, txOf("seen-b", 3, 180, events.BudgetVoteCast{Task: taskAddr, Voter: bob, ProposedBudget: 1, VotedAt: testutil.Time(180)}))
	apply(t, a, txOf("seen-c", 4, 0, events.BudgetVoteCast{Task: taskAddr, Voter: carol, ProposedBudget: 1, VotedAt: testutil.Time(0)}))

	apply(t, a, txOf("contribs", 5, 200,
		events.ContributionMade{Task: taskAddr, Contributor: alice, Amount: 10, TotalContributed: 10, ContributedAt: testutil.Time(200)},
		events.ContributionMade{Task: taskAddr, Contributor: bob, Amount: 20, TotalContributed: 30, ContributedAt: testutil.Time(200)},
		events.ContributionMade{Task: taskAddr, Contributor: carol, Amount: 30, TotalContributed: 60, ContributedAt: testutil.Time(200)},
	))

	read(t, store, func(tx storage.Tx) {
		ctx := context.Background()
		m, err := tx.GetTaskMetrics(ctx, taskAddr)
		require.NoError(t, err)
		assert.True(t, m.WeightedContributors.Equal(decimal.RequireFromString("1.6")), "weighted = %s", m.WeightedContributors)
		assert.True(t, m.TrendingScore.Equal(decimal.RequireFromString("42.48")), "trending = %s", m.TrendingScore)
		assert.Equal(t, "60", m.PercentFunded.String())

		cm, err := tx.GetCampaignMetrics(ctx, campaignAddr)
		require.NoError(t, err)
		assert.Equal(t, "60", cm.TotalContributed.String())
		assert.Equal(t, 3, cm.UniqueContributors)
		assert.Equal(t, 1, cm.TotalTasks)
	})
}

func TestApply_PercentFundedNotClamped(t *testing.T) {
	a, store := newApplier(t)
	seedTask(t, a, 100)

	apply(t, a, txOf("c1", 2, 1, events.ContributionMade{
		Task: taskAddr, Contributor: alice, Amount: 150, TotalContributed: 150, ContributedAt: testutil.Time(1),
	}))

	read(t, store, func(tx storage.Tx) {
		m, err := tx.GetTaskMetrics(context.Background(), taskAddr)
		require.NoError(t, err)
		assert.Equal(t, "150", m.PercentFunded.String())
	})
}

func TestApply_UnrecognizedIsMarked(t *testing.T) {
	a, store := newApplier(t)

	dt := txOf("frozen", 7, 0, events.Unrecognized{Name: "EscrowFrozen", Fields: map[string]any{"frozen_at": int64(1)}})
	assert.True(t, apply(t, a, dt))
	assert.False(t, apply(t, a, dt))

	read(t, store, func(tx storage.Tx) {
		done, err := tx.IsProcessed(context.Background(), "frozen")
		require.NoError(t, err)
		assert.True(t, done)
	})
	assert.Equal(t, float64(1), promtestutil.ToFloat64(a.metrics.EventsUnrecognized.WithLabelValues("EscrowFrozen")))
}

func TestApply_Lifecycle(t *testing.T) {
	a, store := newApplier(t)
	seedTask(t, a, 0)

	paid := uint64(90)
	apply(t, a, txOf("life", 2, 5,
		events.CampaignPublished{Campaign: campaignAddr, Creator: creator, PublishedAt: testutil.Time(1)},
		events.CampaignStateChanged{Campaign: campaignAddr, OldState: events.CampaignStatePublished, NewState: events.CampaignStateActive, ChangedAt: testutil.Time(2)},
		events.TaskStateChanged{Task: taskAddr, OldState: events.TaskStateDraft, NewState: events.TaskStateVotingBudget, ChangedAt: testutil.Time(2)},
		events.RecipientAssigned{Task: taskAddr, Recipient: bob, AssignedAt: testutil.Time(3)},
		events.TaskFunded{Task: taskAddr, TotalContributed: 100, FundedAt: testutil.Time(4)},
		events.TaskApproved{Task: taskAddr, ApprovalPercent: 80, ApprovedAt: testutil.Time(5)},
		events.PayoutExecuted{Task: taskAddr, Recipient: bob, Amount: 60, TotalPaidOut: &paid, PaidAt: testutil.Time(5)},
		events.RefundExecuted{Task: taskAddr, Contributor: alice, Amount: 4, RefundedAt: testutil.Time(5)},
		events.RefundExecuted{Task: taskAddr, Contributor: alice, Amount: 6, RefundedAt: testutil.Time(5)},
		events.TaskStateChanged{Task: taskAddr, OldState: events.TaskStateApproved, NewState: events.TaskStatePaidOut, ChangedAt: testutil.Time(6)},
		events.CampaignArchived{Campaign: campaignAddr, ArchivedBy: creator, ArchivedAt: testutil.Time(7)},
	))

	read(t, store, func(tx storage.Tx) {
		ctx := context.Background()
		c, err := tx.GetCampaign(ctx, campaignAddr)
		require.NoError(t, err)
		assert.Equal(t, events.CampaignStateArchived, c.State)
		require.NotNil(t, c.PublishedAt)
		require.NotNil(t, c.ActivatedAt)
		require.NotNil(t, c.ArchivedAt)
		assert.True(t, c.ActivatedAt.Equal(testutil.Time(2)))
		assert.Equal(t, uint32(1), c.TasksCount)

		task, err := tx.GetTask(ctx, taskAddr)
		require.NoError(t, err)
		assert.Equal(t, events.TaskStatePaidOut, task.State)
		assert.Equal(t, "50000000000000", task.TargetBudget.String())
		assert.Nil(t, task.Deadline)
		require.NotNil(t, task.Recipient)
		assert.Equal(t, bob, *task.Recipient)
		assert.Equal(t, "100", task.TotalContributed.String())
		assert.Equal(t, "90", task.TotalPaidOut.String(), "authoritative total wins")
		assert.Equal(t, "10", task.TotalRefunded.String(), "amounts accumulate without a running total")
		require.NotNil(t, task.ApprovalPercent)
		assert.Equal(t, uint8(80), *task.ApprovalPercent)
		require.NotNil(t, task.VotingStartedAt)
		require.NotNil(t, task.FundedAt)
		require.NotNil(t, task.ApprovedAt)
		require.NotNil(t, task.CompletedAt)
		assert.True(t, task.CompletedAt.Equal(testutil.Time(6)))

		w, err := tx.GetWallet(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, "10", w.TotalRefunded.String())

		creatorWallet, err := tx.GetWallet(ctx, creator)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), creatorWallet.CampaignsCreated)
		assert.Equal(t, uint64(1), creatorWallet.TasksCreated)
	})
}

func TestApply_VotesLastWins(t *testing.T) {
	a, store := newApplier(t)
	seedTask(t, a, 0)

	apply(t, a, txOf("v1", 2, 1,
		events.BudgetVoteCast{Task: taskAddr, Voter: alice, ProposedBudget: 500, VoteWeight: 1, VotedAt: testutil.Time(1)},
		events.ApprovalVoteCast{Task: taskAddr, Voter: alice, Approved: true, VoteWeight: 1, VotedAt: testutil.Time(1)},
	))
	apply(t, a, txOf("v2", 3, 2,
		events.BudgetVoteCast{Task: taskAddr, Voter: alice, ProposedBudget: 800, VoteWeight: 3, VotedAt: testutil.Time(2)},
		events.ApprovalVoteCast{Task: taskAddr, Voter: alice, Approved: false, VoteWeight: 3, VotedAt: testutil.Time(2)},
	))

	read(t, store, func(tx storage.Tx) {
		ctx := context.Background()
		budget, err := tx.ListBudgetVotes(ctx, taskAddr)
		require.NoError(t, err)
		require.Len(t, budget, 1)
		assert.Equal(t, "800", budget[0].ProposedBudget.String())
		assert.Equal(t, "3", budget[0].VoteWeight.String())

		approvals, err := tx.ListApprovalVotes(ctx, taskAddr)
		require.NoError(t, err)
		require.Len(t, approvals, 1)
		assert.False(t, approvals[0].Approved)
	})
}

func TestApply_DisputeProofAndGovernance(t *testing.T) {
	a, store := newApplier(t)
	dispute := testutil.Address(0x50)
	proof := testutil.Address(0x51)
	dist := testutil.Address(0x52)

	apply(t, a, txOf("misc", 2, 1,
		events.ProofSubmitted{Proof: proof, Task: taskAddr, Recipient: bob, ProofHash: "abc", ProofURI: "ipfs://x", SubmittedAt: testutil.Time(1)},
		events.DisputeInitiated{Dispute: dispute, Task: taskAddr, Initiator: alice, Reason: "late", InitiatedAt: testutil.Time(1)},
		events.DisputeResolved{Dispute: dispute, Task: taskAddr, Resolution: events.RefundToDonors, PayoutPercent: 0, ResolvedAt: testutil.Time(2)},
		events.TokensDistributed{Distribution: dist, Recipient: carol, Amount: 1000, RecipientType: events.DaoTreasury, DistributedAt: testutil.Time(1)},
	))

	read(t, store, func(tx storage.Tx) {
		ctx := context.Background()
		p, err := tx.GetProof(ctx, proof)
		require.NoError(t, err)
		assert.Equal(t, "ipfs://x", p.ProofURI)

		d, err := tx.GetDispute(ctx, dispute)
		require.NoError(t, err)
		assert.Equal(t, storage.DisputeResolved, d.Status)
		require.NotNil(t, d.Resolution)
		assert.Equal(t, events.RefundToDonors, *d.Resolution)
		require.NotNil(t, d.ResolvedAt)

		g, err := tx.GetDistribution(ctx, dist)
		require.NoError(t, err)
		assert.Equal(t, "1000", g.Amount.String())
		assert.Equal(t, events.DaoTreasury, g.RecipientType)
	})
}

func TestApply_MissingParentIsTolerated(t *testing.T) {
	a, store := newApplier(t)

	assert.True(t, apply(t, a, txOf("orphan", 2, 1,
		events.TaskStateChanged{Task: taskAddr, NewState: events.TaskStateFunded, ChangedAt: testutil.Time(1)},
		events.CampaignPublished{Campaign: campaignAddr, PublishedAt: testutil.Time(1)},
		events.DisputeResolved{Dispute: testutil.Address(0x50), ResolvedAt: testutil.Time(1)},
		events.ContributionMade{Task: taskAddr, Contributor: alice, Amount: 5, TotalContributed: 5, ContributedAt: testutil.Time(1)},
	)))

	read(t, store, func(tx storage.Tx) {
		_, err := tx.GetTask(context.Background(), taskAddr)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		list, err := tx.ListContributions(context.Background(), taskAddr)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		w, err := tx.GetWallet(context.Background(), alice)
		require.NoError(t, err)
		assert.Equal(t, "5", w.TotalContributed.String())
		assert.Equal(t, uint64(1), w.ContributionCount)

		_, err = tx.GetTaskMetrics(context.Background(), taskAddr)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestApply_LogsCarryTransaction(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := NewApplier(storage.NewMemoryStore(nil), zap.New(core), nil, time.Second)

	apply(t, a, txOf("orphan", 4, 1,
		events.TaskStateChanged{Task: taskAddr, NewState: events.TaskStateFunded, ChangedAt: testutil.Time(1)},
	))

	entries := logs.FilterMessage("Task not indexed, skipping update").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "orphan", fields["signature"])
	assert.Equal(t, uint64(4), fields["slot"])
}

func TestApply_MarkerPayload(t *testing.T) {
	a, store := newApplier(t)
	seedTask(t, a, 0)

	var marker storage.ProcessedEvent
	spy := &spyStore{Store: store, onMark: func(ev storage.ProcessedEvent) { marker = ev }}
	a.store = spy

	apply(t, a, txOf("marked", 9, 3, events.TaskUpdated{Task: taskAddr, UpdatedBy: creator, UpdatedAt: testutil.Time(3)}))

	assert.Equal(t, ledger.Signature("marked"), marker.Signature)
	assert.Equal(t, uint64(9), marker.Slot)
	assert.Equal(t, []string{"TaskUpdated"}, marker.EventTypes)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(marker.Payload, &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "TaskUpdated", decoded[0]["type"])
}

// failingStore fails every Tx write after the marker
type failingStore struct {
	storage.Store
}

func (s failingStore) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx storage.Tx) error {
		return fn(failingTx{Tx: tx})
	})
}

type failingTx struct {
	storage.Tx
}

func (failingTx) AddContribution(context.Context, storage.Contribution) (storage.Contribution, error) {
	return storage.Contribution{}, errors.New("disk full")
}

type spyStore struct {
	storage.Store
	onMark func(storage.ProcessedEvent)
}

func (s *spyStore) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx storage.Tx) error {
		return fn(spyTx{Tx: tx, onMark: s.onMark})
	})
}

type spyTx struct {
	storage.Tx
	onMark func(storage.ProcessedEvent)
}

func (t spyTx) MarkProcessed(ctx context.Context, ev storage.ProcessedEvent) error {
	t.onMark(ev)
	return t.Tx.MarkProcessed(ctx, ev)
}

func TestApply_RollbackOnError(t *testing.T) {
	store := storage.NewMemoryStore(nil)
	a := NewApplier(failingStore{Store: store}, testutil.NewTestLogger(t), NewMetrics(nil), time.Second)

	require.NoError(t, store.StagePending(context.Background(), []storage.PendingTransaction{
		{Signature: "bad", Slot: 2, Payload: []byte(`{}`)},
	}))

	applied, err := a.Apply(context.Background(), txOf("bad", 2, 1, events.ContributionMade{
		Task: taskAddr, Contributor: alice, Amount: 10, TotalContributed: 10, ContributedAt: testutil.Time(1),
	}))
	require.Error(t, err)
	assert.False(t, applied)
	assert.Contains(t, err.Error(), "disk full")

	read(t, store, func(tx storage.Tx) {
		done, err := tx.IsProcessed(context.Background(), "bad")
		require.NoError(t, err)
		assert.False(t, done, "marker rolled back")
		_, err = tx.GetWallet(context.Background(), alice)
		assert.ErrorIs(t, err, storage.ErrNotFound, "wallet write rolled back")
	})

	pending, err := store.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "outbox row kept for the next tick")
	assert.Equal(t, float64(1), promtestutil.ToFloat64(a.metrics.ApplyErrors))
}

func TestApply_SurvivesCancelledContext(t *testing.T) {
	a, store := newApplier(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	applied, err := a.Apply(ctx, txOf("late", 1, 0))
	require.NoError(t, err)
	assert.True(t, applied)

	read(t, store, func(tx storage.Tx) {
		done, err := tx.IsProcessed(context.Background(), "late")
		require.NoError(t, err)
		assert.True(t, done)
	})
}

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.EventsApplied.WithLabelValues("TaskCreated").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "indexer_applier_events_applied_total")
}

func TestWalletAge(t *testing.T) {
	assert.Equal(t, 0, walletAge(testutil.Time(5), testutil.Time(1)))
	assert.Equal(t, 3, walletAge(testutil.Time(0), testutil.Time(3).Add(23*time.Hour)))
	assert.Equal(t, 0, walletAge(testutil.Time(0), testutil.Time(0).Add(time.Hour)))
}

func TestRunningTotal(t *testing.T) {
	total := uint64(7)
	assert.Equal(t, "7", runningTotal(big.NewInt(100), 1, &total).String())
	assert.Equal(t, "101", runningTotal(big.NewInt(100), 1, nil).String())
	assert.Equal(t, "1", runningTotal(nil, 1, nil).String())
}
