package storage_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/0xmhha/crowdfund-indexer/internal/testutil"
	"github.com/0xmhha/crowdfund-indexer/pkg/events"
	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/0xmhha/crowdfund-indexer/pkg/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every Store must share. newStore
// must return an empty store.
func runStoreContract(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("CursorMonotonic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Cursor(ctx)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.SaveCursor(ctx, 100, testutil.Time(0)))
		require.NoError(t, s.SaveCursor(ctx, 90, testutil.Time(1)))

		c, err := s.Cursor(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), c.Slot)

		require.NoError(t, s.SaveCursor(ctx, 150, testutil.Time(2)))
		c, err = s.Cursor(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(150), c.Slot)
	})

	t.Run("PendingOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.StagePending(ctx, []storage.PendingTransaction{
			{Signature: "late", Slot: 20, Payload: []byte(`{}`)},
			{Signature: "early-a", Slot: 10, Payload: []byte(`{}`)},
			{Signature: "early-b", Slot: 10, Payload: []byte(`{}`)},
		}))
		// restaging is ignored
		require.NoError(t, s.StagePending(ctx, []storage.PendingTransaction{
			{Signature: "late", Slot: 1, Payload: []byte(`{}`)},
		}))

		pending, err := s.ListPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, ledger.Signature("early-a"), pending[0].Signature)
		assert.Equal(t, ledger.Signature("early-b"), pending[1].Signature)
		assert.Equal(t, ledger.Signature("late"), pending[2].Signature)
		assert.Equal(t, uint64(20), pending[2].Slot)

		limited, err := s.ListPending(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			return tx.DeletePending(ctx, "early-a")
		}))
		pending, err = s.ListPending(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
	})

	t.Run("PendingDeadLetter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.StagePending(ctx, []storage.PendingTransaction{
			{Signature: "bad", Slot: 10, Payload: []byte(`{}`)},
			{Signature: "good", Slot: 11, Payload: []byte(`{}`)},
		}))

		attempts, dead, err := s.RecordPendingFailure(ctx, "bad", "numeric overflow", 2)
		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
		assert.False(t, dead)

		pending, err := s.ListPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, 1, pending[0].Attempts)
		assert.Equal(t, "numeric overflow", pending[0].LastError)

		attempts, dead, err = s.RecordPendingFailure(ctx, "bad", "numeric overflow", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, attempts)
		assert.True(t, dead)

		pending, err = s.ListPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, ledger.Signature("good"), pending[0].Signature)

		letters, err := s.ListDeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, ledger.Signature("bad"), letters[0].Signature)
		assert.Equal(t, 2, letters[0].Attempts)

		// restaging a dead-lettered signature keeps it dead
		require.NoError(t, s.StagePending(ctx, []storage.PendingTransaction{
			{Signature: "bad", Slot: 10, Payload: []byte(`{}`)},
		}))
		pending, err = s.ListPending(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		attempts, dead, err = s.RecordPendingFailure(ctx, "missing", "x", 2)
		require.NoError(t, err)
		assert.Zero(t, attempts)
		assert.False(t, dead)

		attempts, dead, err = s.RecordPendingFailure(ctx, "good", "x", 0)
		require.NoError(t, err)
		assert.Equal(t, 1, attempts)
		assert.False(t, dead, "no limit never dead-letters")
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		boom := errors.New("boom")

		err := s.WithTx(ctx, func(tx storage.Tx) error {
			if err := tx.MarkProcessed(ctx, storage.ProcessedEvent{
				Signature: "sig-1", Slot: 5, BlockTime: testutil.Time(0), Payload: []byte(`{}`),
			}); err != nil {
				return err
			}
			if _, err := tx.InsertCampaign(ctx, sampleCampaign()); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			done, err := tx.IsProcessed(ctx, "sig-1")
			require.NoError(t, err)
			assert.False(t, done)
			_, err = tx.GetCampaign(ctx, sampleCampaign().Address)
			assert.ErrorIs(t, err, storage.ErrNotFound)
			return nil
		}))
	})

	t.Run("CampaignAndTaskRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			created, err := tx.InsertCampaign(ctx, sampleCampaign())
			require.NoError(t, err)
			assert.True(t, created)

			created, err = tx.InsertCampaign(ctx, sampleCampaign())
			require.NoError(t, err)
			assert.False(t, created, "second insert is a no-op")

			created, err = tx.InsertTask(ctx, sampleTask())
			require.NoError(t, err)
			assert.True(t, created)
			return nil
		}))

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			task, err := tx.GetTask(ctx, sampleTask().Address)
			require.NoError(t, err)
			assert.Equal(t, events.TaskStateDraft, task.State)
			assert.Equal(t, "0", task.TotalContributed.String())
			assert.Nil(t, task.FinalizedBudget)
			require.NotNil(t, task.TargetBudget)
			assert.Equal(t, "18000000000000000000", task.TargetBudget.String())
			assert.Nil(t, task.Deadline)
			assert.Nil(t, task.Recipient)

			recipient := testutil.Address(0x44)
			task.Recipient = &recipient
			task.FinalizedBudget = big.NewInt(100)
			task.State = events.TaskStateFundingOpen
			task.Stamp(events.TaskStateFundingOpen, testutil.Time(3))
			require.NoError(t, tx.UpdateTask(ctx, task))

			tasks, err := tx.ListTasks(ctx, sampleCampaign().Address)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, "100", tasks[0].FinalizedBudget.String())
			require.NotNil(t, tasks[0].Recipient)
			assert.Equal(t, recipient, *tasks[0].Recipient)
			require.NotNil(t, tasks[0].FundingOpenedAt)
			assert.True(t, tasks[0].FundingOpenedAt.Equal(testutil.Time(3)))
			return nil
		}))
	})

	t.Run("ContributionsAccumulate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		contributor := testutil.Address(0x55)

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			if _, err := tx.InsertCampaign(ctx, sampleCampaign()); err != nil {
				return err
			}
			if _, err := tx.InsertTask(ctx, sampleTask()); err != nil {
				return err
			}
			first, err := tx.AddContribution(ctx, storage.Contribution{
				Task: sampleTask().Address, Contributor: contributor, Amount: big.NewInt(10),
				WalletAgeDays: 3, ContributedAt: testutil.Time(1),
			})
			require.NoError(t, err)
			assert.Equal(t, "10", first.Amount.String())

			second, err := tx.AddContribution(ctx, storage.Contribution{
				Task: sampleTask().Address, Contributor: contributor, Amount: big.NewInt(15),
				WalletAgeDays: 4, ContributedAt: testutil.Time(2),
			})
			require.NoError(t, err)
			assert.Equal(t, "25", second.Amount.String())
			assert.Equal(t, "10", first.Amount.String(), "earlier result is not aliased")
			return nil
		}))

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			list, err := tx.ListContributions(ctx, sampleTask().Address)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "25", list[0].Amount.String())
			assert.Equal(t, 4, list[0].WalletAgeDays)

			all, err := tx.ListCampaignContributions(ctx, sampleCampaign().Address)
			require.NoError(t, err)
			assert.Len(t, all, 1)
			return nil
		}))
	})

	t.Run("VotesLastWins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		task := sampleTask().Address
		voter := testutil.Address(0x66)

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			require.NoError(t, tx.UpsertBudgetVote(ctx, storage.BudgetVote{
				Task: task, Voter: voter, ProposedBudget: big.NewInt(500), VoteWeight: big.NewInt(1), VotedAt: testutil.Time(1),
			}))
			require.NoError(t, tx.UpsertBudgetVote(ctx, storage.BudgetVote{
				Task: task, Voter: voter, ProposedBudget: big.NewInt(700), VoteWeight: big.NewInt(2), VotedAt: testutil.Time(2),
			}))
			require.NoError(t, tx.UpsertApprovalVote(ctx, storage.ApprovalVote{
				Task: task, Voter: voter, Approved: true, VoteWeight: big.NewInt(1), VotedAt: testutil.Time(1),
			}))
			require.NoError(t, tx.UpsertApprovalVote(ctx, storage.ApprovalVote{
				Task: task, Voter: voter, Approved: false, VoteWeight: big.NewInt(1), VotedAt: testutil.Time(2),
			}))
			return nil
		}))

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			budget, err := tx.ListBudgetVotes(ctx, task)
			require.NoError(t, err)
			require.Len(t, budget, 1)
			assert.Equal(t, "700", budget[0].ProposedBudget.String())

			approvals, err := tx.ListApprovalVotes(ctx, task)
			require.NoError(t, err)
			require.Len(t, approvals, 1)
			assert.False(t, approvals[0].Approved)
			return nil
		}))
	})

	t.Run("WalletsAndMetrics", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		addr := testutil.Address(0x77)

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			w, err := tx.EnsureWallet(ctx, addr, testutil.Time(0))
			require.NoError(t, err)
			assert.Equal(t, "0", w.TotalContributed.String())

			again, err := tx.EnsureWallet(ctx, addr, testutil.Time(9))
			require.NoError(t, err)
			assert.True(t, again.FirstSeenAt.Equal(testutil.Time(0)), "first_seen_at is kept")

			w.AgeDays = 9
			w.ContributionCount = 2
			w.TotalContributed = big.NewInt(40)
			w.LastActiveAt = testutil.Time(9)
			require.NoError(t, tx.UpdateWallet(ctx, w))

			_, err = tx.GetTaskMetrics(ctx, sampleTask().Address)
			assert.ErrorIs(t, err, storage.ErrNotFound)

			return tx.SaveTaskMetrics(ctx, storage.TaskMetrics{
				Task:                 sampleTask().Address,
				TotalContributed:     big.NewInt(42),
				UniqueContributors:   3,
				WeightedContributors: decimal.RequireFromString("1.6"),
				PercentFunded:        big.NewInt(42),
				TrendingScore:        decimal.RequireFromString("29.88"),
				UpdatedAt:            testutil.Time(9),
			})
		}))

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			w, err := tx.GetWallet(ctx, addr)
			require.NoError(t, err)
			assert.Equal(t, 9, w.AgeDays)
			assert.Equal(t, uint64(2), w.ContributionCount)
			assert.Equal(t, "40", w.TotalContributed.String())

			m, err := tx.GetTaskMetrics(ctx, sampleTask().Address)
			require.NoError(t, err)
			assert.True(t, m.WeightedContributors.Equal(decimal.RequireFromString("1.6")))
			assert.True(t, m.TrendingScore.Equal(decimal.RequireFromString("29.88")))
			assert.Equal(t, 3, m.UniqueContributors)
			return nil
		}))
	})

	t.Run("DisputeLifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		addr := testutil.Address(0x88)

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			created, err := tx.InsertDispute(ctx, storage.Dispute{
				Address: addr, Task: sampleTask().Address, Initiator: testutil.Address(0x99),
				Reason: "late delivery", Status: storage.DisputePending, InitiatedAt: testutil.Time(1),
			})
			require.NoError(t, err)
			assert.True(t, created)

			d, err := tx.GetDispute(ctx, addr)
			require.NoError(t, err)
			res := events.PartialPayoutPartialRefund
			pct := uint8(60)
			resolved := testutil.Time(4)
			d.Status = storage.DisputeResolved
			d.Resolution = &res
			d.PayoutPercent = &pct
			d.ResolvedAt = &resolved
			return tx.UpdateDispute(ctx, d)
		}))

		require.NoError(t, s.WithTx(ctx, func(tx storage.Tx) error {
			d, err := tx.GetDispute(ctx, addr)
			require.NoError(t, err)
			assert.Equal(t, storage.DisputeResolved, d.Status)
			require.NotNil(t, d.Resolution)
			assert.Equal(t, events.PartialPayoutPartialRefund, *d.Resolution)
			require.NotNil(t, d.PayoutPercent)
			assert.Equal(t, uint8(60), *d.PayoutPercent)
			return nil
		}))
	})

	t.Run("UpdateMissingRow", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		err := s.WithTx(ctx, func(tx storage.Tx) error {
			return tx.UpdateCampaign(ctx, sampleCampaign())
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func sampleCampaign() storage.Campaign {
	return storage.Campaign{
		Address:    testutil.Address(0x11),
		CampaignID: "campaign-1",
		Creator:    testutil.Address(0x22),
		Title:      "Public goods",
		Category:   "infra",
		State:      events.CampaignStateDraft,
		CreatedAt:  testutil.Time(0),
		UpdatedAt:  testutil.Time(0),
	}
}

func sampleTask() storage.Task {
	return storage.Task{
		Address:  testutil.Address(0x33),
		TaskID:   "task-1",
		Campaign: testutil.Address(0x11),
		Creator:  testutil.Address(0x22),
		Title:    "Audit",
		State:    events.TaskStateDraft,

		// above the i64 range of a unix timestamp in seconds
		TargetBudget: new(big.Int).SetUint64(18_000_000_000_000_000_000),
		CreatedAt:    testutil.Time(0),
		UpdatedAt:    testutil.Time(0),
	}
}
