// Package derived computes the anti-Sybil metrics of tasks and campaigns.
//
// Compute functions are pure; Recompute functions read the inputs through a
// storage unit of work, lock them, and replace the metrics row. Both are
// deterministic given the same rows and asOf timestamp.
package derived

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/0xmhha/crowdfund-indexer/pkg/storage"
	"github.com/shopspring/decimal"
)

var (
	amountFactor    = decimal.New(7, -1)
	diversityFactor = decimal.New(3, -1)

	weightNew    = decimal.New(1, -1)
	weightYoung  = decimal.New(5, -1)
	weightMature = decimal.New(8, -1)
	weightOld    = decimal.New(1, 0)

	hundred = big.NewInt(100)
)

// Weight returns the reputation weight of a contributor whose wallet was
// ageDays old when it contributed.
func Weight(ageDays int) decimal.Decimal {
	switch {
	case ageDays < 7:
		return weightNew
	case ageDays < 30:
		return weightYoung
	case ageDays < 180:
		return weightMature
	default:
		return weightOld
	}
}

// WeightedCount sums the weights of contribution rows
func WeightedCount(contributions []storage.Contribution) decimal.Decimal {
	sum := decimal.Zero
	for _, c := range contributions {
		sum = sum.Add(Weight(c.WalletAgeDays))
	}
	return sum
}

// TrendingScore is total*0.7 + weighted*0.3
func TrendingScore(total *big.Int, weighted decimal.Decimal) decimal.Decimal {
	return decimal.NewFromBigInt(orZero(total), 0).Mul(amountFactor).Add(weighted.Mul(diversityFactor))
}

// PercentFunded is floor(total*100/budget), or 0 without a positive budget.
// The result is not clamped at 100.
func PercentFunded(total, budget *big.Int) *big.Int {
	if budget == nil || budget.Sign() <= 0 {
		return new(big.Int)
	}
	n := new(big.Int).Mul(orZero(total), hundred)
	return n.Quo(n, budget)
}

// ComputeTaskMetrics derives a task's metrics from its row and contributions
func ComputeTaskMetrics(task storage.Task, contributions []storage.Contribution, asOf time.Time) storage.TaskMetrics {
	total := new(big.Int).Set(orZero(task.TotalContributed))
	weighted := WeightedCount(contributions)
	return storage.TaskMetrics{
		Task:                 task.Address,
		TotalContributed:     total,
		UniqueContributors:   uniqueContributors(contributions),
		WeightedContributors: weighted,
		PercentFunded:        PercentFunded(total, task.FinalizedBudget),
		TrendingScore:        TrendingScore(total, weighted),
		UpdatedAt:            asOf,
	}
}

// ComputeCampaignMetrics aggregates the campaign's tasks. The total is the sum
// of task totals and the weighted count spans every contribution row of
// every task.
func ComputeCampaignMetrics(campaign storage.Campaign, tasks []storage.Task, contributions []storage.Contribution, asOf time.Time) storage.CampaignMetrics {
	total := new(big.Int)
	for _, t := range tasks {
		total.Add(total, orZero(t.TotalContributed))
	}

	totalTasks := len(tasks)
	if int(campaign.TasksCount) > totalTasks {
		totalTasks = int(campaign.TasksCount)
	}

	weighted := WeightedCount(contributions)
	return storage.CampaignMetrics{
		Campaign:             campaign.Address,
		TotalTasks:           totalTasks,
		TotalContributed:     total,
		UniqueContributors:   uniqueContributors(contributions),
		WeightedContributors: weighted,
		TrendingScore:        TrendingScore(total, weighted),
		UpdatedAt:            asOf,
	}
}

// ZeroTaskMetrics is the row written when a task is created
func ZeroTaskMetrics(task ledger.Address, at time.Time) storage.TaskMetrics {
	return storage.TaskMetrics{
		Task:                 task,
		TotalContributed:     new(big.Int),
		WeightedContributors: decimal.Zero,
		PercentFunded:        new(big.Int),
		TrendingScore:        decimal.Zero,
		UpdatedAt:            at,
	}
}

// ZeroCampaignMetrics is the row written when a campaign is created
func ZeroCampaignMetrics(campaign ledger.Address, at time.Time) storage.CampaignMetrics {
	return storage.CampaignMetrics{
		Campaign:             campaign,
		TotalContributed:     new(big.Int),
		WeightedContributors: decimal.Zero,
		TrendingScore:        decimal.Zero,
		UpdatedAt:            at,
	}
}

// RecomputeTask replaces the task's metrics row. A task the projection has
// not seen is a no-op.
func RecomputeTask(ctx context.Context, tx storage.Tx, addr ledger.Address, asOf time.Time) (storage.TaskMetrics, error) {
	task, err := tx.GetTask(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.TaskMetrics{}, nil
	}
	if err != nil {
		return storage.TaskMetrics{}, fmt.Errorf("recompute task %s: %w", addr, err)
	}
	contributions, err := tx.ListContributions(ctx, addr)
	if err != nil {
		return storage.TaskMetrics{}, fmt.Errorf("recompute task %s: %w", addr, err)
	}

	m := ComputeTaskMetrics(task, contributions, asOf)
	if err := tx.SaveTaskMetrics(ctx, m); err != nil {
		return storage.TaskMetrics{}, fmt.Errorf("recompute task %s: %w", addr, err)
	}
	return m, nil
}

// RecomputeCampaign replaces the campaign's metrics row. A campaign the
// projection has not seen is a no-op.
func RecomputeCampaign(ctx context.Context, tx storage.Tx, addr ledger.Address, asOf time.Time) (storage.CampaignMetrics, error) {
	campaign, err := tx.GetCampaign(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.CampaignMetrics{}, nil
	}
	if err != nil {
		return storage.CampaignMetrics{}, fmt.Errorf("recompute campaign %s: %w", addr, err)
	}
	tasks, err := tx.ListTasks(ctx, addr)
	if err != nil {
		return storage.CampaignMetrics{}, fmt.Errorf("recompute campaign %s: %w", addr, err)
	}
	contributions, err := tx.ListCampaignContributions(ctx, addr)
	if err != nil {
		return storage.CampaignMetrics{}, fmt.Errorf("recompute campaign %s: %w", addr, err)
	}

	m := ComputeCampaignMetrics(campaign, tasks, contributions, asOf)
	if err := tx.SaveCampaignMetrics(ctx, m); err != nil {
		return storage.CampaignMetrics{}, fmt.Errorf("recompute campaign %s: %w", addr, err)
	}
	return m, nil
}

func uniqueContributors(contributions []storage.Contribution) int {
	seen := make(map[ledger.Address]struct{}, len(contributions))
	for _, c := range contributions {
		seen[c.Contributor] = struct{}{}
	}
	return len(seen)
}

func orZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}
