package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Schema is the DDL of the projection. Statements are idempotent.
// Amounts are NUMERIC so u64 totals and their sums never overflow.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS indexer_cursor (
		id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		last_slot BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		signature TEXT PRIMARY KEY,
		slot BIGINT NOT NULL,
		block_time TIMESTAMPTZ NOT NULL,
		event_types TEXT[] NOT NULL DEFAULT '{}',
		payload JSONB NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS pending_transactions (
		signature TEXT PRIMARY KEY,
		slot BIGINT NOT NULL,
		payload JSONB NOT NULL,
		seq BIGSERIAL,
		staged_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		dead_at TIMESTAMPTZ
	)`,
	`ALTER TABLE pending_transactions ADD COLUMN IF NOT EXISTS attempts INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE pending_transactions ADD COLUMN IF NOT EXISTS last_error TEXT`,
	`ALTER TABLE pending_transactions ADD COLUMN IF NOT EXISTS dead_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS idx_pending_transactions_slot ON pending_transactions (slot, seq)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		address TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		creator TEXT NOT NULL,
		title TEXT NOT NULL,
		category TEXT NOT NULL,
		state SMALLINT NOT NULL,
		tasks_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		published_at TIMESTAMPTZ,
		activated_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		archived_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		address TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		campaign_address TEXT NOT NULL,
		creator TEXT NOT NULL,
		title TEXT NOT NULL,
		recipient TEXT,
		state SMALLINT NOT NULL,
		target_budget NUMERIC,
		finalized_budget NUMERIC,
		total_contributed NUMERIC NOT NULL DEFAULT 0,
		total_refunded NUMERIC NOT NULL DEFAULT 0,
		total_paid_out NUMERIC NOT NULL DEFAULT 0,
		deadline TIMESTAMPTZ,
		approval_percent SMALLINT,
		rejection_percent SMALLINT,
		voting_started_at TIMESTAMPTZ,
		budget_finalized_at TIMESTAMPTZ,
		funding_opened_at TIMESTAMPTZ,
		funded_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		submitted_at TIMESTAMPTZ,
		approved_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		rejected_at TIMESTAMPTZ,
		refunding_at TIMESTAMPTZ,
		refunded_at TIMESTAMPTZ,
		disputed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE tasks ADD COLUMN IF NOT EXISTS target_budget NUMERIC`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_campaign ON tasks (campaign_address)`,
	`CREATE TABLE IF NOT EXISTS contributions (
		task_address TEXT NOT NULL,
		contributor TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		wallet_age_days INTEGER NOT NULL,
		contributed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (task_address, contributor)
	)`,
	`CREATE TABLE IF NOT EXISTS budget_votes (
		task_address TEXT NOT NULL,
		voter TEXT NOT NULL,
		proposed_budget NUMERIC NOT NULL,
		vote_weight NUMERIC NOT NULL,
		voted_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (task_address, voter)
	)`,
	`CREATE TABLE IF NOT EXISTS approval_votes (
		task_address TEXT NOT NULL,
		voter TEXT NOT NULL,
		approved BOOLEAN NOT NULL,
		vote_weight NUMERIC NOT NULL,
		voted_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (task_address, voter)
	)`,
	`CREATE TABLE IF NOT EXISTS proofs (
		address TEXT PRIMARY KEY,
		task_address TEXT NOT NULL,
		recipient TEXT NOT NULL,
		proof_hash TEXT NOT NULL,
		proof_uri TEXT NOT NULL,
		submitted_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS disputes (
		address TEXT PRIMARY KEY,
		task_address TEXT NOT NULL,
		initiator TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		resolution SMALLINT,
		payout_percent SMALLINT,
		initiated_at TIMESTAMPTZ NOT NULL,
		resolved_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_metadata (
		address TEXT PRIMARY KEY,
		first_seen_at TIMESTAMPTZ NOT NULL,
		age_days INTEGER NOT NULL DEFAULT 0,
		total_contributed NUMERIC NOT NULL DEFAULT 0,
		total_refunded NUMERIC NOT NULL DEFAULT 0,
		contribution_count BIGINT NOT NULL DEFAULT 0,
		campaigns_created BIGINT NOT NULL DEFAULT 0,
		tasks_created BIGINT NOT NULL DEFAULT 0,
		last_active_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_metrics (
		task_address TEXT PRIMARY KEY,
		total_contributed NUMERIC NOT NULL,
		unique_contributors INTEGER NOT NULL,
		weighted_contributor_count NUMERIC NOT NULL,
		percent_funded NUMERIC NOT NULL,
		trending_score NUMERIC NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_metrics (
		campaign_address TEXT PRIMARY KEY,
		total_tasks INTEGER NOT NULL,
		total_contributed NUMERIC NOT NULL,
		unique_contributors INTEGER NOT NULL,
		weighted_contributor_count NUMERIC NOT NULL,
		trending_score NUMERIC NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS governance_distributions (
		address TEXT PRIMARY KEY,
		recipient TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		recipient_type SMALLINT NOT NULL,
		distributed_at TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates the projection tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for i, stmt := range Schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}
	s.logger.Info("Schema migrated", zap.Int("statements", len(Schema)))
	return nil
}

// Truncate empties every projection table and the cursor
func (s *PostgresStore) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE indexer_cursor, processed_events, pending_transactions, campaigns, tasks,
		contributions, budget_votes, approval_votes, proofs, disputes, wallet_metadata, task_metrics,
		campaign_metrics, governance_distributions`)
	if err != nil {
		return fmt.Errorf("failed to truncate tables: %w", err)
	}
	return nil
}
