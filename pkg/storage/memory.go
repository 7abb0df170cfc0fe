package storage

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"go.uber.org/zap"
)

type pairKey struct {
	task  ledger.Address
	actor ledger.Address
}

type pendingEntry struct {
	PendingTransaction
	seq  uint64
	dead bool
}

// memState is the full projection. Values are copied in and out, and
// *big.Int fields are never mutated in place, so a shallow map copy is a
// consistent snapshot.
type memState struct {
	processed       map[ledger.Signature]ProcessedEvent
	campaigns       map[ledger.Address]Campaign
	tasks           map[ledger.Address]Task
	contributions   map[pairKey]Contribution
	budgetVotes     map[pairKey]BudgetVote
	approvalVotes   map[pairKey]ApprovalVote
	proofs          map[ledger.Address]Proof
	disputes        map[ledger.Address]Dispute
	wallets         map[ledger.Address]Wallet
	taskMetrics     map[ledger.Address]TaskMetrics
	campaignMetrics map[ledger.Address]CampaignMetrics
	distributions   map[ledger.Address]Distribution
	pending         map[ledger.Signature]pendingEntry
}

func newMemState() *memState {
	return &memState{
		processed:       make(map[ledger.Signature]ProcessedEvent),
		campaigns:       make(map[ledger.Address]Campaign),
		tasks:           make(map[ledger.Address]Task),
		contributions:   make(map[pairKey]Contribution),
		budgetVotes:     make(map[pairKey]BudgetVote),
		approvalVotes:   make(map[pairKey]ApprovalVote),
		proofs:          make(map[ledger.Address]Proof),
		disputes:        make(map[ledger.Address]Dispute),
		wallets:         make(map[ledger.Address]Wallet),
		taskMetrics:     make(map[ledger.Address]TaskMetrics),
		campaignMetrics: make(map[ledger.Address]CampaignMetrics),
		distributions:   make(map[ledger.Address]Distribution),
		pending:         make(map[ledger.Signature]pendingEntry),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		processed:       copyMap(s.processed),
		campaigns:       copyMap(s.campaigns),
		tasks:           copyMap(s.tasks),
		contributions:   copyMap(s.contributions),
		budgetVotes:     copyMap(s.budgetVotes),
		approvalVotes:   copyMap(s.approvalVotes),
		proofs:          copyMap(s.proofs),
		disputes:        copyMap(s.disputes),
		wallets:         copyMap(s.wallets),
		taskMetrics:     copyMap(s.taskMetrics),
		campaignMetrics: copyMap(s.campaignMetrics),
		distributions:   copyMap(s.distributions),
		pending:         copyMap(s.pending),
	}
}

// MemoryStore is an in-process Store. Units of work are serialized and
// applied by swapping in a modified snapshot on commit.
type MemoryStore struct {
	mu     sync.Mutex
	state  *memState
	cursor *Cursor
	seq    uint64
	closed bool
	logger *zap.Logger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{state: newMemState(), logger: logger}
}

// WithTx runs fn against a snapshot and commits it if fn succeeds
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// Cursor returns the persisted cursor
func (s *MemoryStore) Cursor(ctx context.Context) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Cursor{}, ErrClosed
	}
	if s.cursor == nil {
		return Cursor{}, ErrNotFound
	}
	return *s.cursor, nil
}

// SaveCursor records slot, keeping the larger of the stored and new slot
func (s *MemoryStore) SaveCursor(ctx context.Context, slot uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.cursor != nil && s.cursor.Slot > slot {
		slot = s.cursor.Slot
	}
	s.cursor = &Cursor{Slot: slot, UpdatedAt: at}
	return nil
}

// StagePending adds transactions to the outbox
func (s *MemoryStore) StagePending(ctx context.Context, txs []PendingTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, tx := range txs {
		if _, ok := s.state.pending[tx.Signature]; ok {
			continue
		}
		s.seq++
		tx.Payload = append([]byte(nil), tx.Payload...)
		s.state.pending[tx.Signature] = pendingEntry{PendingTransaction: tx, seq: s.seq}
	}
	return nil
}

// ListPending returns staged transactions ordered by slot, then staging order
func (s *MemoryStore) ListPending(ctx context.Context, limit int) ([]PendingTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.pendingWhere(false, limit), nil
}

// RecordPendingFailure bumps the attempt count of an outbox row
func (s *MemoryStore) RecordPendingFailure(ctx context.Context, sig ledger.Signature, reason string, maxAttempts int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, false, ErrClosed
	}
	e, ok := s.state.pending[sig]
	if !ok {
		return 0, false, nil
	}
	e.Attempts++
	e.LastError = reason
	if maxAttempts > 0 && e.Attempts >= maxAttempts {
		e.dead = true
	}
	s.state.pending[sig] = e
	return e.Attempts, e.dead, nil
}

// ListDeadLetters returns dead-lettered outbox rows in staging order
func (s *MemoryStore) ListDeadLetters(ctx context.Context, limit int) ([]PendingTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.pendingWhere(true, limit), nil
}

func (s *MemoryStore) pendingWhere(dead bool, limit int) []PendingTransaction {
	entries := make([]pendingEntry, 0, len(s.state.pending))
	for _, e := range s.state.pending {
		if e.dead == dead {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Slot != entries[j].Slot {
			return entries[i].Slot < entries[j].Slot
		}
		return entries[i].seq < entries[j].seq
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]PendingTransaction, len(entries))
	for i, e := range entries {
		out[i] = e.PendingTransaction
	}
	return out
}

// Ping reports whether the store is open
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memTx struct {
	state *memState
}

func addrLess(a, b ledger.Address) bool {
	return a.String() < b.String()
}

func (tx *memTx) IsProcessed(ctx context.Context, sig ledger.Signature) (bool, error) {
	_, ok := tx.state.processed[sig]
	return ok, nil
}

func (tx *memTx) MarkProcessed(ctx context.Context, ev ProcessedEvent) error {
	if _, ok := tx.state.processed[ev.Signature]; ok {
		return nil
	}
	ev.Payload = append([]byte(nil), ev.Payload...)
	ev.EventTypes = append([]string(nil), ev.EventTypes...)
	tx.state.processed[ev.Signature] = ev
	return nil
}

func (tx *memTx) DeletePending(ctx context.Context, sig ledger.Signature) error {
	delete(tx.state.pending, sig)
	return nil
}

func (tx *memTx) InsertCampaign(ctx context.Context, c Campaign) (bool, error) {
	if _, ok := tx.state.campaigns[c.Address]; ok {
		return false, nil
	}
	tx.state.campaigns[c.Address] = c
	return true, nil
}

func (tx *memTx) GetCampaign(ctx context.Context, addr ledger.Address) (Campaign, error) {
	c, ok := tx.state.campaigns[addr]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (tx *memTx) UpdateCampaign(ctx context.Context, c Campaign) error {
	if _, ok := tx.state.campaigns[c.Address]; !ok {
		return ErrNotFound
	}
	tx.state.campaigns[c.Address] = c
	return nil
}

func (tx *memTx) InsertTask(ctx context.Context, t Task) (bool, error) {
	if _, ok := tx.state.tasks[t.Address]; ok {
		return false, nil
	}
	tx.state.tasks[t.Address] = withZeroTotals(t)
	return true, nil
}

func withZeroTotals(t Task) Task {
	if t.TotalContributed == nil {
		t.TotalContributed = new(big.Int)
	}
	if t.TotalRefunded == nil {
		t.TotalRefunded = new(big.Int)
	}
	if t.TotalPaidOut == nil {
		t.TotalPaidOut = new(big.Int)
	}
	return t
}

func (tx *memTx) GetTask(ctx context.Context, addr ledger.Address) (Task, error) {
	t, ok := tx.state.tasks[addr]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (tx *memTx) UpdateTask(ctx context.Context, t Task) error {
	if _, ok := tx.state.tasks[t.Address]; !ok {
		return ErrNotFound
	}
	tx.state.tasks[t.Address] = withZeroTotals(t)
	return nil
}

func (tx *memTx) ListTasks(ctx context.Context, campaign ledger.Address) ([]Task, error) {
	var out []Task
	for _, t := range tx.state.tasks {
		if t.Campaign == campaign {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return addrLess(out[i].Address, out[j].Address) })
	return out, nil
}

func (tx *memTx) AddContribution(ctx context.Context, c Contribution) (Contribution, error) {
	key := pairKey{task: c.Task, actor: c.Contributor}
	amount := new(big.Int)
	if c.Amount != nil {
		amount.Set(c.Amount)
	}
	if existing, ok := tx.state.contributions[key]; ok {
		amount.Add(amount, existing.Amount)
	}
	c.Amount = amount
	tx.state.contributions[key] = c
	return c, nil
}

func sortContributions(out []Contribution) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Task != out[j].Task {
			return addrLess(out[i].Task, out[j].Task)
		}
		return addrLess(out[i].Contributor, out[j].Contributor)
	})
}

func (tx *memTx) ListContributions(ctx context.Context, task ledger.Address) ([]Contribution, error) {
	var out []Contribution
	for k, c := range tx.state.contributions {
		if k.task == task {
			out = append(out, c)
		}
	}
	sortContributions(out)
	return out, nil
}

func (tx *memTx) ListCampaignContributions(ctx context.Context, campaign ledger.Address) ([]Contribution, error) {
	var out []Contribution
	for k, c := range tx.state.contributions {
		t, ok := tx.state.tasks[k.task]
		if ok && t.Campaign == campaign {
			out = append(out, c)
		}
	}
	sortContributions(out)
	return out, nil
}

func (tx *memTx) UpsertBudgetVote(ctx context.Context, v BudgetVote) error {
	tx.state.budgetVotes[pairKey{task: v.Task, actor: v.Voter}] = v
	return nil
}

func (tx *memTx) ListBudgetVotes(ctx context.Context, task ledger.Address) ([]BudgetVote, error) {
	var out []BudgetVote
	for k, v := range tx.state.budgetVotes {
		if k.task == task {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return addrLess(out[i].Voter, out[j].Voter) })
	return out, nil
}

func (tx *memTx) UpsertApprovalVote(ctx context.Context, v ApprovalVote) error {
	tx.state.approvalVotes[pairKey{task: v.Task, actor: v.Voter}] = v
	return nil
}

func (tx *memTx) ListApprovalVotes(ctx context.Context, task ledger.Address) ([]ApprovalVote, error) {
	var out []ApprovalVote
	for k, v := range tx.state.approvalVotes {
		if k.task == task {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return addrLess(out[i].Voter, out[j].Voter) })
	return out, nil
}

func (tx *memTx) InsertProof(ctx context.Context, p Proof) (bool, error) {
	if _, ok := tx.state.proofs[p.Address]; ok {
		return false, nil
	}
	tx.state.proofs[p.Address] = p
	return true, nil
}

func (tx *memTx) GetProof(ctx context.Context, addr ledger.Address) (Proof, error) {
	p, ok := tx.state.proofs[addr]
	if !ok {
		return Proof{}, ErrNotFound
	}
	return p, nil
}

func (tx *memTx) InsertDispute(ctx context.Context, d Dispute) (bool, error) {
	if _, ok := tx.state.disputes[d.Address]; ok {
		return false, nil
	}
	tx.state.disputes[d.Address] = d
	return true, nil
}

func (tx *memTx) GetDispute(ctx context.Context, addr ledger.Address) (Dispute, error) {
	d, ok := tx.state.disputes[addr]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return d, nil
}

func (tx *memTx) UpdateDispute(ctx context.Context, d Dispute) error {
	if _, ok := tx.state.disputes[d.Address]; !ok {
		return ErrNotFound
	}
	tx.state.disputes[d.Address] = d
	return nil
}

func (tx *memTx) EnsureWallet(ctx context.Context, addr ledger.Address, seenAt time.Time) (Wallet, error) {
	if w, ok := tx.state.wallets[addr]; ok {
		return w, nil
	}
	w := Wallet{
		Address:          addr,
		FirstSeenAt:      seenAt,
		TotalContributed: new(big.Int),
		TotalRefunded:    new(big.Int),
		LastActiveAt:     seenAt,
	}
	tx.state.wallets[addr] = w
	return w, nil
}

func (tx *memTx) GetWallet(ctx context.Context, addr ledger.Address) (Wallet, error) {
	w, ok := tx.state.wallets[addr]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (tx *memTx) UpdateWallet(ctx context.Context, w Wallet) error {
	if _, ok := tx.state.wallets[w.Address]; !ok {
		return ErrNotFound
	}
	tx.state.wallets[w.Address] = w
	return nil
}

func (tx *memTx) GetTaskMetrics(ctx context.Context, task ledger.Address) (TaskMetrics, error) {
	m, ok := tx.state.taskMetrics[task]
	if !ok {
		return TaskMetrics{}, ErrNotFound
	}
	return m, nil
}

func (tx *memTx) SaveTaskMetrics(ctx context.Context, m TaskMetrics) error {
	tx.state.taskMetrics[m.Task] = m
	return nil
}

func (tx *memTx) GetCampaignMetrics(ctx context.Context, campaign ledger.Address) (CampaignMetrics, error) {
	m, ok := tx.state.campaignMetrics[campaign]
	if !ok {
		return CampaignMetrics{}, ErrNotFound
	}
	return m, nil
}

func (tx *memTx) SaveCampaignMetrics(ctx context.Context, m CampaignMetrics) error {
	tx.state.campaignMetrics[m.Campaign] = m
	return nil
}

func (tx *memTx) InsertDistribution(ctx context.Context, d Distribution) (bool, error) {
	if _, ok := tx.state.distributions[d.Address]; ok {
		return false, nil
	}
	tx.state.distributions[d.Address] = d
	return true, nil
}

func (tx *memTx) GetDistribution(ctx context.Context, addr ledger.Address) (Distribution, error) {
	d, ok := tx.state.distributions[addr]
	if !ok {
		return Distribution{}, ErrNotFound
	}
	return d, nil
}
