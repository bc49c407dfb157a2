package trust

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/iolta-ledger/internal/audit"
)

// MemoryStore is an in-memory Store used in development mode and tests.
// A single mutex guards all state: every unit of work runs to completion
// under it, which gives the same serialization the Postgres store gets from
// row-level locks.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*TrustBankAccount
	ledgers   map[string]*ClientTrustLedger
	txs       map[string]*TrustTransaction
	recs      map[string]*ReconciliationRecord
	auditLog  []*audit.Entry
	auditHead string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*TrustBankAccount),
		ledgers:   make(map[string]*ClientTrustLedger),
		txs:       make(map[string]*TrustTransaction),
		recs:      make(map[string]*ReconciliationRecord),
		auditHead: audit.GenesisHash,
	}
}

func (s *MemoryStore) CreateAccount(ctx context.Context, acct *TrustBankAccount, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[acct.ID]; exists {
		return &ValidationError{Field: "id", Reason: "account already exists"}
	}
	cp := *acct
	s.accounts[acct.ID] = &cp
	s.appendAudit(entry)
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*TrustBankAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccountLocked(id)
}

func (s *MemoryStore) getAccountLocked(id string) (*TrustBankAccount, error) {
	acct, ok := s.accounts[id]
	if !ok {
		return nil, &NotFoundError{Entity: "account", ID: id}
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context, f AccountFilter) ([]*TrustBankAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TrustBankAccount
	for _, a := range s.accounts {
		if f.EntityID != "" && a.EntityID != f.EntityID {
			continue
		}
		if f.OfficeID != "" && a.OfficeID != f.OfficeID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) UpdateAccount(ctx context.Context, acct *TrustBankAccount, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; !ok {
		return &NotFoundError{Entity: "account", ID: acct.ID}
	}
	cp := *acct
	s.accounts[acct.ID] = &cp
	s.appendAudit(entry)
	return nil
}

func (s *MemoryStore) CreateLedger(ctx context.Context, led *ClientTrustLedger, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ledgers[led.ID]; exists {
		return &ValidationError{Field: "id", Reason: "ledger already exists"}
	}
	if _, ok := s.accounts[led.AccountID]; !ok {
		return &NotFoundError{Entity: "account", ID: led.AccountID}
	}
	cp := *led
	s.ledgers[led.ID] = &cp
	s.appendAudit(entry)
	return nil
}

func (s *MemoryStore) GetLedger(ctx context.Context, id string) (*ClientTrustLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	led, ok := s.ledgers[id]
	if !ok {
		return nil, &NotFoundError{Entity: "ledger", ID: id}
	}
	cp := *led
	return &cp, nil
}

func (s *MemoryStore) ListLedgers(ctx context.Context, f LedgerFilter) ([]*ClientTrustLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ClientTrustLedger
	for _, l := range s.ledgers {
		if f.AccountID != "" && l.AccountID != f.AccountID {
			continue
		}
		if f.ClientID != "" && l.ClientID != f.ClientID {
			continue
		}
		if f.MatterID != "" && l.MatterID != f.MatterID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) UpdateLedger(ctx context.Context, led *ClientTrustLedger, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledgers[led.ID]; !ok {
		return &NotFoundError{Entity: "ledger", ID: led.ID}
	}
	cp := *led
	s.ledgers[led.ID] = &cp
	s.appendAudit(entry)
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*TrustTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, &NotFoundError{Entity: "transaction", ID: id}
	}
	cp := cloneTransaction(tx)
	return cp, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]*TrustTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*TrustTransaction
	for _, tx := range s.txs {
		if f.AccountID != "" && tx.AccountID != f.AccountID {
			continue
		}
		if f.LedgerID != "" && !touchesLedger(tx, f.LedgerID) {
			continue
		}
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		out = append(out, cloneTransaction(tx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) CommitTransaction(ctx context.Context, tx *TrustTransaction, deltas []BalanceDelta, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[tx.AccountID]; !ok {
		return &NotFoundError{Entity: "account", ID: tx.AccountID}
	}
	if _, exists := s.txs[tx.ID]; exists {
		return &ValidationError{Field: "id", Reason: "transaction already exists"}
	}

	if err := s.applyDeltasLocked(tx.AccountID, deltas); err != nil {
		return err
	}
	s.txs[tx.ID] = cloneTransaction(tx)
	s.appendAudit(entry)
	return nil
}

func (s *MemoryStore) TransitionTransaction(ctx context.Context, tx *TrustTransaction, expect TransactionStatus, deltas []BalanceDelta, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.txs[tx.ID]
	if !ok {
		return &NotFoundError{Entity: "transaction", ID: tx.ID}
	}
	if cur.Status != expect {
		return &InvalidStateError{
			Entity:    "transaction",
			ID:        tx.ID,
			State:     string(cur.Status),
			Operation: strings.ToLower(string(tx.Status)),
		}
	}

	if err := s.applyDeltasLocked(tx.AccountID, deltas); err != nil {
		return err
	}
	s.txs[tx.ID] = cloneTransaction(tx)
	s.appendAudit(entry)
	return nil
}

// applyDeltasLocked applies ledger deltas and the implied account delta, or
// applies nothing. Callers hold the write lock.
func (s *MemoryStore) applyDeltasLocked(accountID string, deltas []BalanceDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	acct, ok := s.accounts[accountID]
	if !ok {
		return &NotFoundError{Entity: "account", ID: accountID}
	}

	// Validate every delta against committed state before touching anything.
	next := make(map[string]*ClientTrustLedger, len(deltas))
	for _, d := range deltas {
		led := next[d.LedgerID]
		if led == nil {
			stored, ok := s.ledgers[d.LedgerID]
			if !ok {
				return &NotFoundError{Entity: "ledger", ID: d.LedgerID}
			}
			if stored.AccountID != accountID {
				return &ValidationError{Field: "ledger_id", Reason: "ledger does not belong to account"}
			}
			cp := *stored
			led = &cp
			next[d.LedgerID] = led
		}
		// Debits re-check status on committed state: the ledger may have
		// been frozen or closed since the caller's pre-check.
		if d.Amount.IsNegative() && led.Status != LedgerActive {
			return &ValidationError{Field: "ledger_id", Reason: "ledger is not active"}
		}
		available := led.RunningBalance
		led.RunningBalance = led.RunningBalance.Add(d.Amount)
		if led.RunningBalance.IsNegative() {
			return &InsufficientFundsError{
				LedgerID:  d.LedgerID,
				Available: available,
				Requested: d.Amount.Neg(),
			}
		}
	}

	now := time.Now().UTC()
	for id, led := range next {
		led.UpdatedAt = now
		s.ledgers[id] = led
	}
	for _, d := range deltas {
		acct.CurrentBalance = acct.CurrentBalance.Add(d.Amount)
	}
	acct.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateReconciliation(ctx context.Context, rec *ReconciliationRecord, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.recs[rec.ID]; exists {
		return &ValidationError{Field: "id", Reason: "reconciliation already exists"}
	}
	cp := *rec
	s.recs[rec.ID] = &cp
	s.appendAudit(entry)
	return nil
}

func (s *MemoryStore) GetReconciliation(ctx context.Context, id string) (*ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.recs[id]
	if !ok {
		return nil, &NotFoundError{Entity: "reconciliation", ID: id}
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListReconciliations(ctx context.Context, f ReconciliationFilter) ([]*ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ReconciliationRecord
	for _, r := range s.recs {
		if f.AccountID != "" && r.AccountID != f.AccountID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) UpdateReconciliation(ctx context.Context, rec *ReconciliationRecord, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.recs[rec.ID]
	if !ok {
		return &NotFoundError{Entity: "reconciliation", ID: rec.ID}
	}
	if cur.ApprovedBy != "" {
		return &InvalidStateError{Entity: "reconciliation", ID: rec.ID, State: "APPROVED", Operation: "update"}
	}
	cp := *rec
	s.recs[rec.ID] = &cp
	s.appendAudit(entry)
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, accountID string) (*BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[accountID]
	if !ok {
		return nil, &NotFoundError{Entity: "account", ID: accountID}
	}

	snap := &BalanceSnapshot{
		AccountID:      accountID,
		AccountBalance: acct.CurrentBalance,
		AsOf:           time.Now().UTC(),
	}
	for _, l := range s.ledgers {
		if l.AccountID == accountID {
			snap.LedgerSum = snap.LedgerSum.Add(l.RunningBalance)
		}
	}
	return snap, nil
}

func (s *MemoryStore) ListAuditEntries(ctx context.Context, f AuditFilter) ([]*audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*audit.Entry
	for i := len(s.auditLog) - 1; i >= 0; i-- {
		e := s.auditLog[i]
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.Query != "" && !matchesAudit(e, f.Query) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// appendAudit seals the entry against the last committed one and persists
// it. Sealing happens only here, after the mutation's validation has passed,
// so entries built for failed commits never advance the chain.
func (s *MemoryStore) appendAudit(entry *audit.Entry) {
	if entry == nil {
		return
	}
	audit.Seal(entry, s.auditHead)
	s.auditHead = entry.Hash
	cp := *entry
	s.auditLog = append(s.auditLog, &cp)
}

func matchesAudit(e *audit.Entry, q string) bool {
	q = strings.ToLower(q)
	return strings.Contains(strings.ToLower(e.EntityID), q) ||
		strings.Contains(strings.ToLower(e.Action), q) ||
		strings.Contains(strings.ToLower(e.Actor), q) ||
		strings.Contains(strings.ToLower(e.Details), q)
}

func touchesLedger(tx *TrustTransaction, ledgerID string) bool {
	if tx.LedgerID == ledgerID || tx.ToLedgerID == ledgerID {
		return true
	}
	for _, a := range tx.Allocations {
		if a.LedgerID == ledgerID {
			return true
		}
	}
	return false
}

func cloneTransaction(tx *TrustTransaction) *TrustTransaction {
	cp := *tx
	cp.Allocations = append([]Allocation(nil), tx.Allocations...)
	return &cp
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
