package trust

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/iolta-ledger/internal/audit"
)

// BalanceDelta is one ledger-level balance change. A positive amount credits
// the ledger, a negative amount debits it. The owning account's balance moves
// by the sum of all deltas in the unit of work.
type BalanceDelta struct {
	LedgerID string
	Amount   decimal.Decimal
}

// BalanceSnapshot is a non-blocking read of an account's materialized
// balances. It does not take the locks used by transaction commits, so it may
// observe state mid-period; reconciliation treats it as advisory.
type BalanceSnapshot struct {
	AccountID      string
	AccountBalance decimal.Decimal
	LedgerSum      decimal.Decimal
	AsOf           time.Time
}

// AuditFilter narrows audit-log queries.
type AuditFilter struct {
	EntityType string
	Query      string
	Limit      int
}

// Store is the persistence boundary of the trust engine. Every mutating
// method takes the audit entry describing the mutation and commits it in the
// same unit of work, so invariant 5 (exactly one audit entry per mutation)
// holds even across crashes.
//
// CommitTransaction and TransitionTransaction serialize all balance math on
// the account: the deltas are applied only if no affected ledger would go
// negative, evaluated against committed state under the account lock.
type Store interface {
	CreateAccount(ctx context.Context, acct *TrustBankAccount, entry *audit.Entry) error
	GetAccount(ctx context.Context, id string) (*TrustBankAccount, error)
	ListAccounts(ctx context.Context, f AccountFilter) ([]*TrustBankAccount, error)
	UpdateAccount(ctx context.Context, acct *TrustBankAccount, entry *audit.Entry) error

	CreateLedger(ctx context.Context, led *ClientTrustLedger, entry *audit.Entry) error
	GetLedger(ctx context.Context, id string) (*ClientTrustLedger, error)
	ListLedgers(ctx context.Context, f LedgerFilter) ([]*ClientTrustLedger, error)
	UpdateLedger(ctx context.Context, led *ClientTrustLedger, entry *audit.Entry) error

	GetTransaction(ctx context.Context, id string) (*TrustTransaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*TrustTransaction, error)

	// CommitTransaction persists a new transaction and applies its balance
	// deltas atomically. Deltas are empty for PENDING transactions, whose
	// balance effect is deferred to approval.
	CommitTransaction(ctx context.Context, tx *TrustTransaction, deltas []BalanceDelta, entry *audit.Entry) error

	// TransitionTransaction moves a transaction from the expected status to
	// tx.Status, applying deltas in the same unit of work. A status mismatch
	// returns InvalidStateError, so exactly one of concurrent
	// approve/reject/void calls can win.
	TransitionTransaction(ctx context.Context, tx *TrustTransaction, expect TransactionStatus, deltas []BalanceDelta, entry *audit.Entry) error

	CreateReconciliation(ctx context.Context, rec *ReconciliationRecord, entry *audit.Entry) error
	GetReconciliation(ctx context.Context, id string) (*ReconciliationRecord, error)
	ListReconciliations(ctx context.Context, f ReconciliationFilter) ([]*ReconciliationRecord, error)
	UpdateReconciliation(ctx context.Context, rec *ReconciliationRecord, entry *audit.Entry) error

	Snapshot(ctx context.Context, accountID string) (*BalanceSnapshot, error)
	ListAuditEntries(ctx context.Context, f AuditFilter) ([]*audit.Entry, error)
}
