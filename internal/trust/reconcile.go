package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/iolta-ledger/internal/audit"
)

// Reconciler runs three-way reconciliations: the bank statement balance, the
// trust account's materialized balance, and the sum of client ledger
// balances must all agree within epsilon.
type Reconciler struct {
	core
	epsilon decimal.Decimal
}

// NewReconciler creates a Reconciler with the given currency-precision
// epsilon (zero selects the default of 0.01).
func NewReconciler(store Store, authz Authorizer, recorder *audit.Recorder, mirror AuditMirror, metrics *Metrics, epsilon decimal.Decimal) *Reconciler {
	return &Reconciler{
		core:    newCore(store, authz, recorder, mirror, metrics),
		epsilon: normalizeEpsilon(epsilon),
	}
}

// ReconcileRequest is one reconciliation run against a statement balance.
type ReconcileRequest struct {
	AccountID            string
	PeriodEnd            time.Time
	BankStatementBalance decimal.Decimal
	Notes                string
}

// Reconcile compares the three balances and persists the outcome. A
// discrepancy is a finding, not a failure: the record is written either way,
// with the discrepancy amount and IsReconciled=false.
func (r *Reconciler) Reconcile(ctx context.Context, actor Actor, req ReconcileRequest) (*ReconciliationRecord, error) {
	if err := r.authz.Require(ctx, actor, CapReconcile); err != nil {
		return nil, err
	}
	if req.BankStatementBalance.IsNegative() {
		return nil, &ValidationError{Field: "bank_statement_balance", Reason: "must not be negative"}
	}
	if req.PeriodEnd.IsZero() {
		return nil, &ValidationError{Field: "period_end", Reason: "must be set"}
	}
	if _, err := r.store.GetAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}

	snap, err := r.store.Snapshot(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	bankToBook := withinEpsilon(req.BankStatementBalance, snap.AccountBalance, r.epsilon)
	bookToLedgers := withinEpsilon(snap.AccountBalance, snap.LedgerSum, r.epsilon)

	rec := &ReconciliationRecord{
		ID:                     uuid.NewString(),
		AccountID:              req.AccountID,
		PeriodEnd:              req.PeriodEnd,
		BankStatementBalance:   req.BankStatementBalance,
		TrustLedgerBalance:     snap.AccountBalance,
		ClientLedgerSumBalance: snap.LedgerSum,
		Discrepancy:            req.BankStatementBalance.Sub(snap.AccountBalance),
		IsReconciled:           bankToBook && bookToLedgers,
		Notes:                  req.Notes,
		CreatedAt:              time.Now().UTC(),
		CreatedBy:              actor.ID,
	}

	entry := r.auditEntry(EntityReconciliation, rec.ID, "reconciliation.run", actor,
		fmt.Sprintf("reconciled account %s for period ending %s: bank %s, book %s, ledger sum %s, reconciled=%t",
			req.AccountID, req.PeriodEnd.Format("2006-01-02"),
			rec.BankStatementBalance.StringFixed(2), rec.TrustLedgerBalance.StringFixed(2),
			rec.ClientLedgerSumBalance.StringFixed(2), rec.IsReconciled))

	if err := r.store.CreateReconciliation(ctx, rec, entry); err != nil {
		return nil, err
	}
	r.metrics.reconciled(rec.IsReconciled)
	r.mirrorEntry(ctx, entry)
	return rec, nil
}

// Approve records a reviewer's sign-off on a reconciliation. A record can be
// approved once; discrepant records may still be approved once the cause is
// documented in the notes.
func (r *Reconciler) Approve(ctx context.Context, actor Actor, recID string) (*ReconciliationRecord, error) {
	if err := r.authz.Require(ctx, actor, CapReconcile); err != nil {
		return nil, err
	}
	rec, err := r.store.GetReconciliation(ctx, recID)
	if err != nil {
		return nil, err
	}
	if rec.ApprovedBy != "" {
		return nil, &InvalidStateError{Entity: EntityReconciliation, ID: recID, State: "approved", Operation: "approve"}
	}

	rec.ApprovedBy = actor.ID
	rec.ApprovedAt = time.Now().UTC()

	entry := r.auditEntry(EntityReconciliation, rec.ID, "reconciliation.approve", actor,
		fmt.Sprintf("approved reconciliation %s for account %s", rec.ID, rec.AccountID))

	if err := r.store.UpdateReconciliation(ctx, rec, entry); err != nil {
		return nil, err
	}
	r.mirrorEntry(ctx, entry)
	return rec, nil
}

// GetReconciliation returns one reconciliation record.
func (r *Reconciler) GetReconciliation(ctx context.Context, id string) (*ReconciliationRecord, error) {
	return r.store.GetReconciliation(ctx, id)
}

// ListReconciliations returns reconciliation records matching the filter,
// newest first.
func (r *Reconciler) ListReconciliations(ctx context.Context, f ReconciliationFilter) ([]*ReconciliationRecord, error) {
	return r.store.ListReconciliations(ctx, f)
}
