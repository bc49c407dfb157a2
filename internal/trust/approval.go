package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/example/iolta-ledger/internal/audit"
)

// AllowedTransitions enumerates the legal status moves of the approval
// workflow. REJECTED and VOIDED are terminal.
var AllowedTransitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusVoided},
	StatusRejected: {},
	StatusVoided:   {},
}

// CanTransition reports whether a transaction may move from one status to
// another.
func CanTransition(from, to TransactionStatus) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Workflow decides pending transactions and voids approved ones. Every
// decision is compare-and-set on the current status, so exactly one of two
// concurrent decisions on the same transaction wins; the loser gets an
// InvalidStateError.
type Workflow struct {
	core
}

// NewWorkflow creates an approval workflow over the given store.
func NewWorkflow(store Store, authz Authorizer, recorder *audit.Recorder, mirror AuditMirror, metrics *Metrics) *Workflow {
	return &Workflow{core: newCore(store, authz, recorder, mirror, metrics)}
}

// Approve moves a PENDING transaction to APPROVED and applies its balance
// effect. The store re-checks ledger sufficiency under lock, so approval of
// a stale withdrawal can still fail with InsufficientFundsError.
func (w *Workflow) Approve(ctx context.Context, actor Actor, txID string) (*TrustTransaction, error) {
	if err := w.authz.Require(ctx, actor, CapApprove); err != nil {
		return nil, err
	}
	tx, err := w.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		return nil, &InvalidStateError{Entity: EntityTransaction, ID: txID, State: string(tx.Status), Operation: "approve"}
	}
	if tx.CreatedBy == actor.ID {
		// Dual control: the second signature must come from someone else.
		return nil, &AuthorizationError{Actor: actor.ID, Capability: CapApprove}
	}

	tx.Status = StatusApproved
	tx.DecidedAt = time.Now().UTC()
	tx.DecidedBy = actor.ID

	entry := w.auditEntry(EntityTransaction, tx.ID, "transaction.approve", actor,
		fmt.Sprintf("approved %s %s of %s", tx.Type, tx.ID, tx.Amount.StringFixed(2)))

	if err := w.store.TransitionTransaction(ctx, tx, StatusPending, balanceDeltas(tx), entry); err != nil {
		if IsInsufficientFunds(err) {
			w.metrics.insufficientFunds()
		}
		return nil, err
	}
	w.metrics.decided("approved")
	w.mirrorEntry(ctx, entry)
	return tx, nil
}

// Reject moves a PENDING transaction to REJECTED. Rejected transactions
// never had a balance effect and keep none.
func (w *Workflow) Reject(ctx context.Context, actor Actor, txID, reason string) (*TrustTransaction, error) {
	if err := w.authz.Require(ctx, actor, CapApprove); err != nil {
		return nil, err
	}
	tx, err := w.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusPending {
		return nil, &InvalidStateError{Entity: EntityTransaction, ID: txID, State: string(tx.Status), Operation: "reject"}
	}

	tx.Status = StatusRejected
	tx.RejectReason = reason
	tx.DecidedAt = time.Now().UTC()
	tx.DecidedBy = actor.ID

	entry := w.auditEntry(EntityTransaction, tx.ID, "transaction.reject", actor,
		fmt.Sprintf("rejected %s %s of %s: %s", tx.Type, tx.ID, tx.Amount.StringFixed(2), reason))

	if err := w.store.TransitionTransaction(ctx, tx, StatusPending, nil, entry); err != nil {
		return nil, err
	}
	w.metrics.decided("rejected")
	w.mirrorEntry(ctx, entry)
	return tx, nil
}

// Void reverses an APPROVED transaction by applying the exact inverse of its
// balance effect. A transaction can be voided at most once. Voiding a
// deposit whose funds were since withdrawn fails with InsufficientFundsError
// rather than driving a ledger negative.
func (w *Workflow) Void(ctx context.Context, actor Actor, txID, reason string) (*TrustTransaction, error) {
	if err := w.authz.Require(ctx, actor, CapVoid); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, &ValidationError{Field: "reason", Reason: "must not be empty"}
	}
	tx, err := w.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != StatusApproved || tx.IsVoided {
		return nil, &InvalidStateError{Entity: EntityTransaction, ID: txID, State: string(tx.Status), Operation: "void"}
	}

	tx.Status = StatusVoided
	tx.IsVoided = true
	tx.VoidReason = reason
	tx.VoidedAt = time.Now().UTC()
	tx.VoidedBy = actor.ID

	entry := w.auditEntry(EntityTransaction, tx.ID, "transaction.void", actor,
		fmt.Sprintf("voided %s %s of %s: %s", tx.Type, tx.ID, tx.Amount.StringFixed(2), reason))

	if err := w.store.TransitionTransaction(ctx, tx, StatusApproved, inverseDeltas(tx), entry); err != nil {
		if IsInsufficientFunds(err) {
			w.metrics.insufficientFunds()
		}
		return nil, err
	}
	w.metrics.decided("voided")
	w.mirrorEntry(ctx, entry)
	return tx, nil
}
