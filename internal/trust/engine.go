package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/iolta-ledger/internal/audit"
)

// Policy configures firm-level controls on money movement.
type Policy struct {
	// DualControlWithdrawals posts withdrawals and earned-fee transfers as
	// PENDING, deferring their balance effect until a second person
	// approves them. Deposits are always approved immediately.
	DualControlWithdrawals bool
}

// Engine posts trust transactions. All balance math is conserved: the
// account balance moves by exactly the sum of the ledger-level deltas in the
// same unit of work, so sum(ledger balances) == account balance holds after
// every committed operation.
type Engine struct {
	core
	policy  Policy
	epsilon decimal.Decimal
}

// NewEngine creates an Engine with the given policy and currency-precision
// epsilon (zero selects the default of 0.01).
func NewEngine(store Store, authz Authorizer, recorder *audit.Recorder, mirror AuditMirror, metrics *Metrics, policy Policy, epsilon decimal.Decimal) *Engine {
	return &Engine{
		core:    newCore(store, authz, recorder, mirror, metrics),
		policy:  policy,
		epsilon: normalizeEpsilon(epsilon),
	}
}

// DepositRequest is a deposit split across one or more client ledgers.
type DepositRequest struct {
	AccountID   string
	Amount      decimal.Decimal
	Payor       string
	Description string
	Reference   string
	Allocations []Allocation
}

// Deposit posts a deposit. The allocation amounts must sum to the deposit
// amount within epsilon, and every allocated ledger must accept deposits
// (ACTIVE or FROZEN; freezing blocks only withdrawals).
func (e *Engine) Deposit(ctx context.Context, actor Actor, req DepositRequest) (*TrustTransaction, error) {
	if err := e.authz.Require(ctx, actor, CapDeposit); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if len(req.Allocations) == 0 {
		return nil, &ValidationError{Field: "allocations", Reason: "must not be empty"}
	}

	acct, err := e.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if acct.Status != AccountActive {
		return nil, &ValidationError{Field: "account_id", Reason: "account is not active"}
	}

	sum := decimal.Zero
	for i, a := range req.Allocations {
		if !a.Amount.IsPositive() {
			return nil, &ValidationError{Field: fmt.Sprintf("allocations[%d].amount", i), Reason: "must be positive"}
		}
		led, err := e.store.GetLedger(ctx, a.LedgerID)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("allocations[%d].ledger_id", i), Reason: "unknown ledger"}
		}
		if led.AccountID != req.AccountID {
			return nil, &ValidationError{Field: fmt.Sprintf("allocations[%d].ledger_id", i), Reason: "ledger does not belong to account"}
		}
		if led.Status == LedgerClosed {
			return nil, &ValidationError{Field: fmt.Sprintf("allocations[%d].ledger_id", i), Reason: "ledger is closed"}
		}
		sum = sum.Add(a.Amount)
	}
	if !withinEpsilon(sum, req.Amount, e.epsilon) {
		return nil, &ValidationError{Field: "allocations", Reason: "allocation total must equal deposit amount"}
	}

	tx := e.newTransaction(req.AccountID, TypeDeposit, req.Amount, req.Payor, req.Description, req.Reference, actor)
	tx.Allocations = req.Allocations
	tx.Status = StatusApproved

	entry := e.auditEntry(EntityTransaction, tx.ID, "transaction.deposit", actor,
		fmt.Sprintf("deposit %s from %q into account %s across %d ledger(s); account balance %s -> %s",
			req.Amount.StringFixed(2), req.Payor, req.AccountID, len(req.Allocations),
			acct.CurrentBalance.StringFixed(2), acct.CurrentBalance.Add(req.Amount).StringFixed(2)))

	if err := e.store.CommitTransaction(ctx, tx, balanceDeltas(tx), entry); err != nil {
		return nil, err
	}
	e.metrics.posted(TypeDeposit, tx.Status)
	e.mirrorEntry(ctx, entry)
	return tx, nil
}

// WithdrawalRequest is a withdrawal from a single client ledger.
type WithdrawalRequest struct {
	AccountID   string
	LedgerID    string
	Amount      decimal.Decimal
	Payee       string
	Description string
	Reference   string
}

// Withdraw posts a withdrawal. Under dual control the transaction is
// committed PENDING with no balance effect; otherwise it is approved and
// applied immediately.
func (e *Engine) Withdraw(ctx context.Context, actor Actor, req WithdrawalRequest) (*TrustTransaction, error) {
	return e.postOutflow(ctx, actor, TypeWithdrawal, "transaction.withdrawal", req)
}

// FeeEarned moves earned fees out of a client ledger to the firm operating
// account. Trust money is leaving the pool, so it follows withdrawal rules,
// including dual control.
func (e *Engine) FeeEarned(ctx context.Context, actor Actor, req WithdrawalRequest) (*TrustTransaction, error) {
	if req.Payee == "" {
		req.Payee = "Firm operating account"
	}
	return e.postOutflow(ctx, actor, TypeFeeEarned, "transaction.fee", req)
}

func (e *Engine) postOutflow(ctx context.Context, actor Actor, txType TransactionType, action string, req WithdrawalRequest) (*TrustTransaction, error) {
	if err := e.authz.Require(ctx, actor, CapWithdraw); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	led, err := e.store.GetLedger(ctx, req.LedgerID)
	if err != nil {
		return nil, &ValidationError{Field: "ledger_id", Reason: "unknown ledger"}
	}
	if led.AccountID != req.AccountID {
		return nil, &ValidationError{Field: "ledger_id", Reason: "ledger does not belong to account"}
	}
	if led.Status != LedgerActive {
		return nil, &ValidationError{Field: "ledger_id", Reason: "ledger is not active"}
	}
	if led.RunningBalance.LessThan(req.Amount) {
		e.metrics.insufficientFunds()
		return nil, &InsufficientFundsError{LedgerID: req.LedgerID, Available: led.RunningBalance, Requested: req.Amount}
	}

	tx := e.newTransaction(req.AccountID, txType, req.Amount, req.Payee, req.Description, req.Reference, actor)
	tx.LedgerID = req.LedgerID

	var deltas []BalanceDelta
	if e.policy.DualControlWithdrawals {
		// Provisional: excluded from balances until approved.
		tx.Status = StatusPending
	} else {
		tx.Status = StatusApproved
		deltas = balanceDeltas(tx)
	}

	entry := e.auditEntry(EntityTransaction, tx.ID, action, actor,
		fmt.Sprintf("%s %s to %q from ledger %s (%s); ledger balance %s -> %s",
			tx.Status, req.Amount.StringFixed(2), req.Payee, req.LedgerID, req.Description,
			led.RunningBalance.StringFixed(2), outflowAfter(led.RunningBalance, req.Amount, tx.Status).StringFixed(2)))

	if err := e.store.CommitTransaction(ctx, tx, deltas, entry); err != nil {
		if IsInsufficientFunds(err) {
			e.metrics.insufficientFunds()
		}
		return nil, err
	}
	e.metrics.posted(txType, tx.Status)
	e.mirrorEntry(ctx, entry)
	return tx, nil
}

func outflowAfter(balance, amount decimal.Decimal, status TransactionStatus) decimal.Decimal {
	if status == StatusPending {
		return balance
	}
	return balance.Sub(amount)
}

// TransferRequest moves funds between two ledgers of the same account.
type TransferRequest struct {
	AccountID    string
	FromLedgerID string
	ToLedgerID   string
	Amount       decimal.Decimal
	Description  string
}

// Transfer reallocates pooled funds between clients (or matters) without
// money leaving the trust account; the account balance is unchanged.
func (e *Engine) Transfer(ctx context.Context, actor Actor, req TransferRequest) (*TrustTransaction, error) {
	if err := e.authz.Require(ctx, actor, CapWithdraw); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if req.FromLedgerID == req.ToLedgerID {
		return nil, &ValidationError{Field: "to_ledger_id", Reason: "must differ from source ledger"}
	}

	from, err := e.store.GetLedger(ctx, req.FromLedgerID)
	if err != nil {
		return nil, &ValidationError{Field: "from_ledger_id", Reason: "unknown ledger"}
	}
	to, err := e.store.GetLedger(ctx, req.ToLedgerID)
	if err != nil {
		return nil, &ValidationError{Field: "to_ledger_id", Reason: "unknown ledger"}
	}
	if from.AccountID != req.AccountID || to.AccountID != req.AccountID {
		return nil, &ValidationError{Field: "ledger_id", Reason: "ledger does not belong to account"}
	}
	if from.Status != LedgerActive {
		return nil, &ValidationError{Field: "from_ledger_id", Reason: "ledger is not active"}
	}
	if to.Status == LedgerClosed {
		return nil, &ValidationError{Field: "to_ledger_id", Reason: "ledger is closed"}
	}
	if from.RunningBalance.LessThan(req.Amount) {
		e.metrics.insufficientFunds()
		return nil, &InsufficientFundsError{LedgerID: req.FromLedgerID, Available: from.RunningBalance, Requested: req.Amount}
	}

	tx := e.newTransaction(req.AccountID, TypeTransfer, req.Amount, from.ClientID+" -> "+to.ClientID, req.Description, "", actor)
	tx.LedgerID = req.FromLedgerID
	tx.ToLedgerID = req.ToLedgerID
	tx.Status = StatusApproved

	entry := e.auditEntry(EntityTransaction, tx.ID, "transaction.transfer", actor,
		fmt.Sprintf("transfer %s from ledger %s to ledger %s", req.Amount.StringFixed(2), req.FromLedgerID, req.ToLedgerID))

	if err := e.store.CommitTransaction(ctx, tx, balanceDeltas(tx), entry); err != nil {
		if IsInsufficientFunds(err) {
			e.metrics.insufficientFunds()
		}
		return nil, err
	}
	e.metrics.posted(TypeTransfer, tx.Status)
	e.mirrorEntry(ctx, entry)
	return tx, nil
}

// GetTransaction returns one transaction.
func (e *Engine) GetTransaction(ctx context.Context, id string) (*TrustTransaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// ListTransactions returns transactions matching the filter, newest first.
func (e *Engine) ListTransactions(ctx context.Context, f TransactionFilter) ([]*TrustTransaction, error) {
	return e.store.ListTransactions(ctx, f)
}

// ListAuditEntries returns audit-log entries matching the filter.
func (e *Engine) ListAuditEntries(ctx context.Context, f AuditFilter) ([]*audit.Entry, error) {
	return e.store.ListAuditEntries(ctx, f)
}

func (e *Engine) newTransaction(accountID string, txType TransactionType, amount decimal.Decimal, party, description, reference string, actor Actor) *TrustTransaction {
	return &TrustTransaction{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Type:        txType,
		Amount:      amount,
		Party:       party,
		Description: description,
		Reference:   reference,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   actor.ID,
	}
}

// balanceDeltas is the committed balance effect of a transaction.
func balanceDeltas(tx *TrustTransaction) []BalanceDelta {
	switch tx.Type {
	case TypeDeposit:
		out := make([]BalanceDelta, 0, len(tx.Allocations))
		for _, a := range tx.Allocations {
			out = append(out, BalanceDelta{LedgerID: a.LedgerID, Amount: a.Amount})
		}
		return out
	case TypeWithdrawal, TypeFeeEarned:
		return []BalanceDelta{{LedgerID: tx.LedgerID, Amount: tx.Amount.Neg()}}
	case TypeTransfer:
		return []BalanceDelta{
			{LedgerID: tx.LedgerID, Amount: tx.Amount.Neg()},
			{LedgerID: tx.ToLedgerID, Amount: tx.Amount},
		}
	}
	return nil
}

// inverseDeltas is the exact reversal applied by a void.
func inverseDeltas(tx *TrustTransaction) []BalanceDelta {
	deltas := balanceDeltas(tx)
	out := make([]BalanceDelta, 0, len(deltas))
	for _, d := range deltas {
		out = append(out, BalanceDelta{LedgerID: d.LedgerID, Amount: d.Amount.Neg()})
	}
	return out
}
