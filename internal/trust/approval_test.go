package trust

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to TransactionStatus
		ok       bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusVoided, false},
		{StatusApproved, StatusVoided, true},
		{StatusApproved, StatusRejected, false},
		{StatusRejected, StatusApproved, false},
		{StatusVoided, StatusApproved, false},
		{StatusVoided, StatusVoided, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func pendingWithdrawal(t *testing.T, h *harness, amount string) *TrustTransaction {
	t.Helper()
	acct := h.seedAccount(t)
	led := h.seedLedger(t, acct.ID, "acme")
	_, err := h.engine.Deposit(context.Background(), fullActor("alice"), DepositRequest{
		AccountID:   acct.ID,
		Amount:      money("1000.00"),
		Payor:       "Acme Corp",
		Allocations: []Allocation{{LedgerID: led.ID, Amount: money("1000.00")}},
	})
	require.NoError(t, err)
	tx, err := h.engine.Withdraw(context.Background(), fullActor("alice"), WithdrawalRequest{
		AccountID: acct.ID, LedgerID: led.ID, Amount: money(amount), Payee: "Payee",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, tx.Status)
	return tx
}

func TestApproveWithdrawalOnFrozenLedgerFails(t *testing.T) {
	h := newHarness(t, Policy{DualControlWithdrawals: true})
	tx := pendingWithdrawal(t, h, "400.00")

	// The freeze lands between posting and approval; the commit re-checks
	// ledger status under the lock, not just the engine's pre-check.
	_, err := h.ledgers.Freeze(context.Background(), fullActor("admin"), tx.LedgerID)
	require.NoError(t, err)

	_, err = h.workflow.Approve(context.Background(), fullActor("bob"), tx.ID)
	require.True(t, IsValidation(err))

	acctBal, ledBal := h.balances(t, tx.AccountID, tx.LedgerID)
	require.True(t, acctBal.Equal(money("1000.00")))
	require.True(t, ledBal.Equal(money("1000.00")))

	pending, err := h.engine.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, pending.Status)
}

func TestRejectHasNoBalanceEffect(t *testing.T) {
	h := newHarness(t, Policy{DualControlWithdrawals: true})
	tx := pendingWithdrawal(t, h, "400.00")

	rejected, err := h.workflow.Reject(context.Background(), fullActor("bob"), tx.ID, "payee not on file")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "payee not on file", rejected.RejectReason)

	acctBal, ledBal := h.balances(t, tx.AccountID, tx.LedgerID)
	require.True(t, acctBal.Equal(money("1000.00")))
	require.True(t, ledBal.Equal(money("1000.00")))

	// A rejected transaction is terminal.
	_, err = h.workflow.Approve(context.Background(), fullActor("bob"), tx.ID)
	require.True(t, IsInvalidState(err))
	_, err = h.workflow.Void(context.Background(), fullActor("bob"), tx.ID, "nope")
	require.True(t, IsInvalidState(err))
}

func TestApproveNonPendingFails(t *testing.T) {
	h := newHarness(t, Policy{DualControlWithdrawals: true})
	tx := pendingWithdrawal(t, h, "400.00")

	_, err := h.workflow.Approve(context.Background(), fullActor("bob"), tx.ID)
	require.NoError(t, err)

	_, err = h.workflow.Approve(context.Background(), fullActor("carol"), tx.ID)
	require.True(t, IsInvalidState(err))
	_, err = h.workflow.Reject(context.Background(), fullActor("carol"), tx.ID, "late")
	require.True(t, IsInvalidState(err))
}

func TestVoidRequiresReason(t *testing.T) {
	h := newHarness(t, Policy{})
	acct := h.seedAccount(t)
	led := h.seedLedger(t, acct.ID, "acme")
	tx, err := h.engine.Deposit(context.Background(), fullActor("alice"), DepositRequest{
		AccountID:   acct.ID,
		Amount:      money("100.00"),
		Payor:       "Acme Corp",
		Allocations: []Allocation{{LedgerID: led.ID, Amount: money("100.00")}},
	})
	require.NoError(t, err)

	_, err = h.workflow.Void(context.Background(), fullActor("bob"), tx.ID, "")
	require.True(t, IsValidation(err))
}

func TestVoidDepositAfterFundsSpentFails(t *testing.T) {
	h := newHarness(t, Policy{})
	acct := h.seedAccount(t)
	led := h.seedLedger(t, acct.ID, "acme")
	dep, err := h.engine.Deposit(context.Background(), fullActor("alice"), DepositRequest{
		AccountID:   acct.ID,
		Amount:      money("500.00"),
		Payor:       "Acme Corp",
		Allocations: []Allocation{{LedgerID: led.ID, Amount: money("500.00")}},
	})
	require.NoError(t, err)
	_, err = h.engine.Withdraw(context.Background(), fullActor("alice"), WithdrawalRequest{
		AccountID: acct.ID, LedgerID: led.ID, Amount: money("400.00"), Payee: "P",
	})
	require.NoError(t, err)

	// Reversing the deposit would take the ledger to -400.00.
	_, err = h.workflow.Void(context.Background(), fullActor("bob"), dep.ID, "bounced check")
	require.True(t, IsInsufficientFunds(err))

	_, ledBal := h.balances(t, acct.ID, led.ID)
	require.True(t, ledBal.Equal(money("100.00")))
}

func TestConcurrentDecisionsSingleWinner(t *testing.T) {
	h := newHarness(t, Policy{DualControlWithdrawals: true})
	tx := pendingWithdrawal(t, h, "300.00")

	var wg sync.WaitGroup
	var approveErr, rejectErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, approveErr = h.workflow.Approve(context.Background(), fullActor("bob"), tx.ID)
	}()
	go func() {
		defer wg.Done()
		_, rejectErr = h.workflow.Reject(context.Background(), fullActor("carol"), tx.ID, "race")
	}()
	wg.Wait()

	// Exactly one decision lands; the loser gets an invalid-state error.
	if approveErr == nil {
		require.True(t, IsInvalidState(rejectErr))
	} else {
		require.True(t, IsInvalidState(approveErr))
		require.NoError(t, rejectErr)
	}

	final, err := h.store.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	if approveErr == nil {
		require.Equal(t, StatusApproved, final.Status)
		_, ledBal := h.balances(t, tx.AccountID, tx.LedgerID)
		require.True(t, ledBal.Equal(money("700.00")))
	} else {
		require.Equal(t, StatusRejected, final.Status)
		_, ledBal := h.balances(t, tx.AccountID, tx.LedgerID)
		require.True(t, ledBal.Equal(money("1000.00")))
	}
}

func TestVoidRecordsActorAndReason(t *testing.T) {
	h := newHarness(t, Policy{})
	acct := h.seedAccount(t)
	led := h.seedLedger(t, acct.ID, "acme")
	_, err := h.engine.Deposit(context.Background(), fullActor("alice"), DepositRequest{
		AccountID:   acct.ID,
		Amount:      money("200.00"),
		Payor:       "Acme Corp",
		Allocations: []Allocation{{LedgerID: led.ID, Amount: money("200.00")}},
	})
	require.NoError(t, err)
	tx, err := h.engine.Withdraw(context.Background(), fullActor("alice"), WithdrawalRequest{
		AccountID: acct.ID, LedgerID: led.ID, Amount: money("50.00"), Payee: "P",
	})
	require.NoError(t, err)

	voided, err := h.workflow.Void(context.Background(), fullActor("bob"), tx.ID, "wrong matter")
	require.NoError(t, err)
	require.Equal(t, "wrong matter", voided.VoidReason)
	require.Equal(t, "bob", voided.VoidedBy)
	require.False(t, voided.VoidedAt.IsZero())
}
