package trust

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func (h *harness) fundedAccount(t *testing.T, amount string) (*TrustBankAccount, *ClientTrustLedger) {
	t.Helper()
	acct := h.seedAccount(t)
	led := h.seedLedger(t, acct.ID, "acme")
	_, err := h.engine.Deposit(context.Background(), fullActor("alice"), DepositRequest{
		AccountID:   acct.ID,
		Amount:      money(amount),
		Payor:       "Acme Corp",
		Allocations: []Allocation{{LedgerID: led.ID, Amount: money(amount)}},
	})
	require.NoError(t, err)
	return acct, led
}

func TestReconcileMatchingStatement(t *testing.T) {
	h := newHarness(t, Policy{})
	acct, _ := h.fundedAccount(t, "5000.00")

	rec, err := h.reconciler.Reconcile(context.Background(), fullActor("alice"), ReconcileRequest{
		AccountID:            acct.ID,
		PeriodEnd:            time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		BankStatementBalance: money("5000.00"),
	})
	require.NoError(t, err)
	require.True(t, rec.IsReconciled)
	require.True(t, rec.Discrepancy.IsZero())
	require.True(t, rec.TrustLedgerBalance.Equal(money("5000.00")))
	require.True(t, rec.ClientLedgerSumBalance.Equal(money("5000.00")))
}

func TestReconcileDiscrepancyRecorded(t *testing.T) {
	h := newHarness(t, Policy{})
	acct, _ := h.fundedAccount(t, "5000.00")

	rec, err := h.reconciler.Reconcile(context.Background(), fullActor("alice"), ReconcileRequest{
		AccountID:            acct.ID,
		PeriodEnd:            time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		BankStatementBalance: money("4750.00"),
		Notes:                "outstanding check 1042",
	})
	require.NoError(t, err)
	require.False(t, rec.IsReconciled)
	require.True(t, rec.Discrepancy.Equal(money("-250.00")))

	// The discrepant run is persisted, not discarded.
	got, err := h.reconciler.GetReconciliation(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, "outstanding check 1042", got.Notes)
	require.False(t, got.IsReconciled)
}

func TestReconcileEpsilonTolerance(t *testing.T) {
	h := newHarness(t, Policy{})
	h.reconciler = NewReconciler(h.store, nil, h.recorder, nil, nil, decimal.NewFromFloat(0.05))
	acct, _ := h.fundedAccount(t, "1000.00")

	rec, err := h.reconciler.Reconcile(context.Background(), fullActor("alice"), ReconcileRequest{
		AccountID:            acct.ID,
		PeriodEnd:            time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
		BankStatementBalance: money("1000.04"),
	})
	require.NoError(t, err)
	require.True(t, rec.IsReconciled)
	require.True(t, rec.Discrepancy.Equal(money("0.04")))

	rec, err = h.reconciler.Reconcile(context.Background(), fullActor("alice"), ReconcileRequest{
		AccountID:            acct.ID,
		PeriodEnd:            time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC),
		BankStatementBalance: money("1000.06"),
	})
	require.NoError(t, err)
	require.False(t, rec.IsReconciled)
}

func TestReconcileValidation(t *testing.T) {
	h := newHarness(t, Policy{})
	acct, _ := h.fundedAccount(t, "100.00")

	_, err := h.reconciler.Reconcile(context.Background(), fullActor("alice"), ReconcileRequest{
		AccountID:            acct.ID,
		PeriodEnd:            time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		BankStatementBalance: money("-1.00"),
	})
	require.True(t, IsValidation(err))

	_, err = h.reconciler.Reconcile(context.Background(), fullActor("alice"), ReconcileRequest{
		AccountID:            acct.ID,
		BankStatementBalance: money("100.00"),
	})
	require.True(t, IsValidation(err))

	_, err = h.reconciler.Reconcile(context.Background(), fullActor("alice"), ReconcileRequest{
		AccountID:            "no-such-account",
		PeriodEnd:            time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
		BankStatementBalance: money("100.00"),
	})
	require.True(t, IsNotFound(err))
}

func TestReconciliationApproveOnce(t *testing.T) {
	h := newHarness(t, Policy{})
	acct, _ := h.fundedAccount(t, "250.00")

	rec, err := h.reconciler.Reconcile(context.Background(), fullActor("alice"), ReconcileRequest{
		AccountID:            acct.ID,
		PeriodEnd:            time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		BankStatementBalance: money("200.00"),
	})
	require.NoError(t, err)

	// Sign-off on a discrepant record is allowed; the discrepancy stays on
	// the record for the examiner.
	approved, err := h.reconciler.Approve(context.Background(), fullActor("bob"), rec.ID)
	require.NoError(t, err)
	require.Equal(t, "bob", approved.ApprovedBy)
	require.False(t, approved.IsReconciled)

	_, err = h.reconciler.Approve(context.Background(), fullActor("carol"), rec.ID)
	require.True(t, IsInvalidState(err))
}

func TestListReconciliationsNewestFirst(t *testing.T) {
	h := newHarness(t, Policy{})
	acct, _ := h.fundedAccount(t, "100.00")

	for _, day := range []int{31, 28, 31} {
		_, err := h.reconciler.Reconcile(context.Background(), fullActor("alice"), ReconcileRequest{
			AccountID:            acct.ID,
			PeriodEnd:            time.Date(2026, 1, day, 0, 0, 0, 0, time.UTC),
			BankStatementBalance: money("100.00"),
		})
		require.NoError(t, err)
	}

	recs, err := h.reconciler.ListReconciliations(context.Background(), ReconciliationFilter{AccountID: acct.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
}
