package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCommitReportsAvailableAfterEarlierDeltas(t *testing.T) {
	h := newHarness(t, Policy{})
	acct := h.seedAccount(t)
	led := h.seedLedger(t, acct.ID, "acme")

	tx := &TrustTransaction{
		ID:        "tx-accum-1",
		AccountID: acct.ID,
		Type:      TypeDeposit,
		Amount:    money("150.00"),
		Status:    StatusApproved,
		CreatedAt: time.Now().UTC(),
		CreatedBy: "alice",
	}
	deltas := []BalanceDelta{
		{LedgerID: led.ID, Amount: money("100.00")},
		{LedgerID: led.ID, Amount: money("-150.00")},
	}

	err := h.store.CommitTransaction(context.Background(), tx, deltas, nil)
	var ife *InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	// Available reflects the credit applied earlier in the same unit of
	// work, not the pre-transaction stored balance.
	require.True(t, ife.Available.Equal(money("100.00")))
	require.True(t, ife.Requested.Equal(money("150.00")))

	// Nothing was applied.
	acctBal, ledBal := h.balances(t, acct.ID, led.ID)
	require.True(t, acctBal.IsZero())
	require.True(t, ledBal.IsZero())
	_, err = h.store.GetTransaction(context.Background(), tx.ID)
	require.True(t, IsNotFound(err))
}
