package trust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateLedgerDefaults(t *testing.T) {
	h := newHarness(t, Policy{})
	acct := h.seedAccount(t)

	led, err := h.ledgers.CreateLedger(context.Background(), fullActor("admin"), acct.ID, "acme", "matter-7")
	require.NoError(t, err)
	require.Equal(t, acct.ID, led.AccountID)
	require.Equal(t, "acme", led.ClientID)
	require.Equal(t, "matter-7", led.MatterID)
	require.Equal(t, LedgerActive, led.Status)
	require.True(t, led.RunningBalance.IsZero())

	_, err = h.ledgers.CreateLedger(context.Background(), fullActor("admin"), acct.ID, "", "")
	require.True(t, IsValidation(err))
	_, err = h.ledgers.CreateLedger(context.Background(), fullActor("admin"), "no-such-account", "acme", "")
	require.True(t, IsNotFound(err))
}

func TestFreezeUnfreezeTransitions(t *testing.T) {
	h := newHarness(t, Policy{})
	acct := h.seedAccount(t)
	led := h.seedLedger(t, acct.ID, "acme")

	frozen, err := h.ledgers.Freeze(context.Background(), fullActor("admin"), led.ID)
	require.NoError(t, err)
	require.Equal(t, LedgerFrozen, frozen.Status)

	// Freezing twice is a state error, not a no-op.
	_, err = h.ledgers.Freeze(context.Background(), fullActor("admin"), led.ID)
	require.True(t, IsInvalidState(err))

	active, err := h.ledgers.Unfreeze(context.Background(), fullActor("admin"), led.ID)
	require.NoError(t, err)
	require.Equal(t, LedgerActive, active.Status)

	_, err = h.ledgers.Unfreeze(context.Background(), fullActor("admin"), led.ID)
	require.True(t, IsInvalidState(err))
}

func TestCloseLedgerRequiresZeroBalance(t *testing.T) {
	h := newHarness(t, Policy{})
	acct := h.seedAccount(t)
	led := h.seedLedger(t, acct.ID, "acme")
	_, err := h.engine.Deposit(context.Background(), fullActor("alice"), DepositRequest{
		AccountID:   acct.ID,
		Amount:      money("75.00"),
		Payor:       "Acme Corp",
		Allocations: []Allocation{{LedgerID: led.ID, Amount: money("75.00")}},
	})
	require.NoError(t, err)

	_, err = h.ledgers.Close(context.Background(), fullActor("admin"), led.ID)
	require.True(t, IsInvalidState(err))

	_, err = h.engine.Withdraw(context.Background(), fullActor("alice"), WithdrawalRequest{
		AccountID: acct.ID, LedgerID: led.ID, Amount: money("75.00"), Payee: "Refund",
	})
	require.NoError(t, err)

	closed, err := h.ledgers.Close(context.Background(), fullActor("admin"), led.ID)
	require.NoError(t, err)
	require.Equal(t, LedgerClosed, closed.Status)

	// Closed ledgers accept no further activity.
	_, err = h.engine.Deposit(context.Background(), fullActor("alice"), DepositRequest{
		AccountID:   acct.ID,
		Amount:      money("10.00"),
		Payor:       "Acme Corp",
		Allocations: []Allocation{{LedgerID: led.ID, Amount: money("10.00")}},
	})
	require.True(t, IsValidation(err))
}

func TestListLedgersFilters(t *testing.T) {
	h := newHarness(t, Policy{})
	acct := h.seedAccount(t)
	h.seedLedger(t, acct.ID, "acme")
	beod := h.seedLedger(t, acct.ID, "beod")
	_, err := h.ledgers.Freeze(context.Background(), fullActor("admin"), beod.ID)
	require.NoError(t, err)

	all, err := h.ledgers.ListLedgers(context.Background(), LedgerFilter{AccountID: acct.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)

	frozen, err := h.ledgers.ListLedgers(context.Background(), LedgerFilter{AccountID: acct.ID, Status: LedgerFrozen})
	require.NoError(t, err)
	require.Len(t, frozen, 1)
	require.Equal(t, "beod", frozen[0].ClientID)

	byClient, err := h.ledgers.ListLedgers(context.Background(), LedgerFilter{ClientID: "acme"})
	require.NoError(t, err)
	require.Len(t, byClient, 1)
}
