package trust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/iolta-ledger/internal/crypto"
)

func newRegistry(t *testing.T, h *harness) (*Registry, *crypto.AEADEncryptor) {
	t.Helper()
	kms, err := crypto.NewFileKMS(t.TempDir(), "test-master")
	require.NoError(t, err)
	enc := crypto.NewAEADEncryptor(kms)
	return NewRegistry(h.store, enc, nil, h.recorder, nil, nil), enc
}

func validAccountRequest() CreateAccountRequest {
	return CreateAccountRequest{
		Name:          "IOLTA Operating Trust",
		BankName:      "First National",
		RoutingNumber: "021000021",
		AccountNumber: "000123456789",
		Jurisdiction:  "CA",
		EntityID:      "firm-1",
	}
}

func TestCreateAccountStoresOnlyLast4InClear(t *testing.T) {
	h := newHarness(t, Policy{})
	reg, enc := newRegistry(t, h)

	acct, err := reg.CreateAccount(context.Background(), fullActor("admin"), validAccountRequest())
	require.NoError(t, err)
	require.Equal(t, "6789", acct.AccountLast4)
	require.Equal(t, AccountActive, acct.Status)
	require.True(t, acct.CurrentBalance.IsZero())
	require.NotNil(t, acct.EncryptedAccountNumber)
	require.NotNil(t, acct.EncryptedRoutingNumber)
	require.NotContains(t, string(acct.EncryptedAccountNumber.Ciphertext), "000123456789")

	// The ciphertext must round-trip under the account-bound additional
	// data, but nothing above the store ever returns the plaintext.
	plaintext, err := enc.Decrypt(context.Background(), &crypto.EncryptedData{
		Ciphertext:   acct.EncryptedAccountNumber.Ciphertext,
		EncryptedKey: acct.EncryptedAccountNumber.EncryptedKey,
		Nonce:        acct.EncryptedAccountNumber.Nonce,
		KeyID:        acct.EncryptedAccountNumber.KeyID,
	}, []byte(acct.ID+"|account_number"))
	require.NoError(t, err)
	require.Equal(t, "000123456789", string(plaintext))
}

func TestCreateAccountValidation(t *testing.T) {
	h := newHarness(t, Policy{})
	reg, _ := newRegistry(t, h)

	req := validAccountRequest()
	req.RoutingNumber = "12345678" // 8 digits
	_, err := reg.CreateAccount(context.Background(), fullActor("admin"), req)
	require.True(t, IsValidation(err))

	req = validAccountRequest()
	req.AccountNumber = "123"
	_, err = reg.CreateAccount(context.Background(), fullActor("admin"), req)
	require.True(t, IsValidation(err))

	req = validAccountRequest()
	req.EntityID = ""
	_, err = reg.CreateAccount(context.Background(), fullActor("admin"), req)
	require.True(t, IsValidation(err))

	_, err = reg.CreateAccount(context.Background(), NewActor("clerk"), validAccountRequest())
	require.True(t, IsAuthorization(err))
}

func TestUpdateAccountPatchesMutableFields(t *testing.T) {
	h := newHarness(t, Policy{})
	reg, _ := newRegistry(t, h)
	acct, err := reg.CreateAccount(context.Background(), fullActor("admin"), validAccountRequest())
	require.NoError(t, err)

	name := "Renamed Trust"
	empty := ""
	_, err = reg.UpdateAccount(context.Background(), fullActor("admin"), acct.ID, UpdateAccountRequest{Name: &empty})
	require.True(t, IsValidation(err))

	updated, err := reg.UpdateAccount(context.Background(), fullActor("admin"), acct.ID, UpdateAccountRequest{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "Renamed Trust", updated.Name)
	require.Equal(t, "First National", updated.BankName)
	require.Equal(t, "6789", updated.AccountLast4)
}

func TestCloseAccountGuards(t *testing.T) {
	h := newHarness(t, Policy{})
	reg, _ := newRegistry(t, h)
	acct, err := reg.CreateAccount(context.Background(), fullActor("admin"), validAccountRequest())
	require.NoError(t, err)
	led := h.seedLedger(t, acct.ID, "acme")

	// An active ledger blocks closure even at zero balance.
	_, err = reg.CloseAccount(context.Background(), fullActor("admin"), acct.ID)
	require.True(t, IsInvalidState(err))

	_, err = h.engine.Deposit(context.Background(), fullActor("alice"), DepositRequest{
		AccountID:   acct.ID,
		Amount:      money("100.00"),
		Payor:       "Acme Corp",
		Allocations: []Allocation{{LedgerID: led.ID, Amount: money("100.00")}},
	})
	require.NoError(t, err)
	_, err = h.engine.Withdraw(context.Background(), fullActor("alice"), WithdrawalRequest{
		AccountID: acct.ID, LedgerID: led.ID, Amount: money("100.00"), Payee: "Refund",
	})
	require.NoError(t, err)
	_, err = h.ledgers.Close(context.Background(), fullActor("admin"), led.ID)
	require.NoError(t, err)

	closed, err := reg.CloseAccount(context.Background(), fullActor("admin"), acct.ID)
	require.NoError(t, err)
	require.Equal(t, AccountClosed, closed.Status)

	// Closed accounts reject further mutation.
	name := "Too late"
	_, err = reg.UpdateAccount(context.Background(), fullActor("admin"), acct.ID, UpdateAccountRequest{Name: &name})
	require.True(t, IsInvalidState(err))
	_, err = reg.CloseAccount(context.Background(), fullActor("admin"), acct.ID)
	require.True(t, IsInvalidState(err))
}
