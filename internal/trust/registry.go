package trust

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/example/iolta-ledger/internal/audit"
	"github.com/example/iolta-ledger/internal/crypto"
)

var (
	routingNumberRe = regexp.MustCompile(`^\d{9}$`)
	accountNumberRe = regexp.MustCompile(`^\d{4,17}$`)
)

// Registry manages trust bank accounts. Account and routing numbers are
// envelope-encrypted before storage and only the last four digits of the
// account number are ever returned after creation.
type Registry struct {
	core
	enc *crypto.AEADEncryptor
}

// NewRegistry creates a Registry.
func NewRegistry(store Store, enc *crypto.AEADEncryptor, authz Authorizer, recorder *audit.Recorder, mirror AuditMirror, metrics *Metrics) *Registry {
	return &Registry{core: newCore(store, authz, recorder, mirror, metrics), enc: enc}
}

// CreateAccountRequest carries the fields for a new trust bank account.
type CreateAccountRequest struct {
	Name          string
	BankName      string
	RoutingNumber string
	AccountNumber string
	Jurisdiction  string
	EntityID      string
	OfficeID      string
}

// CreateAccount validates, encrypts, and persists a new ACTIVE account with
// a zero balance.
func (r *Registry) CreateAccount(ctx context.Context, actor Actor, req CreateAccountRequest) (*TrustBankAccount, error) {
	if err := r.authz.Require(ctx, actor, CapAdmin); err != nil {
		return nil, err
	}
	if req.Name == "" {
		return nil, &ValidationError{Field: "name", Reason: "required"}
	}
	if req.EntityID == "" {
		return nil, &ValidationError{Field: "entity_id", Reason: "required"}
	}
	if !routingNumberRe.MatchString(req.RoutingNumber) {
		return nil, &ValidationError{Field: "routing_number", Reason: "must be exactly 9 digits"}
	}
	if !accountNumberRe.MatchString(req.AccountNumber) {
		return nil, &ValidationError{Field: "account_number", Reason: "must be 4-17 digits"}
	}

	now := time.Now().UTC()
	acct := &TrustBankAccount{
		ID:           uuid.NewString(),
		EntityID:     req.EntityID,
		OfficeID:     req.OfficeID,
		Name:         req.Name,
		BankName:     req.BankName,
		Jurisdiction: req.Jurisdiction,
		AccountLast4: req.AccountNumber[len(req.AccountNumber)-4:],
		Status:       AccountActive,
		CreatedAt:    now,
		CreatedBy:    actor.ID,
		UpdatedAt:    now,
	}

	var err error
	acct.EncryptedAccountNumber, err = r.seal(ctx, acct.ID, "account_number", req.AccountNumber)
	if err != nil {
		return nil, err
	}
	acct.EncryptedRoutingNumber, err = r.seal(ctx, acct.ID, "routing_number", req.RoutingNumber)
	if err != nil {
		return nil, err
	}

	entry := r.auditEntry(EntityAccount, acct.ID, "account.create", actor,
		fmt.Sprintf("created trust account %q at %s (%s), balance 0.00", acct.Name, acct.BankName, acct.Jurisdiction))
	if err := r.store.CreateAccount(ctx, acct, entry); err != nil {
		return nil, err
	}
	r.mirrorEntry(ctx, entry)
	return acct, nil
}

func (r *Registry) seal(ctx context.Context, accountID, field, value string) (*EncryptedField, error) {
	data, err := r.enc.Encrypt(ctx, []byte(value), []byte(accountID+"|"+field))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt %s: %w", field, err)
	}
	return &EncryptedField{
		Ciphertext:   data.Ciphertext,
		EncryptedKey: data.EncryptedKey,
		Nonce:        data.Nonce,
		KeyID:        data.KeyID,
	}, nil
}

// GetAccount returns one account.
func (r *Registry) GetAccount(ctx context.Context, id string) (*TrustBankAccount, error) {
	return r.store.GetAccount(ctx, id)
}

// ListAccounts returns accounts matching the filter.
func (r *Registry) ListAccounts(ctx context.Context, f AccountFilter) ([]*TrustBankAccount, error) {
	return r.store.ListAccounts(ctx, f)
}

// UpdateAccountRequest is a partial update; nil fields are left unchanged.
type UpdateAccountRequest struct {
	Name         *string
	BankName     *string
	Jurisdiction *string
	OfficeID     *string
}

// UpdateAccount applies a patch to a mutable subset of account fields.
// Balances, status, and the encrypted numbers are not patchable.
func (r *Registry) UpdateAccount(ctx context.Context, actor Actor, id string, req UpdateAccountRequest) (*TrustBankAccount, error) {
	if err := r.authz.Require(ctx, actor, CapAdmin); err != nil {
		return nil, err
	}

	acct, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.Status != AccountActive {
		return nil, &InvalidStateError{Entity: "account", ID: id, State: string(acct.Status), Operation: "update"}
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
		}
		acct.Name = *req.Name
	}
	if req.BankName != nil {
		acct.BankName = *req.BankName
	}
	if req.Jurisdiction != nil {
		acct.Jurisdiction = *req.Jurisdiction
	}
	if req.OfficeID != nil {
		acct.OfficeID = *req.OfficeID
	}
	acct.UpdatedAt = time.Now().UTC()

	entry := r.auditEntry(EntityAccount, acct.ID, "account.update", actor,
		fmt.Sprintf("updated trust account %q", acct.Name))
	if err := r.store.UpdateAccount(ctx, acct, entry); err != nil {
		return nil, err
	}
	r.mirrorEntry(ctx, entry)
	return acct, nil
}

// CloseAccount closes an account. It fails with InvalidState unless the
// balance is zero and no ACTIVE ledgers reference the account.
func (r *Registry) CloseAccount(ctx context.Context, actor Actor, id string) (*TrustBankAccount, error) {
	if err := r.authz.Require(ctx, actor, CapAdmin); err != nil {
		return nil, err
	}

	acct, err := r.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.Status != AccountActive {
		return nil, &InvalidStateError{Entity: "account", ID: id, State: string(acct.Status), Operation: "close"}
	}
	if !acct.CurrentBalance.IsZero() {
		return nil, &InvalidStateError{Entity: "account", ID: id, State: "NON_ZERO_BALANCE", Operation: "close"}
	}

	active, err := r.store.ListLedgers(ctx, LedgerFilter{AccountID: id, Status: LedgerActive, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, &InvalidStateError{Entity: "account", ID: id, State: "HAS_ACTIVE_LEDGERS", Operation: "close"}
	}

	acct.Status = AccountClosed
	acct.UpdatedAt = time.Now().UTC()

	entry := r.auditEntry(EntityAccount, acct.ID, "account.close", actor,
		fmt.Sprintf("closed trust account %q", acct.Name))
	if err := r.store.UpdateAccount(ctx, acct, entry); err != nil {
		return nil, err
	}
	r.mirrorEntry(ctx, entry)
	return acct, nil
}
