package trust

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/iolta-ledger/internal/audit"
)

// LedgerManager manages client trust ledgers: the per-client sub-accounts
// that partition a pooled trust account's funds.
type LedgerManager struct {
	core
}

// NewLedgerManager creates a LedgerManager.
func NewLedgerManager(store Store, authz Authorizer, recorder *audit.Recorder, mirror AuditMirror, metrics *Metrics) *LedgerManager {
	return &LedgerManager{core: newCore(store, authz, recorder, mirror, metrics)}
}

// CreateLedger creates an ACTIVE ledger with a zero running balance for one
// client, optionally scoped to one matter.
func (m *LedgerManager) CreateLedger(ctx context.Context, actor Actor, accountID, clientID, matterID string) (*ClientTrustLedger, error) {
	if err := m.authz.Require(ctx, actor, CapAdmin); err != nil {
		return nil, err
	}
	if clientID == "" {
		return nil, &ValidationError{Field: "client_id", Reason: "required"}
	}

	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.Status != AccountActive {
		return nil, &InvalidStateError{Entity: "account", ID: accountID, State: string(acct.Status), Operation: "create ledger"}
	}

	now := time.Now().UTC()
	led := &ClientTrustLedger{
		ID:        uuid.NewString(),
		AccountID: accountID,
		ClientID:  clientID,
		MatterID:  matterID,
		Status:    LedgerActive,
		CreatedAt: now,
		CreatedBy: actor.ID,
		UpdatedAt: now,
	}

	entry := m.auditEntry(EntityLedger, led.ID, "ledger.create", actor,
		fmt.Sprintf("created ledger for client %s on account %s, balance 0.00", clientID, accountID))
	if err := m.store.CreateLedger(ctx, led, entry); err != nil {
		return nil, err
	}
	m.mirrorEntry(ctx, entry)
	return led, nil
}

// GetLedger returns one ledger.
func (m *LedgerManager) GetLedger(ctx context.Context, id string) (*ClientTrustLedger, error) {
	return m.store.GetLedger(ctx, id)
}

// ListLedgers returns ledgers matching the filter.
func (m *LedgerManager) ListLedgers(ctx context.Context, f LedgerFilter) ([]*ClientTrustLedger, error) {
	return m.store.ListLedgers(ctx, f)
}

// Freeze blocks new withdrawals from a ledger. Deposits are still accepted,
// so settlement proceeds can land while a dispute is investigated.
func (m *LedgerManager) Freeze(ctx context.Context, actor Actor, id string) (*ClientTrustLedger, error) {
	return m.setStatus(ctx, actor, id, LedgerFrozen, "ledger.freeze", LedgerActive)
}

// Unfreeze restores withdrawals on a frozen ledger.
func (m *LedgerManager) Unfreeze(ctx context.Context, actor Actor, id string) (*ClientTrustLedger, error) {
	return m.setStatus(ctx, actor, id, LedgerActive, "ledger.unfreeze", LedgerFrozen)
}

// Close closes a ledger. The running balance must be zero.
func (m *LedgerManager) Close(ctx context.Context, actor Actor, id string) (*ClientTrustLedger, error) {
	if err := m.authz.Require(ctx, actor, CapAdmin); err != nil {
		return nil, err
	}

	led, err := m.store.GetLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	if led.Status == LedgerClosed {
		return nil, &InvalidStateError{Entity: "ledger", ID: id, State: string(led.Status), Operation: "close"}
	}
	if !led.RunningBalance.IsZero() {
		return nil, &InvalidStateError{Entity: "ledger", ID: id, State: "NON_ZERO_BALANCE", Operation: "close"}
	}

	led.Status = LedgerClosed
	led.UpdatedAt = time.Now().UTC()

	entry := m.auditEntry(EntityLedger, led.ID, "ledger.close", actor,
		fmt.Sprintf("closed ledger for client %s", led.ClientID))
	if err := m.store.UpdateLedger(ctx, led, entry); err != nil {
		return nil, err
	}
	m.mirrorEntry(ctx, entry)
	return led, nil
}

func (m *LedgerManager) setStatus(ctx context.Context, actor Actor, id string, to LedgerStatus, action string, from LedgerStatus) (*ClientTrustLedger, error) {
	if err := m.authz.Require(ctx, actor, CapAdmin); err != nil {
		return nil, err
	}

	led, err := m.store.GetLedger(ctx, id)
	if err != nil {
		return nil, err
	}
	if led.Status != from {
		return nil, &InvalidStateError{Entity: "ledger", ID: id, State: string(led.Status), Operation: action}
	}

	led.Status = to
	led.UpdatedAt = time.Now().UTC()

	entry := m.auditEntry(EntityLedger, led.ID, action, actor,
		fmt.Sprintf("ledger for client %s: %s -> %s", led.ClientID, from, to))
	if err := m.store.UpdateLedger(ctx, led, entry); err != nil {
		return nil, err
	}
	m.mirrorEntry(ctx, entry)
	return led, nil
}
