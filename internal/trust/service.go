package trust

import (
	"context"

	"github.com/example/iolta-ledger/internal/audit"
)

// AuditMirror receives committed audit entries for out-of-band archival.
// Mirroring is best-effort and must never fail the mutation it describes.
type AuditMirror interface {
	Publish(ctx context.Context, e *audit.Entry)
}

// core carries the collaborators shared by every trust service.
type core struct {
	store    Store
	authz    Authorizer
	recorder *audit.Recorder
	mirror   AuditMirror
	metrics  *Metrics
}

func newCore(store Store, authz Authorizer, recorder *audit.Recorder, mirror AuditMirror, metrics *Metrics) core {
	if authz == nil {
		authz = CapabilityAuthorizer{}
	}
	if recorder == nil {
		recorder = audit.NewRecorder()
	}
	return core{store: store, authz: authz, recorder: recorder, mirror: mirror, metrics: metrics}
}

// auditEntry builds the entry for a mutation about to be committed. The
// store seals it into the hash chain when the commit succeeds; a failed
// commit leaves the chain untouched.
func (c core) auditEntry(entityType, entityID, action string, actor Actor, details string) *audit.Entry {
	return c.recorder.Record(entityType, entityID, action, actor.ID, details)
}

// mirrorEntry forwards a committed entry to the mirror, if one is wired.
func (c core) mirrorEntry(ctx context.Context, e *audit.Entry) {
	if c.mirror != nil {
		c.mirror.Publish(ctx, e)
	}
}

// Audit entity types.
const (
	EntityAccount        = "trust_account"
	EntityLedger         = "client_ledger"
	EntityTransaction    = "trust_transaction"
	EntityReconciliation = "reconciliation"
)
