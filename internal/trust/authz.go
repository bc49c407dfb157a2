package trust

import "context"

// Capability names a permission required for a mutating trust operation.
type Capability string

const (
	CapDeposit   Capability = "trust.deposit"
	CapWithdraw  Capability = "trust.withdraw"
	CapApprove   Capability = "trust.approve"
	CapVoid      Capability = "trust.void"
	CapReconcile Capability = "trust.reconcile"
	CapAdmin     Capability = "trust.admin"
)

// Actor is the authenticated principal performing an operation, with the
// capabilities granted by its credentials.
type Actor struct {
	ID           string
	Capabilities map[Capability]struct{}
}

// NewActor builds an actor from an id and a list of capability strings.
func NewActor(id string, caps ...string) Actor {
	m := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		m[Capability(c)] = struct{}{}
	}
	return Actor{ID: id, Capabilities: m}
}

// Authorizer gates mutating operations. Every service checks the required
// capability at the start of the operation, independent of the caller.
type Authorizer interface {
	Require(ctx context.Context, actor Actor, cap Capability) error
}

// CapabilityAuthorizer authorizes against the capability set carried by the
// actor itself (populated from token scopes by the transport layer).
type CapabilityAuthorizer struct{}

func (CapabilityAuthorizer) Require(_ context.Context, actor Actor, cap Capability) error {
	if actor.ID == "" {
		return &AuthorizationError{Actor: "unknown", Capability: cap}
	}
	if _, ok := actor.Capabilities[cap]; !ok {
		return &AuthorizationError{Actor: actor.ID, Capability: cap}
	}
	return nil
}
