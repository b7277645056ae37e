package delivery

import (
	"github.com/classhub/media/internal/identity"
)

// Reason explains a policy decision.
type Reason string

// Decision reasons.
const (
	ReasonPublicObject  Reason = "PUBLIC_OBJECT"
	ReasonOwnerMatch    Reason = "OWNER_MATCH"
	ReasonRoleGrant     Reason = "ROLE_GRANT"
	ReasonNoCredential  Reason = "NO_CREDENTIAL"
	ReasonForbiddenTier Reason = "FORBIDDEN_TIER"
)

// Decision is the result of evaluating a request against the policy.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Err converts a denial into its error class. It returns nil when allowed.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonNoCredential:
		return ErrNoCredential.New("private object requires a credential")
	default:
		return ErrForbidden.New("%s", d.Reason)
	}
}

// Policy decides who may read which object. It never logs and never mutates
// its inputs; the same inputs always produce the same decision.
type Policy struct {
	elevated []string
}

// NewPolicy returns a Policy granting every private object to principals
// holding any of elevatedRoles.
func NewPolicy(elevatedRoles []string) *Policy {
	return &Policy{elevated: append([]string(nil), elevatedRoles...)}
}

// Evaluate applies the rules in order; the first match wins. A nil principal
// is an anonymous caller.
func (p *Policy) Evaluate(ref ObjectReference, principal *identity.Principal) Decision {
	switch {
	case ref.tier == TierPublic:
		return Decision{Allowed: true, Reason: ReasonPublicObject}
	case principal == nil:
		return Decision{Allowed: false, Reason: ReasonNoCredential}
	case principal.HasAnyRole(p.elevated):
		return Decision{Allowed: true, Reason: ReasonRoleGrant}
	case ref.ownerHint != "" && ref.ownerHint == principal.ID:
		return Decision{Allowed: true, Reason: ReasonOwnerMatch}
	default:
		return Decision{Allowed: false, Reason: ReasonForbiddenTier}
	}
}
