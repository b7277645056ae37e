// Package delivery serves stored media to clients. For every request it
// resolves which bucket holds the object, decides whether the caller may read
// it, looks up the object's metadata through a shared cache, and streams the
// bytes (whole or ranged) to the response.
package delivery

import (
	"strings"
)

// maxKeyLength matches the S3 object key limit.
const maxKeyLength = 1024

// Tier is the trust tier an object is served from.
type Tier int

// Tiers.
const (
	TierPublic Tier = iota + 1
	TierPrivate
)

// ParseTier parses the tier segment of a request path.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "public":
		return TierPublic, nil
	case "private":
		return TierPrivate, nil
	default:
		return 0, ErrInvalidReference.New("unknown tier %q", s)
	}
}

func (t Tier) String() string {
	switch t {
	case TierPublic:
		return "public"
	case TierPrivate:
		return "private"
	default:
		return "unknown"
	}
}

// ObjectReference names an object as a client asked for it. It is immutable;
// construct it with NewReference.
type ObjectReference struct {
	tier      Tier
	key       string
	ownerHint string
}

// NewReference validates and builds a reference. ownerHint may be empty.
func NewReference(tier Tier, key, ownerHint string) (ObjectReference, error) {
	ref := ObjectReference{tier: tier, key: key, ownerHint: ownerHint}
	if err := ref.validate(); err != nil {
		return ObjectReference{}, err
	}
	return ref, nil
}

// Tier returns the reference's trust tier.
func (r ObjectReference) Tier() Tier { return r.tier }

// Key returns the logical object key.
func (r ObjectReference) Key() string { return r.key }

// OwnerHint returns the id of the record owning the object, if known.
func (r ObjectReference) OwnerHint() string { return r.ownerHint }

func (r ObjectReference) validate() error {
	if r.tier != TierPublic && r.tier != TierPrivate {
		return ErrInvalidReference.New("unknown tier")
	}
	if err := validateKey(r.key); err != nil {
		return err
	}
	if r.ownerHint != "" {
		if strings.ContainsAny(r.ownerHint, "/\\\x00") || r.ownerHint == "." || r.ownerHint == ".." {
			return ErrInvalidReference.New("owner hint %q is not a single path segment", r.ownerHint)
		}
	}
	return nil
}

// validateKey enforces that a key is a relative, slash separated path with
// no empty, "." or ".." segments.
func validateKey(key string) error {
	switch {
	case key == "":
		return ErrInvalidReference.New("empty key")
	case len(key) > maxKeyLength:
		return ErrInvalidReference.New("key longer than %d bytes", maxKeyLength)
	case strings.ContainsAny(key, "\\\x00"):
		return ErrInvalidReference.New("key contains a forbidden character")
	}
	for _, seg := range strings.Split(key, "/") {
		switch seg {
		case "":
			return ErrInvalidReference.New("key %q has an empty segment", key)
		case ".", "..":
			return ErrInvalidReference.New("key %q contains a traversal segment", key)
		}
	}
	return nil
}
