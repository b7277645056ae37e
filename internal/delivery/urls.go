package delivery

import (
	"net/url"
	"strings"
)

// RoutePrefix is where the object routes are mounted.
const RoutePrefix = "/objects"

// URLBuilder produces client-facing URLs for stored objects.
type URLBuilder struct {
	publicBase string
}

// NewURLBuilder returns a builder. When publicBase is set, public objects are
// linked there directly (a CDN or the bucket's anonymous endpoint) instead of
// through this service.
func NewURLBuilder(publicBase string) *URLBuilder {
	return &URLBuilder{publicBase: strings.TrimRight(publicBase, "/")}
}

// URL returns the URL a client should fetch ref from.
func (b *URLBuilder) URL(ref ObjectReference) string {
	key := escapeKey(ref.key)
	if ref.tier == TierPublic {
		if b.publicBase != "" {
			return b.publicBase + "/" + key
		}
		return RoutePrefix + "/public/" + key
	}
	u := RoutePrefix + "/private/" + key
	if ref.ownerHint != "" {
		u += "?owner=" + url.QueryEscape(ref.ownerHint)
	}
	return u
}

func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
