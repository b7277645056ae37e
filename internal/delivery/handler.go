package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/classhub/media/internal/identity"
	"github.com/classhub/media/internal/response"
)

// ErrOwnerUnknown is returned by an OwnerLookup with no record for the key.
var ErrOwnerUnknown = errors.New("owner unknown")

// OwnerLookup finds the record owning a private object key. requesterID is
// the caller's id; when the caller owns a matching object it must be preferred.
type OwnerLookup interface {
	OwnerOf(ctx context.Context, key, requesterID string) (string, error)
}

// Handler exposes the gateway over HTTP.
type Handler struct {
	log    *zap.Logger
	gw     *Gateway
	owners OwnerLookup
}

// NewHandler creates a new delivery Handler. owners may be nil, in which case
// private references carry an owner hint only when the client names one.
func NewHandler(log *zap.Logger, gw *Gateway, owners OwnerLookup) *Handler {
	return &Handler{log: log, gw: gw, owners: owners}
}

// ServeObject godoc
//
//	@Summary		Download an object
//	@Description	Streams a stored file. Public objects need no credential. Private objects require a bearer token (header or access_token query parameter) whose principal owns the object or holds an elevated role. Supports single byte ranges.
//	@Tags			objects
//	@Produce		octet-stream
//	@Param			tier			path		string	true	"public or private"
//	@Param			key				path		string	true	"object key"
//	@Param			owner			query		string	false	"owning record id for private objects"
//	@Param			access_token	query		string	false	"bearer token"
//	@Param			Range			header		string	false	"bytes=start-end"
//	@Success		200				{file}		binary
//	@Success		206				{file}		binary
//	@Failure		400				{object}	response.Envelope
//	@Failure		403				{object}	response.Envelope
//	@Failure		404				{object}	response.Envelope
//	@Failure		416				{object}	response.Envelope
//	@Failure		503				{object}	response.Envelope
//	@Router			/objects/{tier}/{key} [get]
func (h *Handler) ServeObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tier, err := ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		h.writeError(w, Outcome{Status: http.StatusBadRequest, Err: err})
		return
	}
	key, err := KeyParam(r)
	if err != nil {
		h.writeError(w, Outcome{Status: http.StatusBadRequest, Err: ErrInvalidReference.Wrap(err)})
		return
	}
	principal := identity.FromContext(ctx)

	owner := ""
	if tier == TierPrivate {
		owner, err = h.ownerHint(ctx, r, key, principal)
		if err != nil {
			h.log.Error("owner lookup failed", zap.String("key", key), zap.Error(err))
			h.writeError(w, Outcome{Status: http.StatusServiceUnavailable, Err: ErrBackingStoreUnavailable.Wrap(err)})
			return
		}
	}

	ref, err := NewReference(tier, key, owner)
	if err != nil {
		h.writeError(w, Outcome{Status: http.StatusBadRequest, Err: err})
		return
	}

	rng, err := ParseRange(r.Header.Get("Range"))
	if err != nil {
		h.log.Debug("ignoring range header", zap.String("range", r.Header.Get("Range")), zap.Error(err))
		rng = nil
	}

	out := h.gw.Serve(ctx, w, Request{
		Ref:       ref,
		Principal: principal,
		Range:     rng,
		HeadOnly:  r.Method == http.MethodHead,
	})
	if out.Committed() {
		return
	}
	h.writeError(w, out)
}

// KeyParam returns the object key matched by the route wildcard. chi matches
// on the decoded path unless the request used escapes the default encoding
// would not produce, in which case it matches on the raw path and the key is
// decoded here.
func KeyParam(r *http.Request) (string, error) {
	key := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return key, nil
	}
	return url.PathUnescape(key)
}

// ownerHint prefers an explicit owner query parameter. Anonymous callers are
// denied regardless of ownership, so the registry is not consulted for them.
func (h *Handler) ownerHint(ctx context.Context, r *http.Request, key string, principal *identity.Principal) (string, error) {
	if owner := r.URL.Query().Get("owner"); owner != "" {
		return owner, nil
	}
	if h.owners == nil || principal == nil {
		return "", nil
	}
	owner, err := h.owners.OwnerOf(ctx, key, principal.ID)
	if errors.Is(err, ErrOwnerUnknown) {
		return "", nil
	}
	return owner, err
}

func (h *Handler) writeError(w http.ResponseWriter, out Outcome) {
	w.Header().Set("Cache-Control", "no-store")
	status := out.Status
	if status == 0 {
		status = StatusOf(out.Err)
	}
	switch status {
	case http.StatusRequestedRangeNotSatisfiable:
		w.Header().Set("Content-Range", unsatisfiedRange(out.Result.FullLength))
		response.Error(w, status, "requested range not satisfiable")
	case http.StatusForbidden:
		response.ErrorWithReason(w, status, "access denied", string(out.Decision.Reason))
	case http.StatusNotFound:
		response.NotFound(w, "object not found")
	case http.StatusBadRequest:
		response.BadRequest(w, "invalid object reference")
	case http.StatusServiceUnavailable:
		if Retryable(out.Err) {
			w.Header().Set("Retry-After", "1")
		}
		response.Unavailable(w, "storage temporarily unavailable")
	default:
		response.InternalError(w)
	}
}
