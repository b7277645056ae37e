package delivery

import (
	"net/http"

	"github.com/zeebo/errs"
)

var (
	// ErrInvalidReference is a malformed or unsafe object reference.
	ErrInvalidReference = errs.Class("invalid reference")
	// ErrNoCredential is a private object requested without a principal.
	ErrNoCredential = errs.Class("no credential")
	// ErrForbidden is a principal that may not read the object.
	ErrForbidden = errs.Class("forbidden")
	// ErrObjectNotFound is confirmed absence in the backing store.
	ErrObjectNotFound = errs.Class("object not found")
	// ErrRangeNotSatisfiable is a byte range outside the object.
	ErrRangeNotSatisfiable = errs.Class("range not satisfiable")
	// ErrStreamAborted is a transfer that failed after the body started.
	ErrStreamAborted = errs.Class("stream aborted")
	// ErrBackingStoreUnavailable is any store failure other than absence.
	ErrBackingStoreUnavailable = errs.Class("backing store unavailable")
)

// StatusOf maps an error from this package to an HTTP status code.
func StatusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case ErrInvalidReference.Has(err):
		return http.StatusBadRequest
	case ErrNoCredential.Has(err), ErrForbidden.Has(err):
		return http.StatusForbidden
	case ErrObjectNotFound.Has(err):
		return http.StatusNotFound
	case ErrRangeNotSatisfiable.Has(err):
		return http.StatusRequestedRangeNotSatisfiable
	case ErrBackingStoreUnavailable.Has(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the request with backoff.
func Retryable(err error) bool {
	return ErrStreamAborted.Has(err) || ErrBackingStoreUnavailable.Has(err)
}
