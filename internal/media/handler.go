package media

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/classhub/media/internal/delivery"
	"github.com/classhub/media/internal/identity"
	"github.com/classhub/media/internal/response"
)

// multipart overhead allowed on top of MaxUploadSize
const formOverhead = 1 << 20

// Handler holds HTTP handlers for upload and delete.
type Handler struct {
	log *zap.Logger
	svc *Service
}

// NewHandler creates a new media Handler.
func NewHandler(log *zap.Logger, svc *Service) *Handler {
	return &Handler{log: log, svc: svc}
}

// Upload godoc
//
//	@Summary		Upload a file
//	@Description	Stores a file in the public or private tier. Private files are owned by the uploader. Max 50 MiB.
//	@Tags			media
//	@Accept			multipart/form-data
//	@Produce		json
//	@Security		BearerAuth
//	@Param			file	formData	file	true	"file to upload"
//	@Param			tier	formData	string	false	"public or private (default private)"
//	@Success		201		{object}	response.Envelope{data=Uploaded}
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		413		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/api/v1/media [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	principal := identity.FromContext(r.Context())
	if principal == nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+formOverhead)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.TooLarge(w, "file exceeds 50 MiB")
			return
		}
		response.BadRequest(w, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	tierName := r.FormValue("tier")
	if tierName == "" {
		tierName = delivery.TierPrivate.String()
	}
	tier, err := delivery.ParseTier(tierName)
	if err != nil {
		response.BadRequest(w, "tier must be public or private")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	// Sniff the content when the client did not say what it is sending.
	contentType := header.Header.Get("Content-Type")
	var body io.Reader = file
	if contentType == "" || contentType == "application/octet-stream" {
		head := make([]byte, 512)
		n, err := io.ReadFull(file, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			response.BadRequest(w, "unreadable file")
			return
		}
		contentType = http.DetectContentType(head[:n])
		body = io.MultiReader(bytes.NewReader(head[:n]), file)
	}

	out, err := h.svc.Upload(r.Context(), principal, Upload{
		Tier:        tier,
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        header.Size,
		Body:        body,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	response.Created(w, out)
}

// Delete godoc
//
//	@Summary		Delete a file
//	@Description	Removes a file. Allowed for its owner (private) or uploader (public) and for elevated roles.
//	@Tags			media
//	@Produce		json
//	@Security		BearerAuth
//	@Param			tier	path		string	true	"public or private"
//	@Param			key		path		string	true	"object key"
//	@Param			owner	query		string	false	"owner namespace of a private object, defaults to the caller"
//	@Success		200		{object}	response.Envelope
//	@Failure		400		{object}	response.Envelope
//	@Failure		401		{object}	response.Envelope
//	@Failure		403		{object}	response.Envelope
//	@Failure		404		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/api/v1/media/{tier}/{key} [delete]
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	principal := identity.FromContext(r.Context())
	if principal == nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	tier, err := delivery.ParseTier(chi.URLParam(r, "tier"))
	if err != nil {
		response.BadRequest(w, "tier must be public or private")
		return
	}
	key, err := delivery.KeyParam(r)
	if err != nil {
		response.BadRequest(w, "invalid object key")
		return
	}

	if err := h.svc.Delete(r.Context(), principal, tier, key, r.URL.Query().Get("owner")); err != nil {
		h.writeError(w, err)
		return
	}
	response.OK(w, map[string]string{"tier": tier.String(), "key": key})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTooLarge):
		response.TooLarge(w, "file exceeds 50 MiB")
	case errors.Is(err, ErrUnsupportedType):
		response.BadRequest(w, err.Error())
	case delivery.ErrInvalidReference.Has(err):
		response.BadRequest(w, "invalid object reference")
	case errors.Is(err, ErrForbidden):
		response.Forbidden(w, err.Error())
	case errors.Is(err, ErrNotFound):
		response.NotFound(w, "object not found")
	default:
		h.log.Error("media request failed", zap.Error(err))
		response.InternalError(w)
	}
}
