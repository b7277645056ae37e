package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/classhub/media/internal/delivery"
	"github.com/classhub/media/internal/identity"
	"github.com/classhub/media/internal/storage"
)

// MaxUploadSize is the largest accepted upload.
const MaxUploadSize = 50 << 20

var (
	// ErrUnsupportedType is returned for content types that may not be stored.
	ErrUnsupportedType = errors.New("unsupported content type")
	// ErrTooLarge is returned when an upload exceeds MaxUploadSize.
	ErrTooLarge = errors.New("file too large")
	// ErrForbidden is returned when the caller may not modify an object.
	ErrForbidden = errors.New("not allowed to modify this object")
)

var allowedTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.ms-excel":                                                  true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"text/plain": true,
}

// deniedTypes match an allowed prefix but can carry script.
var deniedTypes = map[string]bool{
	"image/svg+xml": true,
}

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// Registry is the persistence the service needs.
type Registry interface {
	Create(ctx context.Context, o Object) (*Object, error)
	Get(ctx context.Context, tier, owner, key string) (*Object, error)
	Delete(ctx context.Context, id string) error
}

// Upload describes a file to store.
type Upload struct {
	Tier        delivery.Tier
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Uploaded is returned to the client after a successful upload.
type Uploaded struct {
	Tier        string `json:"tier"`
	Key         string `json:"key"`
	Owner       string `json:"owner,omitempty"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Service contains the upload and delete logic.
type Service struct {
	log      *zap.Logger
	repo     Registry
	store    storage.ObjectStore
	resolver *delivery.Resolver
	cache    delivery.Invalidator
	urls     *delivery.URLBuilder
	elevated []string
}

// NewService creates a new media Service. Callers holding one of
// elevatedRoles may delete any object.
func NewService(log *zap.Logger, repo Registry, store storage.ObjectStore, resolver *delivery.Resolver,
	cache delivery.Invalidator, urls *delivery.URLBuilder, elevatedRoles []string) *Service {
	return &Service{
		log:      log,
		repo:     repo,
		store:    store,
		resolver: resolver,
		cache:    cache,
		urls:     urls,
		elevated: elevatedRoles,
	}
}

// Upload stores a file under a fresh key. Private uploads are owned by the
// uploader.
func (s *Service) Upload(ctx context.Context, p *identity.Principal, in Upload) (*Uploaded, error) {
	if p == nil || p.ID == "" {
		return nil, ErrForbidden
	}
	if in.Size > MaxUploadSize {
		return nil, ErrTooLarge
	}
	contentType := normalizeType(in.ContentType)
	if !Allowed(contentType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	owner := ""
	if in.Tier == delivery.TierPrivate {
		owner = p.ID
	}
	key := uuid.NewString() + extension(in.Filename)
	ref, err := delivery.NewReference(in.Tier, key, owner)
	if err != nil {
		return nil, err
	}
	loc, err := s.resolver.Resolve(ref)
	if err != nil {
		return nil, err
	}

	if err := s.store.Upload(ctx, loc.Bucket, loc.Key, in.Body, in.Size, contentType); err != nil {
		return nil, fmt.Errorf("upload object: %w", err)
	}
	// An upload counts as an overwrite for the metadata cache.
	s.cache.Invalidate(loc.Bucket, loc.Key)

	rec := Object{
		Tier:        in.Tier.String(),
		Key:         key,
		UploadedBy:  p.ID,
		ContentType: contentType,
		Size:        in.Size,
	}
	if owner != "" {
		rec.OwnerID = &owner
	}
	if _, err := s.repo.Create(ctx, rec); err != nil {
		if derr := s.store.Delete(context.WithoutCancel(ctx), loc.Bucket, loc.Key); derr != nil {
			s.log.Error("orphaned object after failed registration",
				zap.String("bucket", loc.Bucket), zap.String("key", loc.Key), zap.Error(derr))
		}
		return nil, fmt.Errorf("register object: %w", err)
	}

	s.log.Info("object uploaded",
		zap.String("tier", rec.Tier), zap.String("bucket", loc.Bucket), zap.String("key", loc.Key),
		zap.String("uploaded_by", p.ID), zap.Int64("size", in.Size))

	return &Uploaded{
		Tier:        rec.Tier,
		Key:         key,
		Owner:       owner,
		URL:         s.urls.URL(ref),
		ContentType: contentType,
		Size:        in.Size,
	}, nil
}

// Delete removes an object and its record. For private objects owner names
// the namespace; when empty the caller's own namespace is assumed.
func (s *Service) Delete(ctx context.Context, p *identity.Principal, tier delivery.Tier, key, owner string) error {
	if p == nil || p.ID == "" {
		return ErrForbidden
	}
	if tier == delivery.TierPublic {
		owner = ""
	} else if owner == "" {
		owner = p.ID
	}

	ref, err := delivery.NewReference(tier, key, owner)
	if err != nil {
		return err
	}
	loc, err := s.resolver.Resolve(ref)
	if err != nil {
		return err
	}

	rec, err := s.repo.Get(ctx, tier.String(), owner, key)
	if err != nil {
		return err
	}
	if !s.mayModify(p, rec) {
		return ErrForbidden
	}

	if err := s.store.Delete(ctx, loc.Bucket, loc.Key); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	s.cache.Invalidate(loc.Bucket, loc.Key)
	if err := s.repo.Delete(ctx, rec.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	s.log.Info("object deleted",
		zap.String("tier", rec.Tier), zap.String("bucket", loc.Bucket), zap.String("key", loc.Key),
		zap.String("principal", p.ID))
	return nil
}

func (s *Service) mayModify(p *identity.Principal, rec *Object) bool {
	if p.HasAnyRole(s.elevated) {
		return true
	}
	if rec.OwnerID != nil {
		return *rec.OwnerID == p.ID
	}
	return rec.UploadedBy == p.ID
}

// Allowed reports whether contentType may be uploaded.
func Allowed(contentType string) bool {
	ct := normalizeType(contentType)
	if allowedTypes[ct] {
		return true
	}
	if deniedTypes[ct] {
		return false
	}
	for _, prefix := range []string{"image/", "audio/", "video/"} {
		if strings.HasPrefix(ct, prefix) && len(ct) > len(prefix) {
			return true
		}
	}
	return false
}

// normalizeType drops parameters and lowercases.
func normalizeType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// extension keeps a short alphanumeric extension from the client's filename.
func extension(filename string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
	if !extPattern.MatchString(ext) {
		return ""
	}
	return ext
}
