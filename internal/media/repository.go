// Package media keeps the registry of uploaded objects and who owns them, and
// handles uploads and deletions.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classhub/media/internal/delivery"
)

// Object is one registered upload.
type Object struct {
	ID   string `json:"id"`
	Tier string `json:"tier"`
	Key  string `json:"key"`
	// OwnerID namespaces private objects; it is nil for public ones.
	OwnerID     *string   `json:"ownerId,omitempty"`
	UploadedBy  string    `json:"uploadedBy"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Owner returns the owner id or "" for public objects.
func (o *Object) Owner() string {
	if o.OwnerID == nil {
		return ""
	}
	return *o.OwnerID
}

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("media object not found")

// ErrAlreadyExists is returned when a record already occupies the location.
var ErrAlreadyExists = errors.New("media object already exists")

// Repository handles all media_objects database operations.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const objectColumns = `id, tier, object_key, owner_id, uploaded_by, content_type, size_bytes, created_at`

func scanObject(row pgx.Row) (*Object, error) {
	o := &Object{}
	err := row.Scan(&o.ID, &o.Tier, &o.Key, &o.OwnerID, &o.UploadedBy, &o.ContentType, &o.Size, &o.CreatedAt)
	return o, err
}

// Create inserts a record and returns it as stored.
func (r *Repository) Create(ctx context.Context, o Object) (*Object, error) {
	created, err := scanObject(r.db.QueryRow(ctx,
		`INSERT INTO media_objects (tier, object_key, owner_id, uploaded_by, content_type, size_bytes)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+objectColumns,
		o.Tier, o.Key, o.OwnerID, o.UploadedBy, o.ContentType, o.Size,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create media object: %w", err)
	}
	return created, nil
}

// Get fetches the record at a location. owner is "" for public objects.
func (r *Repository) Get(ctx context.Context, tier, owner, key string) (*Object, error) {
	o, err := scanObject(r.db.QueryRow(ctx,
		`SELECT `+objectColumns+`
		 FROM media_objects
		 WHERE tier = $1 AND COALESCE(owner_id, '') = $2 AND object_key = $3`,
		tier, owner, key,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media object: %w", err)
	}
	return o, nil
}

// Delete removes a record by id.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM media_objects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete media object: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// OwnerOf returns the owner of a private key. A record owned by requesterID
// wins; otherwise the most recently created one does.
func (r *Repository) OwnerOf(ctx context.Context, key, requesterID string) (string, error) {
	var owner string
	err := r.db.QueryRow(ctx,
		`SELECT owner_id
		 FROM media_objects
		 WHERE tier = 'private' AND object_key = $1
		 ORDER BY (owner_id = $2) DESC, created_at DESC
		 LIMIT 1`,
		key, requesterID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", delivery.ErrOwnerUnknown
	}
	if err != nil {
		return "", fmt.Errorf("lookup owner: %w", err)
	}
	return owner, nil
}

// isUniqueViolation checks whether an error is a PostgreSQL unique_violation (code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
