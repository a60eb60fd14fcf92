// Package gallery owns the identity registry: identity records, their
// reference photos and the per-identity critical sections that keep both
// consistent.
package gallery

import (
	"context"

	"github.com/google/uuid"

	"github.com/your-org/presence/internal/models"
)

// Store persists identity records. Implementations return sentinel.ErrNotFound
// for absent identities and wrap backend failures with sentinel.ErrStorage.
type Store interface {
	// ListIdentities returns a page in insertion order and the total count.
	ListIdentities(ctx context.Context, offset, limit int) ([]models.Identity, int, error)
	// ListIdentitiesAfter returns up to limit identities with Seq > afterSeq,
	// in insertion order.
	ListIdentitiesAfter(ctx context.Context, afterSeq int64, limit int) ([]models.Identity, error)
	GetIdentity(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	CreateIdentity(ctx context.Context, id uuid.UUID, seed models.PhotoRef) (*models.Identity, error)
	// AppendPhoto links ref only while the identity holds fewer than limit
	// photos; otherwise it returns sentinel.ErrQuotaExceeded.
	AppendPhoto(ctx context.Context, id uuid.UUID, ref models.PhotoRef, limit int) error
	RemovePhoto(ctx context.Context, id uuid.UUID, ref models.PhotoRef) error
	AddTag(ctx context.Context, id uuid.UUID, tag string) (*models.Identity, error)
	RemoveTag(ctx context.Context, id uuid.UUID, tag string) (*models.Identity, error)
	DeleteIdentity(ctx context.Context, id uuid.UUID) error
	CountIdentities(ctx context.Context) (int, error)
}

// ObjectStore holds photo bytes under slash-separated keys. GetObject returns
// sentinel.ErrNotFound for a missing key.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}
