package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/your-org/presence/internal/locks"
	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/sentinel"
)

// Gallery combines identity records and photo storage. Every mutation of an
// identity runs inside that identity's critical section.
type Gallery struct {
	store   Store
	photos  *PhotoManager
	locker  locks.Locker
	baseURL string
}

func New(store Store, photos *PhotoManager, locker locks.Locker, publicBaseURL string) *Gallery {
	if publicBaseURL != "" && !strings.HasSuffix(publicBaseURL, "/") {
		publicBaseURL += "/"
	}
	return &Gallery{
		store:   store,
		photos:  photos,
		locker:  locker,
		baseURL: publicBaseURL,
	}
}

// AppendResult describes what happened to a capture of a matched identity.
type AppendResult struct {
	Identity *models.Identity
	Captured models.PhotoRef
	Linked   bool
}

func (g *Gallery) Photos() *PhotoManager { return g.photos }

func (g *Gallery) List(ctx context.Context, offset, limit int) ([]models.Identity, int, error) {
	return g.store.ListIdentities(ctx, offset, limit)
}

func (g *Gallery) ListIdentitiesAfter(ctx context.Context, afterSeq int64, limit int) ([]models.Identity, error) {
	return g.store.ListIdentitiesAfter(ctx, afterSeq, limit)
}

func (g *Gallery) Get(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	return g.store.GetIdentity(ctx, id)
}

func (g *Gallery) Count(ctx context.Context) (int, error) {
	return g.store.CountIdentities(ctx)
}

// Enroll creates a new identity seeded with png. The seed photo is removed
// again if the record cannot be created.
func (g *Gallery) Enroll(ctx context.Context, png []byte) (*models.Identity, error) {
	id := uuid.New()
	seed, err := g.photos.StoreSeed(ctx, id, png)
	if err != nil {
		return nil, err
	}

	identity, err := g.store.CreateIdentity(ctx, id, seed)
	if err != nil {
		if rmErr := g.photos.RemoveAll(context.WithoutCancel(ctx), id); rmErr != nil {
			slog.Warn("remove orphan seed photo", "identity_id", id, "error", rmErr)
		}
		return nil, sentinel.Storage("create identity", err)
	}

	observability.Enrollments.Inc()
	slog.Info("identity enrolled", "identity_id", id)
	return identity, nil
}

// Append stores a capture for a matched identity and links it into the
// reference set while the identity is below its photo cap. The capture is
// written either way. ErrNotFound means the identity vanished before the
// critical section was entered; nothing is written in that case.
func (g *Gallery) Append(ctx context.Context, id uuid.UUID, png []byte) (AppendResult, error) {
	unlock, err := g.locker.Lock(ctx, id.String())
	if err != nil {
		return AppendResult{}, fmt.Errorf("lock identity %s: %w", id, err)
	}
	defer unlock()

	identity, err := g.store.GetIdentity(ctx, id)
	if err != nil {
		return AppendResult{}, err
	}

	ref, err := g.photos.Store(ctx, id, png)
	if err != nil {
		return AppendResult{}, err
	}

	res := AppendResult{Identity: identity, Captured: ref}
	if !g.photos.EnforceQuota(identity) {
		observability.QuotaSkips.Inc()
		slog.Debug("photo cap reached, capture not linked",
			"identity_id", id, "photos", len(identity.ReferencePhotos), "cap", g.photos.Cap())
		return res, nil
	}

	err = g.store.AppendPhoto(ctx, id, ref, g.photos.Cap())
	switch {
	case err == nil:
		identity.ReferencePhotos = append(identity.ReferencePhotos, ref)
		res.Linked = true
	case errors.Is(err, sentinel.ErrQuotaExceeded):
		observability.QuotaSkips.Inc()
	case errors.Is(err, sentinel.ErrNotFound):
		// deleted by a store client that bypasses the lock table
		if rmErr := g.photos.Remove(context.WithoutCancel(ctx), ref); rmErr != nil {
			slog.Warn("remove orphan capture", "ref", ref, "error", rmErr)
		}
		return AppendResult{}, err
	default:
		return AppendResult{}, sentinel.Storage("append photo", err)
	}
	return res, nil
}

// RemovePhoto unlinks ref from the identity and deletes the object.
func (g *Gallery) RemovePhoto(ctx context.Context, id uuid.UUID, ref models.PhotoRef) error {
	unlock, err := g.locker.Lock(ctx, id.String())
	if err != nil {
		return fmt.Errorf("lock identity %s: %w", id, err)
	}
	defer unlock()

	if err := g.store.RemovePhoto(ctx, id, ref); err != nil {
		return err
	}
	if err := g.photos.Remove(ctx, ref); err != nil {
		slog.Warn("photo unlinked but object not removed", "identity_id", id, "ref", ref, "error", err)
	}
	return nil
}

func (g *Gallery) AddTag(ctx context.Context, id uuid.UUID, tag string) (*models.Identity, error) {
	return g.mutateTag(ctx, id, tag, g.store.AddTag)
}

func (g *Gallery) RemoveTag(ctx context.Context, id uuid.UUID, tag string) (*models.Identity, error) {
	return g.mutateTag(ctx, id, tag, g.store.RemoveTag)
}

func (g *Gallery) mutateTag(ctx context.Context, id uuid.UUID, tag string,
	fn func(context.Context, uuid.UUID, string) (*models.Identity, error)) (*models.Identity, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, sentinel.Invalid("tag must not be blank")
	}

	unlock, err := g.locker.Lock(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("lock identity %s: %w", id, err)
	}
	defer unlock()

	return fn(ctx, id, tag)
}

// Delete removes the identity record and its photo namespace inside one
// critical section. Presence events that reference it are kept.
func (g *Gallery) Delete(ctx context.Context, id uuid.UUID) error {
	unlock, err := g.locker.Lock(ctx, id.String())
	if err != nil {
		return fmt.Errorf("lock identity %s: %w", id, err)
	}
	defer unlock()

	if err := g.store.DeleteIdentity(ctx, id); err != nil {
		return err
	}
	// the record is gone, so a retry would only see NotFound; leftover
	// objects are logged for cleanup instead of failing the call
	if err := g.photos.RemoveAll(context.WithoutCancel(ctx), id); err != nil {
		observability.OrphanedPhotos.Inc()
		slog.Warn("remove identity photos", "identity_id", id, "error", err)
	}
	slog.Info("identity deleted", "identity_id", id)
	return nil
}

// PhotoURL resolves a reference to the URL served by the static file server.
func (g *Gallery) PhotoURL(ref models.PhotoRef) string {
	if ref == "" {
		return ""
	}
	return g.baseURL + string(ref)
}

// RefFromURL accepts either a URL produced by PhotoURL or a bare reference.
func (g *Gallery) RefFromURL(s string) models.PhotoRef {
	s = strings.TrimSpace(s)
	if g.baseURL != "" {
		s = strings.TrimPrefix(s, g.baseURL)
	}
	return models.PhotoRef(strings.TrimPrefix(s, "/"))
}
