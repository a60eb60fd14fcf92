package gallery

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/sentinel"
)

const photoContentType = "image/png"

// PhotoManager writes photos into one namespace per identity and decides
// whether a new capture may join the identity's reference set.
type PhotoManager struct {
	objects ObjectStore
	cap     int
}

func NewPhotoManager(objects ObjectStore, photoCap int) *PhotoManager {
	return &PhotoManager{objects: objects, cap: photoCap}
}

// Cap is the maximum number of reference photos per identity.
func (m *PhotoManager) Cap() int { return m.cap }

// Store writes png under a fresh file name in the identity's namespace.
func (m *PhotoManager) Store(ctx context.Context, identityID uuid.UUID, png []byte) (models.PhotoRef, error) {
	return m.put(ctx, identityID, uuid.New(), png)
}

// StoreSeed writes the enrollment photo, named after the identity itself.
func (m *PhotoManager) StoreSeed(ctx context.Context, identityID uuid.UUID, png []byte) (models.PhotoRef, error) {
	return m.put(ctx, identityID, identityID, png)
}

func (m *PhotoManager) put(ctx context.Context, identityID, name uuid.UUID, png []byte) (models.PhotoRef, error) {
	ref := photoRef(identityID, name)
	if err := m.objects.PutObject(ctx, string(ref), png, photoContentType); err != nil {
		return "", sentinel.Storage("store photo", err)
	}
	return ref, nil
}

// EnforceQuota reports whether identity may take one more reference photo.
func (m *PhotoManager) EnforceQuota(identity *models.Identity) bool {
	return len(identity.ReferencePhotos) < m.cap
}

func (m *PhotoManager) Load(ctx context.Context, ref models.PhotoRef) ([]byte, error) {
	return m.objects.GetObject(ctx, string(ref))
}

func (m *PhotoManager) Remove(ctx context.Context, ref models.PhotoRef) error {
	if err := m.objects.DeleteObject(ctx, string(ref)); err != nil {
		return sentinel.Storage("remove photo", err)
	}
	return nil
}

// RemoveAll drops the identity's whole namespace.
func (m *PhotoManager) RemoveAll(ctx context.Context, identityID uuid.UUID) error {
	if err := m.objects.DeletePrefix(ctx, identityID.String()+"/"); err != nil {
		return sentinel.Storage("remove photo namespace", err)
	}
	return nil
}

func photoRef(identityID, name uuid.UUID) models.PhotoRef {
	return models.PhotoRef(fmt.Sprintf("%s/%s.png", identityID, name))
}
