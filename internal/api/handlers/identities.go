package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/pkg/dto"
)

// IdentityService is implemented by gallery.Gallery.
type IdentityService interface {
	List(ctx context.Context, offset, limit int) ([]models.Identity, int, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	Delete(ctx context.Context, id uuid.UUID) error
	RemovePhoto(ctx context.Context, id uuid.UUID, ref models.PhotoRef) error
	AddTag(ctx context.Context, id uuid.UUID, tag string) (*models.Identity, error)
	RemoveTag(ctx context.Context, id uuid.UUID, tag string) (*models.Identity, error)
	PhotoURL(ref models.PhotoRef) string
	RefFromURL(s string) models.PhotoRef
}

type IdentityHandler struct {
	gallery IdentityService
}

func NewIdentityHandler(gallery IdentityService) *IdentityHandler {
	return &IdentityHandler{gallery: gallery}
}

func (h *IdentityHandler) List(c *gin.Context) {
	page, limit, ok := pagination(c)
	if !ok {
		return
	}

	identities, total, err := h.gallery.List(c.Request.Context(), (page-1)*limit, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.IdentitySummary, 0, len(identities))
	for _, ident := range identities {
		resp = append(resp, dto.IdentitySummary{ID: ident.ID, Tags: ident.Tags})
	}

	c.JSON(http.StatusOK, dto.IdentityListResponse{Identities: resp, Total: total, Page: page, Limit: limit})
}

func (h *IdentityHandler) Get(c *gin.Context) {
	ident, ok := h.load(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, dto.IdentityResponse{
		ID:           ident.ID,
		Tags:         ident.Tags,
		PrimaryPhoto: h.gallery.PhotoURL(ident.PrimaryPhoto()),
		PhotoCount:   len(ident.ReferencePhotos),
		CreatedAt:    ident.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *IdentityHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.gallery.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

func (h *IdentityHandler) Photos(c *gin.Context) {
	ident, ok := h.load(c)
	if !ok {
		return
	}

	urls := make([]string, 0, len(ident.ReferencePhotos))
	for _, ref := range ident.ReferencePhotos {
		urls = append(urls, h.gallery.PhotoURL(ref))
	}
	c.JSON(http.StatusOK, dto.IdentityPhotosResponse{ID: ident.ID, PhotoURLs: urls})
}

func (h *IdentityHandler) PrimaryPhoto(c *gin.Context) {
	ident, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.PrimaryPhotoResponse{ID: ident.ID, PrimaryPhoto: h.gallery.PhotoURL(ident.PrimaryPhoto())})
}

func (h *IdentityHandler) PhotoCount(c *gin.Context) {
	ident, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.PhotoCountResponse{ID: ident.ID, PhotoCount: len(ident.ReferencePhotos)})
}

func (h *IdentityHandler) RemovePhoto(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req dto.RemovePhotoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.gallery.RemovePhoto(c.Request.Context(), id, h.gallery.RefFromURL(req.Photo)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "id": id})
}

func (h *IdentityHandler) AddTag(c *gin.Context) {
	h.mutateTag(c, h.gallery.AddTag)
}

func (h *IdentityHandler) RemoveTag(c *gin.Context) {
	h.mutateTag(c, h.gallery.RemoveTag)
}

func (h *IdentityHandler) mutateTag(c *gin.Context, fn func(context.Context, uuid.UUID, string) (*models.Identity, error)) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req dto.TagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ident, err := fn(c.Request.Context(), id, req.Tag)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.TagsResponse{ID: ident.ID, Tags: ident.Tags})
}

func (h *IdentityHandler) load(c *gin.Context) (*models.Identity, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}

	ident, err := h.gallery.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return ident, true
}
