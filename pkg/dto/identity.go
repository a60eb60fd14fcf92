package dto

import "github.com/google/uuid"

type IdentitySummary struct {
	ID   uuid.UUID `json:"id"`
	Tags []string  `json:"tags"`
}

type IdentityListResponse struct {
	Identities []IdentitySummary `json:"identities"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	Limit      int               `json:"limit"`
}

type IdentityResponse struct {
	ID           uuid.UUID `json:"id"`
	Tags         []string  `json:"tags"`
	PrimaryPhoto string    `json:"primary_photo"`
	PhotoCount   int       `json:"photo_count"`
	CreatedAt    string    `json:"created_at"`
}

type IdentityPhotosResponse struct {
	ID        uuid.UUID `json:"id"`
	PhotoURLs []string  `json:"photo_urls"`
}

type PrimaryPhotoResponse struct {
	ID           uuid.UUID `json:"id"`
	PrimaryPhoto string    `json:"primary_photo"`
}

type PhotoCountResponse struct {
	ID         uuid.UUID `json:"id"`
	PhotoCount int       `json:"photo_count"`
}

type TagRequest struct {
	Tag string `json:"tag" binding:"required"`
}

type TagsResponse struct {
	ID   uuid.UUID `json:"id"`
	Tags []string  `json:"tags"`
}

// RemovePhotoRequest accepts either a photo URL or a relative reference.
type RemovePhotoRequest struct {
	Photo string `json:"photo" binding:"required"`
}
