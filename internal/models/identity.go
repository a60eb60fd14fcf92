package models

import (
	"time"

	"github.com/google/uuid"
)

// PhotoRef is a relative object key, e.g. "<identity-id>/<file>.png".
type PhotoRef string

type Identity struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Seq             int64      `json:"-" db:"seq"`
	ReferencePhotos []PhotoRef `json:"reference_photos" db:"reference_photos"`
	Tags            []string   `json:"tags" db:"tags"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// PrimaryPhoto returns the first reference photo, or "" when there is none.
func (i *Identity) PrimaryPhoto() PhotoRef {
	if len(i.ReferencePhotos) == 0 {
		return ""
	}
	return i.ReferencePhotos[0]
}

// HasTag reports whether tag is present (exact match).
func (i *Identity) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasPhoto reports whether ref is one of the reference photos.
func (i *Identity) HasPhoto(ref PhotoRef) bool {
	for _, p := range i.ReferencePhotos {
		if p == ref {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can hand out snapshots safely.
func (i *Identity) Clone() *Identity {
	c := *i
	c.ReferencePhotos = append([]PhotoRef(nil), i.ReferencePhotos...)
	c.Tags = append([]string{}, i.Tags...)
	return &c
}
