package dto

import "github.com/google/uuid"

type PresenceResponse struct {
	ID            uuid.UUID `json:"id"`
	IdentityID    uuid.UUID `json:"identity_id"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	StartedAt     string    `json:"started_at"`
	FinishedAt    string    `json:"finished_at"`
	ProcessingMs  int64     `json:"processing_ms"`
	CapturedPhoto string    `json:"captured_photo,omitempty"`
	Tags          []string  `json:"tags"`
	Source        string    `json:"source"`
}

type PresenceListResponse struct {
	Presence []PresenceResponse `json:"presence"`
	Total    int                `json:"total"`
	Date     string             `json:"date"`
	Page     int                `json:"page"`
	Limit    int                `json:"limit"`
}

// WSEvent is pushed to WebSocket clients for every recorded presence event.
type WSEvent struct {
	Type string           `json:"type"`
	Data PresenceResponse `json:"data"`
}
