package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

type PresenceSource string

const (
	SourceSingle  PresenceSource = "single"
	SourceBatch   PresenceSource = "batch"
	SourceVideo   PresenceSource = "video"
	SourceCapture PresenceSource = "capture"
)

// PresenceEvent is the immutable audit record of one recognition.
// IdentityID is a weak reference: deleting the identity keeps the event.
type PresenceEvent struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	IdentityID    uuid.UUID      `json:"identity_id" db:"identity_id"`
	Date          string         `json:"date" db:"date"`
	Time          string         `json:"time" db:"time"`
	StartedAt     time.Time      `json:"started_at" db:"started_at"`
	FinishedAt    time.Time      `json:"finished_at" db:"finished_at"`
	ProcessingMs  int64          `json:"processing_ms" db:"processing_ms"`
	CapturedPhoto *PhotoRef      `json:"captured_photo,omitempty" db:"captured_photo"`
	Tags          []string       `json:"tags" db:"tags"`
	Source        PresenceSource `json:"source" db:"source"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

// NewPresenceEvent fills the derived fields (date, time, duration) from the
// bracketing timestamps. tags is copied.
func NewPresenceEvent(identityID uuid.UUID, startedAt, finishedAt time.Time, captured *PhotoRef, tags []string, source PresenceSource) *PresenceEvent {
	local := startedAt.Local()
	return &PresenceEvent{
		IdentityID:    identityID,
		Date:          local.Format(DateLayout),
		Time:          local.Format(TimeLayout),
		StartedAt:     startedAt,
		FinishedAt:    finishedAt,
		ProcessingMs:  finishedAt.Sub(startedAt).Milliseconds(),
		CapturedPhoto: captured,
		Tags:          append([]string{}, tags...),
		Source:        source,
	}
}

// CaptureTask is the message published to NATS for asynchronous recognition.
type CaptureTask struct {
	ID         uuid.UUID      `json:"id"`
	Image      []byte         `json:"image"`
	CapturedAt time.Time      `json:"captured_at"`
	Source     PresenceSource `json:"source"`
}
