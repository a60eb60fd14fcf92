package dto

import "github.com/google/uuid"

// Images are base64 strings, optionally in data URL form
// ("data:image/png;base64,...").

type RecognizeRequest struct {
	Image string `json:"image" binding:"required"`
}

type RecognizeResponse struct {
	ID           uuid.UUID `json:"id"`
	Tags         []string  `json:"tags"`
	PrimaryPhoto string    `json:"primary_photo"`
	IsNew        bool      `json:"is_new"`
	Linked       bool      `json:"linked"`
	EventID      uuid.UUID `json:"event_id"`
	ProcessingMs int64     `json:"processing_ms"`
}

type BatchImage struct {
	Image string `json:"image"`
	// Timestamp is the client capture time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

type RecognizeBatchRequest struct {
	Images []BatchImage `json:"images" binding:"required"`
}

// FaceResult is one batch entry: either the recognition or an error.
type FaceResult struct {
	*RecognizeResponse
	Error string `json:"error,omitempty"`
}

type RecognizeBatchResponse struct {
	Faces []FaceResult `json:"faces"`
}

type FrameResult struct {
	Frame int `json:"frame"`
	*RecognizeResponse
	Error string `json:"error,omitempty"`
}

type ProcessVideoResponse struct {
	Frames []FrameResult `json:"frames"`
}

type CaptureRequest struct {
	Image     string `json:"image" binding:"required"`
	Timestamp int64  `json:"timestamp"`
}

type CaptureResponse struct {
	CaptureID uuid.UUID `json:"capture_id"`
}
