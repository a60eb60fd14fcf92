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

// PresenceLog is implemented by presence.Recorder.
type PresenceLog interface {
	List(ctx context.Context, date string, offset, limit int) ([]models.PresenceEvent, int, string, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type PresenceHandler struct {
	log      PresenceLog
	photoURL func(models.PhotoRef) string
}

func NewPresenceHandler(log PresenceLog, photoURL func(models.PhotoRef) string) *PresenceHandler {
	return &PresenceHandler{log: log, photoURL: photoURL}
}

func (h *PresenceHandler) List(c *gin.Context) {
	page, limit, ok := pagination(c)
	if !ok {
		return
	}

	events, total, date, err := h.log.List(c.Request.Context(), c.Query("date"), (page-1)*limit, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := make([]dto.PresenceResponse, 0, len(events))
	for i := range events {
		resp = append(resp, ToPresenceResponse(&events[i], h.photoURL))
	}

	c.JSON(http.StatusOK, dto.PresenceListResponse{Presence: resp, Total: total, Date: date, Page: page, Limit: limit})
}

func (h *PresenceHandler) Delete(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := h.log.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

// ToPresenceResponse renders an event for HTTP and WebSocket clients.
func ToPresenceResponse(ev *models.PresenceEvent, photoURL func(models.PhotoRef) string) dto.PresenceResponse {
	resp := dto.PresenceResponse{
		ID:           ev.ID,
		IdentityID:   ev.IdentityID,
		Date:         ev.Date,
		Time:         ev.Time,
		StartedAt:    ev.StartedAt.Format(time.RFC3339Nano),
		FinishedAt:   ev.FinishedAt.Format(time.RFC3339Nano),
		ProcessingMs: ev.ProcessingMs,
		Tags:         ev.Tags,
		Source:       string(ev.Source),
	}
	if ev.CapturedPhoto != nil && photoURL != nil {
		resp.CapturedPhoto = photoURL(*ev.CapturedPhoto)
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	return resp
}
