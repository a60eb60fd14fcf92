package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/presence/internal/models"
	"github.com/your-org/presence/internal/observability"
	"github.com/your-org/presence/internal/recognition"
	"github.com/your-org/presence/pkg/dto"
)

// CapturePublisher is implemented by queue.Producer.
type CapturePublisher interface {
	PublishCapture(ctx context.Context, task *models.CaptureTask) error
	QueueDepth(ctx context.Context) (uint64, error)
}

type CaptureHandler struct {
	publisher CapturePublisher
}

func NewCaptureHandler(publisher CapturePublisher) *CaptureHandler {
	return &CaptureHandler{publisher: publisher}
}

// Create validates the image and queues it for the recognition workers.
func (h *CaptureHandler) Create(c *gin.Context) {
	if h.publisher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture queue is not configured"})
		return
	}

	var req dto.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	raw, err := decodeImage(req.Image)
	if err != nil {
		respondError(c, err)
		return
	}
	img, err := recognition.NormalizeImage(raw)
	if err != nil {
		respondError(c, err)
		return
	}

	capturedAt := time.Now()
	if req.Timestamp > 0 {
		capturedAt = time.UnixMilli(req.Timestamp)
	}
	task := &models.CaptureTask{
		ID:         uuid.New(),
		Image:      img,
		CapturedAt: capturedAt,
		Source:     models.SourceCapture,
	}

	if err := h.publisher.PublishCapture(c.Request.Context(), task); err != nil {
		respondError(c, err)
		return
	}

	if depth, err := h.publisher.QueueDepth(c.Request.Context()); err == nil {
		observability.CaptureQueueDepth.Set(float64(depth))
	}

	c.JSON(http.StatusAccepted, dto.CaptureResponse{CaptureID: task.ID})
}
