package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/presence/internal/recognition"
	"github.com/your-org/presence/internal/sentinel"
	"github.com/your-org/presence/pkg/dto"
)

// Recognizer is implemented by recognition.Service.
type Recognizer interface {
	Recognize(ctx context.Context, p recognition.Probe) (recognition.Result, error)
	RecognizeBatch(ctx context.Context, items []recognition.BatchItem) []recognition.BatchResult
	ProcessVideo(ctx context.Context, video io.Reader) ([]recognition.FrameResult, error)
}

type RecognizeHandler struct {
	service Recognizer
}

func NewRecognizeHandler(service Recognizer) *RecognizeHandler {
	return &RecognizeHandler{service: service}
}

func toRecognizeResponse(res *recognition.Result) *dto.RecognizeResponse {
	if res == nil {
		return nil
	}
	tags := res.Tags
	if tags == nil {
		tags = []string{}
	}
	return &dto.RecognizeResponse{
		ID:           res.IdentityID,
		Tags:         tags,
		PrimaryPhoto: res.PrimaryPhotoURL,
		IsNew:        res.IsNew,
		Linked:       res.Linked,
		EventID:      res.EventID,
		ProcessingMs: res.ProcessingMs,
	}
}

// Recognize handles a single base64 image.
func (h *RecognizeHandler) Recognize(c *gin.Context) {
	var req dto.RecognizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	img, err := decodeImage(req.Image)
	if err != nil {
		respondError(c, err)
		return
	}

	res, err := h.service.Recognize(c.Request.Context(), recognition.Probe{Image: img})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecognizeResponse(&res))
}

// RecognizeBatch always answers 200 once the envelope parses; failures are
// reported per image.
func (h *RecognizeHandler) RecognizeBatch(c *gin.Context) {
	var req dto.RecognizeBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	faces := make([]dto.FaceResult, len(req.Images))
	items := make([]recognition.BatchItem, 0, len(req.Images))
	// position in items -> position in the request
	positions := make([]int, 0, len(req.Images))
	for i, in := range req.Images {
		img, err := decodeImage(in.Image)
		if err != nil {
			faces[i].Error = err.Error()
			continue
		}
		items = append(items, recognition.BatchItem{Image: img, TimestampMs: in.Timestamp})
		positions = append(positions, i)
	}

	for j, r := range h.service.RecognizeBatch(c.Request.Context(), items) {
		i := positions[j]
		faces[i].RecognizeResponse = toRecognizeResponse(r.Result)
		faces[i].Error = errorText(r.Err)
	}

	c.JSON(http.StatusOK, dto.RecognizeBatchResponse{Faces: faces})
}

// ProcessVideo accepts a multipart upload in the "video" field.
func (h *RecognizeHandler) ProcessVideo(c *gin.Context) {
	fh, err := c.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing video file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	results, err := h.service.ProcessVideo(c.Request.Context(), f)
	if err != nil && !errors.Is(err, sentinel.ErrInvalidInput) && len(results) > 0 {
		// extraction broke mid-way; keep what was recognized
		c.JSON(http.StatusOK, gin.H{"frames": toFrames(results), "error": err.Error()})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.ProcessVideoResponse{Frames: toFrames(results)})
}

func toFrames(results []recognition.FrameResult) []dto.FrameResult {
	frames := make([]dto.FrameResult, 0, len(results))
	for _, r := range results {
		frames = append(frames, dto.FrameResult{
			Frame:             r.Frame,
			RecognizeResponse: toRecognizeResponse(r.Result),
			Error:             errorText(r.Err),
		})
	}
	return frames
}
