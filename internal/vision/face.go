package vision

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/presence/internal/config"
)

// ErrNoFace is returned when the detector finds no face in an image.
var ErrNoFace = errors.New("no face detected")

// FaceEmbedder turns an image into the embedding of its most confident face.
// Both ONNX sessions reuse fixed tensors, so calls are serialized.
type FaceEmbedder struct {
	mu       sync.Mutex
	detector *Detector
	embedder *Embedder
}

// NewFaceEmbedder loads det_10g.onnx and w600k_r50.onnx from cfg.ModelsDir.
// InitRuntime must have been called.
func NewFaceEmbedder(cfg config.VisionConfig) (*FaceEmbedder, error) {
	detPath := filepath.Join(cfg.ModelsDir, "det_10g.onnx")
	embPath := filepath.Join(cfg.ModelsDir, "w600k_r50.onnx")

	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(cfg.DetectionThreshold), nil)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	slog.Info("loading embedding model", "path", embPath)
	emb, err := NewEmbedder(embPath, nil)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	return &FaceEmbedder{detector: det, embedder: emb}, nil
}

// Embed detects the most confident face in img and returns its embedding.
func (f *FaceEmbedder) Embed(img image.Image) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := time.Now()
	detections, err := f.detector.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if len(detections) == 0 {
		return nil, ErrNoFace
	}

	// nms output is sorted by confidence
	face := cropFace(img, detections[0].BBox)
	if face == nil {
		return nil, ErrNoFace
	}

	embedding, err := f.embedder.Extract(face)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	slog.Debug("face embedded", "faces", len(detections), "duration", time.Since(start).String())
	return embedding, nil
}

func (f *FaceEmbedder) Close() {
	if f.detector != nil {
		f.detector.Close()
	}
	if f.embedder != nil {
		f.embedder.Close()
	}
}

// InitRuntime loads the ONNX Runtime shared library for this OS.
func InitRuntime() error {
	ort.SetSharedLibraryPath(onnxLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("init onnx runtime: %w", err)
	}
	return nil
}

func DestroyRuntime() {
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Warn("destroy onnx runtime", "error", err)
	}
}

func onnxLibPath() string {
	switch runtime.GOOS {
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}

// toCHW resizes img and lays it out as normalized float32 planes:
// (pixel - mean) / std, channel order R, G, B.
func toCHW(img image.Image, w, h int, mean, std float32) []float32 {
	resized := imaging.Resize(img, w, h, imaging.Linear)
	plane := w * h
	data := make([]float32, 3*plane)

	for y := 0; y < h; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < w; x++ {
			px := row[x*4:]
			idx := y*w + x
			data[idx] = (float32(px[0]) - mean) / std
			data[plane+idx] = (float32(px[1]) - mean) / std
			data[2*plane+idx] = (float32(px[2]) - mean) / std
		}
	}
	return data
}

// cropFace cuts the box out of img with 10% padding per side, clamped to the
// image. Returns nil for an empty box.
func cropFace(img image.Image, bbox [4]float32) image.Image {
	bounds := img.Bounds()
	rect := image.Rect(int(bbox[0]), int(bbox[1]), int(bbox[2]), int(bbox[3])).Intersect(bounds)
	if rect.Empty() {
		return nil
	}

	padW := rect.Dx() / 10
	padH := rect.Dy() / 10
	rect = image.Rect(rect.Min.X-padW, rect.Min.Y-padH, rect.Max.X+padW, rect.Max.Y+padH).Intersect(bounds)
	return imaging.Crop(img, rect)
}
