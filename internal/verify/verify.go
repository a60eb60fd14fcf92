// Package verify compares two face images and decides whether they show the
// same person. Every call recomputes from raw image bytes.
package verify

import (
	"context"
	"fmt"

	"github.com/your-org/presence/internal/config"
	"github.com/your-org/presence/internal/vision"
)

type Result struct {
	Matched  bool    `json:"matched"`
	Distance float64 `json:"distance"`
}

// Verifier is the pairwise face comparison capability. Implementations must
// honour ctx cancellation.
type Verifier interface {
	Verify(ctx context.Context, a, b []byte) (Result, error)
}

// New builds the backend selected by cfg. The returned close function
// releases model sessions and is never nil.
func New(cfg config.VerifierConfig, visionCfg config.VisionConfig) (Verifier, func(), error) {
	switch cfg.Backend {
	case "http":
		return NewHTTPVerifier(cfg.URL, cfg.Model, cfg.Timeout), func() {}, nil
	case "onnx":
		if err := vision.InitRuntime(); err != nil {
			return nil, func() {}, err
		}
		faces, err := vision.NewFaceEmbedder(visionCfg)
		if err != nil {
			vision.DestroyRuntime()
			return nil, func() {}, err
		}
		v, err := NewEmbeddingVerifier(faces, cfg.Threshold, 1024)
		if err != nil {
			faces.Close()
			vision.DestroyRuntime()
			return nil, func() {}, err
		}
		return v, func() {
			faces.Close()
			vision.DestroyRuntime()
		}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown verifier backend %q", cfg.Backend)
	}
}
