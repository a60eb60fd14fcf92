package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/your-org/presence/internal/vision"
)

// Embedder is the part of vision.FaceEmbedder the verifier needs.
type Embedder interface {
	Embed(img image.Image) ([]float32, error)
}

// EmbeddingVerifier embeds both faces and matches on cosine distance.
// Embeddings are cached by content hash: during a scan the probe is compared
// against every reference photo.
type EmbeddingVerifier struct {
	faces     Embedder
	threshold float64
	cache     *lru.Cache[[sha256.Size]byte, []float32]
}

func NewEmbeddingVerifier(faces Embedder, threshold float64, cacheSize int) (*EmbeddingVerifier, error) {
	cache, err := lru.New[[sha256.Size]byte, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &EmbeddingVerifier{faces: faces, threshold: threshold, cache: cache}, nil
}

func (v *EmbeddingVerifier) Verify(ctx context.Context, a, b []byte) (Result, error) {
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		ea, err := v.embed(a)
		if err != nil {
			done <- outcome{err: fmt.Errorf("first image: %w", err)}
			return
		}
		eb, err := v.embed(b)
		if err != nil {
			done <- outcome{err: fmt.Errorf("second image: %w", err)}
			return
		}
		dist := vision.CosineDistance(ea, eb)
		done <- outcome{res: Result{Matched: dist <= v.threshold, Distance: dist}}
	}()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case o := <-done:
		return o.res, o.err
	}
}

func (v *EmbeddingVerifier) embed(data []byte) ([]float32, error) {
	key := sha256.Sum256(data)
	if e, ok := v.cache.Get(key); ok {
		return e, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	e, err := v.faces.Embed(img)
	if err != nil {
		if errors.Is(err, vision.ErrNoFace) {
			return nil, err
		}
		return nil, fmt.Errorf("embed face: %w", err)
	}
	v.cache.Add(key, e)
	return e, nil
}
