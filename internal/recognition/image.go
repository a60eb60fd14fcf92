package recognition

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/your-org/presence/internal/sentinel"
)

// NormalizeImage decodes a probe in any supported image format, applies EXIF
// orientation and re-encodes it as PNG, the format photos are stored in.
func NormalizeImage(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, sentinel.Invalid("image is empty")
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return nil, sentinel.Invalid(fmt.Sprintf("payload is %s, not an image", mt.String()))
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, sentinel.Invalid(fmt.Sprintf("decode %s: %v", mt.String(), err))
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
