package vision

import (
	"cmp"
	"fmt"
	"image"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
)

// Detection is one face box in source image pixel coordinates.
type Detection struct {
	BBox       [4]float32 // x1, y1, x2, y2
	Confidence float32
}

const (
	detInputSide   = 640
	anchorsPerCell = 2
	nmsOverlap     = 0.4
)

// pyramidLevel names the det_10g outputs for one feature map. The landmark
// heads are not requested.
type pyramidLevel struct {
	stride int
	score  string
	box    string
}

var det10gLevels = []pyramidLevel{
	{stride: 8, score: "448", box: "451"},
	{stride: 16, score: "471", box: "474"},
	{stride: 32, score: "494", box: "497"},
}

// levelOutputs holds the bound tensors of one level. Shapes carry no batch
// dimension: scores are [anchors, 1] and boxes [anchors, 4].
type levelOutputs struct {
	stride int
	side   int
	scores *ort.Tensor[float32]
	boxes  *ort.Tensor[float32]
}

// Detector runs RetinaFace (det_10g) through ONNX Runtime.
type Detector struct {
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	levels    []levelOutputs
	threshold float32
}

// NewDetector loads the RetinaFace det_10g model. opts may be nil.
func NewDetector(modelPath string, threshold float32, opts *ort.SessionOptions) (*Detector, error) {
	d := &Detector{threshold: threshold}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	var err error
	d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, detInputSide, detInputSide))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	var names []string
	var values []ort.Value
	for _, lvl := range det10gLevels {
		side := detInputSide / lvl.stride
		anchors := int64(side * side * anchorsPerCell)
		out := levelOutputs{stride: lvl.stride, side: side}

		out.scores, err = ort.NewEmptyTensor[float32](ort.NewShape(anchors, 1))
		if err != nil {
			return nil, fmt.Errorf("create score tensor for stride %d: %w", lvl.stride, err)
		}
		out.boxes, err = ort.NewEmptyTensor[float32](ort.NewShape(anchors, 4))
		if err != nil {
			out.scores.Destroy()
			return nil, fmt.Errorf("create box tensor for stride %d: %w", lvl.stride, err)
		}
		d.levels = append(d.levels, out)

		names = append(names, lvl.score, lvl.box)
		values = append(values, out.scores, out.boxes)
	}

	d.session, err = ort.NewAdvancedSession(modelPath,
		[]string{"input.1"}, names,
		[]ort.Value{d.input}, values,
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	ok = true
	return d, nil
}

// Detect finds faces in img, highest confidence first. Not safe for
// concurrent use: the session shares its input and output tensors.
func (d *Detector) Detect(img image.Image) ([]Detection, error) {
	copy(d.input.GetData(), toCHW(img, detInputSide, detInputSide, 127.5, 128.0))
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}

	b := img.Bounds()
	frame := decodeFrame{
		w:      float32(b.Dx()),
		h:      float32(b.Dy()),
		scaleX: float32(b.Dx()) / detInputSide,
		scaleY: float32(b.Dy()) / detInputSide,
	}

	var found []Detection
	for _, lvl := range d.levels {
		found = decodeLevel(found, lvl.stride, lvl.side, lvl.scores.GetData(), lvl.boxes.GetData(), d.threshold, frame)
	}
	return nms(found, nmsOverlap), nil
}

// decodeFrame maps network coordinates back onto the source image.
type decodeFrame struct {
	w, h           float32
	scaleX, scaleY float32
}

// decodeLevel appends every anchor of one feature map scoring at least
// threshold. Anchors are laid out row-major over cells, anchorsPerCell per
// cell, and each box is four edge distances from the cell origin in stride
// units.
func decodeLevel(dst []Detection, stride, side int, scores, boxes []float32, threshold float32, f decodeFrame) []Detection {
	st := float32(stride)
	for i, score := range scores {
		if score < threshold {
			continue
		}
		cell := i / anchorsPerCell
		ox := float32(cell%side) * st
		oy := float32(cell/side) * st
		dist := boxes[i*4 : i*4+4]

		dst = append(dst, Detection{
			BBox: [4]float32{
				clampF((ox-dist[0]*st)*f.scaleX, 0, f.w),
				clampF((oy-dist[1]*st)*f.scaleY, 0, f.h),
				clampF((ox+dist[2]*st)*f.scaleX, 0, f.w),
				clampF((oy+dist[3]*st)*f.scaleY, 0, f.h),
			},
			Confidence: score,
		})
	}
	return dst
}

func (d *Detector) Close() {
	if d.session != nil {
		d.session.Destroy()
		d.session = nil
	}
	for _, lvl := range d.levels {
		if lvl.scores != nil {
			lvl.scores.Destroy()
		}
		if lvl.boxes != nil {
			lvl.boxes.Destroy()
		}
	}
	d.levels = nil
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
}

// nms keeps the most confident box of every overlapping cluster. The result
// is sorted by confidence and reuses the backing array of dets.
func nms(dets []Detection, overlap float32) []Detection {
	slices.SortFunc(dets, func(a, b Detection) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})

	kept := dets[:0]
	for _, cand := range dets {
		if !slices.ContainsFunc(kept, func(k Detection) bool { return iou(k.BBox, cand.BBox) > overlap }) {
			kept = append(kept, cand)
		}
	}
	return kept
}

func area(b [4]float32) float32 {
	return (b[2] - b[0]) * (b[3] - b[1])
}

func iou(a, b [4]float32) float32 {
	inter := area([4]float32{max(a[0], b[0]), max(a[1], b[1]), min(a[2], b[2]), min(a[3], b[3])})
	if min(a[2], b[2]) <= max(a[0], b[0]) || min(a[3], b[3]) <= max(a[1], b[1]) {
		inter = 0
	}
	union := area(a) + area(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clampF(v, lo, hi float32) float32 {
	return min(max(v, lo), hi)
}
