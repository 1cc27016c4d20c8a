// Package detect implements DetectorArbiter and AccelWorker: a bounded FIFO
// of detection requests drained by round-robin dispatch to a fixed pool of
// accelerator workers, each running either an SSD-style or YOLO-style
// post-processing path per spec.md §4.6. The dispatch loop's shape (a
// single select-driven consumer feeding per-worker channels) follows
// l1packets/network/listener.go's composition of a stats/forwarder/parser
// trio around one ingest loop.
package detect

// Style names a model's raw output tensor layout.
type Style string

const (
	StyleSSD  Style = "ssd"
	StyleYOLO Style = "yolo"
)

const (
	scoreThreshold = 0.4
	maxDetections  = 20
	nmsIoU         = 0.45
)

// Row is one output row: [classID, score, x1, y1, x2, y2], all normalized
// to the 0..1 region-relative coordinate space AccelWorker operates in.
// Mapping back to frame coordinates is ObjectTracker's job. Note this
// reorders the raw tensor's [y1, x1, y2, x2] into x-before-y; callers
// reading Result.Table.Rows (cmd/nvr) index columns in this order.
type Row [6]float32

// Table is the fixed-size output written into a camera's output slot; rows
// beyond Count are zeroed.
type Table struct {
	Rows  [maxDetections]Row
	Count int
}

// Request is one outstanding detection: a letterboxed S*S*3 uint8 region
// plus the bookkeeping the arbiter needs for FIFO/retry semantics.
type Request struct {
	Camera    string
	Input     []byte
	ModelSide int

	retries int
	Done    chan Result
}

// NewRequest builds a Request with its completion channel pre-allocated.
func NewRequest(camera string, input []byte, modelSide int) *Request {
	return &Request{Camera: camera, Input: input, ModelSide: modelSide, Done: make(chan Result, 1)}
}

// Result is delivered on Request.Done once an AccelWorker (or the arbiter,
// on terminal failure) finishes handling the request.
type Result struct {
	Camera string
	Table  Table
	Err    error
}

// RawTensors is what an inference Engine returns before post-processing.
// SSD-style engines populate Boxes/ClassIDs/Scores/Count; YOLO-style
// engines populate YOLO/ZeroPoint/Scale.
type RawTensors struct {
	// SSD-style: Count rows, boxes in [y1, x1, y2, x2] order, normalized 0..1.
	Boxes    []float32
	ClassIDs []float32
	Scores   []float32
	Count    int

	// YOLO-style: flattened rows of [cx, cy, w, h, objScore, classID],
	// still quantized; ZeroPoint/Scale dequantize per spec.md §4.6.
	YOLO      []float32
	ZeroPoint int
	Scale     float32
}

// Engine runs a loaded model against one letterboxed region and returns its
// raw, not-yet-postprocessed output tensors.
type Engine interface {
	Invoke(input []byte) (RawTensors, error)
}

// dequantizeInput applies the AccelWorker input pre-scaling formula from
// spec.md §4.6: (x - zp*255) * (1/(s*255)).
func dequantizeInput(x byte, zp int, s float32) float32 {
	return (float32(x) - float32(zp)*255) * (1 / (s * 255))
}

func postProcessSSD(raw RawTensors) Table {
	var t Table
	for i := 0; i < raw.Count && t.Count < maxDetections; i++ {
		score := raw.Scores[i]
		if score < scoreThreshold {
			continue
		}
		y1, x1, y2, x2 := raw.Boxes[i*4], raw.Boxes[i*4+1], raw.Boxes[i*4+2], raw.Boxes[i*4+3]
		t.Rows[t.Count] = Row{raw.ClassIDs[i], score, x1, y1, x2, y2}
		t.Count++
	}
	return t
}

type yoloCandidate struct {
	classID    float32
	score      float32
	x1, y1, x2, y2 float32
}

// postProcessYOLO dequantizes a single YOLO-style tensor, scales normalized
// center/size coordinates by the model's input dimensions, aggregates
// classes per classMap, and applies NMS.
func postProcessYOLO(raw RawTensors, modelWidth, modelHeight int, classMap map[int]int) Table {
	const stride = 6
	var candidates []yoloCandidate

	for i := 0; i+stride <= len(raw.YOLO); i += stride {
		cx := dequantizeRaw(raw.YOLO[i], raw.ZeroPoint, raw.Scale) * float32(modelWidth)
		cy := dequantizeRaw(raw.YOLO[i+1], raw.ZeroPoint, raw.Scale) * float32(modelHeight)
		w := dequantizeRaw(raw.YOLO[i+2], raw.ZeroPoint, raw.Scale) * float32(modelWidth)
		h := dequantizeRaw(raw.YOLO[i+3], raw.ZeroPoint, raw.Scale) * float32(modelHeight)
		score := dequantizeRaw(raw.YOLO[i+4], raw.ZeroPoint, raw.Scale)
		classID := int(raw.YOLO[i+5])

		if score < scoreThreshold {
			continue
		}
		if mapped, ok := classMap[classID]; ok {
			classID = mapped
		}

		candidates = append(candidates, yoloCandidate{
			classID: float32(classID),
			score:   score,
			x1:      cx - w/2,
			y1:      cy - h/2,
			x2:      cx + w/2,
			y2:      cy + h/2,
		})
	}

	survivors := nms(candidates, nmsIoU)

	var t Table
	for _, c := range survivors {
		if t.Count >= maxDetections {
			break
		}
		t.Rows[t.Count] = Row{c.classID, c.score, c.x1, c.y1, c.x2, c.y2}
		t.Count++
	}
	return t
}

func dequantizeRaw(x float32, zp int, s float32) float32 {
	if s == 0 {
		return x
	}
	return (x - float32(zp)) * s
}

func nms(candidates []yoloCandidate, iouThreshold float64) []yoloCandidate {
	sorted := append([]yoloCandidate(nil), candidates...)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].score > sorted[i].score {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	var kept []yoloCandidate
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if suppressed[j] {
				continue
			}
			if boxIoU(sorted[i], sorted[j]) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func boxIoU(a, b yoloCandidate) float64 {
	ix1, iy1 := maxF(a.x1, b.x1), maxF(a.y1, b.y1)
	ix2, iy2 := minF(a.x2, b.x2), minF(a.y2, b.y2)
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := float64(iw * ih)
	areaA := float64((a.x2 - a.x1) * (a.y2 - a.y1))
	areaB := float64((b.x2 - b.x1) * (b.y2 - b.y1))
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func maxF(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func minF(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
