package postprocess

import (
	"github.com/nvr-ai/go-cropcheck/inference"
	"github.com/pkg/errors"
)

// ErrUnknownOutput is returned for outputs that are neither classification nor
// detection results.
var ErrUnknownOutput = errors.New("unknown model output")

// ArgMax returns the index of the largest score. Ties go to the lowest index.
//
// Arguments:
//   - scores: The per-class score vector.
//
// Returns:
//   - int: The index of the first maximal score, or NoClass for an empty vector.
func ArgMax(scores []float32) int {
	if len(scores) == 0 {
		return NoClass
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// DecodeDetections reads the detections of a detection bundle in model order. The
// reported count is clamped to the number of detections actually present. No score
// threshold or suppression is applied.
//
// Arguments:
//   - det: The raw detection outputs.
//
// Returns:
//   - []Result: The detections, empty when the count is zero.
func DecodeDetections(det *inference.Detection) []Result {
	if det == nil {
		return []Result{}
	}

	present := min(len(det.Boxes)/4, len(det.Classes), len(det.Scores))
	count := present
	if len(det.Count) > 0 {
		count = min(int(det.Count[0]), present)
	}
	if count <= 0 {
		return []Result{}
	}

	results := make([]Result, count)
	for i := 0; i < count; i++ {
		results[i] = Result{
			Box:   [4]float32{det.Boxes[4*i], det.Boxes[4*i+1], det.Boxes[4*i+2], det.Boxes[4*i+3]},
			Score: det.Scores[i],
			Class: int(det.Classes[i]),
		}
	}
	return results
}

// Interpret turns a model output into a class index. Classification outputs use
// ArgMax. Detection outputs use the class of the first detection in model order.
//
// Arguments:
//   - out: The model output.
//
// Returns:
//   - Interpretation: The class, NoClass if none could be produced.
//   - error: ErrUnknownOutput for unsupported output types.
func Interpret(out inference.Output) (Interpretation, error) {
	switch o := out.(type) {
	case *inference.Classification:
		idx := ArgMax(o.Scores)
		if idx == NoClass {
			return Interpretation{Class: NoClass}, nil
		}
		return Interpretation{Class: idx, Score: o.Scores[idx]}, nil
	case *inference.Detection:
		dets := DecodeDetections(o)
		if len(dets) == 0 {
			return Interpretation{Class: NoClass, Detections: dets}, nil
		}
		return Interpretation{Class: dets[0].Class, Score: dets[0].Score, Detections: dets}, nil
	default:
		return Interpretation{Class: NoClass}, errors.Wrapf(ErrUnknownOutput, "%T", out)
	}
}
