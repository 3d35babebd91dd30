// Package postprocess - Interpretation of raw model outputs into a discrete class:
// arg-max over a score vector, or decoding of a detection bundle.
package postprocess

// NoClass is the class index reported when an output names no class.
const NoClass = -1

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result, four coordinates in the model's frame.
	Box [4]float32 `json:"box"`
	// The confidence score of the result.
	Score float32 `json:"score"`
	// The predicted class index of the result.
	Class int `json:"class"`
}

// Interpretation is the outcome of interpreting one model output.
type Interpretation struct {
	// Class is the predicted class index, or NoClass.
	Class int `json:"class"`
	// Score is the score of Class, zero for NoClass.
	Score float32 `json:"score"`
	// Detections holds every decoded detection for detection models.
	Detections []Result `json:"detections,omitempty"`
}

// HasClass reports whether a class was predicted.
func (i Interpretation) HasClass() bool {
	return i.Class != NoClass
}
