package controller

import (
	"fmt"
	"time"
)

// Phase is the cascade state machine's state.
type Phase int

const (
	// PhaseIdle means no cascade has run since the last image or reset.
	PhaseIdle Phase = iota
	// PhaseRunning means a cascade is invoking State.Model, attempt State.Attempt.
	PhaseRunning
	// PhaseTerminal means the cascade produced a final label.
	PhaseTerminal
	// PhaseFailed means a stage exhausted its attempts without a label.
	PhaseFailed
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseTerminal:
		return "terminal"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// StageResult is the outcome of one model in a cascade.
type StageResult struct {
	// Model is the model name.
	Model string `json:"model"`
	// Attempts is the number of attempts made.
	Attempts int `json:"attempts"`
	// Class is the predicted class index.
	Class int `json:"class"`
	// Label is the trimmed catalog label of Class.
	Label string `json:"label"`
	// Score is the score of Class.
	Score float32 `json:"score"`
	// Routed is true when Label selected a child model.
	Routed bool `json:"routed"`
	// Duration covers every attempt of the stage.
	Duration time.Duration `json:"duration"`
}

// State is the controller-owned view of the latest cascade. Only the cascade whose
// generation matches Generation may change it.
type State struct {
	Phase      Phase         `json:"state"`
	Generation uint64        `json:"generation"`
	Model      string        `json:"model,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	ClassLabel string        `json:"class_label"`
	SubLabel   string        `json:"sub_label"`
	Label      string        `json:"label,omitempty"`
	Override   bool          `json:"override,omitempty"`
	Stages     []StageResult `json:"stages"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Done reports whether the cascade reached Terminal or Failed.
func (s State) Done() bool {
	return s.Phase == PhaseTerminal || s.Phase == PhaseFailed
}

// Attempts returns the total number of attempts across all stages.
func (s State) Attempts() int {
	n := 0
	for _, st := range s.Stages {
		n += st.Attempts
	}
	return n
}

func (s State) clone() State {
	out := s
	if s.Stages != nil {
		out.Stages = make([]StageResult, len(s.Stages))
		copy(out.Stages, s.Stages)
	}
	return out
}
