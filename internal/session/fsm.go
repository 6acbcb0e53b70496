package session

import (
	"fmt"

	"github.com/g960059/neurolink/internal/model"
)

// transitions lists every legal phase change. ENDED is reachable from any
// other phase and handled separately.
var transitions = map[model.Phase][]model.Phase{
	model.PhaseUnstarted:   {model.PhaseCalibration},
	model.PhaseCalibration: {model.PhaseTraining},
	model.PhaseTraining:    {model.PhaseClassification, model.PhaseFailed},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to model.Phase) bool {
	if to == model.PhaseEnded {
		return from != model.PhaseEnded
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to model.Phase) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidStateTransition, from, to)
	}
	return nil
}
