package sessions

import "tvb/internal/pkg/errors"

// Legal transitions. The producer side drives everything up to
// RENDER_QUEUED; only the worker holding the lease may move a session
// through RENDERING and into a terminal state.
var transitions = map[State][]State{
	StateWaitVideo:          {StateWaitTextOrSettings},
	StateWaitTextOrSettings: {StateReadyToRender, StateRenderQueued},
	StateReadyToRender:      {StateRenderQueued},
	StateRenderQueued:       {StateRendering},
	StateRendering:          {StateRenderDone, StateRenderFailed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a state change, returning a failed-precondition
// error on an illegal edge.
func Transition(from, to State) error {
	if !CanTransition(from, to) {
		return errors.New(errors.CodeFailedPrecond, "illegal session transition").
			WithField("from", string(from)).
			WithField("to", string(to))
	}
	return nil
}
