// Package actor declares the batched leaf-evaluator contract consumed by the
// MCTS engine. Concrete actors wrap a neural network (or any evaluator); the
// engine only ever calls through this interface, in the fixed order
// BatchResize -> BatchPrepare* -> BatchEvaluate -> BatchResult*, once per
// rollout synchronisation point.
package actor

import "github.com/korrigan-ai/selfplaycore/state"

// PiVal is the evaluator's verdict on a leaf: a policy prior per action, a
// scalar value from the perspective of Player, and an optional recurrent
// hidden state for evaluators that carry one across moves.
type PiVal struct {
	Policy []float32
	Value  float32
	Player int8
	Hidden []float32
}

// Actor is the batched leaf-evaluation capability. An Actor is expected to be
// safe for use by a single orchestrating goroutine per batch; the engine does
// not call it concurrently for the same slot index.
type Actor interface {
	// BatchResize sizes the pending batch to n leaves. Must be called
	// before any BatchPrepare call for a given batch.
	BatchResize(n int)

	// BatchPrepare stages state (and, for recurrent actors, rnnState) for
	// evaluation in slot index. rnnState may be nil.
	BatchPrepare(index int, s state.State, rnnState []float32)

	// BatchEvaluate runs one forward pass over the n staged leaves.
	BatchEvaluate(n int) error

	// BatchResult retrieves the evaluation written into outPiVal for slot
	// index after BatchEvaluate returns. state is passed again so actors
	// that need the current-player id at read time don't have to cache it.
	BatchResult(index int, s state.State, outPiVal *PiVal)
}
