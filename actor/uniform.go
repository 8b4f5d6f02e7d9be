package actor

import (
	"github.com/korrigan-ai/selfplaycore/state"
)

// legalActioner is implemented by concrete State types that can enumerate
// their own legal actions (e.g. state/chessstate.State). UniformActor uses
// it via a type assertion rather than adding the method to state.State
// itself, since State stays game-agnostic and leaves legality entirely to
// the Actor.
type legalActioner interface {
	LegalActions() []state.Action
}

// UniformActor is a reference Actor that assigns equal prior to every legal
// action and a zero value estimate, with no learned evaluation at all. It
// exists for tests and smoke-running the engine without a real neural
// network.
type UniformActor struct {
	batch []uniformSlot
}

type uniformSlot struct {
	state state.State
}

// NewUniformActor creates an empty actor; BatchResize sizes it per sweep.
func NewUniformActor() *UniformActor {
	return &UniformActor{}
}

// BatchResize sizes the pending batch to n leaves.
func (a *UniformActor) BatchResize(n int) {
	a.batch = make([]uniformSlot, n)
}

// BatchPrepare stages state for slot index.
func (a *UniformActor) BatchPrepare(index int, s state.State, rnnState []float32) {
	a.batch[index] = uniformSlot{state: s}
}

// BatchEvaluate is a no-op: UniformActor computes everything at result time.
func (a *UniformActor) BatchEvaluate(n int) error { return nil }

// BatchResult fills outPiVal with a uniform policy over legal actions and a
// value of zero.
func (a *UniformActor) BatchResult(index int, s state.State, outPiVal *PiVal) {
	outPiVal.Player = s.GetCurrentPlayer()
	outPiVal.Value = 0

	policy := make([]float32, s.ActionSpace())
	if la, ok := s.(legalActioner); ok {
		actions := la.LegalActions()
		if len(actions) > 0 {
			p := float32(1) / float32(len(actions))
			for _, act := range actions {
				policy[act] = p
			}
		}
	}
	outPiVal.Policy = policy
}
