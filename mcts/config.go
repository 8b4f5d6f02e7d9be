package mcts

import "github.com/pkg/errors"

// Config configures one Engine run.
type Config struct {
	// PUCT is the exploration constant in the PUCT formula.
	PUCT float32

	// VirtualLoss is the penalty applied to a node's vloss on descent and
	// subtracted back out on backpropagation.
	VirtualLoss float32

	// ValuePriorEnabled turns on the avgChildV fallback for q(a) when a
	// candidate action has no visits yet.
	ValuePriorEnabled bool

	// SamplingMCTS replaces the PUCT argmax with Sample(U(0, exp(4*score))).
	SamplingMCTS bool

	// ForcedRolloutsMultiplier, when > 0, enables forced playouts at the
	// root: an under-visited high-prior action is forced regardless of
	// score until it reaches its forced threshold.
	ForcedRolloutsMultiplier float32

	// NumRollouts is the rollout budget per search (also used as
	// maxNumRollouts in the forced-playout threshold formula).
	NumRollouts int

	// DirichletAlpha/DirichletEpsilon configure root exploration noise,
	// mixed into the root's policy the first time it settles:
	// policy[a] = (1-eps)*policy[a] + eps*dirichlet[a]. Set Epsilon to 0 to
	// disable (e.g. for deterministic tests).
	DirichletAlpha   float64
	DirichletEpsilon float64

	// StoreStateInNode selects the store-in-node state-advancement variant:
	// each expanded node caches the state snapshot it represents the first
	// time it's created, and later rollouts revisiting that node copy the
	// cached snapshot into the descent's scratch state instead of
	// re-simulating Forward along the path from the root. Deterministic
	// transitions only; stochastic actions always re-simulate, since the
	// resulting child depends on which hash-variant sibling is reached.
	StoreStateInNode bool
}

// DefaultConfig returns conservative defaults for every knob.
func DefaultConfig() Config {
	return Config{
		PUCT:              1.0,
		VirtualLoss:       1,
		ValuePriorEnabled: true,
		NumRollouts:       100,
		DirichletAlpha:    0.3,
		DirichletEpsilon:  0.25,
	}
}

// IsValid reports whether c's fields are in range for a search to run.
func (c Config) IsValid() bool {
	return c.PUCT >= 0 && c.NumRollouts >= 2
}

// ErrStorageExhausted is returned when a tree has hit maxTreeSize; the
// caller may treat this as resource exhaustion.
var ErrStorageExhausted = errors.New("mcts: tree storage exhausted")
