package mcts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korrigan-ai/selfplaycore/actor"
	"github.com/korrigan-ai/selfplaycore/sched"
	"github.com/korrigan-ai/selfplaycore/state"
)

// twoActionState is a minimal one-ply toy game: action 0 or 1 from the root
// immediately terminates with a reward fixed per test.
type twoActionState struct {
	depth    int
	taken    state.Action
	rewardOf func(action state.Action) float32
}

func (s *twoActionState) Clone() state.State {
	c := *s
	return &c
}
func (s *twoActionState) Copy(other state.State) { *s = *other.(*twoActionState) }
func (s *twoActionState) Forward(action state.Action) {
	s.depth++
	s.taken = action
}
func (s *twoActionState) Terminated() bool              { return s.depth >= 1 }
func (s *twoActionState) GetReward(player int8) float32 { return s.rewardOf(s.taken) }
func (s *twoActionState) GetCurrentPlayer() int8        { return 0 }
func (s *twoActionState) GetHash() state.Hash           { return state.Hash(s.taken) }
func (s *twoActionState) IsStochastic() bool            { return false }
func (s *twoActionState) TypeID() string                { return "two-action-toy" }
func (s *twoActionState) ActionSpace() int              { return 2 }

// rootPolicyActor always hands the root the configured policy/value and
// never otherwise gets called (every deeper state is terminal).
type rootPolicyActor struct {
	policy []float32
	states []state.State
}

func (a *rootPolicyActor) BatchResize(n int) { a.states = make([]state.State, n) }
func (a *rootPolicyActor) BatchPrepare(index int, s state.State, rnnState []float32) {
	a.states[index] = s
}
func (a *rootPolicyActor) BatchEvaluate(n int) error { return nil }
func (a *rootPolicyActor) BatchResult(index int, s state.State, outPiVal *actor.PiVal) {
	outPiVal.Player = s.GetCurrentPlayer()
	outPiVal.Value = 0
	outPiVal.Policy = append([]float32(nil), a.policy...)
}

func newTestRoot(t *testing.T, rewardOf func(state.Action) float32) *RootHandle {
	t.Helper()
	rh, err := NewRootHandle(&twoActionState{rewardOf: rewardOf})
	require.NoError(t, err)
	return rh
}

func TestDeterministicOnePlyLookahead(t *testing.T) {
	pool := sched.NewPool(2)
	defer pool.Shutdown()

	rh := newTestRoot(t, func(a state.Action) float32 {
		if a == 0 {
			return 1
		}
		return -1
	})
	defer rh.Close()

	act := &rootPolicyActor{policy: []float32{0.5, 0.5}}
	conf := DefaultConfig()
	conf.NumRollouts = 10
	eng, err := NewEngine(conf, act, pool, []*RootHandle{rh}, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Run(10, 0))
	assert.Equal(t, state.Action(0), eng.BestAction(rh))
}

func TestPUCTExplorationFavoursHigherPrior(t *testing.T) {
	pool := sched.NewPool(2)
	defer pool.Shutdown()

	rh := newTestRoot(t, func(a state.Action) float32 { return 0 })
	defer rh.Close()

	act := &rootPolicyActor{policy: []float32{0.9, 0.1}}
	conf := DefaultConfig()
	conf.PUCT = 1.0
	conf.NumRollouts = 100
	eng, err := NewEngine(conf, act, pool, []*RootHandle{rh}, nil)
	require.NoError(t, err)

	require.NoError(t, eng.Run(100, 0))

	n0, _, _, _ := rh.Root.actionStats(0, rh.Root.Player())
	n1, _, _, _ := rh.Root.actionStats(1, rh.Root.Player())
	assert.Greater(t, n0, n1)
	assert.Equal(t, uint32(100), n0+n1)
}

func TestRunRespectsWallClockAfterMinimumTwoRollouts(t *testing.T) {
	pool := sched.NewPool(2)
	defer pool.Shutdown()

	rh := newTestRoot(t, func(a state.Action) float32 { return 0 })
	defer rh.Close()

	act := &rootPolicyActor{policy: []float32{0.5, 0.5}}
	conf := DefaultConfig()
	conf.NumRollouts = 100000
	eng, err := NewEngine(conf, act, pool, []*RootHandle{rh}, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, eng.Run(conf.NumRollouts, 20*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFreeTreeReturnsStorageForReuse(t *testing.T) {
	rh := newTestRoot(t, func(a state.Action) float32 { return 0 })
	storage := rh.Storage

	pool := sched.NewPool(1)
	defer pool.Shutdown()
	act := &rootPolicyActor{policy: []float32{0.5, 0.5}}
	conf := DefaultConfig()
	conf.NumRollouts = 10
	eng, err := NewEngine(conf, act, pool, []*RootHandle{rh}, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Run(10, 0))

	rh.Close()
	assert.Equal(t, int32(0), storage.Allocated())

	reused := AcquireStorage()
	assert.Same(t, storage, reused)
}

func TestEngineCloseTearsDownEveryRootAndAggregatesPanics(t *testing.T) {
	pool := sched.NewPool(2)
	defer pool.Shutdown()

	rh1 := newTestRoot(t, func(a state.Action) float32 { return 0 })
	rh2 := newTestRoot(t, func(a state.Action) float32 { return 0 })
	storage1, storage2 := rh1.Storage, rh2.Storage

	act := &rootPolicyActor{policy: []float32{0.5, 0.5}}
	conf := DefaultConfig()
	conf.NumRollouts = 4
	eng, err := NewEngine(conf, act, pool, []*RootHandle{rh1, rh2}, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Run(4, 0))

	require.NoError(t, eng.Close())
	assert.Equal(t, int32(0), storage1.Allocated())
	assert.Equal(t, int32(0), storage2.Allocated())

	// A corrupted root (already-nil storage) panics FreeTree; Close must
	// still aggregate that failure rather than aborting before later roots
	// are torn down.
	rh3 := newTestRoot(t, func(a state.Action) float32 { return 0 })
	rh4 := newTestRoot(t, func(a state.Action) float32 { return 0 })
	storage4 := rh4.Storage
	eng2, err := NewEngine(conf, act, pool, []*RootHandle{rh3, rh4}, nil)
	require.NoError(t, err)
	require.NoError(t, eng2.Run(4, 0))
	rh3.Root.storage = nil

	err = eng2.Close()
	require.Error(t, err)
	assert.Equal(t, int32(0), storage4.Allocated())
}
