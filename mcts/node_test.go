package mcts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/korrigan-ai/selfplaycore/state"
)

// diceState is a toy stochastic game: action 0 always rolls a die, and
// Forward consumes the next value off a roll sequence shared across every
// clone of the same lineage (via the pointer fields), so two rollouts that
// take action 0 from the same node land on different children exactly when
// the underlying rolls differ, mirroring a real stochastic environment
// (e.g. backgammon) rather than faking hash collisions directly.
type diceState struct {
	rolls *[]int
	idx   *int

	depth int
	roll  int
}

func newDiceState(rolls []int) *diceState {
	idx := 0
	return &diceState{rolls: &rolls, idx: &idx}
}

func (s *diceState) Clone() state.State {
	c := *s
	return &c
}

func (s *diceState) Copy(other state.State) { *s = *other.(*diceState) }

func (s *diceState) Forward(action state.Action) {
	s.roll = (*s.rolls)[*s.idx%len(*s.rolls)]
	*s.idx++
	s.depth++
}

func (s *diceState) Terminated() bool              { return s.depth >= 1 }
func (s *diceState) GetReward(player int8) float32 { return 0 }
func (s *diceState) GetCurrentPlayer() int8        { return 0 }
func (s *diceState) GetHash() state.Hash           { return state.Hash(s.roll) }
func (s *diceState) IsStochastic() bool            { return true }
func (s *diceState) TypeID() string                { return "dice-toy" }
func (s *diceState) ActionSpace() int               { return 1 }

// newExpandedRoot builds a one-node stochastic root and returns it alongside
// the root state needed to simulate Forward, ready for direct GetOrAddChild
// exercises.
func newExpandedRoot(t *testing.T) (*Node, *diceState) {
	t.Helper()
	s := newDiceState([]int{1, 1, 2})
	rh, err := NewRootHandle(s)
	if err != nil {
		t.Fatalf("NewRootHandle: %v", err)
	}
	t.Cleanup(func() { rh.Close() })
	return rh.Root, s
}

func addDiceChild(t *testing.T, root *Node, cur *diceState) *Node {
	t.Helper()
	next := cur.Clone().(*diceState)
	next.Forward(0)
	hash := next.GetHash()
	child, _ := root.GetOrAddChild(0, hash, func() *Node {
		c, err := root.storage.NewNode(root)
		if err != nil {
			t.Fatalf("NewNode: %v", err)
		}
		c.Init(root, 0, next.GetCurrentPlayer(), next.IsStochastic())
		return c
	})
	return child
}

func TestStochasticChildDedupSameHashReusesChild(t *testing.T) {
	root, cur := newExpandedRoot(t)

	first := addDiceChild(t, root, cur)
	second := addDiceChild(t, root, cur)

	assert.Same(t, first, second, "same roll (hash) under one action must dedup to the same child")
	assert.Len(t, root.stochChildren[0], 1)
}

func TestStochasticChildDedupDifferentHashCreatesSibling(t *testing.T) {
	root, cur := newExpandedRoot(t)

	first := addDiceChild(t, root, cur) // consumes roll 1
	_ = addDiceChild(t, root, cur)      // consumes roll 1 again (dedup)
	third := addDiceChild(t, root, cur) // consumes roll 2: new sibling

	assert.NotSame(t, first, third, "a different roll (hash) under the same action must create a sibling")
	assert.Len(t, root.stochChildren[0], 2)
}

func TestGetChildIgnoresHashForDeterministicNode(t *testing.T) {
	rh, err := NewRootHandle(&twoActionState{rewardOf: func(state.Action) float32 { return 0 }})
	if err != nil {
		t.Fatalf("NewRootHandle: %v", err)
	}
	defer rh.Close()
	root := rh.Root

	child, created := root.GetOrAddChild(1, state.Hash(42), func() *Node {
		c, err := root.storage.NewNode(root)
		if err != nil {
			t.Fatalf("NewNode: %v", err)
		}
		c.Init(root, 1, 0, false)
		return c
	})
	if !created {
		t.Fatalf("expected first GetOrAddChild to create")
	}

	got := root.GetChild(1)
	assert.Same(t, child, got)
}
