package mcts

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chewxy/math32"
	"golang.org/x/exp/rand"

	"github.com/korrigan-ai/selfplaycore/actor"
	"github.com/korrigan-ai/selfplaycore/state"
)

// child pairs an action with the node(s) it leads to. For deterministic
// transitions len(children-for-action) == 1; for stochastic transitions
// several children may share an action, disambiguated by hash.
type child struct {
	action state.Action
	hash   state.Hash
	node   *Node
}

// Node is a single MCTS tree node. Its lock guards only the critical section
// that reads/mutates the children set or transitions visited; statistics
// (numVisit, value, virtualLoss) are updated with atomic read-modify-write
// and never take the lock.
type Node struct {
	mu sync.Mutex

	parent  *Node // weak back-reference; Storage owns the node, not parent
	storage *Storage
	index   int32

	action state.Action // action that led here from parent
	player int8         // player whose turn produced this state

	piVal   actor.PiVal
	visited uint32 // atomic bool: 0 = evaluation pending, 1 = settled

	numVisit      uint32
	valueBits     uint32 // atomic float32 bits: sum of backed-up values
	vlossBits     uint32 // atomic float32 bits: virtual loss
	avgChildVBits uint32 // atomic float32 bits: derived value prior

	stochastic    bool
	children      []child // deterministic: sorted ascending by action
	stochChildren map[state.Action][]child

	// snapshot is the optional owned game-state copy for the in-node-state
	// storage variant.
	snapshot state.State
}

func (n *Node) reset() {
	n.parent = nil
	n.action = state.InvalidAction
	n.player = 0
	n.piVal = actor.PiVal{}
	atomic.StoreUint32(&n.visited, 0)
	n.numVisit = 0
	n.valueBits = 0
	n.vlossBits = 0
	n.avgChildVBits = 0
	n.stochastic = false
	n.children = nil
	n.stochChildren = nil
	n.snapshot = nil
}

// Init resets a node in place and attaches it to parent. Storage.NewNode
// already performs the equivalent of this; Init exists so a node can be
// repurposed for a different parent without going through the free-list.
func (n *Node) Init(parent *Node, action state.Action, player int8, stochastic bool) {
	n.reset()
	n.parent = parent
	n.action = action
	n.player = player
	n.stochastic = stochastic
}

// Visited reports whether piVal has been settled.
func (n *Node) Visited() bool { return atomic.LoadUint32(&n.visited) == 1 }

// NumVisit returns the node's visit count.
func (n *Node) NumVisit() uint32 { return atomic.LoadUint32(&n.numVisit) }

// Value returns the raw accumulated value (not averaged).
func (n *Node) Value() float32 { return loadFloat32(&n.valueBits) }

// VirtualLoss returns the current virtual loss.
func (n *Node) VirtualLoss() float32 { return loadFloat32(&n.vlossBits) }

// AvgChildV returns the derived value prior used when a child is unexplored.
func (n *Node) AvgChildV() float32 { return loadFloat32(&n.avgChildVBits) }

// PiVal returns the node's settled evaluation.
func (n *Node) PiVal() actor.PiVal { return n.piVal }

// Player returns the player whose turn produced this node's state.
func (n *Node) Player() int8 { return n.player }

// Action returns the action that led to this node from its parent.
func (n *Node) Action() state.Action { return n.action }

// Parent returns the (possibly nil) parent back-reference.
func (n *Node) Parent() *Node { return n.parent }

func loadFloat32(bitsPtr *uint32) float32 {
	return math32.Float32frombits(atomic.LoadUint32(bitsPtr))
}

// addFloat32 atomically adds delta to the float32 stored at bitsPtr via a
// CAS retry loop, the standard technique for atomic float accumulation.
func addFloat32(bitsPtr *uint32, delta float32) {
	for {
		old := atomic.LoadUint32(bitsPtr)
		next := math32.Float32bits(math32.Float32frombits(old) + delta)
		if atomic.CompareAndSwapUint32(bitsPtr, old, next) {
			return
		}
	}
}

func storeFloat32(bitsPtr *uint32, v float32) {
	atomic.StoreUint32(bitsPtr, math32.Float32bits(v))
}

// AddVirtualLoss adds delta (positive on descent) to the node's virtual
// loss, atomically.
func (n *Node) AddVirtualLoss(delta float32) { addFloat32(&n.vlossBits, delta) }

// Settle writes piVal then atomically flips visited to true. Must be called
// at most once per node; a losing concurrent descent observes visited=true
// and proceeds to selection instead of re-expanding.
func (n *Node) Settle(piVal actor.PiVal) {
	n.mu.Lock()
	if atomic.LoadUint32(&n.visited) == 1 {
		n.mu.Unlock()
		return
	}
	n.piVal = piVal
	atomic.StoreUint32(&n.visited, 1)
	n.mu.Unlock()

	if n.parent != nil {
		n.parent.recomputeAvgChildV()
	}
}

// recomputeAvgChildV is the mean of settled children's values,
// flipped into the current node's frame.
func (n *Node) recomputeAvgChildV() {
	n.mu.Lock()
	kids := n.allChildrenLocked()
	n.mu.Unlock()

	var sum float32
	var count int
	for _, c := range kids {
		if !c.node.Visited() {
			continue
		}
		flip := float32(1)
		if c.node.player != n.player {
			flip = -1
		}
		visits := c.node.NumVisit()
		if visits == 0 {
			visits = 1
		}
		sum += flip * c.node.Value() / float32(visits)
		count++
	}
	if count == 0 {
		return
	}
	storeFloat32(&n.avgChildVBits, sum/float32(count))
}

// Backprop applies the per-node backpropagation update atomically:
// n += 1; vloss -= virtualLoss; value += value * flipFor(node).
func (n *Node) Backprop(value float32, virtualLoss float32, leafPlayer int8) {
	atomic.AddUint32(&n.numVisit, 1)
	addFloat32(&n.vlossBits, -virtualLoss)
	flip := float32(1)
	if n.player != leafPlayer {
		flip = -1
	}
	addFloat32(&n.valueBits, value*flip)
}

// getChildLocked returns the child under (action, hash) if present. Caller
// must hold n.mu.
func (n *Node) getChildLocked(action state.Action, hash state.Hash) *Node {
	if n.stochastic {
		for _, c := range n.stochChildren[action] {
			if c.hash == hash {
				return c.node
			}
		}
		return nil
	}
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].action >= action })
	if i < len(n.children) && n.children[i].action == action {
		return n.children[i].node
	}
	return nil
}

// GetChild returns the deterministic child for action. Returns nil on miss.
func (n *Node) GetChild(action state.Action) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.getChildLocked(action, 0)
}

// GetOrAddChild looks up an existing child for (action, hash); for
// stochastic games a mismatching hash creates a sibling under the same
// action, for deterministic games the child list has exactly one entry per
// action. newChild allocates a fresh node only on a miss; if it returns nil
// (allocation failed), nothing is added and GetOrAddChild returns nil, false.
func (n *Node) GetOrAddChild(action state.Action, hash state.Hash, newChild func() *Node) (c *Node, created bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing := n.getChildLocked(action, hash); existing != nil {
		return existing, false
	}
	fresh := newChild()
	if fresh == nil {
		return nil, false
	}
	fresh.action = action
	if n.stochastic {
		if n.stochChildren == nil {
			n.stochChildren = make(map[state.Action][]child)
		}
		n.stochChildren[action] = append(n.stochChildren[action], child{action: action, hash: hash, node: fresh})
		return fresh, true
	}
	i := sort.Search(len(n.children), func(i int) bool { return n.children[i].action >= action })
	n.children = append(n.children, child{})
	copy(n.children[i+1:], n.children[i:])
	n.children[i] = child{action: action, hash: hash, node: fresh}
	return fresh, true
}

func (n *Node) allChildrenLocked() []child {
	if n.stochastic {
		var out []child
		for _, cs := range n.stochChildren {
			out = append(out, cs...)
		}
		return out
	}
	return n.children
}

// AllChildren returns a snapshot of the node's children.
func (n *Node) AllChildren() []*Node {
	n.mu.Lock()
	kids := n.allChildrenLocked()
	out := make([]*Node, len(kids))
	for i, c := range kids {
		out[i] = c.node
	}
	n.mu.Unlock()
	return out
}

// SetSnapshot attaches an owned state snapshot (store-in-node variant).
func (n *Node) SetSnapshot(s state.State) { n.snapshot = s }

// Snapshot returns the node's owned state snapshot, or nil.
func (n *Node) Snapshot() state.State { return n.snapshot }

// actionStats aggregates the action-level n(a)/vloss(a)/value(a) statistics
// PUCT needs. For deterministic actions this is just the one child's own
// stats; for stochastic actions it sums across every hash-variant child
// sharing the action, since n(a) and q(a) in the PUCT formula are defined
// per action, not per resulting-state child.
func (n *Node) actionStats(action state.Action, rootPlayer int8) (visits uint32, vloss float32, valueFlipped float32, exists bool) {
	n.mu.Lock()
	var kids []child
	if n.stochastic {
		kids = n.stochChildren[action]
	} else {
		i := sort.Search(len(n.children), func(i int) bool { return n.children[i].action >= action })
		if i < len(n.children) && n.children[i].action == action {
			kids = n.children[i : i+1]
		}
	}
	n.mu.Unlock()

	if len(kids) == 0 {
		return 0, 0, 0, false
	}
	for _, c := range kids {
		visits += c.node.NumVisit()
		vloss += c.node.VirtualLoss()
		flip := float32(1)
		if c.node.player != rootPlayer {
			flip = -1
		}
		valueFlipped += c.node.Value() * flip
	}
	return visits, vloss, valueFlipped, true
}

func qForAction(visits uint32, vloss, valueFlipped float32, exists bool, flip, parentAvgChildV float32, valuePriorEnabled bool) float32 {
	switch {
	case exists && visits > 0:
		return (valueFlipped - vloss) / (float32(visits) + vloss)
	case valuePriorEnabled:
		return flip * parentAvgChildV
	default:
		return 0
	}
}

// SelectAction chooses the best-scoring legal action at n by the PUCT
// formula, among candidates (the actions with nonzero
// prior in n.PiVal().Policy). Ties are broken by lowest action index since
// candidates is iterated in ascending order. It does not mutate any child
// (virtual loss is applied by the caller once the actual resulting child
// node has been resolved, which for stochastic games may require forwarding
// the state first).
func (n *Node) SelectAction(candidates []state.Action, puct float32, rootPlayer int8, valuePriorEnabled bool) state.Action {
	if len(candidates) == 0 {
		return state.InvalidAction
	}
	parentVisits := n.NumVisit()
	avgChildV := n.AvgChildV()
	flip := float32(1)
	if n.player != rootPlayer {
		flip = -1
	}

	best := state.InvalidAction
	bestScore := math32.Inf(-1)
	for _, a := range candidates {
		prior := float32(0)
		if int(a) < len(n.piVal.Policy) {
			prior = n.piVal.Policy[a]
		}
		visits, vloss, valueFlipped, exists := n.actionStats(a, rootPlayer)
		q := qForAction(visits, vloss, valueFlipped, exists, flip, avgChildV, valuePriorEnabled)
		score := puct*prior/(1+float32(visits))*math32.Sqrt(float32(parentVisits)) + q
		if score > bestScore {
			bestScore = score
			best = a
		}
	}
	return best
}

// Candidates returns the legal actions at n, defined as the indices with a
// strictly positive prior in n's settled policy.
func (n *Node) Candidates() []state.Action {
	policy := n.piVal.Policy
	out := make([]state.Action, 0, len(policy))
	for i, p := range policy {
		if p > 0 {
			out = append(out, state.Action(i))
		}
	}
	return out
}

// ForcedAction returns the first (lowest-index) candidate action whose
// current visit count is below its forced-playout threshold, or
// state.InvalidAction if none qualifies. Only meaningful at the root.
func (n *Node) ForcedAction(candidates []state.Action, mult float32, maxNumRollouts int, rootPlayer int8) state.Action {
	if mult <= 0 {
		return state.InvalidAction
	}
	for _, a := range candidates {
		prior := float32(0)
		if int(a) < len(n.piVal.Policy) {
			prior = n.piVal.Policy[a]
		}
		threshold := ForcedThreshold(mult, prior, maxNumRollouts)
		visits, _, _, _ := n.actionStats(a, rootPlayer)
		if visits < threshold {
			return a
		}
	}
	return state.InvalidAction
}

// ForcedThreshold returns the forced-playout visit floor for action a at the
// root: uint32(sqrt(mult * pi(a) * maxNumRollouts)), truncated toward zero.
func ForcedThreshold(mult float32, pi float32, maxNumRollouts int) uint32 {
	if mult <= 0 {
		return 0
	}
	v := math32.Sqrt(mult * pi * float32(maxNumRollouts))
	if v < 0 {
		return 0
	}
	return uint32(v)
}

// SampleAction implements the SamplingMCTS variant of selection: rather than
// taking the PUCT argmax, each candidate's score is folded through
// U(0, exp(4*score)) and the argmax of that is taken instead.
func (n *Node) SampleAction(candidates []state.Action, puct float32, rootPlayer int8, valuePriorEnabled bool, rng *rand.Rand) state.Action {
	if len(candidates) == 0 {
		return state.InvalidAction
	}
	parentVisits := n.NumVisit()
	avgChildV := n.AvgChildV()
	flip := float32(1)
	if n.player != rootPlayer {
		flip = -1
	}

	best := state.InvalidAction
	bestU := float32(-1)
	for _, a := range candidates {
		prior := float32(0)
		if int(a) < len(n.piVal.Policy) {
			prior = n.piVal.Policy[a]
		}
		visits, vloss, valueFlipped, exists := n.actionStats(a, rootPlayer)
		q := qForAction(visits, vloss, valueFlipped, exists, flip, avgChildV, valuePriorEnabled)
		score := puct*prior/(1+float32(visits))*math32.Sqrt(float32(parentVisits)) + q
		u := rng.Float32() * math32.Exp(4*score)
		if u > bestU {
			bestU = u
			best = a
		}
	}
	return best
}

// DecrementVisit subtracts one from the node's visit count, used only by the
// post-search forced-playout bias correction, which rewinds the extra visits
// forced playouts added to non-best actions before the final policy target
// is read off.
func (n *Node) DecrementVisit() {
	for {
		old := atomic.LoadUint32(&n.numVisit)
		if old == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&n.numVisit, old, old-1) {
			return
		}
	}
}

// FreeTree releases n and every descendant back to their Storage,
// post-order, for use once a search tree is no longer needed.
func FreeTree(n *Node) {
	for _, c := range n.AllChildren() {
		FreeTree(c)
	}
	n.storage.Free(n)
}
