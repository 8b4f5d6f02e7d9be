package mcts

import (
	"log"
	"time"

	"github.com/chewxy/math32"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/korrigan-ai/selfplaycore/actor"
	"github.com/korrigan-ai/selfplaycore/sched"
	"github.com/korrigan-ai/selfplaycore/state"
)

// RootHandle is one of the Engine's B independent search trees.
type RootHandle struct {
	Storage *Storage
	Root    *Node
	State   state.State // the game state the root represents; never mutated

	// policyBias, if non-nil, is added to the root's policy the first time
	// it settles (e.g. an opening book or search continuation bias). Its
	// length must equal the state's action space or SetPolicyBias returns an
	// error.
	policyBias []float32
	biasMixed  bool
}

// SetPolicyBias validates and attaches a per-root additive policy bias,
// applied once at the root's first settle.
func (rh *RootHandle) SetPolicyBias(bias []float32) error {
	if bias != nil && len(bias) != rh.State.ActionSpace() {
		return errors.Errorf("mcts: policy bias length %d does not match action space %d", len(bias), rh.State.ActionSpace())
	}
	rh.policyBias = bias
	return nil
}

// NewRootHandle allocates a fresh Storage and root Node for s.
func NewRootHandle(s state.State) (*RootHandle, error) {
	storage := AcquireStorage()
	root, err := storage.NewNode(nil)
	if err != nil {
		return nil, err
	}
	root.Init(nil, state.InvalidAction, s.GetCurrentPlayer(), s.IsStochastic())
	return &RootHandle{Storage: storage, Root: root, State: s.Clone()}, nil
}

// Close releases the tree back to the Storage free-list.
func (rh *RootHandle) Close() {
	FreeTree(rh.Root)
}

// pending is the outcome of descending one root by one rollout: either a
// terminal value ready for immediate backprop, or a freshly-reached leaf
// that needs a batched actor evaluation before it can be settled and backed
// up.
type pending struct {
	path       []*Node // nodes visited below the root, root-to-leaf order
	leaf       *Node
	leafState  state.State // only set for non-terminal leaves, consumed by BatchPrepare
	leafPlayer int8
	isTerminal bool
	value      float32
}

// Engine drives B independent searches concurrently across a sched.Pool,
// batching leaf evaluations through a single Actor per rollout sweep.
type Engine struct {
	conf  Config
	act   actor.Actor
	pool  *sched.Pool
	roots []*RootHandle
	rng   *rand.Rand
	log   *log.Logger
}

// NewEngine wires conf, act and pool to the given set of roots.
func NewEngine(conf Config, act actor.Actor, pool *sched.Pool, roots []*RootHandle, logger *log.Logger) (*Engine, error) {
	if !conf.IsValid() {
		return nil, errors.New("mcts: invalid config")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		conf:  conf,
		act:   act,
		pool:  pool,
		roots: roots,
		rng:   rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
		log:   logger,
	}, nil
}

// Roots exposes the engine's search trees, e.g. for reading off visit
// counts after Run returns.
func (e *Engine) Roots() []*RootHandle { return e.roots }

// Close tears down every one of the engine's B roots, freeing their trees
// back to Storage. A panic while freeing one root (e.g. a corrupted
// children set reached through concurrent misuse) does not stop the others
// from being torn down; every recovered panic is aggregated into one error
// via go-multierror.
func (e *Engine) Close() error {
	var result *multierror.Error
	for _, rh := range e.roots {
		closeRoot(rh, &result)
	}
	return result.ErrorOrNil()
}

func closeRoot(rh *RootHandle, result **multierror.Error) {
	defer func() {
		if r := recover(); r != nil {
			*result = multierror.Append(*result, errors.Errorf("mcts: panic freeing root: %v", r))
		}
	}()
	rh.Close()
}

// Run executes up to numRollouts sweeps, or fewer if maxTime elapses (after
// a minimum of two rollouts), then applies the forced-playout bias
// correction to every root.
func (e *Engine) Run(numRollouts int, maxTime time.Duration) error {
	if numRollouts < 2 {
		numRollouts = 2
	}
	start := time.Now()
	T := e.pool.NumThreads()
	B := len(e.roots)
	stride := (B + T - 1) / T
	if stride < 1 {
		stride = 1
	}

	// Settle any not-yet-visited roots before the counted rollout loop, so
	// root expansion itself doesn't consume one of numRollouts: visit counts
	// across a root's candidates should sum to exactly numRollouts, counting
	// only action-selecting sweeps.
	needsWarmup := false
	for _, rh := range e.roots {
		if !rh.Root.Visited() {
			needsWarmup = true
			break
		}
	}
	if needsWarmup {
		if err := e.sweep(stride); err != nil {
			return err
		}
	}

	for iter := 0; iter < numRollouts; iter++ {
		if maxTime > 0 && iter >= 2 && time.Since(start) >= maxTime {
			break
		}
		if err := e.sweep(stride); err != nil {
			return err
		}
	}

	for _, rh := range e.roots {
		e.correctForcedPlayouts(rh)
	}
	return nil
}

// sweep runs one rollout across every root: parallel select/expand, one
// batched evaluation of the resulting leaves, then backprop of each root's
// path in turn on the calling goroutine.
func (e *Engine) sweep(stride int) error {
	B := len(e.roots)
	pendings := make([]*pending, B)

	task := sched.NewTask()
	threadIdx := 0
	for g := 0; g < B; g += stride {
		end := g + stride
		if end > B {
			end = B
		}
		start, stop := g, end
		task.EnqueueOn(e.pool, threadIdx, 0, func() {
			for i := start; i < stop; i++ {
				pendings[i] = e.selectAndExpand(e.roots[i])
			}
		})
		threadIdx++
	}
	task.Wait()

	var evalIdx []int
	for i, p := range pendings {
		if p != nil && !p.isTerminal {
			evalIdx = append(evalIdx, i)
		}
	}
	if len(evalIdx) > 0 {
		e.act.BatchResize(len(evalIdx))
		for slot, i := range evalIdx {
			e.act.BatchPrepare(slot, pendings[i].leafState, nil)
		}
		if err := e.act.BatchEvaluate(len(evalIdx)); err != nil {
			return errors.Wrap(err, "mcts: batch evaluate")
		}
		for slot, i := range evalIdx {
			var piVal actor.PiVal
			e.act.BatchResult(slot, pendings[i].leafState, &piVal)
			rh := e.roots[i]
			leaf := pendings[i].leaf
			if leaf == rh.Root {
				e.mixRootPriors(rh, &piVal)
			}
			leaf.Settle(piVal)
			e.expandChildren(rh, leaf, pendings[i].leafState, piVal)
			pendings[i].value = piVal.Value
		}
	}

	for i, p := range pendings {
		if p == nil {
			continue
		}
		e.backprop(e.roots[i], p)
	}
	return nil
}

// mixRootPriors applies the root's policy bias and Dirichlet exploration
// noise, each exactly once, the first time the root settles.
func (e *Engine) mixRootPriors(rh *RootHandle, piVal *actor.PiVal) {
	if rh.biasMixed {
		return
	}
	rh.biasMixed = true

	if rh.policyBias != nil && len(rh.policyBias) == len(piVal.Policy) {
		for i := range piVal.Policy {
			piVal.Policy[i] += rh.policyBias[i]
		}
	}

	if e.conf.DirichletEpsilon <= 0 {
		return
	}
	legal := make([]int, 0, len(piVal.Policy))
	for i, p := range piVal.Policy {
		if p > 0 {
			legal = append(legal, i)
		}
	}
	if len(legal) == 0 {
		return
	}
	alphas := make([]float64, len(legal))
	for i := range alphas {
		alphas[i] = e.conf.DirichletAlpha
	}
	dir := distuv.Dirichlet{Alpha: alphas, Src: e.rng}
	noise := dir.Rand(nil)
	eps := float32(e.conf.DirichletEpsilon)
	for i, idx := range legal {
		piVal.Policy[idx] = (1-eps)*piVal.Policy[idx] + eps*float32(noise[i])
	}
}

// expandChildren materializes a child node for every action with positive
// prior in piVal, so SelectAction/ForcedAction have somewhere to record
// stats on their next descent through leaf. In the store-in-node variant,
// each freshly-created child's resulting state is cached on it immediately,
// so the first rollout that later selects the action doesn't have to
// re-simulate Forward to get there.
func (e *Engine) expandChildren(rh *RootHandle, leaf *Node, leafState state.State, piVal actor.PiVal) {
	if leafState == nil {
		return
	}
	for a, p := range piVal.Policy {
		if p <= 0 {
			continue
		}
		action := state.Action(a)
		next := leafState.Clone()
		next.Forward(action)
		var hash state.Hash
		if next.IsStochastic() {
			hash = next.GetHash()
		}
		child, created := leaf.GetOrAddChild(action, hash, func() *Node {
			c, err := leaf.storage.NewNode(leaf)
			if err != nil {
				return nil
			}
			c.Init(leaf, action, next.GetCurrentPlayer(), next.IsStochastic())
			return c
		})
		if created && child != nil && e.conf.StoreStateInNode {
			child.SetSnapshot(next.Clone())
		}
	}
}

// selectAndExpand descends rh from its root, applying forced playouts (root
// only), PUCT or sampled selection at interior nodes, expanding a child node
// on demand, and stopping at either a terminal state or the first
// not-yet-visited node.
func (e *Engine) selectAndExpand(rh *RootHandle) *pending {
	cur := rh.State.Clone()
	node := rh.Root
	var path []*Node
	atRoot := true

	for {
		if cur.Terminated() {
			return &pending{path: path, leaf: node, leafPlayer: cur.GetCurrentPlayer(), isTerminal: true, value: cur.GetReward(cur.GetCurrentPlayer())}
		}
		if !node.Visited() {
			return &pending{path: path, leaf: node, leafState: cur, leafPlayer: cur.GetCurrentPlayer()}
		}

		candidates := node.Candidates()
		action := state.InvalidAction
		if atRoot && e.conf.ForcedRolloutsMultiplier > 0 {
			action = node.ForcedAction(candidates, e.conf.ForcedRolloutsMultiplier, e.conf.NumRollouts, rh.Root.Player())
		}
		if action == state.InvalidAction {
			if e.conf.SamplingMCTS {
				action = node.SampleAction(candidates, e.conf.PUCT, rh.Root.Player(), e.conf.ValuePriorEnabled, e.rng)
			} else {
				action = node.SelectAction(candidates, e.conf.PUCT, rh.Root.Player(), e.conf.ValuePriorEnabled)
			}
		}
		if action == state.InvalidAction {
			return &pending{path: path, leaf: node, leafPlayer: cur.GetCurrentPlayer(), isTerminal: true, value: 0}
		}

		child, next := e.advance(node, cur, action)
		if child == nil {
			e.log.Printf("mcts: storage exhausted, truncating rollout at depth %d", len(path))
			return &pending{path: path, leaf: node, leafPlayer: cur.GetCurrentPlayer(), isTerminal: true, value: 0}
		}
		child.AddVirtualLoss(e.conf.VirtualLoss)
		path = append(path, child)
		cur = next
		node = child
		atRoot = false
	}
}

// advance resolves the child node for action from (node, cur). In the
// default variant it always clones cur and simulates Forward. In the
// store-in-node variant, a deterministic action whose child was already
// created by an earlier rollout reuses that child's cached snapshot via
// State.Copy instead of re-simulating the transition; stochastic actions
// always re-simulate, since which hash-variant sibling is reached can only
// be known by actually forwarding.
func (e *Engine) advance(node *Node, cur state.State, action state.Action) (*Node, state.State) {
	if e.conf.StoreStateInNode && !cur.IsStochastic() {
		if existing := node.GetChild(action); existing != nil {
			if snap := existing.Snapshot(); snap != nil {
				cur.Copy(snap)
				return existing, cur
			}
		}
	}

	next := cur.Clone()
	next.Forward(action)
	var hash state.Hash
	if next.IsStochastic() {
		hash = next.GetHash()
	}
	child, created := node.GetOrAddChild(action, hash, func() *Node {
		c, err := node.storage.NewNode(node)
		if err != nil {
			return nil
		}
		c.Init(node, action, next.GetCurrentPlayer(), next.IsStochastic())
		return c
	})
	if child == nil {
		return nil, nil
	}
	if created && e.conf.StoreStateInNode {
		child.SetSnapshot(next.Clone())
	}
	return child, next
}

// backprop walks p's path from leaf to root applying Node.Backprop, then
// applies it once more to the root itself. The root never receives virtual
// loss on descent (only the child selected at each ply does), so its own
// backprop carries a zero virtual-loss delta.
func (e *Engine) backprop(rh *RootHandle, p *pending) {
	for i := len(p.path) - 1; i >= 0; i-- {
		p.path[i].Backprop(p.value, e.conf.VirtualLoss, p.leafPlayer)
	}
	rh.Root.Backprop(p.value, 0, p.leafPlayer)
}

// correctForcedPlayouts rewinds the extra visits forced playouts injected
// into non-best root actions: while a forced action's
// visit count still exceeds its threshold and its PUCT score at one fewer
// visit would still underperform the best action's score, drop one visit.
// The correction approximates q(a) at the reduced visit count by holding the
// per-visit average constant, since the exact value split across individual
// rollouts isn't recoverable after the fact.
func (e *Engine) correctForcedPlayouts(rh *RootHandle) {
	if e.conf.ForcedRolloutsMultiplier <= 0 {
		return
	}
	root := rh.Root
	candidates := root.Candidates()
	if len(candidates) == 0 {
		return
	}
	rootPlayer := root.Player()
	parentVisits := root.NumVisit()

	best := state.InvalidAction
	var bestVisits uint32
	for _, a := range candidates {
		visits, _, _, _ := root.actionStats(a, rootPlayer)
		if best == state.InvalidAction || visits > bestVisits {
			best = a
			bestVisits = visits
		}
	}
	if best == state.InvalidAction {
		return
	}
	bestPrior := priorOf(root, best)
	bestVisitsF, bestVlossF, bestValueF, bestExists := root.actionStats(best, rootPlayer)
	bestQ := qForAction(bestVisitsF, bestVlossF, bestValueF, bestExists, 1, root.AvgChildV(), e.conf.ValuePriorEnabled)
	bestScore := e.conf.PUCT*bestPrior/(1+float32(bestVisitsF))*math32.Sqrt(float32(parentVisits)) + bestQ

	for _, a := range candidates {
		if a == best {
			continue
		}
		prior := priorOf(root, a)
		threshold := ForcedThreshold(e.conf.ForcedRolloutsMultiplier, prior, e.conf.NumRollouts)
		child := rh.childForDecrement(a)
		if child == nil {
			continue
		}
		for {
			visits, vloss, valueFlipped, exists := root.actionStats(a, rootPlayer)
			if visits <= threshold {
				break
			}
			reduced := visits - 1
			reducedValue := valueFlipped
			if visits > 0 {
				reducedValue = valueFlipped * float32(reduced) / float32(visits)
			}
			q := qForAction(reduced, vloss, reducedValue, exists, 1, root.AvgChildV(), e.conf.ValuePriorEnabled)
			score := e.conf.PUCT*prior/(1+float32(reduced))*math32.Sqrt(float32(parentVisits)) + q
			if score >= bestScore {
				break
			}
			child.DecrementVisit()
		}
	}
}

func priorOf(n *Node, a state.Action) float32 {
	if int(a) < len(n.piVal.Policy) {
		return n.piVal.Policy[a]
	}
	return 0
}

// childForDecrement returns one concrete child node standing in for action
// a, used by the forced-playout correction to actually rewind a visit. For
// stochastic actions with multiple hash-variant children the first one is
// chosen; the correction is approximate there regardless, since it is
// already approximating the value split across visits.
func (rh *RootHandle) childForDecrement(a state.Action) *Node {
	if !rh.Root.stochastic {
		return rh.Root.GetChild(a)
	}
	kids := rh.Root.stochChildren[a]
	if len(kids) == 0 {
		return nil
	}
	return kids[0].node
}

// BestAction returns the root's most-visited legal action, ties broken by
// lowest action index (an approximation of "first inserted", since insertion
// order for deterministic children is not separately tracked once the
// children vector is kept sorted by action).
func (e *Engine) BestAction(rh *RootHandle) state.Action {
	candidates := rh.Root.Candidates()
	best := state.InvalidAction
	var bestVisits uint32
	found := false
	for _, a := range candidates {
		visits, _, _, _ := rh.Root.actionStats(a, rh.Root.Player())
		if !found || visits > bestVisits {
			best = a
			bestVisits = visits
			found = true
		}
	}
	return best
}
