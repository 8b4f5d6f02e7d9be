// Package chessstate is a concrete state.State implementation backed by
// github.com/notnil/chess.
//
// The action space is built lazily and in-process rather than pre-generated
// offline: every UCI move string ever observed across any chessstate value
// is interned into one process-wide, monotonically growing table, so two
// independently-cloned states always agree on the action index for the
// same move.
package chessstate

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/notnil/chess"

	"github.com/korrigan-ai/selfplaycore/state"
)

// maxActionSpace bounds the interned move table, matching the widely-used
// AlphaZero-style upper bound on the number of distinct UCI chess moves a
// policy head needs to cover.
const maxActionSpace = 4672

var registry struct {
	mu       sync.Mutex
	toUCI    []string
	uciToIdx map[string]int32
}

func init() {
	registry.uciToIdx = make(map[string]int32)
}

// internMove returns the stable action index for uci, assigning a fresh one
// on first sight. ok is false only once maxActionSpace has been exhausted,
// which does not happen for legal chess moves in practice.
func internMove(uci string) (idx int32, ok bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if i, found := registry.uciToIdx[uci]; found {
		return i, true
	}
	if len(registry.toUCI) >= maxActionSpace {
		return 0, false
	}
	i := int32(len(registry.toUCI))
	registry.toUCI = append(registry.toUCI, uci)
	registry.uciToIdx[uci] = i
	return i, true
}

func moveOf(action state.Action) (string, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if action < 0 || int(action) >= len(registry.toUCI) {
		return "", false
	}
	return registry.toUCI[action], true
}

// State is a chess position, playable through the abstract state.State
// capability.
type State struct {
	game   *chess.Game
	player int8
}

// New starts a fresh game with White to move.
func New() *State {
	g := chess.NewGame(chess.UseNotation(chess.UCINotation{}))
	return &State{game: g, player: playerOf(chess.White)}
}

func playerOf(c chess.Color) int8 {
	if c == chess.White {
		return 0
	}
	return 1
}

// LegalActions returns the action indices for every legal move at s,
// interning any move string not previously seen. A reference Actor
// implementation uses this to zero out illegal-move priors.
func (s *State) LegalActions() []state.Action {
	moves := s.game.ValidMoves()
	out := make([]state.Action, 0, len(moves))
	for _, m := range moves {
		idx, ok := internMove(m.String())
		if !ok {
			continue
		}
		out = append(out, state.Action(idx))
	}
	return out
}

// Clone returns a deep, independent copy.
func (s *State) Clone() state.State {
	return &State{game: s.game.Clone(), player: s.player}
}

// Copy overwrites the receiver with other's contents.
func (s *State) Copy(other state.State) {
	o := other.(*State)
	s.game = o.game.Clone()
	s.player = o.player
}

// Forward applies the move registered under action.
func (s *State) Forward(action state.Action) {
	uci, ok := moveOf(action)
	if !ok {
		panic(fmt.Sprintf("chessstate: action %d was never registered via LegalActions", action))
	}
	if err := s.game.MoveStr(uci); err != nil {
		panic(err)
	}
	s.player = playerOf(s.game.Position().Turn())
}

// Terminated reports whether the game has reached an outcome.
func (s *State) Terminated() bool {
	return s.game.Outcome() != chess.NoOutcome
}

// GetReward returns +1/-1/0 for player from a terminal position.
func (s *State) GetReward(player int8) float32 {
	switch s.game.Outcome() {
	case chess.WhiteWon:
		if player == 0 {
			return 1
		}
		return -1
	case chess.BlackWon:
		if player == 1 {
			return 1
		}
		return -1
	default:
		return 0
	}
}

// GetCurrentPlayer returns the side to move.
func (s *State) GetCurrentPlayer() int8 { return s.player }

// GetHash returns a content hash of the current position. Chess is
// deterministic (IsStochastic is always false), so the engine never
// consults this for child dedup; it exists to satisfy state.State for
// games in this package's family that could reuse the same hashing
// approach if they were stochastic.
func (s *State) GetHash() state.Hash {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", s.game.Position().Hash())
	return state.Hash(h.Sum64())
}

// IsStochastic is always false for chess.
func (s *State) IsStochastic() bool { return false }

// TypeID identifies the concrete game for logging.
func (s *State) TypeID() string { return "chess" }

// ActionSpace returns the fixed policy-vector length.
func (s *State) ActionSpace() int { return maxActionSpace }
