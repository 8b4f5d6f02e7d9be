// Command selfplay-worker plays games with mcts.Engine against
// state/chessstate, pushes the resulting (policy, mover) examples through
// replay.Buffer, forwards a batch to the distribution server as an opaque
// TrainData blob, reports the game outcome via distclient, and adopts
// whatever model the server hands back next round.
package main

import (
	"bytes"
	"encoding/gob"
	"flag"
	"log"
	"os"
	"time"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/korrigan-ai/selfplaycore/actor"
	"github.com/korrigan-ai/selfplaycore/distclient"
	"github.com/korrigan-ai/selfplaycore/mcts"
	"github.com/korrigan-ai/selfplaycore/replay"
	"github.com/korrigan-ai/selfplaycore/sched"
	"github.com/korrigan-ai/selfplaycore/state"
	"github.com/korrigan-ai/selfplaycore/state/chessstate"
	"github.com/korrigan-ai/selfplaycore/wire"
)

var (
	serverAddr     = flag.String("server", "127.0.0.1:7654", "distribution server address")
	numGames       = flag.Int("num_games", 10, "number of self-play games to run before exiting")
	numRollouts    = flag.Int("num_rollouts", 100, "MCTS rollouts per move")
	numThreads     = flag.Int("num_threads", 4, "async scheduler worker threads")
	isTournament   = flag.Bool("tournament", false, "play tournament games (samples a fresh opponent) instead of training games")
	replayCapacity = flag.Int("replay_capacity", 4096, "replay buffer capacity in rows")
)

// example is one (policy, mover) training row. Fields are exported so gob
// can encode them into the TrainData blob forwarded to the distribution
// server.
type example struct {
	Policy []float32
	Player int8
}

func main() {
	flag.Parse()
	logger := log.New(os.Stderr, "selfplay-worker: ", log.Ltime)

	transport := wire.NewClient("worker-1", []string{*serverAddr}, 5*time.Second, 3, 4)
	client := distclient.New(transport, func(id string, stateDict map[string]tensor.Tensor) {
		logger.Printf("adopted model %s (%d parameters)", id, len(stateDict))
	})

	rng := rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	buf := replay.New(*replayCapacity, rng)

	for g := 0; g < *numGames; g++ {
		if err := client.RequestModel(*isTournament); err != nil {
			logger.Printf("request model: %v", err)
		}

		examples, reward, err := playGame(logger)
		if err != nil {
			logger.Printf("game %d failed: %v", g, err)
			continue
		}

		if err := pushExamples(buf, examples); err != nil {
			logger.Printf("push examples: %v", err)
		}
		if err := flushTrainData(transport, examples); err != nil {
			logger.Printf("flush train data: %v", err)
		}

		modelId := client.CurrentModelId()
		client.SendResult(reward, map[string]float32{modelId: 1.0})
		logger.Printf("game %d done: reward=%.1f replay_size=%d/%d", g, reward, buf.Size(), buf.Capacity())
	}
}

// playGame runs one game to completion, returning the per-move training
// examples (from the mover's perspective) and the final reward for player
// 0.
func playGame(logger *log.Logger) ([]example, float32, error) {
	var s state.State = chessstate.New()
	pool := sched.NewPool(*numThreads)
	defer pool.Shutdown()

	act := actor.NewUniformActor()
	conf := mcts.DefaultConfig()
	conf.NumRollouts = *numRollouts

	var examples []example
	for !s.Terminated() {
		rh, err := mcts.NewRootHandle(s)
		if err != nil {
			return nil, 0, err
		}
		engine, err := mcts.NewEngine(conf, act, pool, []*mcts.RootHandle{rh}, logger)
		if err != nil {
			rh.Close()
			return nil, 0, err
		}
		if err := engine.Run(conf.NumRollouts, 0); err != nil {
			engine.Close()
			return nil, 0, err
		}

		policy := visitPolicy(rh.Root, s.ActionSpace())
		examples = append(examples, example{Policy: policy, Player: s.GetCurrentPlayer()})

		best := engine.BestAction(rh)
		if err := engine.Close(); err != nil {
			logger.Printf("close root: %v", err)
		}
		if best == state.InvalidAction {
			break
		}
		s.Forward(best)
	}

	reward := s.GetReward(0)
	for i := range examples {
		if examples[i].Player != 0 {
			examples[i].Player = 1
		}
	}
	return examples, reward, nil
}

// visitPolicy reads off the root's visit-count distribution as the training
// target policy: the same statistics BestAction uses, normalised.
func visitPolicy(root *mcts.Node, actionSpace int) []float32 {
	policy := make([]float32, actionSpace)
	var total float32
	for _, c := range root.AllChildren() {
		v := float32(c.NumVisit())
		if int(c.Action()) < len(policy) {
			policy[c.Action()] = v
		}
		total += v
	}
	if total > 0 {
		for i := range policy {
			policy[i] /= total
		}
	}
	return policy
}

// pushExamples adds one game's examples to the local replay buffer as a
// single batch of rows, per replay.Buffer's Add contract.
func pushExamples(buf *replay.Buffer, examples []example) error {
	if len(examples) == 0 {
		return nil
	}
	actionSpace := len(examples[0].Policy)
	policies := make([]float32, 0, len(examples)*actionSpace)
	values := make([]float32, 0, len(examples))
	for _, ex := range examples {
		policies = append(policies, ex.Policy...)
		values = append(values, float32(ex.Player))
	}
	batch := replay.Batch{
		"policy": tensor.New(tensor.WithShape(len(examples), actionSpace), tensor.WithBacking(policies)),
		"player": tensor.New(tensor.WithShape(len(examples), 1), tensor.WithBacking(values)),
	}
	return buf.Add(batch)
}

// flushTrainData gob-encodes the game's examples and forwards them to the
// distribution server as an opaque TrainData blob, which the server passes
// on to the trainer callback without interpretation.
func flushTrainData(transport *wire.Client, examples []example) error {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(examples); err != nil {
		return err
	}
	var msg bytes.Buffer
	if err := wire.EncodeMessage(&msg, wire.TagTrainData, wire.TrainData{Blob: payload.Bytes()}); err != nil {
		return err
	}
	_, err := transport.Call(msg.Bytes())
	return err
}
