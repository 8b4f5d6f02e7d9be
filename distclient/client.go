// Package distclient implements the self-play-side counterpart to
// distserver: it tracks the model currently in play, requests a new
// opponent once enough games have been played against the current one, and
// pushes queued game results upstream.
package distclient

import (
	"bytes"
	"sync"

	"gorgonia.org/tensor"

	"github.com/korrigan-ai/selfplaycore/wire"
)

const (
	devId                = "dev"
	gamesBeforeNewModel  = 8
	tournamentRatioFloor = 0.9
)

// OnUpdateModel is invoked whenever the client adopts a new state dict for
// the model it is currently playing.
type OnUpdateModel func(id string, stateDict map[string]tensor.Tensor)

// Client is the distribution-client state machine.
type Client struct {
	mu sync.Mutex

	transport *wire.Client
	onUpdate  OnUpdateModel

	currentModelId      string
	currentModelVersion int32
	gamesDone           int
	wantsNewModelId     bool

	resultQueue []wire.GameResultEntry
}

// New creates a client starting on "dev" at version -1 (unknown).
func New(transport *wire.Client, onUpdate OnUpdateModel) *Client {
	return &Client{
		transport:           transport,
		onUpdate:            onUpdate,
		currentModelId:      devId,
		currentModelVersion: -1,
	}
}

// CurrentModelId reports the model id currently being played.
func (c *Client) CurrentModelId() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentModelId
}

// SendResult records a finished game's outcome for the next
// RequestModel round-trip's GameResult flush, and tracks how many games
// have been played against the current model (triggering a new-model
// request at gamesBeforeNewModel).
func (c *Client) SendResult(reward float32, modelRatios map[string]float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resultQueue = append(c.resultQueue, wire.GameResultEntry{Reward: reward, Ratios: modelRatios})

	if modelRatios[c.currentModelId] >= tournamentRatioFloor {
		c.gamesDone++
		if c.gamesDone >= gamesBeforeNewModel {
			c.wantsNewModelId = true
		}
	}
}

// RequestModel flushes any queued results, then asks the server for a
// model: a fresh sample if isTournament and wantsNewModelId is set
// (one-shot), else the current id. It adopts a changed id/version and fires
// onUpdate when the state dict changes.
func (c *Client) RequestModel(isTournament bool) error {
	c.mu.Lock()
	queued := c.resultQueue
	c.resultQueue = nil
	wantNew := isTournament && c.wantsNewModelId
	modelId := c.currentModelId
	c.mu.Unlock()

	if len(queued) > 0 {
		var buf bytes.Buffer
		if err := wire.EncodeMessage(&buf, wire.TagGameResult, wire.GameResult{Entries: queued}); err != nil {
			return err
		}
		if _, err := c.transport.Call(buf.Bytes()); err != nil {
			return err
		}
	}

	var reqBuf bytes.Buffer
	if err := wire.EncodeMessage(&reqBuf, wire.TagRequestModel, wire.RequestModel{WantNew: wantNew, Id: modelId}); err != nil {
		return err
	}
	raw, err := c.transport.Call(reqBuf.Bytes())
	if err != nil {
		return err
	}
	_, msg, err := wire.DecodeMessage(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	reply := msg.(wire.ReplyModel)

	c.mu.Lock()
	if wantNew {
		c.wantsNewModelId = false
	}
	idChanged := reply.Id != c.currentModelId
	versionChanged := reply.Version != c.currentModelVersion
	if idChanged {
		c.currentModelId = reply.Id
		c.gamesDone = 0
	}
	if versionChanged {
		c.currentModelVersion = reply.Version
	}
	needsStateDict := idChanged || versionChanged
	c.mu.Unlock()

	if !needsStateDict {
		return nil
	}
	return c.fetchStateDict(reply.Id)
}

func (c *Client) fetchStateDict(id string) error {
	var buf bytes.Buffer
	if err := wire.EncodeMessage(&buf, wire.TagRequestStateDict, wire.RequestStateDict{Id: id}); err != nil {
		return err
	}
	raw, err := c.transport.Call(buf.Bytes())
	if err != nil {
		return err
	}
	_, msg, err := wire.DecodeMessage(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	reply := msg.(wire.ReplyStateDict)
	if !reply.Found {
		return nil
	}
	if c.onUpdate != nil {
		c.onUpdate(id, reply.StateDict)
	}
	return nil
}
