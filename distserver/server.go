// Package distserver implements the distribution server: a model registry
// with Elo-like ratings, rating-weighted opponent sampling, and a
// request/reply handler wired onto the wire package's tagged protocol and
// TCP socket layer.
package distserver

import (
	"bytes"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/korrigan-ai/selfplaycore/wire"
)

// devId is the distinguished identifier for the model currently training,
// always present once any model has been uploaded.
const devId = "dev"

const ratingPrintInterval = 120 * time.Second

// ModelInfo is the {id, version, rating, stateDict} tuple for one
// registered model.
type ModelInfo struct {
	Id        string
	Version   int32
	Rating    float32
	StateDict map[string]tensor.Tensor
}

// TrainDataHandler receives opaque training blobs forwarded from clients.
type TrainDataHandler func(blob []byte)

// Server owns the model registry and answers requests from self-play and
// trainer clients. All mutable state is guarded by one mutex.
type Server struct {
	mu              sync.Mutex
	models          map[string]*ModelInfo
	lastRatingPrint time.Time

	rng         *rand.Rand
	log         *log.Logger
	onTrainData TrainDataHandler
}

// New creates a server with an initial "dev" model at rating 0.
func New(logger *log.Logger, onTrainData TrainDataHandler) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		models: map[string]*ModelInfo{
			devId: {Id: devId, Version: 0, Rating: 0},
		},
		rng:         rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
		log:         logger,
		onTrainData: onTrainData,
	}
}

// Handle dispatches one decoded wire frame to the matching operation and
// encodes the reply frame, implementing wire.Server's handler signature.
func (s *Server) Handle(req wire.Frame) wire.Frame {
	tag, msg, err := wire.DecodeMessage(bytes.NewReader(req.Payload))
	if err != nil {
		s.log.Printf("distserver: dropping malformed frame from %s: %v", req.ClientID, err)
		return wire.Frame{}
	}

	var replyTag wire.Tag
	var reply interface{}
	switch tag {
	case wire.TagRequestModel:
		m := msg.(wire.RequestModel)
		id, version := s.RequestModel(m.WantNew, m.Id)
		replyTag, reply = wire.TagReplyModel, wire.ReplyModel{Id: id, Version: version}
	case wire.TagRequestStateDict:
		m := msg.(wire.RequestStateDict)
		found, sd := s.RequestStateDict(m.Id)
		replyTag, reply = wire.TagReplyStateDict, wire.ReplyStateDict{Found: found, StateDict: sd}
	case wire.TagTrainData:
		m := msg.(wire.TrainData)
		s.TrainData(m.Blob)
		replyTag, reply = wire.TagNull, nil
	case wire.TagGameResult:
		m := msg.(wire.GameResult)
		for _, e := range m.Entries {
			s.GameResult(e.Reward, e.Ratios)
		}
		replyTag, reply = wire.TagNull, nil
	default:
		s.log.Printf("distserver: unhandled tag %d from %s", tag, req.ClientID)
		return wire.Frame{}
	}

	var buf bytes.Buffer
	if err := wire.EncodeMessage(&buf, replyTag, reply); err != nil {
		s.log.Printf("distserver: encode reply: %v", err)
		return wire.Frame{}
	}
	return wire.Frame{ClientID: req.ClientID, RequestID: req.RequestID, Payload: buf.Bytes()}
}

// RequestModel resolves wantNew/modelId to a concrete (id, version) pair.
func (s *Server) RequestModel(wantNew bool, modelId string) (string, int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := modelId
	if wantNew {
		models := make([]ModelInfo, 0, len(s.models))
		for _, m := range s.models {
			models = append(models, *m)
		}
		id = sampleModelId(models, s.rng)
	}
	m, ok := s.models[id]
	if !ok {
		m = s.models[devId]
		id = devId
	}
	return id, m.Version
}

// RequestStateDict returns the model's parameters, or found=false if unknown.
func (s *Server) RequestStateDict(modelId string) (bool, map[string]tensor.Tensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[modelId]
	if !ok {
		return false, nil
	}
	return true, m.StateDict
}

// TrainData forwards an opaque training blob to the installed handler.
func (s *Server) TrainData(blob []byte) {
	if s.onTrainData != nil {
		s.onTrainData(blob)
	}
}

// GameResult applies Elo updates for every reported model whose ratio meets
// the 0.9 threshold, rating each against "dev".
func (s *Server) GameResult(reward float32, ratios map[string]float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := offsetForReward(reward)
	dev := s.models[devId]
	for id, ratio := range ratios {
		if ratio < 0.9 || id == devId {
			continue
		}
		m, ok := s.models[id]
		if !ok {
			continue
		}
		delta := eloDelta(m.Rating, dev.Rating, offset, ratio)
		m.Rating += delta
		dev.Rating -= delta
	}

	if time.Since(s.lastRatingPrint) >= ratingPrintInterval {
		s.printTopRatingsLocked()
		s.lastRatingPrint = time.Now()
	}
}

func (s *Server) printTopRatingsLocked() {
	models := make([]ModelInfo, 0, len(s.models))
	for _, m := range s.models {
		models = append(models, *m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Rating > models[j].Rating })
	n := len(models)
	if n > 10 {
		n = 10
	}
	s.log.Println("distserver: top ratings:")
	for i := 0; i < n; i++ {
		s.log.Printf("  %2d. %-16s rating=%.1f version=%d", i+1, models[i].Id, models[i].Rating, models[i].Version)
	}
}

// UpdateModel installs or replaces a model's parameters. A brand-new id is
// seeded at rating(dev)-100; an existing id has its version bumped and
// parameters replaced.
func (s *Server) UpdateModel(id string, stateDict map[string]tensor.Tensor) error {
	if id == "" {
		return errors.New("distserver: empty model id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.models[id]
	if !ok {
		dev := s.models[devId]
		s.models[id] = &ModelInfo{Id: id, Version: 0, Rating: dev.Rating - 100, StateDict: stateDict}
		return nil
	}
	m.Version++
	m.StateDict = stateDict
	return nil
}

// Models returns a snapshot of the registry, for tests and monitoring.
func (s *Server) Models() []ModelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ModelInfo, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, *m)
	}
	return out
}
