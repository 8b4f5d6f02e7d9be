// Package wire implements a tagged binary request/reply protocol: one byte
// tag followed by inline little-endian fields, sent over a three-part frame
// (client id, request id, payload) on a plain TCP socket built directly on
// net.Conn.
package wire

import "gorgonia.org/tensor"

// Tag identifies the wire message kind.
type Tag byte

const (
	TagNull Tag = iota
	TagRequestModel
	TagReplyModel
	TagRequestStateDict
	TagReplyStateDict
	TagTrainData
	TagGameResult
)

// RequestModel asks the server for a model id: a specific one, or (if
// WantNew) the server's choice via sampleModelId.
type RequestModel struct {
	WantNew bool
	Id      string
}

// ReplyModel answers RequestModel with the resolved id and its version.
type ReplyModel struct {
	Id      string
	Version int32
}

// RequestStateDict asks for the parameter dictionary of model Id.
type RequestStateDict struct {
	Id string
}

// ReplyStateDict answers RequestStateDict. StateDict is nil when Found is
// false.
type ReplyStateDict struct {
	Found     bool
	StateDict map[string]tensor.Tensor
}

// TrainData carries an opaque training-sample blob from a self-play client
// to the trainer, forwarded without interpretation by the server.
type TrainData struct {
	Blob []byte
}

// GameResultEntry is the outcome of a single finished game: the
// reward from the reporting player's perspective and the fraction of moves
// played by each model id in the game ("ratios").
type GameResultEntry struct {
	Reward float32
	Ratios map[string]float32
}

// GameResult carries the repeated per-game entries reported in one flush.
type GameResult struct {
	Entries []GameResultEntry
}
