package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestEncodeDecodeRequestModel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeMessage(&buf, TagRequestModel, RequestModel{WantNew: true, Id: "dev"}))

	tag, msg, err := DecodeMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagRequestModel, tag)
	assert.Equal(t, RequestModel{WantNew: true, Id: "dev"}, msg)
}

func TestEncodeDecodeReplyStateDict(t *testing.T) {
	sd := map[string]tensor.Tensor{
		"w1": tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 2, 3, 4})),
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeMessage(&buf, TagReplyStateDict, ReplyStateDict{Found: true, StateDict: sd}))

	tag, msg, err := DecodeMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagReplyStateDict, tag)
	got := msg.(ReplyStateDict)
	assert.True(t, got.Found)
	assert.Equal(t, []float32{1, 2, 3, 4}, got.StateDict["w1"].Data())
}

func TestEncodeDecodeGameResult(t *testing.T) {
	gr := GameResult{Entries: []GameResultEntry{
		{Reward: 1, Ratios: map[string]float32{"dev": 0.5, "m1": 0.5}},
	}}
	var buf bytes.Buffer
	require.NoError(t, EncodeMessage(&buf, TagGameResult, gr))

	tag, msg, err := DecodeMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagGameResult, tag)
	got := msg.(GameResult)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, float32(1), got.Entries[0].Reward)
	assert.Equal(t, float32(0.5), got.Entries[0].Ratios["m1"])
}

func TestDecodeUnknownTagIsProtocolViolation(t *testing.T) {
	buf := bytes.NewBuffer([]byte{255})
	_, _, err := DecodeMessage(buf)
	assert.Error(t, err)
}
