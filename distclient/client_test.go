package distclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/korrigan-ai/selfplaycore/distserver"
	"github.com/korrigan-ai/selfplaycore/wire"
)

func startServer(t *testing.T) (*distserver.Server, *wire.Server) {
	t.Helper()
	srv := distserver.New(nil, nil)
	ws, err := wire.Listen("", srv.Handle)
	require.NoError(t, err)
	go ws.Serve()
	t.Cleanup(func() { ws.Close() })
	return srv, ws
}

func TestClientFetchesStateDictAfterUpdate(t *testing.T) {
	srv, ws := startServer(t)
	sd := map[string]tensor.Tensor{"w": tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{1, 2}))}
	require.NoError(t, srv.UpdateModel("dev", sd))

	var gotId string
	var gotSD map[string]tensor.Tensor
	transport := wire.NewClient("selfplay-1", []string{ws.Addr()}, 500*time.Millisecond, 2, 1)
	c := New(transport, func(id string, stateDict map[string]tensor.Tensor) {
		gotId = id
		gotSD = stateDict
	})

	require.NoError(t, c.RequestModel(false))
	assert.Equal(t, "dev", gotId)
	assert.Equal(t, []float32{1, 2}, gotSD["w"].Data())
}

func TestClientRequestsNewModelAfterEnoughGames(t *testing.T) {
	_, ws := startServer(t)
	transport := wire.NewClient("selfplay-2", []string{ws.Addr()}, 500*time.Millisecond, 2, 1)
	c := New(transport, nil)

	for i := 0; i < gamesBeforeNewModel; i++ {
		c.SendResult(1, map[string]float32{"dev": 1.0})
	}
	c.mu.Lock()
	wants := c.wantsNewModelId
	c.mu.Unlock()
	assert.True(t, wants)

	require.NoError(t, c.RequestModel(true))
	c.mu.Lock()
	wants = c.wantsNewModelId
	c.mu.Unlock()
	assert.False(t, wants)
}
