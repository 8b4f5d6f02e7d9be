package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientServerRoundTrip(t *testing.T) {
	srv, err := Listen("", func(f Frame) Frame {
		return Frame{ClientID: f.ClientID, RequestID: f.RequestID, Payload: append([]byte("echo:"), f.Payload...)}
	})
	require.NoError(t, err)
	defer srv.Close()
	go srv.Serve()

	client := NewClient("c1", []string{srv.Addr()}, 500*time.Millisecond, 2, 4)
	reply, err := client.Call([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(reply))
}

func TestClientTimeoutExhaustsRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Accept but never reply, forcing the client to time out.
			_ = conn
		}
	}()

	client := NewClient("c2", []string{ln.Addr().String()}, 50*time.Millisecond, 1, 1)
	_, err = client.Call([]byte("hi"))
	assert.ErrorIs(t, err, ErrMaxRetries)
}

func TestClientRoundRobinsOnDialFailure(t *testing.T) {
	srv, err := Listen("", func(f Frame) Frame {
		return Frame{ClientID: f.ClientID, RequestID: f.RequestID, Payload: []byte("ok")}
	})
	require.NoError(t, err)
	defer srv.Close()
	go srv.Serve()

	client := NewClient("c3", []string{"127.0.0.1:1", srv.Addr()}, 200*time.Millisecond, 2, 1)
	reply, err := client.Call([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(reply))
}
