package wire

import (
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Frame is the three-part request/reply envelope: a client id, a request id
// (for matching replies once a client pipelines more than one outstanding
// request), and an opaque tagged-message payload.
type Frame struct {
	ClientID  string
	RequestID uint64
	Payload   []byte
}

func writeFrame(w io.Writer, f Frame) error {
	if err := writeString(w, f.ClientID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, f.RequestID); err != nil {
		return err
	}
	return writeBytes(w, f.Payload)
}

func readFrame(r io.Reader) (Frame, error) {
	clientID, err := readString(r)
	if err != nil {
		return Frame{}, err
	}
	var reqID uint64
	if err := binary.Read(r, binary.LittleEndian, &reqID); err != nil {
		return Frame{}, err
	}
	payload, err := readBytes(r)
	if err != nil {
		return Frame{}, err
	}
	return Frame{ClientID: clientID, RequestID: reqID, Payload: payload}, nil
}

// Server is a request/reply TCP listener. One connection serves one frame
// at a time, request then reply.
type Server struct {
	ln      net.Listener
	handler func(Frame) Frame
}

// Listen binds addr (or "127.0.0.1:0" for an ephemeral port) and returns a
// Server ready to Serve.
func Listen(addr string, handler func(Frame) Frame) (*Server, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "wire: listen")
	}
	return &Server{ln: ln, handler: handler}, nil
}

// Addr returns the bound address, useful when Listen was given an ephemeral
// port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until Close is called, handling each one in its
// own goroutine. A malformed frame is a protocol violation: it is dropped
// and the connection closed, no reply sent.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "wire: accept")
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	req, err := readFrame(conn)
	if err != nil {
		return
	}
	reply := s.handler(req)
	if len(reply.Payload) == 0 {
		// The handler dropped the request: close without replying.
		return
	}
	_ = writeFrame(conn, reply)
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

// Client is the request/reply counterpart: it dials one of a set of
// endpoints, round-robining to the next on failure, retrying up to
// maxRetries under a per-request reply timeout. Concurrency is capped at
// maxConcurrentRequests in-flight calls.
//
// Each Call opens a short-lived connection rather than multiplexing many
// requests over one persistent duplex socket: the observable contract
// (client id + request id + payload, timeout+retry, endpoint round-robin)
// doesn't require a custom multiplexing protocol.
type Client struct {
	id        string
	endpoints []string
	nextEp    uint64 // atomic round-robin cursor
	nextReqID uint64 // atomic

	replyTimeoutMs int64 // atomic
	maxRetries     int

	sem chan struct{} // bounds in-flight Call invocations
}

// NewClient creates a client identified by id, dialing across endpoints
// round-robin on failure.
func NewClient(id string, endpoints []string, replyTimeout time.Duration, maxRetries int, maxConcurrentRequests int) *Client {
	if maxConcurrentRequests <= 0 {
		maxConcurrentRequests = 1
	}
	return &Client{
		id:             id,
		endpoints:      endpoints,
		replyTimeoutMs: int64(replyTimeout / time.Millisecond),
		maxRetries:     maxRetries,
		sem:            make(chan struct{}, maxConcurrentRequests),
	}
}

// SetReplyTimeout updates the per-request timeout atomically.
func (c *Client) SetReplyTimeout(d time.Duration) {
	atomic.StoreInt64(&c.replyTimeoutMs, int64(d/time.Millisecond))
}

func (c *Client) replyTimeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.replyTimeoutMs)) * time.Millisecond
}

// ErrMaxRetries is returned once every retry attempt has failed.
var ErrMaxRetries = errors.New("wire: maximum retries exceeded")

func (c *Client) nextEndpoint() string {
	if len(c.endpoints) == 0 {
		return ""
	}
	idx := atomic.AddUint64(&c.nextEp, 1) - 1
	return c.endpoints[idx%uint64(len(c.endpoints))]
}

// Call sends payload and blocks for a reply, retrying against the next
// endpoint on timeout or connection failure up to maxRetries times.
func (c *Client) Call(payload []byte) ([]byte, error) {
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	reqID := atomic.AddUint64(&c.nextReqID, 1)
	req := Frame{ClientID: c.id, RequestID: reqID, Payload: payload}

	var lastErr error
	attempts := c.maxRetries + 1
	for i := 0; i < attempts; i++ {
		reply, err := c.attempt(c.nextEndpoint(), req)
		if err == nil {
			return reply.Payload, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(ErrMaxRetries, "last error: %v", lastErr)
}

func (c *Client) attempt(endpoint string, req Frame) (Frame, error) {
	conn, err := net.DialTimeout("tcp", endpoint, c.replyTimeout())
	if err != nil {
		return Frame{}, errors.Wrap(err, "wire: dial")
	}
	defer conn.Close()

	deadline := time.Now().Add(c.replyTimeout())
	if err := conn.SetDeadline(deadline); err != nil {
		return Frame{}, err
	}
	if err := writeFrame(conn, req); err != nil {
		return Frame{}, errors.Wrap(err, "wire: write request")
	}
	reply, err := readFrame(conn)
	if err != nil {
		return Frame{}, errors.Wrap(err, "wire: read reply")
	}
	if reply.RequestID != req.RequestID {
		return Frame{}, errors.New("wire: reply request id mismatch")
	}
	return reply, nil
}
