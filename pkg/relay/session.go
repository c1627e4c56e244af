package relay

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/relayhub/relayhub/pkg/model"
)

// A session is one connection generation: the transport plus the pending
// request table and joined-channel marker tied to it. Reconnecting builds a
// whole new session, so state from a previous transport can never leak into
// the next one.
type session struct {
	conn *websocket.Conn

	writeMTX sync.Mutex // Serializes writes to conn

	mtx     sync.Mutex // Protects pending, channel, and closed
	pending map[string]*pendingRequest
	channel string
	closed  bool
}

// A pendingRequest is one in-flight request awaiting a reply. Its done
// channel receives exactly one outcome, sent by whichever of reply receipt,
// deadline expiry, or connection loss takes the request first.
type pendingRequest struct {
	done chan outcome
}

type outcome struct {
	result json.RawMessage
	err    error
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:    conn,
		pending: make(map[string]*pendingRequest),
	}
}

// register adds a pending request under id.
func (s *session) register(id string) (*pendingRequest, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closed {
		return nil, ErrConnectionClosed
	}
	pr := &pendingRequest{done: make(chan outcome, 1)}
	s.pending[id] = pr
	return pr, nil
}

// take removes and returns the pending request for id. Exactly one of the
// racing completers (reply, timeout, connection loss) gets it; the rest get
// nil, which makes double resolution structurally impossible.
func (s *session) take(id string) *pendingRequest {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	pr := s.pending[id]
	delete(s.pending, id)
	return pr
}

// close marks the session dead, closes the transport, and fails every
// pending request with err. Idempotent.
func (s *session) close(err error) {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return
	}
	s.closed = true
	taken := s.pending
	s.pending = make(map[string]*pendingRequest)
	s.channel = ""
	s.mtx.Unlock()

	s.conn.Close()
	for _, pr := range taken {
		pr.done <- outcome{err: err}
	}
}

func (s *session) isClosed() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.closed
}

func (s *session) currentChannel() string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.channel
}

func (s *session) markJoined(name string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if !s.closed {
		s.channel = name
	}
}

// send serializes an envelope onto the transport.
func (s *session) send(env model.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	s.writeMTX.Lock()
	defer s.writeMTX.Unlock()
	return errors.Wrap(s.conn.WriteMessage(websocket.TextMessage, data), "Send envelope")
}
