// Package session maintains at most one ready peer session per remote node.
// A session is one bidirectional byte stream carrying length-prefixed JSON
// frames: an ordered outbound send lane drained by a writer goroutine, and
// a receive loop that hands post-handshake frames to the transfer layer.
package session

import (
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/weftworks/weft/internal/werr"
	"github.com/weftworks/weft/internal/wire"
)

var log = logging.Logger("session")

// State is a session's position in its lifecycle.
type State string

const (
	StateConnecting  State = "connecting"
	StateHandshaking State = "handshaking"
	StateReady       State = "ready"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
)

// Session directions.
const (
	DirectionDialed   = "dialed"
	DirectionAccepted = "accepted"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 30 * time.Second
	sendLaneDepth    = 64
)

type outFrame struct {
	typ  string
	data any
}

// Session is one live stream to a peer.
type Session struct {
	mgr  *Manager
	conn net.Conn

	peerID    string
	peerName  string
	direction string
	dialerID  string // node id of whoever initiated the stream
	host      string // remote address as dialed; empty for accepted
	port      int
	token     string // transport session token, minted at ready

	mu       sync.Mutex
	state    State
	wasReady bool

	sendCh    chan outFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newSession(m *Manager, conn net.Conn, direction string) *Session {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	return &Session{
		mgr:       m,
		conn:      conn,
		direction: direction,
		state:     StateConnecting,
		sendCh:    make(chan outFrame, sendLaneDepth),
		closed:    make(chan struct{}),
	}
}

// PeerID returns the remote node id. Empty until the handshake names it.
func (s *Session) PeerID() string { return s.peerID }

// PeerName returns the remote display name from the handshake.
func (s *Session) PeerName() string { return s.peerName }

// Direction reports whether we dialed or accepted this stream.
func (s *Session) Direction() string { return s.direction }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	if st == StateReady {
		s.wasReady = true
	}
	s.mu.Unlock()
}

// Send queues one frame on the outbound lane. Returns false without
// queueing when the session is not ready; this layer never buffers for
// later. Blocks when the lane is full, which is the backpressure a large
// transfer wants.
func (s *Session) Send(typ string, data any) bool {
	if s.State() != StateReady {
		return false
	}
	select {
	case s.sendCh <- outFrame{typ: typ, data: data}:
		return true
	case <-s.closed:
		return false
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeWithReason(nil)
}

func (s *Session) closeWithReason(err error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.closed)
		s.conn.Close()

		s.mu.Lock()
		wasReady := s.wasReady
		s.mu.Unlock()

		if err != nil && wasReady {
			log.Infow("session closed", "peer", s.peerID, "dir", s.direction, "reason", err)
		}
		s.setState(StateClosed)
		s.mgr.sessionClosed(s, wasReady)
	})
}

// writeLoop drains the send lane in order. One writer per session keeps
// frames from interleaving.
func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.sendCh:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wire.WriteFrame(s.conn, f.typ, f.data); err != nil {
				s.closeWithReason(werr.Wrap(err, werr.KindTransportReset, "write %s", f.typ))
				return
			}
		case <-s.closed:
			return
		}
	}
}

// readLoop consumes frames after the handshake. Handshake frames showing
// up again on a ready session are a protocol violation.
func (s *Session) readLoop() {
	for {
		env, err := wire.ReadFrame(s.conn)
		if err != nil {
			s.closeWithReason(err)
			return
		}
		switch env.Type {
		case wire.TypePeerHandshake, wire.TypePeerHandshakeAck:
			s.closeWithReason(werr.New(werr.KindProtocolViolation,
				"%s on ready session", env.Type))
			return
		default:
			s.mgr.dispatchFrame(s, env)
		}
	}
}

// writeFrameDirect writes outside the send lane. Only the handshake uses
// it, before the writer goroutine exists.
func (s *Session) writeFrameDirect(typ string, data any) error {
	s.conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return wire.WriteFrame(s.conn, typ, data)
}

// readHandshakeFrame reads one frame under the handshake deadline and
// checks its type.
func (s *Session) readHandshakeFrame(wantType string) (wire.Handshake, error) {
	s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	env, err := wire.ReadFrame(s.conn)
	if err != nil {
		return wire.Handshake{}, werr.Wrap(err, werr.KindTransportReset, "read handshake")
	}
	if env.Type != wantType {
		return wire.Handshake{}, werr.New(werr.KindProtocolViolation,
			"expected %s, got %s", wantType, env.Type)
	}
	var hs wire.Handshake
	if err := env.Decode(&hs); err != nil {
		return wire.Handshake{}, err
	}
	if hs.ID == "" {
		return wire.Handshake{}, werr.New(werr.KindProtocolViolation, "handshake without id")
	}
	return hs, nil
}

// start brings the loops up once a session is ready.
func (s *Session) start() {
	go s.writeLoop()
	go s.readLoop()
}
