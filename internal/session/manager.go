package session

import (
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/metrics"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
	"github.com/weftworks/weft/internal/wire"
)

// Event types emitted by the manager.
const (
	EventPeerConnected    = "peer-connected"
	EventPeerDisconnected = "peer-disconnected"
)

// Event reports a peer-level transition. Stream churn below peer level
// (a tiebreak swapping streams) emits nothing.
type Event struct {
	Type   string `json:"type"`
	PeerID string `json:"peer_id"`
	Name   string `json:"name,omitempty"`
}

// FrameHandler consumes post-handshake frames from ready sessions. Called
// on the session's read goroutine; blocking here backpressures the peer.
type FrameHandler interface {
	HandleFrame(s *Session, env wire.Envelope)
}

const (
	dialTimeout   = 5 * time.Second
	dialJitterMin = 500 * time.Millisecond
	dialJitterMax = 2000 * time.Millisecond
)

// Manager owns the listener, the dialer, and the session registry.
type Manager struct {
	nodeID      string
	displayName func() string
	db          *store.DB
	met         *metrics.Metrics

	mu         sync.Mutex
	ln         net.Listener
	sessions   map[string]*Session // installed session per peer id
	connected  map[string]bool     // peer-level connected state
	dialing    map[string]bool
	present    map[string]discovery.Peer // latest announcement per peer
	dialTimers map[string]*time.Timer
	listeners  []chan Event
	handler    FrameHandler
	stopped    bool
}

// NewManager builds a session manager. displayName is read at handshake
// time so renames take effect without a restart.
func NewManager(nodeID string, displayName func() string, db *store.DB, met *metrics.Metrics) *Manager {
	return &Manager{
		nodeID:      nodeID,
		displayName: displayName,
		db:          db,
		met:         met,
		sessions:    make(map[string]*Session),
		connected:   make(map[string]bool),
		dialing:     make(map[string]bool),
		present:     make(map[string]discovery.Peer),
		dialTimers:  make(map[string]*time.Timer),
	}
}

// SetHandler installs the frame consumer. Must happen before Start.
func (m *Manager) SetHandler(h FrameHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *Manager) dispatchFrame(s *Session, env wire.Envelope) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		log.Warnw("frame dropped, no handler", "type", env.Type, "peer", s.peerID)
		return
	}
	h.HandleFrame(s, env)
}

// Start binds the peer listener and begins accepting.
func (m *Manager) Start(port int) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return werr.Wrap(err, werr.KindPortInUse, "listen on %d", port)
	}
	m.mu.Lock()
	m.ln = ln
	m.stopped = false
	m.mu.Unlock()

	go m.acceptLoop(ln)
	log.Infow("listening for peers", "addr", ln.Addr().String())
	return nil
}

// Port reports the bound listener port, which differs from the requested
// one when 0 was asked for.
func (m *Manager) Port() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln == nil {
		return 0
	}
	return m.ln.Addr().(*net.TCPAddr).Port
}

func (m *Manager) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			m.mu.Lock()
			stopped := m.stopped
			m.mu.Unlock()
			if stopped {
				return
			}
			log.Warnw("accept failed", "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go m.handleInbound(conn)
	}
}

// handleInbound runs the acceptor half of the handshake: read the
// announcement, register the stream, then ack. The ack goes out even when
// the stream loses a tiebreak, so the dialer learns its fate in order.
func (m *Manager) handleInbound(conn net.Conn) {
	s := newSession(m, conn, DirectionAccepted)
	s.setState(StateHandshaking)

	hs, err := s.readHandshakeFrame(wire.TypePeerHandshake)
	if err != nil {
		log.Debugw("inbound handshake failed", "remote", conn.RemoteAddr(), "err", err)
		s.closeWithReason(nil)
		return
	}
	if hs.ID == m.nodeID {
		s.closeWithReason(nil)
		return
	}
	s.peerID = hs.ID
	s.peerName = hs.Name
	s.dialerID = hs.ID

	dev, err := m.db.EnsurePeer(hs.ID, hs.Name)
	if err != nil {
		log.Errorw("store rejected inbound peer", "peer", hs.ID, "err", err)
		s.closeWithReason(nil)
		return
	}
	if !dev.EnabledByUser {
		log.Infow("refusing disabled peer", "peer", hs.ID)
		s.closeWithReason(nil)
		return
	}

	installed := m.promote(s)
	ack := wire.Handshake{ID: m.nodeID, Name: m.displayName()}
	if err := s.writeFrameDirect(wire.TypePeerHandshakeAck, ack); err != nil {
		s.closeWithReason(nil)
		return
	}
	if !installed || !m.markReady(s) {
		s.closeWithReason(nil)
		return
	}
	s.start()
}

// OnPeerAppeared feeds a discovery sighting in: refresh the device row,
// then schedule an auto-dial behind a jittered delay that blunts
// simultaneous-dial collisions.
func (m *Manager) OnPeerAppeared(p discovery.Peer) {
	dev, err := m.db.UpsertPeer(p.ID, p.Name, p.Host, p.Port)
	if err != nil {
		log.Errorw("upsert discovered peer", "peer", p.ID, "err", err)
		return
	}

	m.mu.Lock()
	m.present[p.ID] = p
	if m.stopped || !dev.EnabledByUser || m.connected[p.ID] {
		m.mu.Unlock()
		return
	}
	if t, ok := m.dialTimers[p.ID]; ok {
		t.Stop()
	}
	delay := dialJitterMin + time.Duration(rand.Int63n(int64(dialJitterMax-dialJitterMin)))
	m.dialTimers[p.ID] = time.AfterFunc(delay, func() { m.autoDial(p.ID) })
	m.mu.Unlock()

	log.Debugw("peer appeared", "peer", p.ID, "name", p.Name, "host", p.Host, "port", p.Port, "dialIn", delay)
}

// autoDial re-checks everything that may have changed during the jitter
// delay, then dials.
func (m *Manager) autoDial(peerID string) {
	m.mu.Lock()
	delete(m.dialTimers, peerID)
	p, stillThere := m.present[peerID]
	connected := m.connected[peerID]
	stopped := m.stopped
	m.mu.Unlock()

	if stopped || !stillThere || connected {
		return
	}
	dev, ok, err := m.db.GetDevice(peerID)
	if err != nil || !ok || !dev.EnabledByUser {
		return
	}
	if err := m.dial(peerID, p.Host, p.Port); err != nil {
		log.Debugw("auto-dial failed", "peer", peerID, "err", err)
	}
}

// OnPeerDisappeared drops the sighting, cancels any pending dial, and
// closes the session if one is up.
func (m *Manager) OnPeerDisappeared(peerID string) {
	m.mu.Lock()
	delete(m.present, peerID)
	if t, ok := m.dialTimers[peerID]; ok {
		t.Stop()
		delete(m.dialTimers, peerID)
	}
	s := m.sessions[peerID]
	m.mu.Unlock()

	log.Debugw("peer disappeared", "peer", peerID)
	if s != nil {
		s.Close()
	}
}

// Connect dials a peer on demand using its stored address.
func (m *Manager) Connect(peerID string) error {
	dev, ok, err := m.db.GetDevice(peerID)
	if err != nil {
		return err
	}
	if !ok {
		return werr.New(werr.KindUnknownPeer, "no device row for peer %s", peerID)
	}
	if !dev.EnabledByUser {
		return werr.New(werr.KindInvalidArgument, "peer %s is disabled", peerID)
	}
	if dev.LastHost == "" || dev.LastPort == 0 {
		return werr.New(werr.KindInvalidArgument, "no known address for peer %s", peerID)
	}
	return m.dial(peerID, dev.LastHost, dev.LastPort)
}

// Disconnect closes the session for a peer, if any.
func (m *Manager) Disconnect(peerID string) {
	m.mu.Lock()
	s := m.sessions[peerID]
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// dial runs the dialer half of the handshake.
func (m *Manager) dial(peerID, host string, port int) error {
	m.mu.Lock()
	if m.connected[peerID] || m.dialing[peerID] {
		m.mu.Unlock()
		return nil
	}
	m.dialing[peerID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.dialing, peerID)
		m.mu.Unlock()
	}()

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		// Pre-handshake failure: log only, no event.
		return werr.Wrap(err, werr.KindTransportRefused, "dial %s", addr)
	}

	s := newSession(m, conn, DirectionDialed)
	s.peerID = peerID
	s.host = host
	s.port = port
	s.dialerID = m.nodeID
	s.setState(StateHandshaking)

	hello := wire.Handshake{ID: m.nodeID, Name: m.displayName()}
	if err := s.writeFrameDirect(wire.TypePeerHandshake, hello); err != nil {
		s.closeWithReason(nil)
		return werr.Wrap(err, werr.KindTransportReset, "send handshake")
	}
	ack, err := s.readHandshakeFrame(wire.TypePeerHandshakeAck)
	if err != nil {
		s.closeWithReason(nil)
		return err
	}
	// Trust the ack over the announcement; a stale record may have pointed
	// at a reused address.
	s.peerID = ack.ID
	s.peerName = ack.Name

	if _, err := m.db.EnsurePeer(ack.ID, ack.Name); err != nil {
		s.closeWithReason(nil)
		return err
	}
	if !m.promote(s) || !m.markReady(s) {
		s.closeWithReason(nil)
		return nil
	}
	s.start()
	return nil
}

// promote installs a handshake-complete stream as the peer's session,
// deciding collisions:
//
//   - no current session: install.
//   - same dialer on both streams: the older one is kept.
//   - opposite dialers (a simultaneous dial): the stream initiated by the
//     lower node id wins, whichever side it lives on.
//
// Returns false when the new stream lost and must be closed by the caller.
func (m *Manager) promote(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}

	cur, exists := m.sessions[s.peerID]
	if !exists {
		m.sessions[s.peerID] = s
		return true
	}
	if cur.dialerID == s.dialerID {
		return false
	}

	winner := m.nodeID
	if s.peerID < winner {
		winner = s.peerID
	}
	if s.dialerID != winner {
		return false
	}

	// The new stream wins. Detach the old one so its close stays silent
	// at peer level.
	m.sessions[s.peerID] = s
	go cur.Close()
	return true
}

// markReady flips the session and the peer online. The connected map, not
// the session registry, decides whether an event fires: swapping streams
// under a connected peer is not a transition. Returns false when a
// tiebreak detached the stream between registration and here.
//
// The store's online/offline writes happen under the manager lock so a
// replaced stream can never overwrite its successor's session token.
func (m *Manager) markReady(s *Session) bool {
	m.mu.Lock()
	if m.sessions[s.peerID] != s {
		m.mu.Unlock()
		return false
	}
	s.token = uuid.NewString()
	s.setState(StateReady)
	if _, err := m.db.MarkPeerOnline(s.peerID, s.token); err != nil {
		log.Errorw("mark peer online", "peer", s.peerID, "err", err)
	}
	already := m.connected[s.peerID]
	m.connected[s.peerID] = true
	m.mu.Unlock()

	m.met.SessionReady()
	log.Infow("session ready", "peer", s.peerID, "name", s.peerName, "dir", s.direction)
	if !already {
		m.notify(Event{Type: EventPeerConnected, PeerID: s.peerID, Name: s.peerName})
	}
	return true
}

// sessionClosed is called exactly once per session from closeWithReason.
func (m *Manager) sessionClosed(s *Session, wasReady bool) {
	if wasReady {
		m.met.SessionGone()
	}

	m.mu.Lock()
	if m.sessions[s.peerID] != s {
		// A loser stream, or one already replaced by a tiebreak.
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.peerID)
	wasConnected := m.connected[s.peerID]
	delete(m.connected, s.peerID)
	if s.token != "" {
		if _, _, err := m.db.MarkPeerOfflineByToken(s.token); err != nil {
			log.Errorw("mark peer offline", "peer", s.peerID, "err", err)
		}
	}
	m.mu.Unlock()

	if wasConnected && wasReady {
		log.Infow("peer disconnected", "peer", s.peerID)
		m.notify(Event{Type: EventPeerDisconnected, PeerID: s.peerID, Name: s.peerName})
	}
}

// Send queues a frame for a peer. False when no ready session exists.
func (m *Manager) Send(peerID, typ string, data any) bool {
	m.mu.Lock()
	s := m.sessions[peerID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return s.Send(typ, data)
}

// SessionFor returns the installed session for a peer.
func (m *Manager) SessionFor(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

// Broadcast queues a frame on every ready session.
func (m *Manager) Broadcast(typ string, data any) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Send(typ, data)
	}
}

// ReadyPeers lists peer ids with a ready session.
func (m *Manager) ReadyPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.State() == StateReady {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsConnected reports peer-level connectivity.
func (m *Manager) IsConnected(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected[peerID]
}

// Stop closes the listener and every session.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	ln := m.ln
	m.ln = nil
	for _, t := range m.dialTimers {
		t.Stop()
	}
	m.dialTimers = make(map[string]*time.Timer)
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, s := range all {
		s.Close()
	}
}

// Subscribe returns a channel of peer-level events. Slow consumers drop
// events rather than stall the session layer.
func (m *Manager) Subscribe() chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (m *Manager) Unsubscribe(ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify(evt Event) {
	m.mu.Lock()
	listeners := make([]chan Event, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
