package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/wire"
)

type testNode struct {
	m      *Manager
	db     *store.DB
	events chan Event
}

func startNode(t *testing.T, nodeID, name string) *testNode {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := NewManager(nodeID, func() string { return name }, db, nil)
	require.NoError(t, m.Start(0))
	t.Cleanup(m.Stop)

	return &testNode{m: m, db: db, events: m.Subscribe()}
}

// knowPeer plants a device row with the listener's actual address, the way
// discovery would.
func (n *testNode) knowPeer(t *testing.T, other *testNode, otherID, otherName string) {
	t.Helper()
	_, err := n.db.UpsertPeer(otherID, otherName, "127.0.0.1", other.m.Port())
	require.NoError(t, err)
}

func waitEvent(t *testing.T, ch chan Event, wantType string) Event {
	t.Helper()
	select {
	case e := <-ch:
		require.Equal(t, wantType, e.Type)
		return e
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", wantType)
		return Event{}
	}
}

func assertNoEvent(t *testing.T, ch chan Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandshakeConnectsBothSides(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	b := startNode(t, "node-b", "Beta")
	a.knowPeer(t, b, "node-b", "Beta")

	require.NoError(t, a.m.Connect("node-b"))

	ea := waitEvent(t, a.events, EventPeerConnected)
	assert.Equal(t, "node-b", ea.PeerID)
	assert.Equal(t, "Beta", ea.Name)

	eb := waitEvent(t, b.events, EventPeerConnected)
	assert.Equal(t, "node-a", eb.PeerID)
	assert.Equal(t, "Alpha", eb.Name)

	assert.True(t, a.m.IsConnected("node-b"))
	assert.True(t, b.m.IsConnected("node-a"))
	assert.Equal(t, []string{"node-b"}, a.m.ReadyPeers())

	devA, ok, err := b.db.GetDevice("node-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, devA.IsOnline)
	assert.Empty(t, devA.LastHost, "inbound peers have no dialable address")

	devB, ok, err := a.db.GetDevice("node-b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, devB.IsOnline)
}

func TestSendWithoutSessionReturnsFalse(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	assert.False(t, a.m.Send("ghost", wire.TypeFileTransfer, wire.FileTransfer{}))
}

func TestDisabledPeerRefusesInbound(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	b := startNode(t, "node-b", "Beta")
	a.knowPeer(t, b, "node-b", "Beta")

	_, err := b.db.EnsurePeer("node-a", "Alpha")
	require.NoError(t, err)
	_, err = b.db.SetDeviceEnabled("node-a", false)
	require.NoError(t, err)

	err = a.m.Connect("node-b")
	require.Error(t, err, "refused handshake must surface to the dialer")
	assertNoEvent(t, b.events)
	assert.False(t, b.m.IsConnected("node-a"))
}

func sighting(n *testNode, id, name string) discovery.Peer {
	return discovery.Peer{ID: id, Name: name, Host: "127.0.0.1", Port: n.m.Port()}
}

func pendingDial(m *Manager, peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.dialTimers[peerID]
	return ok
}

func TestPeerAppearedAutoDials(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	b := startNode(t, "node-b", "Beta")

	a.m.OnPeerAppeared(sighting(b, "node-b", "Beta"))

	// Jitter tops out at two seconds.
	waitEvent(t, a.events, EventPeerConnected)
	waitEvent(t, b.events, EventPeerConnected)
	assert.True(t, a.m.IsConnected("node-b"))
}

func TestDisabledPeerNotAutoDialed(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	b := startNode(t, "node-b", "Beta")

	_, err := a.db.EnsurePeer("node-b", "Beta")
	require.NoError(t, err)
	_, err = a.db.SetDeviceEnabled("node-b", false)
	require.NoError(t, err)

	a.m.OnPeerAppeared(sighting(b, "node-b", "Beta"))
	assert.False(t, pendingDial(a.m, "node-b"), "disabled peers must not be scheduled")
	assertNoEvent(t, a.events)

	// Re-enabling takes effect on the next announcement.
	_, err = a.db.SetDeviceEnabled("node-b", true)
	require.NoError(t, err)
	a.m.OnPeerAppeared(sighting(b, "node-b", "Beta"))
	waitEvent(t, a.events, EventPeerConnected)
}

func TestDisappearDuringJitterCancelsDial(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	b := startNode(t, "node-b", "Beta")

	a.m.OnPeerAppeared(sighting(b, "node-b", "Beta"))
	require.True(t, pendingDial(a.m, "node-b"))

	a.m.OnPeerDisappeared("node-b")
	assert.False(t, pendingDial(a.m, "node-b"))
	assertNoEvent(t, a.events)
}

func TestDuplicateDialKeepsOlderSession(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	b := startNode(t, "node-b", "Beta")
	a.knowPeer(t, b, "node-b", "Beta")

	require.NoError(t, a.m.Connect("node-b"))
	waitEvent(t, a.events, EventPeerConnected)
	waitEvent(t, b.events, EventPeerConnected)

	s1, ok := a.m.SessionFor("node-b")
	require.True(t, ok)

	// A second dial completes its handshake, loses to the installed
	// session, and dies without any peer-level noise.
	require.NoError(t, a.m.dial("node-b", "127.0.0.1", b.m.Port()))

	assertNoEvent(t, a.events)
	assertNoEvent(t, b.events)
	s2, ok := a.m.SessionFor("node-b")
	require.True(t, ok)
	assert.Same(t, s1, s2)
}

func TestSimultaneousDialConvergesToOneSession(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	b := startNode(t, "node-b", "Beta")
	a.knowPeer(t, b, "node-b", "Beta")
	b.knowPeer(t, a, "node-a", "Alpha")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.m.Connect("node-b") }()
	go func() { defer wg.Done(); b.m.Connect("node-a") }()
	wg.Wait()

	require.Eventually(t, func() bool {
		return a.m.IsConnected("node-b") && b.m.IsConnected("node-a")
	}, 3*time.Second, 10*time.Millisecond)

	waitEvent(t, a.events, EventPeerConnected)
	waitEvent(t, b.events, EventPeerConnected)

	// Let the losing stream finish closing, then confirm silence.
	assertNoEvent(t, a.events)
	assertNoEvent(t, b.events)
	assert.Len(t, a.m.ReadyPeers(), 1)
	assert.Len(t, b.m.ReadyPeers(), 1)
}

func TestDisconnectFiresEventsAndMarksOffline(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	b := startNode(t, "node-b", "Beta")
	a.knowPeer(t, b, "node-b", "Beta")

	require.NoError(t, a.m.Connect("node-b"))
	waitEvent(t, a.events, EventPeerConnected)
	waitEvent(t, b.events, EventPeerConnected)

	a.m.Disconnect("node-b")

	waitEvent(t, a.events, EventPeerDisconnected)
	waitEvent(t, b.events, EventPeerDisconnected)

	require.Eventually(t, func() bool {
		dev, ok, err := a.db.GetDevice("node-b")
		return err == nil && ok && !dev.IsOnline
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		dev, ok, err := b.db.GetDevice("node-a")
		return err == nil && ok && !dev.IsOnline
	}, 3*time.Second, 10*time.Millisecond)
}

type captureHandler struct {
	mu     sync.Mutex
	frames []wire.Envelope
	peers  []string
}

func (h *captureHandler) HandleFrame(s *Session, env wire.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, env)
	h.peers = append(h.peers, s.PeerID())
}

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func TestFramesReachHandlerInOrder(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	b := startNode(t, "node-b", "Beta")
	a.knowPeer(t, b, "node-b", "Beta")

	h := &captureHandler{}
	b.m.SetHandler(h)

	require.NoError(t, a.m.Connect("node-b"))
	waitEvent(t, b.events, EventPeerConnected)

	for i := 0; i < 5; i++ {
		require.True(t, a.m.Send("node-b", wire.TypeChunkEnd, wire.ChunkEnd{TransferID: string(rune('a' + i))}))
	}

	require.Eventually(t, func() bool { return h.count() == 5 }, 3*time.Second, 10*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, env := range h.frames {
		assert.Equal(t, wire.TypeChunkEnd, env.Type)
		var ce wire.ChunkEnd
		require.NoError(t, env.Decode(&ce))
		assert.Equal(t, string(rune('a'+i)), ce.TransferID, "send lane must preserve order")
		assert.Equal(t, "node-a", h.peers[i])
	}
}

func TestHandshakeFrameOnReadySessionClosesIt(t *testing.T) {
	a := startNode(t, "node-a", "Alpha")
	b := startNode(t, "node-b", "Beta")
	a.knowPeer(t, b, "node-b", "Beta")

	require.NoError(t, a.m.Connect("node-b"))
	waitEvent(t, a.events, EventPeerConnected)
	waitEvent(t, b.events, EventPeerConnected)

	require.True(t, a.m.Send("node-b", wire.TypePeerHandshake, wire.Handshake{ID: "node-a", Name: "Alpha"}))

	waitEvent(t, a.events, EventPeerDisconnected)
	waitEvent(t, b.events, EventPeerDisconnected)
}
