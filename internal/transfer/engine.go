// Package transfer moves files and clipboard snippets over peer sessions:
// the in-band small path, the chunked path with temp-file assembly, and the
// relay frames a hub exchanges on behalf of its UI clients.
package transfer

import (
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/weftworks/weft/internal/blob"
	"github.com/weftworks/weft/internal/metrics"
	"github.com/weftworks/weft/internal/session"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/wire"
)

var log = logging.Logger("transfer")

const (
	// LargeFileThreshold is the sender-side cutoff: anything bigger goes
	// chunked. Receivers accept either path at any size.
	LargeFileThreshold = 70 << 20

	// ChunkSize is the raw chunk payload; its base64 form stays well
	// inside the frame limit.
	ChunkSize = 4 << 20

	reapInterval = 60 * time.Second
	staleAfter   = 5 * time.Minute

	ackTimeout = 30 * time.Second
)

// Event types emitted by the engine.
const (
	EventReceived      = "transfer-received"
	EventSent          = "transfer-sent"
	EventRelayReceived = "relay-transfer-received"
	EventRelayDevices  = "relay-devices"
)

// Event is one engine notification, fanned out to subscribers.
type Event struct {
	Type           string             `json:"type"`
	Record         store.Transfer     `json:"record,omitempty"`
	FromPeerID     string             `json:"from_peer_id,omitempty"`
	TargetClientID string             `json:"target_client_id,omitempty"`
	TargetRoute    string             `json:"target_route,omitempty"`
	PeerID         string             `json:"peer_id,omitempty"`
	Devices        []wire.RelayDevice `json:"devices,omitempty"`
}

// inbound is one chunked receive in flight.
type inbound struct {
	start        wire.ChunkStart
	asm          *blob.Assembly
	fromPeer     string
	fromPeerName string
	received     int
	lastActivity time.Time
}

// Engine is the transfer layer for one node. It implements
// session.FrameHandler for the receive side and exposes send methods for
// the relay hub and the HTTP API.
type Engine struct {
	nodeID      string
	displayName func() string
	sessions    *session.Manager
	db          *store.DB
	blobs       *blob.Dir
	met         *metrics.Metrics

	mu        sync.Mutex
	incoming  map[string]*inbound
	ackMu     sync.Mutex
	pending   map[string]chan wire.ChunkAck // sender side, by transfer id
	listeners []chan Event

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds the engine. Call Start to arm the stale-transfer reaper and
// SetHandler the engine onto the session manager.
func New(nodeID string, displayName func() string, sessions *session.Manager, db *store.DB, blobs *blob.Dir, met *metrics.Metrics) *Engine {
	return &Engine{
		nodeID:      nodeID,
		displayName: displayName,
		sessions:    sessions,
		db:          db,
		blobs:       blobs,
		met:         met,
		incoming:    make(map[string]*inbound),
		pending:     make(map[string]chan wire.ChunkAck),
		stop:        make(chan struct{}),
	}
}

// Start arms the reaper.
func (e *Engine) Start() {
	go e.reaperLoop()
}

// Stop halts the reaper and aborts every in-flight receive.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })

	e.mu.Lock()
	for id, in := range e.incoming {
		in.asm.Abort()
		delete(e.incoming, id)
		e.met.ChunkedDone()
	}
	e.mu.Unlock()
}

func (e *Engine) reaperLoop() {
	t := time.NewTicker(reapInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.reapStale(time.Now())
		case <-e.stop:
			return
		}
	}
}

// reapStale drops receives with no chunk activity for staleAfter. The
// writer is destroyed and the temp file unlinked; no event fires.
func (e *Engine) reapStale(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, in := range e.incoming {
		if now.Sub(in.lastActivity) <= staleAfter {
			continue
		}
		log.Warnw("reaping stale chunked transfer",
			"transfer", id, "from", in.fromPeer,
			"received", in.received, "total", in.start.TotalChunks)
		in.asm.Abort()
		delete(e.incoming, id)
		e.met.ChunkedDone()
		e.met.ChunkFailed()
	}
}

// InFlight reports how many chunked receives are assembling.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.incoming)
}

// Subscribe returns a channel of engine events. Slow consumers lose
// events rather than stall the receive path.
func (e *Engine) Subscribe() chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Event, 32)
	e.listeners = append(e.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (e *Engine) Unsubscribe(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, listener := range e.listeners {
		if listener == ch {
			close(listener)
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return
		}
	}
}

func (e *Engine) notify(evt Event) {
	e.mu.Lock()
	listeners := make([]chan Event, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

// UniqueStorageName picks a storage name unused by both the uploads dir and
// the files table. Clipboard and zero-byte records write no blob, so the
// table is the only authority on their names.
func (e *Engine) UniqueStorageName(name string) string {
	candidate := e.blobs.EnsureUnique(name)
	for {
		_, taken, err := e.db.GetTransferByStorageName(candidate)
		if err != nil || !taken {
			return candidate
		}
		time.Sleep(time.Millisecond)
		candidate = e.blobs.EnsureUnique(fmt.Sprintf("%d-%s", time.Now().UnixMilli(), blob.SafeName(name)))
	}
}

// connectionRef finds or creates the connection row for a device pair and
// renders its id as a record reference.
func (e *Engine) connectionRef(deviceA, deviceB string) string {
	if deviceA == "" || deviceB == "" {
		return ""
	}
	c, err := e.db.EnsureConnection(deviceA, deviceB)
	if err != nil {
		log.Errorw("ensure connection", "a", deviceA, "b", deviceB, "err", err)
		return ""
	}
	return formatConnRef(c.ID)
}
