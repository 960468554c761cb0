// Package relay is the hub side of a node: it owns the loopback WebSocket
// clients, routes transfers between them and remote peers, and mirrors peer
// state into client events.
package relay

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/weftworks/weft/internal/metrics"
	"github.com/weftworks/weft/internal/session"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/transfer"
	"github.com/weftworks/weft/internal/werr"
	"github.com/weftworks/weft/internal/wire"
)

var log = logging.Logger("relay")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The listener is loopback-only; the UI may come from a webview
	// origin (file://, app://) that never matches the host.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks attached UI clients and routes transfers between them, this
// node, and remote peers.
type Hub struct {
	nodeID      string
	displayName func() string
	db          *store.DB
	eng         *transfer.Engine
	sessions    *session.Manager
	met         *metrics.Metrics

	mu      sync.Mutex
	clients map[string]*Client // by socket token
	stopped bool

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds the hub. Call Start to begin mirroring session and transfer
// events to clients.
func New(nodeID string, displayName func() string, db *store.DB, eng *transfer.Engine, sessions *session.Manager, met *metrics.Metrics) *Hub {
	return &Hub{
		nodeID:      nodeID,
		displayName: displayName,
		db:          db,
		eng:         eng,
		sessions:    sessions,
		met:         met,
		clients:     make(map[string]*Client),
		stop:        make(chan struct{}),
	}
}

// Start arms the event pump.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.eventLoop(h.sessions.Subscribe(), h.eng.Subscribe())
}

// Stop closes every client socket and halts the event pump.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	h.stopped = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.wg.Wait()
}

func (h *Hub) eventLoop(sessEvents chan session.Event, engEvents chan transfer.Event) {
	defer h.wg.Done()
	defer h.sessions.Unsubscribe(sessEvents)
	defer h.eng.Unsubscribe(engEvents)

	for {
		select {
		case evt := <-sessEvents:
			h.handleSessionEvent(evt)
		case evt := <-engEvents:
			h.handleEngineEvent(evt)
		case <-h.stop:
			return
		}
	}
}

func (h *Hub) handleSessionEvent(evt session.Event) {
	switch evt.Type {
	case session.EventPeerConnected:
		dev, ok, err := h.db.GetDevice(evt.PeerID)
		if err != nil || !ok {
			dev = store.Device{PeerID: evt.PeerID, DisplayName: evt.Name, IsOnline: true}
		}
		h.broadcast(TypeDeviceConnected, DeviceEvent{SocketID: "peer:" + evt.PeerID, Device: dev})
		// The fresh peer has not seen our roster yet.
		h.eng.BroadcastRoster(h.roster())

	case session.EventPeerDisconnected:
		dev, ok, err := h.db.GetDevice(evt.PeerID)
		if err != nil || !ok {
			dev = store.Device{PeerID: evt.PeerID, DisplayName: evt.Name}
		}
		h.broadcast(TypeDeviceDisconnected, DeviceEvent{SocketID: "peer:" + evt.PeerID, Device: dev})
	}
}

func (h *Hub) handleEngineEvent(evt transfer.Event) {
	switch evt.Type {
	case transfer.EventReceived:
		h.broadcast(TypeFileReceived, FileEvent{Record: evt.Record, From: evt.FromPeerID})

	case transfer.EventRelayReceived:
		target := h.clientByDevice(evt.TargetClientID)
		if target == nil {
			log.Debugw("relayed transfer for detached client, stored only",
				"client", evt.TargetClientID, "storage_name", evt.Record.StorageName)
			return
		}
		target.sendEnv(TypeFileReceived, FileEvent{Record: evt.Record, From: evt.FromPeerID})

	case transfer.EventSent:
		h.broadcast(TypeFileSent, FileEvent{Record: evt.Record})

	case transfer.EventRelayDevices:
		h.broadcast(wire.TypeRelayDevices, RosterUpdate{PeerID: evt.PeerID, Devices: evt.Devices})
	}
}

// HandleWS upgrades a UI client connection and serves it until the socket
// closes. Mounted on the loopback HTTP server.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		token:  uuid.NewString(),
		send:   make(chan []byte, clientSendDepth),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	c.readLoop()
}

func (h *Hub) dispatch(c *Client, env wire.Envelope) {
	if env.Type == TypeDeviceSetup {
		h.handleSetup(c, env)
		return
	}
	if c.DeviceID() == "" {
		c.sendError(werr.New(werr.KindProtocolViolation, "device-setup required before %s", env.Type))
		return
	}

	switch env.Type {
	case wire.TypeFileTransfer:
		h.handleClientTransfer(c, env)
	case TypeTerminateConnection:
		h.handleTerminate(c, env)
	default:
		if h.eng.HandleClientFrame(c.DeviceID(), c.Name(), env, c.sendEnv) {
			return
		}
		c.sendError(werr.New(werr.KindProtocolViolation, "unknown message type %q", env.Type))
	}
}

// handleSetup reconciles the client against the device table, registers the
// socket, and answers with the device list.
func (h *Hub) handleSetup(c *Client, env wire.Envelope) {
	var msg DeviceSetup
	if err := env.Decode(&msg); err != nil {
		c.sendError(err)
		return
	}
	name := strings.TrimSpace(msg.DisplayName)
	if name == "" {
		c.sendError(werr.New(werr.KindInvalidArgument, "display_name is required"))
		return
	}

	id := msg.ClientUUID
	if id == "" {
		if dev, ok, _ := h.db.GetLocalClientByName(name); ok {
			id = dev.PeerID
		} else {
			id = uuid.NewString()
		}
	}
	dev, err := h.db.UpsertLocalClient(id, name)
	if err != nil {
		c.sendError(err)
		return
	}
	dev, err = h.db.MarkPeerOnline(dev.PeerID, c.token)
	if err != nil {
		c.sendError(err)
		return
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		c.close()
		return
	}
	_, again := h.clients[c.token]
	c.setIdentity(dev.PeerID, dev.DisplayName)
	h.clients[c.token] = c
	h.mu.Unlock()
	if !again {
		h.met.ClientJoined()
	}

	c.sendEnv(TypeSetupComplete, SetupComplete{
		ClientToken: c.token,
		Device:      dev,
		Devices:     h.deviceList(c),
	})
	h.broadcastExcept(c, TypeDeviceConnected, DeviceEvent{SocketID: c.token, Device: dev})
	h.eng.BroadcastRoster(h.roster())
	h.maybeAutoPair()

	log.Infow("client attached", "client", c.token, "device", dev.PeerID, "name", dev.DisplayName)
}

// handleClientTransfer applies the routing rules for a client's outgoing
// transfer: another local client, a peer:<uuid> virtual socket, a client
// behind a peer's hub as peer:<uuid>/<client>, or fan-out over the sender's
// active connections when no target is named.
func (h *Hub) handleClientTransfer(c *Client, env wire.Envelope) {
	var msg ClientTransfer
	if err := env.Decode(&msg); err != nil {
		c.sendError(err)
		return
	}

	var payload []byte
	if msg.InlineContent != nil {
		raw, err := transfer.DecodeInline(*msg.InlineContent, msg.Mime)
		if err != nil {
			c.sendError(err)
			return
		}
		payload = raw
	}
	out := transfer.Outbound{
		Payload:     payload,
		DisplayName: msg.DisplayName,
		StorageName: msg.StorageName,
		Mime:        msg.Mime,
		IsClipboard: msg.IsClipboard,
		OriginID:    c.DeviceID(),
		OriginName:  c.Name(),
	}

	var (
		rec store.Transfer
		err error
	)
	switch {
	case msg.Target == "":
		rec, err = h.fanOut(c, out)

	case strings.HasPrefix(msg.Target, "peer:"):
		route := strings.TrimPrefix(msg.Target, "peer:")
		if peerID, clientID, targeted := strings.Cut(route, "/"); targeted {
			rec, err = h.eng.SendRelay(peerID, clientID, out)
		} else {
			rec, err = h.eng.SendToPeer(route, out)
		}

	default:
		target := h.clientBySocket(msg.Target)
		if target == nil {
			c.sendError(werr.New(werr.KindUnknownPeer, "no client at %q", msg.Target))
			return
		}
		rec, err = h.eng.RecordLocal(out, target.DeviceID())
		if err == nil {
			target.sendEnv(TypeFileReceived, FileEvent{Record: rec, From: c.DeviceID()})
		}
	}

	if err != nil {
		c.sendError(err)
		return
	}
	c.sendEnv(TypeFileSentConfirmation, FileEvent{Record: rec})
}

// fanOut persists one broadcast record and pushes the payload over every
// active connection the sender participates in.
func (h *Hub) fanOut(c *Client, out transfer.Outbound) (store.Transfer, error) {
	rec, err := h.eng.RecordLocal(out, "")
	if err != nil {
		return store.Transfer{}, err
	}

	conns, err := h.db.ConnectionsForDevice(c.DeviceID())
	if err != nil {
		return rec, err
	}
	sent := 0
	for _, conn := range conns {
		if conn.Status != store.ConnectionActive {
			continue
		}
		other := conn.DeviceA
		if other == c.DeviceID() {
			other = conn.DeviceB
		}
		if other == c.DeviceID() || other == "" {
			continue
		}
		if target := h.clientByDevice(other); target != nil {
			target.sendEnv(TypeFileReceived, FileEvent{Record: rec, From: c.DeviceID()})
			sent++
		} else if h.sessions.IsConnected(other) {
			if err := h.eng.ForwardInline(other, out); err != nil {
				log.Warnw("fan-out to peer failed", "peer", other, "err", err)
			} else {
				sent++
			}
		}
	}
	log.Debugw("fan-out complete", "from", c.DeviceID(), "destinations", sent)
	return rec, nil
}

func (h *Hub) handleTerminate(c *Client, env wire.Envelope) {
	var msg TerminateConnection
	if err := env.Decode(&msg); err != nil {
		c.sendError(err)
		return
	}
	conn, ok, err := h.db.GetConnection(msg.ConnectionID)
	if err != nil {
		c.sendError(err)
		return
	}
	if !ok {
		c.sendError(werr.New(werr.KindInvalidArgument, "no connection %d", msg.ConnectionID))
		return
	}
	if err := h.db.CloseConnection(conn.ID); err != nil {
		c.sendError(err)
		return
	}

	notified := map[string]bool{}
	for _, devID := range []string{conn.DeviceA, conn.DeviceB} {
		if cl := h.clientByDevice(devID); cl != nil && !notified[cl.token] {
			cl.sendEnv(TypeConnectionTerminated, TerminateConnection{ConnectionID: conn.ID})
			notified[cl.token] = true
		}
	}
	if !notified[c.token] {
		c.sendEnv(TypeConnectionTerminated, TerminateConnection{ConnectionID: conn.ID})
	}
}

// maybeAutoPair creates a connection row when exactly two clients are
// attached and none exists between them yet. A UX record only; routing
// never consults it directly.
func (h *Hub) maybeAutoPair() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	if len(clients) != 2 {
		return
	}
	a, b := clients[0], clients[1]
	if a.DeviceID() == b.DeviceID() {
		return
	}
	if _, exists, err := h.db.ActiveConnectionBetween(a.DeviceID(), b.DeviceID()); err != nil || exists {
		return
	}
	conn, err := h.db.EnsureConnection(a.DeviceID(), b.DeviceID())
	if err != nil {
		log.Errorw("auto-pair", "a", a.DeviceID(), "b", b.DeviceID(), "err", err)
		return
	}
	a.sendEnv(TypeAutoPaired, PairEvent{Connection: conn})
	b.sendEnv(TypeAutoPaired, PairEvent{Connection: conn})
	log.Infow("auto-paired clients", "a", a.Name(), "b", b.Name(), "connection", conn.ID)
}

// dropClient unregisters a dead socket and tells everyone who needs to
// know. Sockets that never finished setup disappear silently.
func (h *Hub) dropClient(c *Client) {
	c.close()

	h.mu.Lock()
	_, registered := h.clients[c.token]
	delete(h.clients, c.token)
	h.mu.Unlock()
	if !registered {
		return
	}
	h.met.ClientLeft()

	// Another socket may still carry the same device.
	if h.clientByDevice(c.DeviceID()) == nil {
		if err := h.db.MarkPeerOffline(c.DeviceID()); err != nil {
			log.Warnw("mark client offline", "device", c.DeviceID(), "err", err)
		}
	}

	dev, ok, _ := h.db.GetDevice(c.DeviceID())
	if !ok {
		dev = store.Device{PeerID: c.DeviceID(), DisplayName: c.Name(), IsLocalClient: true}
	}
	h.broadcast(TypeDeviceDisconnected, DeviceEvent{SocketID: c.token, Device: dev})
	h.eng.BroadcastRoster(h.roster())
	log.Infow("client detached", "client", c.token, "name", c.Name())
}

func (h *Hub) snapshot() []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) broadcast(typ string, data any) {
	for _, c := range h.snapshot() {
		c.sendEnv(typ, data)
	}
}

func (h *Hub) broadcastExcept(skip *Client, typ string, data any) {
	for _, c := range h.snapshot() {
		if c != skip {
			c.sendEnv(typ, data)
		}
	}
}

func (h *Hub) clientBySocket(token string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[token]
}

func (h *Hub) clientByDevice(deviceID string) *Client {
	if deviceID == "" {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		if c.DeviceID() == deviceID {
			return c
		}
	}
	return nil
}

// roster is the local-client list announced to peers.
func (h *Hub) roster() []wire.RelayDevice {
	clients := h.snapshot()
	out := make([]wire.RelayDevice, 0, len(clients))
	for _, c := range clients {
		out = append(out, wire.RelayDevice{ID: c.DeviceID(), Name: c.Name()})
	}
	return out
}

// deviceList builds the uniform device view: attached clients (minus the
// asker) and online remote peers.
func (h *Hub) deviceList(skip *Client) []DeviceEntry {
	var out []DeviceEntry
	for _, c := range h.snapshot() {
		if c == skip {
			continue
		}
		dev, ok, _ := h.db.GetDevice(c.DeviceID())
		if !ok {
			dev = store.Device{PeerID: c.DeviceID(), DisplayName: c.Name(), IsLocalClient: true}
		}
		out = append(out, DeviceEntry{SocketID: c.token, Device: dev})
	}
	for _, peerID := range h.sessions.ReadyPeers() {
		dev, ok, _ := h.db.GetDevice(peerID)
		if !ok {
			dev = store.Device{PeerID: peerID, IsOnline: true}
		}
		out = append(out, DeviceEntry{SocketID: "peer:" + peerID, Device: dev})
	}
	return out
}

// Devices is the full online device view for the HTTP API.
func (h *Hub) Devices() []DeviceEntry {
	entries := h.deviceList(nil)
	if entries == nil {
		entries = []DeviceEntry{}
	}
	return entries
}

// ClientCount reports attached, setup-complete clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
