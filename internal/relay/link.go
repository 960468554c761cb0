package relay

import (
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/weftworks/weft/internal/werr"
	"github.com/weftworks/weft/internal/wire"
)

// Link is the client side of a remote hub. A pure-client node keeps one
// Link alive instead of running its own listener: it attaches over the
// hub's WebSocket channel, completes device-setup with this node's stable
// identity, and stays registered so the hub lists it as a device.
type Link struct {
	url         string
	nodeID      string
	displayName func() string

	mu        sync.Mutex
	token     string
	connected bool
	conn      *websocket.Conn

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLink validates the hub URL and prepares a link. Accepted forms:
// host:port, http(s)://host:port, ws(s)://host:port, each with or without
// the /ws path.
func NewLink(raw, nodeID string, displayName func() string) (*Link, error) {
	u, err := hubWSURL(raw)
	if err != nil {
		return nil, err
	}
	return &Link{
		url:         u,
		nodeID:      nodeID,
		displayName: displayName,
		stop:        make(chan struct{}),
	}, nil
}

func hubWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", werr.New(werr.KindConfigMissing, "remote hub url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", werr.Wrap(err, werr.KindInvalidArgument, "bad hub url %q", raw)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", werr.New(werr.KindInvalidArgument, "bad hub url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Start begins dialing. The link redials forever with backoff until Stop.
func (l *Link) Start() {
	l.wg.Add(1)
	go l.runLoop()
}

// Stop closes the link and waits for the dial loop to exit.
func (l *Link) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Connected reports whether the hub currently lists this node.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Token returns the socket id the hub assigned, empty while detached.
func (l *Link) Token() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token
}

func (l *Link) runLoop() {
	defer l.wg.Done()
	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}

	for {
		select {
		case <-l.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
		if err != nil {
			d := b.Duration()
			log.Warnw("hub dial failed", "url", l.url, "retry_in", d, "err", err)
			select {
			case <-time.After(d):
				continue
			case <-l.stop:
				return
			}
		}
		b.Reset()

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.serve(conn)

		l.mu.Lock()
		l.conn = nil
		l.connected = false
		l.token = ""
		l.mu.Unlock()
	}
}

// serve runs one attached session: setup first, then the event stream
// until the socket dies.
func (l *Link) serve(conn *websocket.Conn) {
	defer conn.Close()

	if err := writeLinkEnv(conn, TypeDeviceSetup, DeviceSetup{
		DisplayName: l.displayName(),
		ClientUUID:  l.nodeID,
	}); err != nil {
		log.Warnw("hub setup send failed", "err", err)
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Infow("hub link closed", "url", l.url, "err", err)
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Warnw("hub sent malformed frame", "err", err)
			continue
		}
		l.handleHubFrame(env)
	}
}

func (l *Link) handleHubFrame(env wire.Envelope) {
	switch env.Type {
	case TypeSetupComplete:
		var msg SetupComplete
		if err := env.Decode(&msg); err != nil {
			log.Warnw("bad setup-complete", "err", err)
			return
		}
		l.mu.Lock()
		l.token = msg.ClientToken
		l.connected = true
		l.mu.Unlock()
		log.Infow("attached to hub", "url", l.url, "token", msg.ClientToken, "devices", len(msg.Devices))

	case TypeFileReceived:
		var msg FileEvent
		if err := env.Decode(&msg); err != nil {
			return
		}
		log.Infow("hub relayed a transfer", "name", msg.Record.DisplayName,
			"from", msg.From, "bytes", msg.Record.ByteSize)

	case TypeAutoPaired:
		var msg PairEvent
		if err := env.Decode(&msg); err != nil {
			return
		}
		log.Infow("hub paired this node", "connection", msg.Connection.ID)

	case TypeDeviceConnected, TypeDeviceDisconnected, TypeFileSent, wire.TypeRelayDevices:
		log.Debugw("hub event", "type", env.Type)

	case TypeError:
		var msg ErrorReply
		if err := env.Decode(&msg); err != nil {
			return
		}
		log.Warnw("hub rejected a message", "kind", msg.Kind, "message", msg.Message)

	default:
		log.Debugw("unhandled hub event", "type", env.Type)
	}
}

func writeLinkEnv(conn *websocket.Conn, typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(wire.Envelope{Type: typ, Data: raw})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
