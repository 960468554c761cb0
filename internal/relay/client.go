package relay

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/weftworks/weft/internal/werr"
	"github.com/weftworks/weft/internal/wire"
)

const (
	clientSendDepth = 64
	clientWriteWait = 10 * time.Second
)

// Client is one attached UI client. Until device-setup completes it has a
// socket but no identity; setup fills the device fields and registers it
// with the hub.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	token string

	mu       sync.Mutex
	deviceID string
	name     string

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// DeviceID returns the client's device uuid, empty before setup.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Name returns the client's display name, empty before setup.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Client) setIdentity(deviceID, name string) {
	c.mu.Lock()
	c.deviceID = deviceID
	c.name = name
	c.mu.Unlock()
}

// sendEnv queues one envelope for the client. A client whose lane stays
// full is dropped rather than allowed to stall the hub.
func (c *Client) sendEnv(typ string, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	payload, err := json.Marshal(wire.Envelope{Type: typ, Data: raw})
	if err != nil {
		return false
	}
	select {
	case c.send <- payload:
		return true
	case <-c.closed:
		return false
	default:
		log.Warnw("client lane full, dropping client", "client", c.token, "name", c.Name())
		c.close()
		return false
	}
}

func (c *Client) sendError(err error) {
	c.sendEnv(TypeError, ErrorReply{Kind: string(werr.KindOf(err)), Message: err.Error()})
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Client) writeLoop() {
	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop parses envelopes off the socket and hands them to the hub. It
// runs on the HTTP handler goroutine and returns when the socket dies.
func (c *Client) readLoop() {
	defer c.hub.dropClient(c)
	c.conn.SetReadLimit(wire.MaxFrame)

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Type == "" {
			c.sendError(werr.New(werr.KindProtocolViolation, "malformed message"))
			continue
		}
		c.hub.dispatch(c, env)
	}
}
