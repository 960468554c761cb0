package relay

import (
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/wire"
)

// Client channel message types. These never cross the peer wire; remote
// peers only ever see the vocabulary in the wire package.
const (
	TypeDeviceSetup          = "device-setup"
	TypeSetupComplete        = "setup-complete"
	TypeFileSentConfirmation = "file-sent-confirmation"
	TypeFileReceived         = "file-received"
	TypeFileSent             = "file-sent"
	TypeDeviceConnected      = "device-connected"
	TypeDeviceDisconnected   = "device-disconnected"
	TypeAutoPaired           = "auto-paired"
	TypeTerminateConnection  = "terminate-connection"
	TypeConnectionTerminated = "connection-terminated"
	TypeError                = "error"
)

// DeviceSetup is the first message every client must send.
type DeviceSetup struct {
	DisplayName string `json:"display_name"`
	ClientUUID  string `json:"client_uuid,omitempty"`
}

// DeviceEntry presents one reachable device uniformly: local clients carry
// their socket token, remote peers a peer:<uuid> virtual socket id.
type DeviceEntry struct {
	SocketID string `json:"socketId"`
	store.Device
}

// SetupComplete answers device-setup with the client's own row and the
// current device list.
type SetupComplete struct {
	ClientToken string        `json:"client_token"`
	Device      store.Device  `json:"device"`
	Devices     []DeviceEntry `json:"devices"`
}

// ClientTransfer is a client's outgoing file-transfer: the small-path
// fields plus a destination socket id. An empty target fans out over the
// sender's active connections.
type ClientTransfer struct {
	wire.FileTransfer
	Target string `json:"target,omitempty"`
}

// FileEvent wraps a transfer record delivered to a client.
type FileEvent struct {
	Record store.Transfer `json:"record"`
	From   string         `json:"from,omitempty"`
}

// DeviceEvent announces a device appearing or disappearing.
type DeviceEvent struct {
	SocketID string       `json:"socketId"`
	Device   store.Device `json:"device"`
}

// PairEvent reports an auto-created connection between two clients.
type PairEvent struct {
	Connection store.Connection `json:"connection"`
}

// TerminateConnection asks the hub to close a connection row; the same
// shape echoes back as connection-terminated.
type TerminateConnection struct {
	ConnectionID int64 `json:"connection_id"`
}

// RosterUpdate forwards a remote hub's client roster to local clients.
type RosterUpdate struct {
	PeerID  string             `json:"peer_id"`
	Devices []wire.RelayDevice `json:"devices"`
}

// ErrorReply carries a structured error back to a client.
type ErrorReply struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
