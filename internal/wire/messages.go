package wire

// Frame types carried between peers.
const (
	TypePeerHandshake    = "peer-handshake"
	TypePeerHandshakeAck = "peer-handshake-ack"

	TypeFileTransfer    = "file-transfer"
	TypeFileReceivedAck = "file-received-ack"

	TypeChunkStart = "chunk-start"
	TypeChunkData  = "chunk-data"
	TypeChunkEnd   = "chunk-end"
	TypeChunkAck   = "chunk-ack"
	TypeChunkError = "chunk-error"

	TypeRelayDevices      = "relay-devices"
	TypeRelayFileTransfer = "relay-file-transfer"
	TypeRelayFileAck      = "relay-file-ack"
)

// Chunk ack statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Handshake announces a node's identity. Sent by the dialer as
// peer-handshake and echoed by the acceptor as peer-handshake-ack.
type Handshake struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FileTransfer carries a small payload in-band, or announces a clipboard
// snippet. inline_content is present iff the payload travels with the
// message.
type FileTransfer struct {
	StorageName   string  `json:"storage_name"`
	DisplayName   string  `json:"display_name"`
	Mime          string  `json:"mime"`
	ByteSize      int64   `json:"byte_size"`
	InlineContent *string `json:"inline_content,omitempty"`
	IsClipboard   bool    `json:"is_clipboard"`
	OriginID      string  `json:"origin_id"`
	OriginName    string  `json:"origin_name"`
}

// FileReceivedAck confirms a small transfer was persisted.
type FileReceivedAck struct {
	StorageName string `json:"storage_name"`
}

// ChunkStart opens a chunked transfer. target_route is set only on hub
// uploads from a local client, naming the final destination.
type ChunkStart struct {
	TransferID  string `json:"transfer_id"`
	StorageName string `json:"storage_name"`
	DisplayName string `json:"display_name"`
	Mime        string `json:"mime"`
	ByteSize    int64  `json:"byte_size"`
	TotalChunks int    `json:"total_chunks"`
	IsClipboard bool   `json:"is_clipboard"`
	TargetRoute string `json:"target_route,omitempty"`
}

// ChunkData carries one chunk, base64-encoded.
type ChunkData struct {
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	ContentB64 string `json:"content_b64"`
}

// ChunkEnd closes a chunked transfer.
type ChunkEnd struct {
	TransferID string `json:"transfer_id"`
}

// ChunkAck reports per-phase status. ChunkIndex is set on data acks only.
type ChunkAck struct {
	TransferID string `json:"transfer_id"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

// ChunkError rejects a chunk or a whole transfer.
type ChunkError struct {
	TransferID string `json:"transfer_id"`
	ChunkIndex *int   `json:"chunk_index,omitempty"`
	Error      string `json:"error"`
}

// RelayDevice is one entry of a hub's client roster.
type RelayDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RelayDevices is a hub's roster of locally attached UI clients,
// broadcast to peers whenever it changes.
type RelayDevices struct {
	Devices []RelayDevice `json:"devices"`
}

// RelayFileTransfer is a small transfer addressed at one of a hub's local
// clients rather than the hub itself.
type RelayFileTransfer struct {
	FileTransfer
	TargetClientID string `json:"target_client_id"`
}

// RelayFileAck confirms a relayed transfer reached the hub.
type RelayFileAck struct {
	StorageName string `json:"storage_name"`
}

// OKAck builds a success chunk-ack.
func OKAck(transferID string, chunkIndex *int) ChunkAck {
	return ChunkAck{TransferID: transferID, ChunkIndex: chunkIndex, Status: StatusOK}
}

// ErrAck builds a failure chunk-ack.
func ErrAck(transferID string, chunkIndex *int, msg string) ChunkAck {
	return ChunkAck{TransferID: transferID, ChunkIndex: chunkIndex, Status: StatusError, Error: msg}
}
