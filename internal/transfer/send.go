package transfer

import (
	"bytes"
	"encoding/base64"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
	"github.com/weftworks/weft/internal/wire"
)

// Outbound describes a payload to ship to a peer. Origin fields default to
// this node; hubs forwarding on behalf of a local client set them to the
// client's identity.
type Outbound struct {
	Payload     []byte
	DisplayName string
	StorageName string
	Mime        string
	IsClipboard bool
	OriginID    string
	OriginName  string
	Tags        []string
}

func (e *Engine) fillOrigin(out *Outbound) {
	if out.OriginID == "" {
		out.OriginID = e.nodeID
		out.OriginName = e.displayName()
	}
	if out.StorageName == "" {
		out.StorageName = out.DisplayName
	}
	out.Mime = sniffMime(out.Mime, out.DisplayName, out.Payload)
}

func (out Outbound) wireMessage() wire.FileTransfer {
	inline := encodeInline(out.Payload, out.Mime)
	return wire.FileTransfer{
		StorageName:   out.StorageName,
		DisplayName:   out.DisplayName,
		Mime:          out.Mime,
		ByteSize:      int64(len(out.Payload)),
		InlineContent: &inline,
		IsClipboard:   out.IsClipboard,
		OriginID:      out.OriginID,
		OriginName:    out.OriginName,
	}
}

// SendToPeer ships a payload to a ready peer, persisting the local record
// first. Payloads above the large-file threshold go chunked; everything
// else travels in-band.
func (e *Engine) SendToPeer(peerID string, out Outbound) (store.Transfer, error) {
	e.fillOrigin(&out)

	if int64(len(out.Payload)) > LargeFileThreshold {
		rec, err := e.persistOutgoing(out, peerID)
		if err != nil {
			return store.Transfer{}, err
		}
		if err := e.forwardStored(peerID, rec); err != nil {
			return store.Transfer{}, err
		}
		return rec, nil
	}

	if _, ok := e.sessions.SessionFor(peerID); !ok {
		return store.Transfer{}, werr.New(werr.KindTransportRefused, "no ready session with peer %s", peerID)
	}

	rec, err := e.persistOutgoing(out, peerID)
	if err != nil {
		return store.Transfer{}, err
	}

	if !e.sessions.Send(peerID, wire.TypeFileTransfer, out.wireMessage()) {
		return rec, werr.New(werr.KindTransportRefused, "session to %s closed mid-send", peerID)
	}

	e.met.SentInline()
	e.notify(Event{Type: EventSent, Record: rec, PeerID: peerID})
	log.Infow("transfer sent", "to", peerID, "name", out.DisplayName,
		"size", humanize.IBytes(uint64(len(out.Payload))))
	return rec, nil
}

// ForwardInline ships a payload to a ready peer without persisting anything
// locally. Broadcast fan-out uses it so one record covers all destinations.
func (e *Engine) ForwardInline(peerID string, out Outbound) error {
	e.fillOrigin(&out)
	if !e.sessions.Send(peerID, wire.TypeFileTransfer, out.wireMessage()) {
		return werr.New(werr.KindTransportRefused, "no ready session with peer %s", peerID)
	}
	e.met.SentInline()
	return nil
}

// RecordLocal persists a transfer that never crosses a peer session, such
// as an item routed between two clients of the same hub. Blob and inline
// rules match the receive path.
func (e *Engine) RecordLocal(out Outbound, destID string) (store.Transfer, error) {
	e.fillOrigin(&out)
	rec, err := e.persistOutgoing(out, destID)
	if err != nil {
		return store.Transfer{}, err
	}
	e.notify(Event{Type: EventSent, Record: rec, PeerID: destID})
	return rec, nil
}

// RecordStream stores an upload of unknown size: the payload streams to a
// blob and a record is created around it. The record has no destination;
// the caller ships it onward with SendStored if it is meant for a peer.
func (e *Engine) RecordStream(r io.Reader, displayName, mime string, tags []string) (store.Transfer, error) {
	name := e.UniqueStorageName(displayName)
	size, err := e.blobs.WriteBlobFrom(name, r)
	if err != nil {
		return store.Transfer{}, err
	}

	var sample []byte
	if f, err := e.blobs.OpenBlob(name); err == nil {
		sample = make([]byte, 512)
		n, _ := f.Read(sample)
		sample = sample[:n]
		f.Close()
	}

	rec, err := e.db.CreateTransfer(store.Transfer{
		StorageName:  name,
		DisplayName:  displayName,
		Mime:         sniffMime(mime, displayName, sample),
		ByteSize:     size,
		OriginPeerID: e.nodeID,
		OriginName:   e.displayName(),
		Tags:         tags,
	})
	if err != nil {
		e.blobs.Remove(name)
		return store.Transfer{}, err
	}
	e.notify(Event{Type: EventSent, Record: rec})
	log.Infow("upload recorded", "storage_name", name, "size", humanize.IBytes(uint64(size)))
	return rec, nil
}

// SendRelay ships a payload to a client attached to a remote hub. The hub
// persists and forwards on its side; this node keeps its own sender record.
func (e *Engine) SendRelay(peerID, targetClientID string, out Outbound) (store.Transfer, error) {
	e.fillOrigin(&out)

	if _, ok := e.sessions.SessionFor(peerID); !ok {
		return store.Transfer{}, werr.New(werr.KindTransportRefused, "no ready session with peer %s", peerID)
	}

	rec, err := e.persistOutgoing(out, targetClientID)
	if err != nil {
		return store.Transfer{}, err
	}

	msg := wire.RelayFileTransfer{
		FileTransfer:   out.wireMessage(),
		TargetClientID: targetClientID,
	}
	if !e.sessions.Send(peerID, wire.TypeRelayFileTransfer, msg) {
		return rec, werr.New(werr.KindTransportRefused, "session to %s closed mid-send", peerID)
	}

	e.met.SentInline()
	e.notify(Event{Type: EventSent, Record: rec, PeerID: peerID, TargetClientID: targetClientID})
	return rec, nil
}

// SendStored re-sends an already recorded transfer's blob to a peer over
// the chunked path.
func (e *Engine) SendStored(peerID string, transferID int64) error {
	rec, ok, err := e.db.GetTransfer(transferID)
	if err != nil {
		return err
	}
	if !ok {
		return werr.New(werr.KindUnknownTransfer, "no transfer %d", transferID)
	}
	return e.forwardStored(peerID, rec)
}

// persistOutgoing writes the sender-side record. Non-clipboard payloads are
// materialized in the blob dir so every record points at real bytes;
// clipboard items keep the payload inline.
func (e *Engine) persistOutgoing(out Outbound, destID string) (store.Transfer, error) {
	name := e.UniqueStorageName(out.StorageName)

	wroteBlob := false
	var inline *string
	if out.IsClipboard {
		s := encodeInline(out.Payload, out.Mime)
		inline = &s
	} else if len(out.Payload) > 0 {
		if err := e.blobs.WriteBlob(name, out.Payload); err != nil {
			return store.Transfer{}, err
		}
		wroteBlob = true
	}

	destName := ""
	if dev, ok, _ := e.db.GetDevice(destID); ok {
		destName = dev.DisplayName
	}

	rec, err := e.db.CreateTransfer(store.Transfer{
		StorageName:     name,
		DisplayName:     out.DisplayName,
		Mime:            out.Mime,
		ByteSize:        int64(len(out.Payload)),
		InlineContent:   inline,
		OriginPeerID:    out.OriginID,
		DestPeerID:      destID,
		ConnectionRef:   e.connectionRef(out.OriginID, destID),
		IsClipboard:     out.IsClipboard,
		OriginName:      out.OriginName,
		DestinationName: destName,
		Tags:            out.Tags,
	})
	if err != nil && wroteBlob {
		e.blobs.Remove(name)
	}
	return rec, err
}

// forwardStored streams a committed blob to a peer chunk by chunk, waiting
// for each ack before the next send.
func (e *Engine) forwardStored(peerID string, rec store.Transfer) error {
	if rec.IsClipboard && rec.InlineContent != nil {
		raw, err := DecodeInline(*rec.InlineContent, rec.Mime)
		if err != nil {
			return err
		}
		return e.sendChunks(peerID, rec, bytes.NewReader(raw), int64(len(raw)))
	}
	if rec.ByteSize == 0 {
		// Zero-byte records have no blob behind them.
		return e.sendChunks(peerID, rec, bytes.NewReader(nil), 0)
	}

	// Chunk math follows the bytes on disk, which is what the reader below
	// will actually hand out.
	size, err := e.blobs.Size(rec.StorageName)
	if err != nil {
		return err
	}
	f, err := e.blobs.OpenBlob(rec.StorageName)
	if err != nil {
		return err
	}
	defer f.Close()
	return e.sendChunks(peerID, rec, f, size)
}

func (e *Engine) sendChunks(peerID string, rec store.Transfer, r io.Reader, size int64) error {
	transferID := uuid.NewString()
	total := int((size + ChunkSize - 1) / ChunkSize)

	ackCh := e.registerAck(transferID)
	defer e.unregisterAck(transferID)

	start := wire.ChunkStart{
		TransferID:  transferID,
		StorageName: rec.StorageName,
		DisplayName: rec.DisplayName,
		Mime:        rec.Mime,
		ByteSize:    size,
		TotalChunks: total,
		IsClipboard: rec.IsClipboard,
	}
	if !e.sessions.Send(peerID, wire.TypeChunkStart, start) {
		return werr.New(werr.KindTransportRefused, "no ready session with peer %s", peerID)
	}
	if _, err := e.waitAck(ackCh, transferID); err != nil {
		return err
	}

	buf := make([]byte, ChunkSize)
	for i := 0; i < total; i++ {
		n, err := io.ReadFull(r, buf)
		if err == io.ErrUnexpectedEOF && n > 0 {
			err = nil
		}
		if err != nil {
			e.abortChunked(peerID, transferID, "read source: "+err.Error())
			return werr.Wrap(err, werr.KindStorageIO, "read chunk %d of %s", i, rec.StorageName)
		}

		data := wire.ChunkData{
			TransferID: transferID,
			ChunkIndex: i,
			ContentB64: base64.StdEncoding.EncodeToString(buf[:n]),
		}
		if !e.sessions.Send(peerID, wire.TypeChunkData, data) {
			return werr.New(werr.KindTransportRefused, "session to %s closed mid-transfer", peerID)
		}
		if _, err := e.waitAck(ackCh, transferID); err != nil {
			return err
		}
		e.met.AddChunkBytes(n)
	}

	if !e.sessions.Send(peerID, wire.TypeChunkEnd, wire.ChunkEnd{TransferID: transferID}) {
		return werr.New(werr.KindTransportRefused, "session to %s closed mid-transfer", peerID)
	}
	if _, err := e.waitAck(ackCh, transferID); err != nil {
		return err
	}

	e.met.SentChunked()
	e.notify(Event{Type: EventSent, Record: rec, PeerID: peerID})
	log.Infow("chunked transfer sent", "to", peerID, "name", rec.DisplayName,
		"size", humanize.IBytes(uint64(size)), "chunks", total)
	return nil
}

// abortChunked tells the receiver to drop a transfer this sender can no
// longer finish.
func (e *Engine) abortChunked(peerID, transferID, msg string) {
	e.sessions.Send(peerID, wire.TypeChunkError, wire.ChunkError{TransferID: transferID, Error: msg})
}

// BroadcastRoster announces the hub's local-client roster to every ready
// peer.
func (e *Engine) BroadcastRoster(devices []wire.RelayDevice) {
	e.sessions.Broadcast(wire.TypeRelayDevices, wire.RelayDevices{Devices: devices})
}

func (e *Engine) registerAck(transferID string) chan wire.ChunkAck {
	ch := make(chan wire.ChunkAck, 4)
	e.ackMu.Lock()
	e.pending[transferID] = ch
	e.ackMu.Unlock()
	return ch
}

func (e *Engine) unregisterAck(transferID string) {
	e.ackMu.Lock()
	delete(e.pending, transferID)
	e.ackMu.Unlock()
}

// deliverAck routes a chunk-ack to the sender goroutine waiting on it.
// Acks for transfers nobody waits on are dropped.
func (e *Engine) deliverAck(ack wire.ChunkAck) {
	e.ackMu.Lock()
	ch, ok := e.pending[ack.TransferID]
	e.ackMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ack:
	default:
	}
}

func (e *Engine) waitAck(ch chan wire.ChunkAck, transferID string) (wire.ChunkAck, error) {
	select {
	case ack := <-ch:
		if ack.Status != wire.StatusOK {
			e.met.ChunkFailed()
			return ack, werr.New(werr.KindTransportReset, "transfer %s rejected by peer: %s", transferID, ack.Error)
		}
		return ack, nil
	case <-time.After(ackTimeout):
		e.met.ChunkFailed()
		return wire.ChunkAck{}, werr.New(werr.KindTransportReset, "timed out waiting for ack on transfer %s", transferID)
	case <-e.stop:
		return wire.ChunkAck{}, werr.New(werr.KindTransportReset, "engine stopping")
	}
}
