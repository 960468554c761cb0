package transfer

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/weftworks/weft/internal/session"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/wire"
)

// source names the far end of an inbound transfer frame and how to answer
// it. Peer sessions and hub-attached local clients feed the same state
// machine through it.
type source struct {
	id    string
	name  string
	reply func(typ string, data any) bool
}

func sessionSource(s *session.Session) source {
	return source{id: s.PeerID(), name: s.PeerName(), reply: s.Send}
}

// HandleFrame consumes post-handshake frames from peer sessions. It runs on
// the session's read goroutine, so per-session frames arrive strictly in
// order here.
func (e *Engine) HandleFrame(s *session.Session, env wire.Envelope) {
	src := sessionSource(s)
	switch env.Type {
	case wire.TypeFileTransfer:
		var ft wire.FileTransfer
		if err := env.Decode(&ft); err != nil {
			log.Warnw("bad file-transfer frame", "peer", src.id, "err", err)
			return
		}
		e.receiveSmall(src, ft)

	case wire.TypeFileReceivedAck:
		var ack wire.FileReceivedAck
		if err := env.Decode(&ack); err != nil {
			return
		}
		log.Debugw("peer confirmed transfer", "peer", src.id, "storage_name", ack.StorageName)

	case wire.TypeChunkStart:
		var cs wire.ChunkStart
		if err := env.Decode(&cs); err != nil {
			log.Warnw("bad chunk-start frame", "peer", src.id, "err", err)
			return
		}
		e.chunkStart(src, cs)

	case wire.TypeChunkData:
		var cd wire.ChunkData
		if err := env.Decode(&cd); err != nil {
			log.Warnw("bad chunk-data frame", "peer", src.id, "err", err)
			return
		}
		e.chunkData(src, cd)

	case wire.TypeChunkEnd:
		var ce wire.ChunkEnd
		if err := env.Decode(&ce); err != nil {
			log.Warnw("bad chunk-end frame", "peer", src.id, "err", err)
			return
		}
		e.chunkEnd(src, ce)

	case wire.TypeChunkAck:
		var ack wire.ChunkAck
		if err := env.Decode(&ack); err != nil {
			return
		}
		e.deliverAck(ack)

	case wire.TypeChunkError:
		var ce wire.ChunkError
		if err := env.Decode(&ce); err != nil {
			return
		}
		e.chunkErrorFrom(src, ce)

	case wire.TypeRelayDevices:
		var rd wire.RelayDevices
		if err := env.Decode(&rd); err != nil {
			return
		}
		e.notify(Event{Type: EventRelayDevices, PeerID: src.id, Devices: rd.Devices})

	case wire.TypeRelayFileTransfer:
		var rft wire.RelayFileTransfer
		if err := env.Decode(&rft); err != nil {
			log.Warnw("bad relay-file-transfer frame", "peer", src.id, "err", err)
			return
		}
		e.receiveRelay(src, rft)

	case wire.TypeRelayFileAck:
		var ack wire.RelayFileAck
		if err := env.Decode(&ack); err != nil {
			return
		}
		log.Debugw("hub confirmed relayed transfer", "peer", src.id, "storage_name", ack.StorageName)

	default:
		log.Warnw("unhandled frame type", "peer", src.id, "type", env.Type)
	}
}

// HandleClientFrame feeds transfer frames from a hub-attached local client
// into the engine. Returns false for frame types the engine does not own so
// the hub can fall through to its own vocabulary.
func (e *Engine) HandleClientFrame(clientID, clientName string, env wire.Envelope, reply func(typ string, data any) bool) bool {
	src := source{id: clientID, name: clientName, reply: reply}
	switch env.Type {
	case wire.TypeChunkStart:
		var cs wire.ChunkStart
		if err := env.Decode(&cs); err != nil {
			log.Warnw("bad chunk-start from client", "client", clientID, "err", err)
			return true
		}
		e.chunkStart(src, cs)
	case wire.TypeChunkData:
		var cd wire.ChunkData
		if err := env.Decode(&cd); err != nil {
			log.Warnw("bad chunk-data from client", "client", clientID, "err", err)
			return true
		}
		e.chunkData(src, cd)
	case wire.TypeChunkEnd:
		var ce wire.ChunkEnd
		if err := env.Decode(&ce); err != nil {
			log.Warnw("bad chunk-end from client", "client", clientID, "err", err)
			return true
		}
		e.chunkEnd(src, ce)
	default:
		return false
	}
	return true
}

// receiveSmall persists an in-band transfer addressed at this node and acks
// it. The payload, when present and not clipboard, is materialized under a
// collision-free storage name before the record lands.
func (e *Engine) receiveSmall(src source, ft wire.FileTransfer) {
	originID, originName := src.id, src.name
	if ft.OriginID != "" {
		originID, originName = ft.OriginID, ft.OriginName
	}
	if _, err := e.db.EnsurePeer(originID, originName); err != nil {
		log.Errorw("ensure origin device", "origin", originID, "err", err)
	}

	rec, err := e.persistIncoming(ft, originID, originName, e.nodeID, e.displayName())
	if err != nil {
		log.Errorw("persist transfer", "from", src.id, "storage_name", ft.StorageName, "err", err)
		return
	}

	e.met.ReceivedInline()
	e.notify(Event{Type: EventReceived, Record: rec, FromPeerID: src.id})
	src.reply(wire.TypeFileReceivedAck, wire.FileReceivedAck{StorageName: ft.StorageName})
	log.Infow("transfer received", "from", src.id, "name", rec.DisplayName,
		"size", humanize.IBytes(uint64(rec.ByteSize)), "clipboard", rec.IsClipboard)
}

// receiveRelay persists a transfer addressed at one of this hub's local
// clients and hands it to the relay layer through an event.
func (e *Engine) receiveRelay(src source, rft wire.RelayFileTransfer) {
	originID, originName := src.id, src.name
	if rft.OriginID != "" {
		originID, originName = rft.OriginID, rft.OriginName
	}
	if _, err := e.db.EnsurePeer(originID, originName); err != nil {
		log.Errorw("ensure origin device", "origin", originID, "err", err)
	}

	destName := ""
	if dev, ok, _ := e.db.GetDevice(rft.TargetClientID); ok {
		destName = dev.DisplayName
	}
	rec, err := e.persistIncoming(rft.FileTransfer, originID, originName, rft.TargetClientID, destName)
	if err != nil {
		log.Errorw("persist relayed transfer", "from", src.id,
			"target", rft.TargetClientID, "err", err)
		return
	}

	e.met.ReceivedInline()
	e.notify(Event{
		Type:           EventRelayReceived,
		Record:         rec,
		FromPeerID:     src.id,
		TargetClientID: rft.TargetClientID,
	})
	src.reply(wire.TypeRelayFileAck, wire.RelayFileAck{StorageName: rft.StorageName})
}

// persistIncoming applies the small-path materialization rules: a present
// non-clipboard payload is decoded and written as a blob and the record's
// inline content nulled; clipboard payloads stay inline with no blob.
func (e *Engine) persistIncoming(ft wire.FileTransfer, originID, originName, destID, destName string) (store.Transfer, error) {
	name := e.UniqueStorageName(ft.StorageName)

	var inline *string
	byteSize := ft.ByteSize
	if ft.InlineContent != nil {
		if ft.IsClipboard {
			inline = ft.InlineContent
		} else {
			raw, err := DecodeInline(*ft.InlineContent, ft.Mime)
			if err != nil {
				return store.Transfer{}, err
			}
			// Zero-byte payloads record size 0 with no blob behind them.
			if len(raw) > 0 {
				if err := e.blobs.WriteBlob(name, raw); err != nil {
					return store.Transfer{}, err
				}
			}
			byteSize = int64(len(raw))
		}
	}

	return e.db.CreateTransfer(store.Transfer{
		StorageName:     name,
		DisplayName:     ft.DisplayName,
		Mime:            ft.Mime,
		ByteSize:        byteSize,
		InlineContent:   inline,
		OriginPeerID:    originID,
		DestPeerID:      destID,
		ConnectionRef:   e.connectionRef(originID, destID),
		IsClipboard:     ft.IsClipboard,
		OriginName:      originName,
		DestinationName: destName,
	})
}

// chunkStart opens an assembly for a chunked transfer. A restarted transfer
// id replaces its predecessor's half-written state.
func (e *Engine) chunkStart(src source, cs wire.ChunkStart) {
	asm, err := e.blobs.NewAssembly(cs.TransferID)
	if err != nil {
		log.Errorw("open assembly", "transfer", cs.TransferID, "err", err)
		src.reply(wire.TypeChunkAck, wire.ErrAck(cs.TransferID, nil, err.Error()))
		e.met.ChunkFailed()
		return
	}

	e.mu.Lock()
	if old, ok := e.incoming[cs.TransferID]; ok {
		log.Warnw("chunk-start replaces in-flight transfer", "transfer", cs.TransferID)
		old.asm.Abort()
		e.met.ChunkedDone()
	}
	e.incoming[cs.TransferID] = &inbound{
		start:        cs,
		asm:          asm,
		fromPeer:     src.id,
		fromPeerName: src.name,
		lastActivity: time.Now(),
	}
	e.mu.Unlock()

	e.met.ChunkedStarted()
	src.reply(wire.TypeChunkAck, wire.OKAck(cs.TransferID, nil))
	log.Infow("chunked transfer started", "transfer", cs.TransferID, "from", src.id,
		"name", cs.DisplayName, "bytes", cs.ByteSize, "chunks", cs.TotalChunks)
}

// chunkData appends one chunk. Chunks must arrive in index order; anything
// else tears the transfer down with a chunk-error.
func (e *Engine) chunkData(src source, cd wire.ChunkData) {
	e.mu.Lock()
	in, ok := e.incoming[cd.TransferID]
	want := 0
	if ok {
		want = in.received
	}
	e.mu.Unlock()
	if !ok {
		src.reply(wire.TypeChunkError, wire.ChunkError{
			TransferID: cd.TransferID, ChunkIndex: &cd.ChunkIndex, Error: "Unknown transfer",
		})
		return
	}

	if cd.ChunkIndex != want {
		e.failChunked(src, cd.TransferID, &cd.ChunkIndex,
			fmt.Sprintf("chunk %d out of order, expected %d", cd.ChunkIndex, want), true)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(cd.ContentB64)
	if err != nil {
		e.failChunked(src, cd.TransferID, &cd.ChunkIndex, "chunk payload is not valid base64", true)
		return
	}
	if err := in.asm.Append(raw); err != nil {
		log.Errorw("append chunk", "transfer", cd.TransferID, "index", cd.ChunkIndex, "err", err)
		e.failChunked(src, cd.TransferID, &cd.ChunkIndex, err.Error(), false)
		return
	}

	e.mu.Lock()
	in.received++
	in.lastActivity = time.Now()
	e.mu.Unlock()

	e.met.AddChunkBytes(len(raw))
	src.reply(wire.TypeChunkAck, wire.OKAck(cd.TransferID, &cd.ChunkIndex))
}

// chunkEnd commits the assembly, creates the record, and routes the result.
func (e *Engine) chunkEnd(src source, ce wire.ChunkEnd) {
	e.mu.Lock()
	in, ok := e.incoming[ce.TransferID]
	if ok {
		delete(e.incoming, ce.TransferID)
	}
	e.mu.Unlock()
	if !ok {
		src.reply(wire.TypeChunkError, wire.ChunkError{
			TransferID: ce.TransferID, Error: "Unknown transfer",
		})
		return
	}
	e.met.ChunkedDone()

	fail := func(msg string) {
		in.asm.Abort()
		e.met.ChunkFailed()
		src.reply(wire.TypeChunkAck, wire.ErrAck(ce.TransferID, nil, msg))
	}

	if in.received != in.start.TotalChunks {
		fail(fmt.Sprintf("received %d of %d chunks", in.received, in.start.TotalChunks))
		return
	}
	if in.asm.Written() != in.start.ByteSize {
		fail(fmt.Sprintf("assembled %d bytes, expected %d", in.asm.Written(), in.start.ByteSize))
		return
	}

	name := e.UniqueStorageName(in.start.StorageName)
	if err := in.asm.Commit(name); err != nil {
		log.Errorw("commit assembly", "transfer", ce.TransferID, "err", err)
		e.met.ChunkFailed()
		src.reply(wire.TypeChunkAck, wire.ErrAck(ce.TransferID, nil, err.Error()))
		return
	}

	destID, destName := e.nodeID, e.displayName()
	route := in.start.TargetRoute
	if route != "" {
		destID = strings.TrimPrefix(route, "peer:")
		if dev, ok, _ := e.db.GetDevice(destID); ok {
			destName = dev.DisplayName
		} else {
			destName = ""
		}
	}

	rec, err := e.db.CreateTransfer(store.Transfer{
		StorageName:     name,
		DisplayName:     in.start.DisplayName,
		Mime:            in.start.Mime,
		ByteSize:        in.start.ByteSize,
		OriginPeerID:    in.fromPeer,
		DestPeerID:      destID,
		ConnectionRef:   e.connectionRef(in.fromPeer, destID),
		IsClipboard:     in.start.IsClipboard,
		OriginName:      in.fromPeerName,
		DestinationName: destName,
	})
	if err != nil {
		log.Errorw("record chunked transfer", "transfer", ce.TransferID, "err", err)
		e.met.ChunkFailed()
		src.reply(wire.TypeChunkAck, wire.ErrAck(ce.TransferID, nil, err.Error()))
		return
	}

	e.met.ReceivedChunked()
	e.db.TouchPeer(in.fromPeer)
	e.routeCompleted(src, rec, route)
	src.reply(wire.TypeChunkAck, wire.OKAck(ce.TransferID, nil))
	log.Infow("chunked transfer complete", "transfer", ce.TransferID, "from", src.id,
		"name", rec.DisplayName, "size", humanize.IBytes(uint64(rec.ByteSize)),
		"storage_name", rec.StorageName)
}

// routeCompleted delivers a committed chunked transfer to its destination:
// this node, a local client, or a remote peer the blob is re-chunked to.
func (e *Engine) routeCompleted(src source, rec store.Transfer, route string) {
	switch {
	case route == "":
		e.notify(Event{Type: EventReceived, Record: rec, FromPeerID: src.id})
	case strings.HasPrefix(route, "peer:"):
		peerID := strings.TrimPrefix(route, "peer:")
		go func() {
			if err := e.forwardStored(peerID, rec); err != nil {
				log.Errorw("forward chunked transfer", "peer", peerID,
					"storage_name", rec.StorageName, "err", err)
			}
		}()
	default:
		e.notify(Event{
			Type:           EventRelayReceived,
			Record:         rec,
			FromPeerID:     src.id,
			TargetClientID: route,
		})
	}
}

// failChunked tears down an in-flight receive. Write failures report as a
// chunk-ack error per the status contract; protocol faults use chunk-error.
func (e *Engine) failChunked(src source, transferID string, idx *int, msg string, protocol bool) {
	e.mu.Lock()
	in, ok := e.incoming[transferID]
	if ok {
		delete(e.incoming, transferID)
	}
	e.mu.Unlock()
	if ok {
		in.asm.Abort()
		e.met.ChunkedDone()
	}
	e.met.ChunkFailed()

	if protocol {
		src.reply(wire.TypeChunkError, wire.ChunkError{TransferID: transferID, ChunkIndex: idx, Error: msg})
	} else {
		src.reply(wire.TypeChunkAck, wire.ErrAck(transferID, idx, msg))
	}
}

// chunkErrorFrom handles a chunk-error arriving from the far end: it aborts
// any matching inbound assembly and unblocks a waiting sender.
func (e *Engine) chunkErrorFrom(src source, ce wire.ChunkError) {
	e.mu.Lock()
	in, ok := e.incoming[ce.TransferID]
	if ok {
		delete(e.incoming, ce.TransferID)
	}
	e.mu.Unlock()
	if ok {
		log.Warnw("peer aborted chunked transfer", "transfer", ce.TransferID,
			"from", src.id, "err", ce.Error)
		in.asm.Abort()
		e.met.ChunkedDone()
		e.met.ChunkFailed()
	}

	e.deliverAck(wire.ChunkAck{
		TransferID: ce.TransferID,
		ChunkIndex: ce.ChunkIndex,
		Status:     wire.StatusError,
		Error:      ce.Error,
	})
}
