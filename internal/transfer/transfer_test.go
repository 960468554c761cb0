package transfer

import (
	"bytes"
	"encoding/base64"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/blob"
	"github.com/weftworks/weft/internal/session"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/wire"
)

type testEngine struct {
	id     string
	db     *store.DB
	blobs  *blob.Dir
	mgr    *session.Manager
	eng    *Engine
	events chan Event
}

func startEngine(t *testing.T, nodeID, name string) *testEngine {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(dir)
	require.NoError(t, err)
	blobs, err := blob.Open(dir)
	require.NoError(t, err)

	mgr := session.NewManager(nodeID, func() string { return name }, db, nil)
	eng := New(nodeID, func() string { return name }, mgr, db, blobs, nil)
	mgr.SetHandler(eng)
	eng.Start()
	require.NoError(t, mgr.Start(0))
	t.Cleanup(func() {
		eng.Stop()
		mgr.Stop()
		db.Close()
	})

	return &testEngine{id: nodeID, db: db, blobs: blobs, mgr: mgr, eng: eng, events: eng.Subscribe()}
}

func connectPair(t *testing.T, a, b *testEngine) {
	t.Helper()
	_, err := a.db.UpsertPeer(b.id, "peer", "127.0.0.1", b.mgr.Port())
	require.NoError(t, err)
	require.NoError(t, a.mgr.Connect(b.id))
	require.Eventually(t, func() bool {
		return a.mgr.IsConnected(b.id) && b.mgr.IsConnected(a.id)
	}, 3*time.Second, 10*time.Millisecond)
}

func waitTransferEvent(t *testing.T, ch chan Event, wantType string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == wantType {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", wantType)
			return Event{}
		}
	}
}

// capture collects replies the engine would have written to the far end.
type capture struct {
	mu     sync.Mutex
	frames []capturedFrame
}

type capturedFrame struct {
	typ  string
	data any
}

func (c *capture) reply(typ string, data any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, capturedFrame{typ, data})
	return true
}

func (c *capture) last(t *testing.T) capturedFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.frames)
	return c.frames[len(c.frames)-1]
}

func localEngine(t *testing.T) *testEngine {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	blobs, err := blob.Open(dir)
	require.NoError(t, err)
	eng := New("node-local", func() string { return "Local" }, nil, db, blobs, nil)
	return &testEngine{id: "node-local", db: db, blobs: blobs, eng: eng, events: eng.Subscribe()}
}

func TestSmallTransferRoundTrip(t *testing.T) {
	a := startEngine(t, "node-a", "Alpha")
	b := startEngine(t, "node-b", "Beta")
	connectPair(t, a, b)

	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	rec, err := a.eng.SendToPeer(b.id, Outbound{
		Payload:     payload,
		DisplayName: "a.png",
		StorageName: "1.png",
		Mime:        "image/png",
	})
	require.NoError(t, err)
	assert.Equal(t, "1.png", rec.StorageName)
	assert.Equal(t, int64(12), rec.ByteSize)
	assert.Nil(t, rec.InlineContent)

	evt := waitTransferEvent(t, b.events, EventReceived)
	assert.Equal(t, a.id, evt.FromPeerID)
	assert.Equal(t, "a.png", evt.Record.DisplayName)
	assert.Nil(t, evt.Record.InlineContent)
	assert.Equal(t, a.id, evt.Record.OriginPeerID)
	assert.Equal(t, b.id, evt.Record.DestPeerID)
	assert.NotEmpty(t, evt.Record.ConnectionRef)

	got, err := os.ReadFile(b.blobs.Path(evt.Record.StorageName))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	waitTransferEvent(t, a.events, EventSent)
}

func TestClipboardTransferKeepsInline(t *testing.T) {
	a := startEngine(t, "node-a", "Alpha")
	b := startEngine(t, "node-b", "Beta")
	connectPair(t, a, b)

	_, err := a.eng.SendToPeer(b.id, Outbound{
		Payload:     []byte("hello"),
		DisplayName: "Clipboard Content",
		StorageName: "c",
		Mime:        "text/plain",
		IsClipboard: true,
	})
	require.NoError(t, err)

	evt := waitTransferEvent(t, b.events, EventReceived)
	require.NotNil(t, evt.Record.InlineContent)
	assert.Equal(t, "hello", *evt.Record.InlineContent)
	assert.True(t, evt.Record.IsClipboard)

	_, err = os.Stat(b.blobs.Path(evt.Record.StorageName))
	assert.True(t, os.IsNotExist(err), "clipboard items write no blob")
}

func TestChunkedTransferRoundTrip(t *testing.T) {
	a := startEngine(t, "node-a", "Alpha")
	b := startEngine(t, "node-b", "Beta")
	connectPair(t, a, b)

	payload := make([]byte, 5<<20+3)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	require.NoError(t, a.blobs.WriteBlob("big.bin", payload))
	rec, err := a.db.CreateTransfer(store.Transfer{
		StorageName: "big.bin",
		DisplayName: "big.bin",
		Mime:        "application/octet-stream",
		ByteSize:    int64(len(payload)),
	})
	require.NoError(t, err)

	require.NoError(t, a.eng.SendStored(b.id, rec.ID))

	evt := waitTransferEvent(t, b.events, EventReceived)
	assert.Equal(t, int64(len(payload)), evt.Record.ByteSize)
	assert.False(t, evt.Record.IsClipboard)
	assert.Nil(t, evt.Record.InlineContent)

	got, err := os.ReadFile(b.blobs.Path(evt.Record.StorageName))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "assembled bytes differ from source")
	assert.Zero(t, b.eng.InFlight())
}

func TestRelayTransferTargetsClient(t *testing.T) {
	a := startEngine(t, "node-a", "Alpha")
	b := startEngine(t, "node-b", "Beta")
	connectPair(t, a, b)

	_, err := b.db.UpsertLocalClient("client-1", "Phone")
	require.NoError(t, err)

	_, err = a.eng.SendRelay(b.id, "client-1", Outbound{
		Payload:     []byte("for the phone"),
		DisplayName: "note.txt",
		Mime:        "text/plain",
	})
	require.NoError(t, err)

	evt := waitTransferEvent(t, b.events, EventRelayReceived)
	assert.Equal(t, "client-1", evt.TargetClientID)
	assert.Equal(t, a.id, evt.Record.OriginPeerID)
	assert.Equal(t, "client-1", evt.Record.DestPeerID)
	assert.Equal(t, "Phone", evt.Record.DestinationName)
}

func TestSendWithoutSessionFails(t *testing.T) {
	a := startEngine(t, "node-a", "Alpha")

	_, err := a.eng.SendToPeer("nobody", Outbound{
		Payload:     []byte("x"),
		DisplayName: "x.txt",
		Mime:        "text/plain",
	})
	require.Error(t, err)
}

func TestChunkDataBeforeStartRejected(t *testing.T) {
	n := localEngine(t)
	var c capture

	n.eng.chunkData(source{id: "p", name: "P", reply: c.reply}, wire.ChunkData{
		TransferID: "ghost",
		ChunkIndex: 0,
		ContentB64: base64.StdEncoding.EncodeToString([]byte("x")),
	})

	f := c.last(t)
	require.Equal(t, wire.TypeChunkError, f.typ)
	assert.Equal(t, "Unknown transfer", f.data.(wire.ChunkError).Error)
}

func TestOutOfOrderChunkTearsDown(t *testing.T) {
	n := localEngine(t)
	var c capture
	src := source{id: "p", name: "P", reply: c.reply}

	n.eng.chunkStart(src, wire.ChunkStart{
		TransferID:  "t1",
		StorageName: "f.bin",
		DisplayName: "f.bin",
		Mime:        "application/octet-stream",
		ByteSize:    4,
		TotalChunks: 2,
	})
	n.eng.chunkData(src, wire.ChunkData{
		TransferID: "t1", ChunkIndex: 0,
		ContentB64: base64.StdEncoding.EncodeToString([]byte("ab")),
	})
	require.Equal(t, wire.TypeChunkAck, c.last(t).typ)

	n.eng.chunkData(src, wire.ChunkData{
		TransferID: "t1", ChunkIndex: 3,
		ContentB64: base64.StdEncoding.EncodeToString([]byte("cd")),
	})

	f := c.last(t)
	require.Equal(t, wire.TypeChunkError, f.typ)
	assert.Contains(t, f.data.(wire.ChunkError).Error, "out of order")
	assert.Zero(t, n.eng.InFlight())

	_, err := os.Stat(n.blobs.Path("t1.tmp"))
	assert.True(t, os.IsNotExist(err), "temp file survives teardown")
}

func TestChunkEndIncompleteFails(t *testing.T) {
	n := localEngine(t)
	var c capture
	src := source{id: "p", name: "P", reply: c.reply}

	n.eng.chunkStart(src, wire.ChunkStart{
		TransferID: "t2", StorageName: "f.bin", DisplayName: "f.bin",
		Mime: "application/octet-stream", ByteSize: 4, TotalChunks: 2,
	})
	n.eng.chunkData(src, wire.ChunkData{
		TransferID: "t2", ChunkIndex: 0,
		ContentB64: base64.StdEncoding.EncodeToString([]byte("ab")),
	})
	n.eng.chunkEnd(src, wire.ChunkEnd{TransferID: "t2"})

	f := c.last(t)
	require.Equal(t, wire.TypeChunkAck, f.typ)
	ack := f.data.(wire.ChunkAck)
	assert.Equal(t, wire.StatusError, ack.Status)

	recs, err := n.db.ListTransfers(store.TransferFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReaperDropsStaleTransfers(t *testing.T) {
	n := localEngine(t)
	var c capture
	src := source{id: "p", name: "P", reply: c.reply}

	n.eng.chunkStart(src, wire.ChunkStart{
		TransferID: "t3", StorageName: "f.bin", DisplayName: "f.bin",
		Mime: "application/octet-stream", ByteSize: 8, TotalChunks: 2,
	})
	require.Equal(t, 1, n.eng.InFlight())

	n.eng.mu.Lock()
	n.eng.incoming["t3"].lastActivity = time.Now().Add(-10 * time.Minute)
	n.eng.mu.Unlock()

	n.eng.reapStale(time.Now())
	assert.Zero(t, n.eng.InFlight())

	_, err := os.Stat(n.blobs.Path("t3.tmp"))
	assert.True(t, os.IsNotExist(err))

	select {
	case e := <-n.events:
		if e.Type != "" {
			t.Fatalf("reaper emitted event %+v", e)
		}
	default:
	}
}

func TestStorageNameCollisionGetsPrefixed(t *testing.T) {
	n := localEngine(t)
	var c capture
	src := source{id: "peer-x", name: "X", reply: c.reply}

	inline := "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString([]byte("one"))
	ft := wire.FileTransfer{
		StorageName: "dup.bin", DisplayName: "dup.bin",
		Mime: "application/octet-stream", ByteSize: 3,
		InlineContent: &inline, OriginID: "peer-x", OriginName: "X",
	}
	n.eng.receiveSmall(src, ft)
	n.eng.receiveSmall(src, ft)

	recs, err := n.db.ListTransfers(store.TransferFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.NotEqual(t, recs[0].StorageName, recs[1].StorageName)
	for _, r := range recs {
		_, err := os.Stat(n.blobs.Path(r.StorageName))
		assert.NoError(t, err)
	}
}

func TestClipboardNameReuseGetsFreshRecordName(t *testing.T) {
	n := localEngine(t)

	out := Outbound{
		Payload:     []byte("first"),
		DisplayName: "Clipboard Content",
		Mime:        "text/plain",
		IsClipboard: true,
	}
	first, err := n.eng.RecordLocal(out, "")
	require.NoError(t, err)

	// No blob exists for clipboard items, so only the files table can
	// catch the reuse.
	out.Payload = []byte("second")
	second, err := n.eng.RecordLocal(out, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.StorageName, second.StorageName)
	require.NotNil(t, second.InlineContent)
	assert.Equal(t, "second", *second.InlineContent)
}

func TestZeroByteTransferWritesNoBlob(t *testing.T) {
	n := localEngine(t)
	var c capture

	inline := "data:application/octet-stream;base64,"
	n.eng.receiveSmall(source{id: "p", name: "P", reply: c.reply}, wire.FileTransfer{
		StorageName: "empty.bin", DisplayName: "empty.bin",
		Mime: "application/octet-stream", ByteSize: 0,
		InlineContent: &inline, OriginID: "p", OriginName: "P",
	})

	evt := waitTransferEvent(t, n.events, EventReceived)
	assert.Zero(t, evt.Record.ByteSize)
	_, err := os.Stat(n.blobs.Path("empty.bin"))
	assert.True(t, os.IsNotExist(err))
}

func TestClientChunkRouteToLocalClient(t *testing.T) {
	n := localEngine(t)
	_, err := n.db.UpsertLocalClient("client-2", "Tablet")
	require.NoError(t, err)

	var c capture
	payload := []byte("routed through the hub")
	handled := n.eng.HandleClientFrame("client-1", "Phone", envelope(t, wire.TypeChunkStart, wire.ChunkStart{
		TransferID: "t4", StorageName: "r.txt", DisplayName: "r.txt",
		Mime: "text/plain", ByteSize: int64(len(payload)), TotalChunks: 1,
		TargetRoute: "client-2",
	}), c.reply)
	require.True(t, handled)

	n.eng.HandleClientFrame("client-1", "Phone", envelope(t, wire.TypeChunkData, wire.ChunkData{
		TransferID: "t4", ChunkIndex: 0,
		ContentB64: base64.StdEncoding.EncodeToString(payload),
	}), c.reply)
	n.eng.HandleClientFrame("client-1", "Phone", envelope(t, wire.TypeChunkEnd, wire.ChunkEnd{
		TransferID: "t4",
	}), c.reply)

	evt := waitTransferEvent(t, n.events, EventRelayReceived)
	assert.Equal(t, "client-2", evt.TargetClientID)
	assert.Equal(t, "client-1", evt.Record.OriginPeerID)
	assert.Equal(t, "Tablet", evt.Record.DestinationName)

	got, err := os.ReadFile(n.blobs.Path(evt.Record.StorageName))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestHandleClientFrameIgnoresForeignTypes(t *testing.T) {
	n := localEngine(t)
	var c capture
	handled := n.eng.HandleClientFrame("client-1", "Phone",
		envelope(t, "device-setup", map[string]string{"display_name": "Phone"}), c.reply)
	assert.False(t, handled)
}

func TestDecodeInline(t *testing.T) {
	raw, err := DecodeInline("data:image/png;base64,AAECAwQFBgcICQoL", "image/png")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, raw)

	raw, err = DecodeInline("hello", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), raw)

	raw, err = DecodeInline(base64.StdEncoding.EncodeToString([]byte{9, 8, 7}), "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, raw)

	// Not valid base64: taken literally.
	raw, err = DecodeInline("not base64!!", "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, []byte("not base64!!"), raw)

	_, err = DecodeInline("data:image/png;base64", "image/png")
	require.Error(t, err)
}

func envelope(t *testing.T, typ string, data any) wire.Envelope {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, typ, data))
	env, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	return env
}
