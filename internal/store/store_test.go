package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/internal/werr"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenResetsOnlineFlags(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	require.NoError(t, err)
	_, err = db.UpsertPeer("peer-1", "Laptop", "192.168.1.10", 53000)
	require.NoError(t, err)
	_, err = db.MarkPeerOnline("peer-1", "tok-1")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()

	dev, ok, err := db.GetDevice("peer-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, dev.IsOnline, "sessions must not survive a restart")
	assert.Empty(t, dev.SessionToken)
	assert.Equal(t, "Laptop", dev.DisplayName, "history must survive a restart")
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		db, err := Open(dir)
		require.NoError(t, err)
		require.NoError(t, db.Close())
	}
}

func TestUpsertPeerKeepsOnlineState(t *testing.T) {
	db := openTestDB(t)

	_, err := db.UpsertPeer("peer-1", "Laptop", "192.168.1.10", 53000)
	require.NoError(t, err)
	dev, err := db.MarkPeerOnline("peer-1", "tok-1")
	require.NoError(t, err)
	require.True(t, dev.IsOnline)

	// A fresh announcement must refresh the address without kicking the
	// peer offline.
	dev, err = db.UpsertPeer("peer-1", "Laptop Renamed", "192.168.1.20", 53001)
	require.NoError(t, err)
	assert.True(t, dev.IsOnline)
	assert.Equal(t, "Laptop Renamed", dev.DisplayName)
	assert.Equal(t, "192.168.1.20", dev.LastHost)
	assert.Equal(t, 53001, dev.LastPort)
}

func TestMarkPeerOnlineUnknownPeer(t *testing.T) {
	db := openTestDB(t)

	_, err := db.MarkPeerOnline("ghost", "tok")
	require.Error(t, err)
	assert.True(t, werr.Is(err, werr.KindUnknownPeer))
}

func TestMarkPeerOfflineByToken(t *testing.T) {
	db := openTestDB(t)

	_, err := db.UpsertPeer("peer-1", "Laptop", "h", 1)
	require.NoError(t, err)
	_, err = db.MarkPeerOnline("peer-1", "tok-1")
	require.NoError(t, err)

	// Stale token: a newer session replaced tok-1.
	_, err = db.MarkPeerOnline("peer-1", "tok-2")
	require.NoError(t, err)
	_, ok, err := db.MarkPeerOfflineByToken("tok-1")
	require.NoError(t, err)
	assert.False(t, ok, "stale token must not match")

	dev, _, err := db.GetDevice("peer-1")
	require.NoError(t, err)
	assert.True(t, dev.IsOnline, "newer session must stay online")

	dev, ok, err = db.MarkPeerOfflineByToken("tok-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, dev.IsOnline)
}

func TestSetDeviceEnabled(t *testing.T) {
	db := openTestDB(t)

	dev, err := db.UpsertPeer("peer-1", "Laptop", "h", 1)
	require.NoError(t, err)
	assert.True(t, dev.EnabledByUser, "new devices start enabled")

	dev, err = db.SetDeviceEnabled("peer-1", false)
	require.NoError(t, err)
	assert.False(t, dev.EnabledByUser)
}

func TestListPeersSkipsLocalClients(t *testing.T) {
	db := openTestDB(t)

	_, err := db.UpsertPeer("peer-1", "Laptop", "h", 1)
	require.NoError(t, err)
	_, err = db.UpsertLocalClient("client-1", "Browser")
	require.NoError(t, err)

	all, err := db.ListDevices()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	peers, err := db.ListPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-1", peers[0].PeerID)
}

func strptr(s string) *string { return &s }

func TestCreateAndGetTransfer(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.CreateTransfer(Transfer{
		StorageName:   "report.pdf",
		DisplayName:   "report.pdf",
		Mime:          "application/pdf",
		ByteSize:      1234,
		OriginPeerID:  "peer-1",
		OriginName:    "Laptop",
		IsClipboard:   false,
		Tags:          []string{"Work", "work", " urgent "},
		InlineContent: nil,
	})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, []string{"urgent", "work"}, rec.Tags)
	assert.Nil(t, rec.InlineContent)

	got, ok, err := db.GetTransfer(rec.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.StorageName, got.StorageName)

	got, ok, err = db.GetTransferByStorageName("report.pdf")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)

	_, ok, err = db.GetTransfer(9999)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorageNameUnique(t *testing.T) {
	db := openTestDB(t)

	_, err := db.CreateTransfer(Transfer{StorageName: "a.txt", DisplayName: "a.txt"})
	require.NoError(t, err)
	_, err = db.CreateTransfer(Transfer{StorageName: "a.txt", DisplayName: "a.txt"})
	require.Error(t, err, "duplicate storage names must be rejected")
}

func TestClipboardKeepsInlineContent(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.CreateTransfer(Transfer{
		StorageName:   "clip-1.txt",
		DisplayName:   "clipboard",
		Mime:          "text/plain",
		ByteSize:      5,
		IsClipboard:   true,
		InlineContent: strptr("hello"),
	})
	require.NoError(t, err)
	require.NotNil(t, rec.InlineContent)
	assert.Equal(t, "hello", *rec.InlineContent)
}

func TestListTransfersNewestFirstAndTagFilter(t *testing.T) {
	db := openTestDB(t)

	first, err := db.CreateTransfer(Transfer{StorageName: "1.txt", DisplayName: "1", Tags: []string{"work"}})
	require.NoError(t, err)
	second, err := db.CreateTransfer(Transfer{StorageName: "2.txt", DisplayName: "2"})
	require.NoError(t, err)

	list, err := db.ListTransfers(TransferFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)

	tagged, err := db.ListTransfers(TransferFilter{Tag: "Work"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, first.ID, tagged[0].ID)
}

func TestListTransfersDirection(t *testing.T) {
	db := openTestDB(t)

	_, err := db.UpsertPeer("remote-1", "Other Laptop", "h", 1)
	require.NoError(t, err)
	_, err = db.UpsertLocalClient("client-1", "Browser")
	require.NoError(t, err)

	received, err := db.CreateTransfer(Transfer{StorageName: "in.txt", DisplayName: "in", OriginPeerID: "remote-1"})
	require.NoError(t, err)
	sent, err := db.CreateTransfer(Transfer{StorageName: "out.txt", DisplayName: "out", OriginPeerID: "client-1", DestPeerID: "remote-1"})
	require.NoError(t, err)

	in, err := db.ListTransfers(TransferFilter{Direction: "received"})
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, received.ID, in[0].ID)

	out, err := db.ListTransfers(TransferFilter{Direction: "sent"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, sent.ID, out[0].ID)
}

func TestRenameTransferLeavesStorageName(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.CreateTransfer(Transfer{StorageName: "stored.bin", DisplayName: "old"})
	require.NoError(t, err)

	got, err := db.RenameTransfer(rec.ID, "new name")
	require.NoError(t, err)
	assert.Equal(t, "new name", got.DisplayName)
	assert.Equal(t, "stored.bin", got.StorageName)

	_, err = db.RenameTransfer(9999, "x")
	assert.True(t, werr.Is(err, werr.KindUnknownTransfer))
}

func TestSetTransferMetadataReplaces(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.CreateTransfer(Transfer{
		StorageName: "m.txt",
		DisplayName: "m",
		Metadata:    map[string]any{"note": "hi", "stars": float64(3)},
	})
	require.NoError(t, err)

	got, err := db.SetTransferMetadata(rec.ID, map[string]any{"stars": float64(5)})
	require.NoError(t, err)
	_, has := got.Metadata["note"]
	assert.False(t, has, "replacement drops keys absent from the new map")
	assert.Equal(t, float64(5), got.Metadata["stars"])

	got, err = db.SetTransferMetadata(rec.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, got.Metadata)

	_, err = db.SetTransferMetadata(9999, map[string]any{"x": "y"})
	assert.True(t, werr.Is(err, werr.KindUnknownTransfer))
}

func TestDeleteTransferReturnsRow(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.CreateTransfer(Transfer{StorageName: "gone.txt", DisplayName: "gone"})
	require.NoError(t, err)

	deleted, err := db.DeleteTransfer(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "gone.txt", deleted.StorageName)

	_, ok, err := db.GetTransfer(rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTagsUnionOfVocabularyAndOccurrences(t *testing.T) {
	db := openTestDB(t)

	_, err := db.AddTag("Archive")
	require.NoError(t, err)
	_, err = db.CreateTransfer(Transfer{StorageName: "t.txt", DisplayName: "t", Tags: []string{"photos"}})
	require.NoError(t, err)

	tags, err := db.ListTags()
	require.NoError(t, err)
	assert.Equal(t, []string{"archive", "photos"}, tags)
}

func TestDeleteTagStripsRecords(t *testing.T) {
	db := openTestDB(t)

	_, err := db.AddTag("work")
	require.NoError(t, err)
	a, err := db.CreateTransfer(Transfer{StorageName: "a.txt", DisplayName: "a", Tags: []string{"work", "keep"}})
	require.NoError(t, err)
	_, err = db.CreateTransfer(Transfer{StorageName: "b.txt", DisplayName: "b", Tags: []string{"other"}})
	require.NoError(t, err)

	n, err := db.DeleteTag("work")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _, err := db.GetTransfer(a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, got.Tags)

	tags, err := db.ListTags()
	require.NoError(t, err)
	assert.NotContains(t, tags, "work")
}

func TestEnsureConnectionIsUnorderedAndIdempotent(t *testing.T) {
	db := openTestDB(t)

	c1, err := db.EnsureConnection("a", "b")
	require.NoError(t, err)
	c2, err := db.EnsureConnection("b", "a")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID, "pair is unordered")

	require.NoError(t, db.CloseConnection(c1.ID))
	require.NoError(t, db.CloseConnection(c1.ID))

	c3, err := db.EnsureConnection("a", "b")
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c3.ID, "closed connections are not reused")

	conns, err := db.ConnectionsForDevice("a")
	require.NoError(t, err)
	assert.Len(t, conns, 2)
}

func TestStats(t *testing.T) {
	db := openTestDB(t)

	_, err := db.CreateTransfer(Transfer{StorageName: "a.txt", DisplayName: "a", ByteSize: 100})
	require.NoError(t, err)
	_, err = db.CreateTransfer(Transfer{StorageName: "b.txt", DisplayName: "b", ByteSize: 50})
	require.NoError(t, err)

	n, bytes, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(150), bytes)
}
