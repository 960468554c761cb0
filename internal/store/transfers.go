package store

import (
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/weftworks/weft/internal/werr"
)

// Transfer is one row of the files table: a file or clipboard snippet that
// passed through this node, in either direction.
type Transfer struct {
	ID              int64          `json:"id"`
	StorageName     string         `json:"storage_name"`
	DisplayName     string         `json:"display_name"`
	Mime            string         `json:"mime"`
	ByteSize        int64          `json:"byte_size"`
	InlineContent   *string        `json:"inline_content,omitempty"`
	OriginPeerID    string         `json:"origin_peer_id,omitempty"`
	DestPeerID      string         `json:"destination_peer_id,omitempty"`
	ConnectionRef   string         `json:"connection_ref,omitempty"`
	IsClipboard     bool           `json:"is_clipboard"`
	CreatedAt       time.Time      `json:"created_at"`
	OriginName      string         `json:"origin_name,omitempty"`
	DestinationName string         `json:"destination_name,omitempty"`
	Tags            []string       `json:"tags"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// TransferFilter narrows ListTransfers. Zero value lists everything.
type TransferFilter struct {
	Tag       string // exact tag match after normalization
	Direction string // "sent", "received", or ""
	Limit     int    // 0 = no limit
}

const transferCols = `id, storage_name, display_name, mime, byte_size,
	inline_content, origin_peer_id, destination_peer_id, connection_ref,
	is_clipboard, created_at, origin_name, destination_name, tags, metadata`

func scanTransfer(row interface{ Scan(...any) error }) (Transfer, error) {
	var (
		t        Transfer
		inline   sql.NullString
		origin   sql.NullString
		dest     sql.NullString
		connRef  sql.NullString
		created  sql.NullString
		tagsJSON string
		metaJSON string
	)
	err := row.Scan(&t.ID, &t.StorageName, &t.DisplayName, &t.Mime, &t.ByteSize,
		&inline, &origin, &dest, &connRef, &t.IsClipboard, &created,
		&t.OriginName, &t.DestinationName, &tagsJSON, &metaJSON)
	if err != nil {
		return Transfer{}, err
	}
	if inline.Valid {
		s := inline.String
		t.InlineContent = &s
	}
	t.OriginPeerID = fromNull(origin)
	t.DestPeerID = fromNull(dest)
	t.ConnectionRef = fromNull(connRef)
	t.CreatedAt = parseTime(fromNull(created))
	t.Tags = []string{}
	if tagsJSON != "" {
		json.Unmarshal([]byte(tagsJSON), &t.Tags)
	}
	if metaJSON != "" && metaJSON != "{}" {
		json.Unmarshal([]byte(metaJSON), &t.Metadata)
	}
	return t, nil
}

// CreateTransfer inserts a transfer record and returns it with its assigned
// id and timestamp. StorageName must already be free; callers pick one with
// the transfer engine's UniqueStorageName before persisting.
func (d *DB) CreateTransfer(t Transfer) (Transfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t.Tags = NormalizeTags(t.Tags)
	tagsJSON, _ := json.Marshal(t.Tags)
	metaJSON := []byte("{}")
	if len(t.Metadata) > 0 {
		metaJSON, _ = json.Marshal(t.Metadata)
	}

	var inline any
	if t.InlineContent != nil {
		inline = *t.InlineContent
	}

	res, err := d.db.Exec(`
		INSERT INTO files (storage_name, display_name, mime, byte_size,
			inline_content, origin_peer_id, destination_peer_id, connection_ref,
			is_clipboard, origin_name, destination_name, tags, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.StorageName, t.DisplayName, t.Mime, t.ByteSize, inline,
		nullStr(t.OriginPeerID), nullStr(t.DestPeerID), nullStr(t.ConnectionRef),
		boolToInt(t.IsClipboard), t.OriginName, t.DestinationName,
		string(tagsJSON), string(metaJSON))
	if err != nil {
		return Transfer{}, werr.Wrap(err, werr.KindStorageIO, "insert transfer %q", t.StorageName)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Transfer{}, werr.Wrap(err, werr.KindStorageIO, "insert transfer id")
	}
	return d.getTransfer(id)
}

// GetTransfer fetches one transfer by id.
func (d *DB) GetTransfer(id int64) (Transfer, bool, error) {
	t, err := d.getTransfer(id)
	if werr.Is(err, werr.KindUnknownTransfer) {
		return Transfer{}, false, nil
	}
	if err != nil {
		return Transfer{}, false, err
	}
	return t, true, nil
}

func (d *DB) getTransfer(id int64) (Transfer, error) {
	row := d.db.QueryRow(`SELECT `+transferCols+` FROM files WHERE id = ?`, id)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, werr.New(werr.KindUnknownTransfer, "no transfer %d", id)
	}
	if err != nil {
		return Transfer{}, werr.Wrap(err, werr.KindStorageIO, "get transfer %d", id)
	}
	return t, nil
}

// GetTransferByStorageName fetches one transfer by its on-disk name.
func (d *DB) GetTransferByStorageName(name string) (Transfer, bool, error) {
	row := d.db.QueryRow(`SELECT `+transferCols+` FROM files WHERE storage_name = ?`, name)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, false, nil
	}
	if err != nil {
		return Transfer{}, false, werr.Wrap(err, werr.KindStorageIO, "get transfer %q", name)
	}
	return t, true, nil
}

// ListTransfers returns transfer records newest first.
func (d *DB) ListTransfers(f TransferFilter) ([]Transfer, error) {
	q := `SELECT ` + transferCols + ` FROM files`
	var args []any

	switch f.Direction {
	case "received":
		// A record is received when its origin is a remote peer; locally
		// produced records have a null origin or a local client origin.
		q += ` WHERE origin_peer_id IS NOT NULL
			AND origin_peer_id NOT IN (SELECT peer_id FROM devices WHERE is_local_client = 1)`
	case "sent":
		q += ` WHERE origin_peer_id IS NULL
			OR origin_peer_id IN (SELECT peer_id FROM devices WHERE is_local_client = 1)`
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := d.db.Query(q, args...)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "list transfers")
	}
	defer rows.Close()

	tag := normalizeTag(f.Tag)
	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, werr.Wrap(err, werr.KindStorageIO, "scan transfer")
		}
		if tag != "" && !hasTag(t.Tags, tag) {
			continue
		}
		out = append(out, t)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, rows.Err()
}

// TransfersForDevice returns records where the device is origin or
// destination, newest first.
func (d *DB) TransfersForDevice(peerID string) ([]Transfer, error) {
	rows, err := d.db.Query(`
		SELECT `+transferCols+` FROM files
		WHERE origin_peer_id = ? OR destination_peer_id = ?
		ORDER BY created_at DESC, id DESC
	`, peerID, peerID)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "list transfers for %s", peerID)
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, werr.Wrap(err, werr.KindStorageIO, "scan transfer")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RenameTransfer updates the display name only; the storage name and the
// bytes on disk never change after commit.
func (d *DB) RenameTransfer(id int64, displayName string) (Transfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`UPDATE files SET display_name = ? WHERE id = ?`, displayName, id)
	if err != nil {
		return Transfer{}, werr.Wrap(err, werr.KindStorageIO, "rename transfer %d", id)
	}
	if rowsUpdated(res) == 0 {
		return Transfer{}, werr.New(werr.KindUnknownTransfer, "no transfer %d", id)
	}
	return d.getTransfer(id)
}

// SetTransferTags replaces a record's tag list with the normalized form of
// the given tags.
func (d *DB) SetTransferTags(id int64, tags []string) (Transfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	norm := NormalizeTags(tags)
	tagsJSON, _ := json.Marshal(norm)
	res, err := d.db.Exec(`UPDATE files SET tags = ? WHERE id = ?`, string(tagsJSON), id)
	if err != nil {
		return Transfer{}, werr.Wrap(err, werr.KindStorageIO, "set tags on transfer %d", id)
	}
	if rowsUpdated(res) == 0 {
		return Transfer{}, werr.New(werr.KindUnknownTransfer, "no transfer %d", id)
	}
	return d.getTransfer(id)
}

// SetTransferMetadata replaces the record's metadata map wholesale.
func (d *DB) SetTransferMetadata(id int64, meta map[string]any) (Transfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, _ := json.Marshal(meta)
	res, err := d.db.Exec(`UPDATE files SET metadata = ? WHERE id = ?`, string(metaJSON), id)
	if err != nil {
		return Transfer{}, werr.Wrap(err, werr.KindStorageIO, "set metadata on transfer %d", id)
	}
	if rowsUpdated(res) == 0 {
		return Transfer{}, werr.New(werr.KindUnknownTransfer, "no transfer %d", id)
	}
	return d.getTransfer(id)
}

// DeleteTransfer removes a record and returns the deleted row so the caller
// can remove the blob behind it.
func (d *DB) DeleteTransfer(id int64) (Transfer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.getTransfer(id)
	if err != nil {
		return Transfer{}, err
	}
	if _, err := d.db.Exec(`DELETE FROM files WHERE id = ?`, id); err != nil {
		return Transfer{}, werr.Wrap(err, werr.KindStorageIO, "delete transfer %d", id)
	}
	return t, nil
}

// Stats returns record and byte totals for the metrics endpoint.
func (d *DB) Stats() (records int64, bytes int64, err error) {
	row := d.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM files`)
	if err := row.Scan(&records, &bytes); err != nil {
		return 0, 0, werr.Wrap(err, werr.KindStorageIO, "transfer stats")
	}
	return records, bytes, nil
}

// NormalizeTags trims, lowercases, deduplicates, and sorts a tag list,
// dropping empties. Always returns a non-nil slice.
func NormalizeTags(tags []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range tags {
		t = normalizeTag(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
