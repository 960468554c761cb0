package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/weftworks/weft/internal/werr"
)

// Connection pairs two devices that have exchanged data. Rows appear
// automatically the first time a transfer crosses a device pair and are the
// anchor for a record's connection_ref.
type Connection struct {
	ID        int64     `json:"id"`
	DeviceA   string    `json:"device_a"`
	DeviceB   string    `json:"device_b"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
}

const (
	ConnectionActive = "active"
	ConnectionClosed = "closed"
)

const connectionCols = `id, device_a, device_b, status, created_at, closed_at`

func scanConnection(row interface{ Scan(...any) error }) (Connection, error) {
	var (
		c       Connection
		created sql.NullString
		closed  sql.NullString
	)
	err := row.Scan(&c.ID, &c.DeviceA, &c.DeviceB, &c.Status, &created, &closed)
	if err != nil {
		return Connection{}, err
	}
	c.CreatedAt = parseTime(fromNull(created))
	c.ClosedAt = parseTime(fromNull(closed))
	return c, nil
}

// EnsureConnection returns the active connection between two devices,
// creating one when none exists. The pair is unordered.
func (d *DB) EnsureConnection(deviceA, deviceB string) (Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok, err := d.activeConnection(deviceA, deviceB)
	if err != nil {
		return Connection{}, err
	}
	if ok {
		return c, nil
	}

	res, err := d.db.Exec(`
		INSERT INTO connections (device_a, device_b, status) VALUES (?, ?, ?)
	`, deviceA, deviceB, ConnectionActive)
	if err != nil {
		return Connection{}, werr.Wrap(err, werr.KindStorageIO, "create connection")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Connection{}, werr.Wrap(err, werr.KindStorageIO, "create connection id")
	}
	return d.getConnection(id)
}

func (d *DB) activeConnection(deviceA, deviceB string) (Connection, bool, error) {
	row := d.db.QueryRow(`
		SELECT `+connectionCols+` FROM connections
		WHERE status = ? AND (
			(device_a = ? AND device_b = ?) OR (device_a = ? AND device_b = ?)
		)
		ORDER BY id DESC LIMIT 1
	`, ConnectionActive, deviceA, deviceB, deviceB, deviceA)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Connection{}, false, nil
	}
	if err != nil {
		return Connection{}, false, werr.Wrap(err, werr.KindStorageIO, "lookup connection")
	}
	return c, true, nil
}

// ActiveConnectionBetween reports whether the pair already has an active
// connection, without creating one.
func (d *DB) ActiveConnectionBetween(deviceA, deviceB string) (Connection, bool, error) {
	return d.activeConnection(deviceA, deviceB)
}

// GetConnection fetches one connection row by id.
func (d *DB) GetConnection(id int64) (Connection, bool, error) {
	row := d.db.QueryRow(`SELECT `+connectionCols+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Connection{}, false, nil
	}
	if err != nil {
		return Connection{}, false, werr.Wrap(err, werr.KindStorageIO, "get connection %d", id)
	}
	return c, true, nil
}

// CloseConnection marks a connection closed. Closing twice is a no-op.
func (d *DB) CloseConnection(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		UPDATE connections SET status = ?, closed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, ConnectionClosed, id, ConnectionActive)
	if err != nil {
		return werr.Wrap(err, werr.KindStorageIO, "close connection %d", id)
	}
	return nil
}

func (d *DB) getConnection(id int64) (Connection, error) {
	row := d.db.QueryRow(`SELECT `+connectionCols+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Connection{}, werr.New(werr.KindStorageIO, "no connection %d", id)
	}
	if err != nil {
		return Connection{}, werr.Wrap(err, werr.KindStorageIO, "get connection %d", id)
	}
	return c, nil
}

// ConnectionsForDevice returns every connection the device participates in,
// newest first.
func (d *DB) ConnectionsForDevice(peerID string) ([]Connection, error) {
	rows, err := d.db.Query(`
		SELECT `+connectionCols+` FROM connections
		WHERE device_a = ? OR device_b = ?
		ORDER BY id DESC
	`, peerID, peerID)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "list connections for %s", peerID)
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, werr.Wrap(err, werr.KindStorageIO, "scan connection")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
