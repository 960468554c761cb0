package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/weftworks/weft/internal/werr"
)

// Device is one row of the devices table: a remote peer discovered on the
// LAN, or a local UI client registered through the relay.
type Device struct {
	PeerID        string    `json:"peer_id"`
	DisplayName   string    `json:"display_name"`
	LastHost      string    `json:"last_host,omitempty"`
	LastPort      int       `json:"last_port,omitempty"`
	LastSeen      time.Time `json:"last_seen"`
	IsOnline      bool      `json:"is_online"`
	SessionToken  string    `json:"-"`
	EnabledByUser bool      `json:"enabled_by_user"`
	IsLocalClient bool      `json:"is_local_client,omitempty"`
}

const deviceCols = `peer_id, display_name, last_host, last_port, last_seen,
	is_online, session_token, enabled_by_user, is_local_client`

func scanDevice(row interface{ Scan(...any) error }) (Device, error) {
	var (
		dev      Device
		lastSeen sql.NullString
		token    sql.NullString
	)
	err := row.Scan(&dev.PeerID, &dev.DisplayName, &dev.LastHost, &dev.LastPort,
		&lastSeen, &dev.IsOnline, &token, &dev.EnabledByUser, &dev.IsLocalClient)
	if err != nil {
		return Device{}, err
	}
	dev.LastSeen = parseTime(fromNull(lastSeen))
	dev.SessionToken = fromNull(token)
	return dev, nil
}

// UpsertPeer records a discovered peer. A new peer starts offline and
// enabled; a known peer keeps its online state and enabled flag but has its
// address, name, and last_seen refreshed.
func (d *DB) UpsertPeer(peerID, displayName, host string, port int) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO devices (peer_id, display_name, last_host, last_port, last_seen)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			last_host    = excluded.last_host,
			last_port    = excluded.last_port,
			last_seen    = CURRENT_TIMESTAMP
	`, peerID, displayName, host, port)
	if err != nil {
		return Device{}, werr.Wrap(err, werr.KindStorageIO, "upsert peer %s", peerID)
	}
	return d.getDevice(peerID)
}

// EnsurePeer creates or refreshes a device row without touching its stored
// address. Inbound handshakes land here: a first-contact peer gets a row
// with zeroed host/port, a known peer keeps whatever discovery recorded.
func (d *DB) EnsurePeer(peerID, displayName string) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO devices (peer_id, display_name, last_seen)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen    = CURRENT_TIMESTAMP
	`, peerID, displayName)
	if err != nil {
		return Device{}, werr.Wrap(err, werr.KindStorageIO, "ensure peer %s", peerID)
	}
	return d.getDevice(peerID)
}

// UpsertLocalClient records a UI client as a virtual device. Local clients
// carry no address and are flagged so peer-facing listings can skip them.
func (d *DB) UpsertLocalClient(clientID, displayName string) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO devices (peer_id, display_name, last_seen, is_local_client)
		VALUES (?, ?, CURRENT_TIMESTAMP, 1)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name    = excluded.display_name,
			last_seen       = CURRENT_TIMESTAMP,
			is_local_client = 1
	`, clientID, displayName)
	if err != nil {
		return Device{}, werr.Wrap(err, werr.KindStorageIO, "upsert local client %s", clientID)
	}
	return d.getDevice(clientID)
}

// GetLocalClientByName finds a UI client row by display name, for clients
// that reconnect without announcing their uuid.
func (d *DB) GetLocalClientByName(displayName string) (Device, bool, error) {
	row := d.db.QueryRow(`
		SELECT `+deviceCols+` FROM devices
		WHERE is_local_client = 1 AND display_name = ?
		ORDER BY last_seen DESC LIMIT 1
	`, displayName)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, werr.Wrap(err, werr.KindStorageIO, "lookup client %q", displayName)
	}
	return dev, true, nil
}

// MarkPeerOnline flips a known peer online and stores its session token.
// Unknown peers are an error: a session can only exist for a device row
// that discovery or a handshake already created.
func (d *DB) MarkPeerOnline(peerID, sessionToken string) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`
		UPDATE devices SET is_online = 1, session_token = ?, last_seen = CURRENT_TIMESTAMP
		WHERE peer_id = ?
	`, sessionToken, peerID)
	if err != nil {
		return Device{}, werr.Wrap(err, werr.KindStorageIO, "mark peer online")
	}
	if rowsUpdated(res) == 0 {
		return Device{}, werr.New(werr.KindUnknownPeer, "no device row for peer %s", peerID)
	}
	return d.getDevice(peerID)
}

// MarkPeerOfflineByToken flips offline whichever device holds the given
// session token. Returns the device, or ok=false when the token matches
// nothing (already replaced by a newer session).
func (d *DB) MarkPeerOfflineByToken(sessionToken string) (Device, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	row := d.db.QueryRow(`SELECT `+deviceCols+` FROM devices WHERE session_token = ?`, sessionToken)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, werr.Wrap(err, werr.KindStorageIO, "lookup session token")
	}

	_, err = d.db.Exec(`
		UPDATE devices SET is_online = 0, session_token = NULL, last_seen = CURRENT_TIMESTAMP
		WHERE session_token = ?
	`, sessionToken)
	if err != nil {
		return Device{}, false, werr.Wrap(err, werr.KindStorageIO, "mark peer offline")
	}
	dev.IsOnline = false
	dev.SessionToken = ""
	return dev, true, nil
}

// MarkPeerOffline flips a peer offline regardless of session token.
func (d *DB) MarkPeerOffline(peerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		UPDATE devices SET is_online = 0, session_token = NULL, last_seen = CURRENT_TIMESTAMP
		WHERE peer_id = ?
	`, peerID)
	if err != nil {
		return werr.Wrap(err, werr.KindStorageIO, "mark peer offline")
	}
	return nil
}

// RenameDevice updates a device's display name.
func (d *DB) RenameDevice(peerID, displayName string) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`UPDATE devices SET display_name = ? WHERE peer_id = ?`, displayName, peerID)
	if err != nil {
		return Device{}, werr.Wrap(err, werr.KindStorageIO, "rename device")
	}
	if rowsUpdated(res) == 0 {
		return Device{}, werr.New(werr.KindUnknownPeer, "no device row for peer %s", peerID)
	}
	return d.getDevice(peerID)
}

// SetDeviceEnabled flips the user's per-device connect switch. Disabled
// devices stay visible but the session layer will not dial them and will
// refuse their handshakes.
func (d *DB) SetDeviceEnabled(peerID string, enabled bool) (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec(`UPDATE devices SET enabled_by_user = ? WHERE peer_id = ?`,
		boolToInt(enabled), peerID)
	if err != nil {
		return Device{}, werr.Wrap(err, werr.KindStorageIO, "set device enabled")
	}
	if rowsUpdated(res) == 0 {
		return Device{}, werr.New(werr.KindUnknownPeer, "no device row for peer %s", peerID)
	}
	return d.getDevice(peerID)
}

// TouchPeer refreshes last_seen without changing anything else.
func (d *DB) TouchPeer(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.db.Exec(`UPDATE devices SET last_seen = CURRENT_TIMESTAMP WHERE peer_id = ?`, peerID)
}

// GetDevice fetches one device row.
func (d *DB) GetDevice(peerID string) (Device, bool, error) {
	dev, err := d.getDevice(peerID)
	if werr.Is(err, werr.KindUnknownPeer) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, err
	}
	return dev, true, nil
}

func (d *DB) getDevice(peerID string) (Device, error) {
	row := d.db.QueryRow(`SELECT `+deviceCols+` FROM devices WHERE peer_id = ?`, peerID)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, werr.New(werr.KindUnknownPeer, "no device row for peer %s", peerID)
	}
	if err != nil {
		return Device{}, werr.Wrap(err, werr.KindStorageIO, "get device %s", peerID)
	}
	return dev, nil
}

// ListDevices returns every device row, online first, then by display name.
func (d *DB) ListDevices() ([]Device, error) {
	rows, err := d.db.Query(`
		SELECT ` + deviceCols + ` FROM devices
		ORDER BY is_online DESC, display_name COLLATE NOCASE ASC, peer_id ASC
	`)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "list devices")
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, werr.Wrap(err, werr.KindStorageIO, "scan device")
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

// ListPeers returns devices that are not local UI clients.
func (d *DB) ListPeers() ([]Device, error) {
	all, err := d.ListDevices()
	if err != nil {
		return nil, err
	}
	var peers []Device
	for _, dev := range all {
		if !dev.IsLocalClient {
			peers = append(peers, dev)
		}
	}
	return peers, nil
}
