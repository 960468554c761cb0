// Package store is the embedded relational store behind the engine: devices
// (every peer and UI client ever seen), files (transfer history), the tag
// vocabulary, and connection rows. Backed by a single SQLite database file.
//
// Mutations serialize behind one mutex; reads go straight to the database
// (WAL mode keeps them concurrent with the writer).
package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/weftworks/weft/internal/werr"
)

var log = logging.Logger("store")

const timeLayout = "2006-01-02 15:04:05"

// DB wraps the engine's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // serializes mutations; reads go direct
}

// Open opens or creates the database under <dataDir>/data, runs additive
// migrations, and resets every device to offline (clean slate after a
// restart — sessions never survive the process).
func Open(dataDir string) (*DB, error) {
	dir := filepath.Join(dataDir, "data")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "create data dir")
	}
	dbPath := filepath.Join(dir, "weft.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "open database")
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, werr.Wrap(err, werr.KindStorageIO, "configure database")
	}

	d := &DB{db: db, path: dbPath}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	// No session outlives the process.
	if _, err := db.Exec(`UPDATE devices SET is_online = 0, session_token = NULL`); err != nil {
		db.Close()
		return nil, werr.Wrap(err, werr.KindStorageIO, "reset online flags")
	}

	log.Debugw("database ready", "path", dbPath)
	return d, nil
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			peer_id         TEXT PRIMARY KEY,
			display_name    TEXT NOT NULL DEFAULT '',
			last_host       TEXT NOT NULL DEFAULT '',
			last_port       INTEGER NOT NULL DEFAULT 0,
			last_seen       DATETIME DEFAULT CURRENT_TIMESTAMP,
			is_online       INTEGER NOT NULL DEFAULT 0,
			session_token   TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			storage_name   TEXT NOT NULL UNIQUE,
			display_name   TEXT NOT NULL,
			mime           TEXT NOT NULL DEFAULT '',
			byte_size      INTEGER NOT NULL DEFAULT 0,
			inline_content TEXT,
			origin_peer_id      TEXT,
			destination_peer_id TEXT,
			connection_ref      TEXT,
			is_clipboard   INTEGER NOT NULL DEFAULT 0,
			created_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			origin_name      TEXT NOT NULL DEFAULT '',
			destination_name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS connections (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			device_a   TEXT NOT NULL,
			device_b   TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			closed_at  DATETIME
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return werr.Wrap(err, werr.KindStorageIO, "create schema")
		}
	}

	// Additive migrations for databases created by earlier versions. The
	// statements fail with "duplicate column name" once applied; that is
	// the expected steady state.
	d.db.Exec(`ALTER TABLE devices ADD COLUMN enabled_by_user INTEGER NOT NULL DEFAULT 1`)
	d.db.Exec(`ALTER TABLE devices ADD COLUMN is_local_client INTEGER NOT NULL DEFAULT 0`)
	d.db.Exec(`ALTER TABLE files ADD COLUMN tags TEXT NOT NULL DEFAULT '[]'`)
	d.db.Exec(`ALTER TABLE files ADD COLUMN metadata TEXT NOT NULL DEFAULT '{}'`)

	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	// Some drivers hand back RFC 3339.
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rowsUpdated(res sql.Result) int64 {
	n, _ := res.RowsAffected()
	return n
}
