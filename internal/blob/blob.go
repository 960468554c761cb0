// Package blob owns the uploads directory: final transfer payloads named by
// storage_name, plus <transfer_id>.tmp files while chunked receives are in
// flight. Storage names are flat — one directory, no nesting — and are never
// reused once committed.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	logging "github.com/ipfs/go-log/v2"

	"github.com/weftworks/weft/internal/werr"
)

var log = logging.Logger("blob")

// Dir is a handle on the uploads directory.
type Dir struct {
	root string
}

// Open creates (if needed) and returns the uploads directory under dataDir.
func Open(dataDir string) (*Dir, error) {
	root := filepath.Join(dataDir, "uploads")
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "create uploads dir")
	}
	return &Dir{root: root}, nil
}

// Root returns the absolute uploads directory path.
func (d *Dir) Root() string { return d.root }

// SafeName flattens a storage name to a single path element. Senders choose
// names; a hostile or confused one must not escape the uploads dir.
func SafeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == "" {
		return "unnamed"
	}
	return name
}

// EnsureUnique returns name if unused, otherwise a timestamp-prefixed
// variant that is. The receiver applies this before persisting any inbound
// transfer so a second sender reusing a storage name cannot clobber a blob.
func (d *Dir) EnsureUnique(name string) string {
	name = SafeName(name)
	if !d.exists(name) {
		return name
	}
	for {
		candidate := fmt.Sprintf("%d-%s", time.Now().UnixMilli(), name)
		if !d.exists(candidate) {
			log.Debugw("storage name collision", "requested", name, "using", candidate)
			return candidate
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *Dir) exists(name string) bool {
	_, err := os.Stat(filepath.Join(d.root, name))
	return err == nil
}

// Path returns the absolute path for a storage name.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, SafeName(name))
}

// WriteBlob writes a complete small payload atomically.
func (d *Dir) WriteBlob(name string, data []byte) error {
	if err := renameio.WriteFile(d.Path(name), data, 0o600); err != nil {
		return werr.Wrap(err, werr.KindStorageIO, "write blob %s", name)
	}
	return nil
}

// WriteBlobFrom streams a payload of unknown size to a blob, via the same
// temp-then-rename path a chunked receive uses. Returns the byte count.
func (d *Dir) WriteBlobFrom(name string, r io.Reader) (int64, error) {
	t, err := renameio.TempFile(d.root, d.Path(name))
	if err != nil {
		return 0, werr.Wrap(err, werr.KindStorageIO, "stage blob %s", name)
	}
	defer t.Cleanup()

	n, err := io.Copy(t, r)
	if err != nil {
		return 0, werr.Wrap(err, werr.KindStorageIO, "stream blob %s", name)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return 0, werr.Wrap(err, werr.KindStorageIO, "commit blob %s", name)
	}
	return n, nil
}

// OpenBlob opens a committed blob for reading.
func (d *Dir) OpenBlob(name string) (*os.File, error) {
	f, err := os.Open(d.Path(name))
	if err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "open blob %s", name)
	}
	return f, nil
}

// Size returns the byte size of a committed blob.
func (d *Dir) Size(name string) (int64, error) {
	fi, err := os.Stat(d.Path(name))
	if err != nil {
		return 0, werr.Wrap(err, werr.KindStorageIO, "stat blob %s", name)
	}
	return fi.Size(), nil
}

// Remove deletes a committed blob. Missing files are not an error — records
// for clipboard items have no blob at all.
func (d *Dir) Remove(name string) error {
	err := os.Remove(d.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return werr.Wrap(err, werr.KindStorageIO, "remove blob %s", name)
	}
	return nil
}

// Assembly is an in-flight chunked receive writing to <transfer_id>.tmp.
type Assembly struct {
	dir      *Dir
	tmpPath  string
	f        *os.File
	written  int64
	finished bool
}

// NewAssembly opens the temp file for a chunked transfer. An existing temp
// for the same transfer id is truncated — a retry replaces its predecessor.
func (d *Dir) NewAssembly(transferID string) (*Assembly, error) {
	tmp := filepath.Join(d.root, SafeName(transferID)+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, werr.Wrap(err, werr.KindStorageIO, "open temp for %s", transferID)
	}
	return &Assembly{dir: d, tmpPath: tmp, f: f}, nil
}

// Append writes the next chunk's bytes.
func (a *Assembly) Append(p []byte) error {
	n, err := a.f.Write(p)
	a.written += int64(n)
	if err != nil {
		return werr.Wrap(err, werr.KindStorageIO, "append chunk")
	}
	return nil
}

// Written returns the byte count appended so far.
func (a *Assembly) Written() int64 { return a.written }

// Commit flushes the temp file and renames it onto its final storage name.
// The rename is atomic within the uploads dir.
func (a *Assembly) Commit(storageName string) error {
	if a.finished {
		return werr.New(werr.KindStorageIO, "assembly already finished")
	}
	a.finished = true
	if err := a.f.Sync(); err != nil {
		a.cleanup()
		return werr.Wrap(err, werr.KindStorageIO, "sync temp")
	}
	if err := a.f.Close(); err != nil {
		a.cleanup()
		return werr.Wrap(err, werr.KindStorageIO, "close temp")
	}
	final := a.dir.Path(storageName)
	if err := os.Rename(a.tmpPath, final); err != nil {
		a.cleanup()
		return werr.Wrap(err, werr.KindStorageIO, "rename temp to %s", storageName)
	}
	return nil
}

// Abort destroys the writer and unlinks the temp file.
func (a *Assembly) Abort() {
	if a.finished {
		return
	}
	a.finished = true
	_ = a.f.Close()
	a.cleanup()
}

func (a *Assembly) cleanup() {
	_ = os.Remove(a.tmpPath)
}
