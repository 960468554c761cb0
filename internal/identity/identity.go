// Package identity persists the node's stable identity and the handful of
// user-editable settings as small UTF-8 files under the data directory.
// Values are last-write-wins; node-id is write-once.
package identity

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/renameio"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/weftworks/weft/internal/werr"
)

var log = logging.Logger("identity")

// File names under the data directory.
const (
	FileNodeID     = "node-id"
	FileDeviceName = "device-name"
	FileServerPort = "server-port"
	FileMode       = "connection-mode"
	FileRemoteURL  = "remote-server-url"
)

// Operating modes.
const (
	ModeServer = "server" // auto-hub: advertise, accept, relay
	ModeClient = "client" // pure-client: attach to a remote hub only
)

const DefaultPort = 53000

// Store reads and writes the identity files. When the directory is not
// writable the store keeps working from in-memory values and Writable
// reports false.
type Store struct {
	dir      string
	writable bool

	mu         sync.RWMutex
	nodeID     string
	deviceName string
	port       int
	mode       string
	remoteURL  string
}

// Open loads (or initializes) the identity files under dir. The node id is
// synthesized and persisted on first run. An unwritable directory degrades
// to in-memory defaults with a warning; callers that need strictness check
// Writable themselves.
func Open(dir string) (*Store, error) {
	s := &Store{
		dir:      dir,
		writable: true,
		port:     DefaultPort,
		mode:     ModeServer,
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warnw("data directory not writable, running with in-memory identity", "dir", dir, "err", err)
		s.writable = false
	}

	s.nodeID = s.readFile(FileNodeID)
	if s.nodeID == "" {
		s.nodeID = uuid.NewString()
		if s.writable {
			if err := s.writeFile(FileNodeID, s.nodeID); err != nil {
				log.Warnw("could not persist node id", "err", err)
				s.writable = false
			} else {
				log.Infow("generated node id", "id", s.nodeID)
			}
		}
	}

	if name := s.readFile(FileDeviceName); name != "" {
		s.deviceName = name
	} else {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "weft-node"
		}
		s.deviceName = host
		if s.writable {
			_ = s.writeFile(FileDeviceName, s.deviceName)
		}
	}

	if raw := s.readFile(FileServerPort); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p >= 1 && p <= 65535 {
			s.port = p
		} else {
			log.Warnw("ignoring invalid server-port file", "value", raw)
		}
	}

	if mode := s.readFile(FileMode); mode == ModeServer || mode == ModeClient {
		s.mode = mode
	}

	s.remoteURL = s.readFile(FileRemoteURL)

	return s, nil
}

// Dir returns the data directory the store operates on.
func (s *Store) Dir() string { return s.dir }

// Writable reports whether settings survive a restart.
func (s *Store) Writable() bool { return s.writable }

// NodeID returns the stable node UUID.
func (s *Store) NodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeID
}

// DeviceName returns the current display name.
func (s *Store) DeviceName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceName
}

// SetDeviceName updates the display name. Empty names are rejected.
func (s *Store) SetDeviceName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return werr.New(werr.KindInvalidArgument, "device name must not be empty")
	}
	s.mu.Lock()
	s.deviceName = name
	s.mu.Unlock()
	return s.persist(FileDeviceName, name)
}

// Port returns the configured TCP listener port.
func (s *Store) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// SetPort updates the listener port. Takes effect on next start.
func (s *Store) SetPort(p int) error {
	if p < 1 || p > 65535 {
		return werr.New(werr.KindInvalidArgument, "port %d out of range 1..65535", p)
	}
	s.mu.Lock()
	s.port = p
	s.mu.Unlock()
	return s.persist(FileServerPort, strconv.Itoa(p))
}

// Mode returns the operating mode, ModeServer or ModeClient.
func (s *Store) Mode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches between auto-hub and pure-client operation.
func (s *Store) SetMode(mode string) error {
	if mode != ModeServer && mode != ModeClient {
		return werr.New(werr.KindInvalidArgument, "mode must be %q or %q", ModeServer, ModeClient)
	}
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
	return s.persist(FileMode, mode)
}

// RemoteURL returns the remote hub URL used in pure-client mode.
func (s *Store) RemoteURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteURL
}

// SetRemoteURL updates the remote hub URL.
func (s *Store) SetRemoteURL(u string) error {
	u = strings.TrimSpace(u)
	s.mu.Lock()
	s.remoteURL = u
	s.mu.Unlock()
	return s.persist(FileRemoteURL, u)
}

// persist writes one key file, tolerating an unwritable store.
func (s *Store) persist(name, value string) error {
	if !s.writable {
		log.Warnw("setting not persisted, store is read-only", "key", name)
		return nil
	}
	if err := s.writeFile(name, value); err != nil {
		return werr.Wrap(err, werr.KindConfigUnwritable, "write %s", name)
	}
	return nil
}

func (s *Store) readFile(name string) string {
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (s *Store) writeFile(name, value string) error {
	return renameio.WriteFile(filepath.Join(s.dir, name), []byte(value+"\n"), 0o600)
}
