// Package engine assembles a node out of its parts and runs them: identity
// files, the sqlite store, the blob dir, the peer session listener, the
// transfer engine, the relay hub, discovery, and the loopback API. One
// engine per data directory, enforced with a file lock.
package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/weftworks/weft/internal/api"
	"github.com/weftworks/weft/internal/blob"
	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/identity"
	"github.com/weftworks/weft/internal/metrics"
	"github.com/weftworks/weft/internal/relay"
	"github.com/weftworks/weft/internal/session"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/transfer"
	"github.com/weftworks/weft/internal/werr"
)

var log = logging.Logger("engine")

const (
	DefaultHTTPAddr = "127.0.0.1:53001"

	shutdownGrace = 5 * time.Second
)

// Discovery backends.
const (
	DiscoveryZeroconf = "zeroconf"
	DiscoveryHelper   = "helper"
	DiscoveryOff      = "off"
)

// Options configure a node. Zero values defer to the persisted identity
// files; explicit values override and persist.
type Options struct {
	DataDir   string
	HTTPAddr  string
	Name      string
	Port      int
	Mode      string
	HubURL    string
	Discovery string
	Strict    bool
}

// Engine owns every long-lived component of a running node.
type Engine struct {
	opts  Options
	lock  *flock.Flock
	ident *identity.Store
	db    *store.DB
	blobs *blob.Dir
	met   *metrics.Metrics

	sessions  *session.Manager
	transfers *transfer.Engine
	hub       *relay.Hub
	disc      discovery.Discovery
	link      *relay.Link

	mu     sync.Mutex
	httpLn net.Listener
}

// New builds the engine. Fatal conditions (locked data dir, strict mode
// with an unwritable dir, client mode without a hub url) surface here;
// port binding waits for Run.
func New(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, werr.New(werr.KindInvalidArgument, "data dir is required")
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = DefaultHTTPAddr
	}
	if opts.Discovery == "" {
		opts.Discovery = DiscoveryZeroconf
	}

	ident, err := identity.Open(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if opts.Strict && !ident.Writable() {
		return nil, werr.New(werr.KindConfigUnwritable, "data dir %s is not writable", opts.DataDir)
	}

	lock := flock.New(filepath.Join(opts.DataDir, "weft.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, werr.Wrap(err, werr.KindConfigUnwritable, "lock data dir %s", opts.DataDir)
	}
	if !locked {
		return nil, werr.New(werr.KindConfigUnwritable, "data dir %s is in use by another process", opts.DataDir)
	}

	if err := applyOverrides(ident, opts); err != nil {
		lock.Unlock()
		return nil, err
	}

	db, err := store.Open(opts.DataDir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	blobs, err := blob.Open(opts.DataDir)
	if err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}

	met := metrics.New()
	sessions := session.NewManager(ident.NodeID(), ident.DeviceName, db, met)
	transfers := transfer.New(ident.NodeID(), ident.DeviceName, sessions, db, blobs, met)
	sessions.SetHandler(transfers)
	hub := relay.New(ident.NodeID(), ident.DeviceName, db, transfers, sessions, met)

	e := &Engine{
		opts:      opts,
		lock:      lock,
		ident:     ident,
		db:        db,
		blobs:     blobs,
		met:       met,
		sessions:  sessions,
		transfers: transfers,
		hub:       hub,
	}

	if ident.Mode() == identity.ModeClient {
		link, err := relay.NewLink(ident.RemoteURL(), ident.NodeID(), ident.DeviceName)
		if err != nil {
			e.release()
			return nil, err
		}
		e.link = link
	}

	return e, nil
}

// applyOverrides persists command-line values through the identity store
// so they stick for the next run too.
func applyOverrides(ident *identity.Store, opts Options) error {
	if opts.Name != "" {
		if err := ident.SetDeviceName(opts.Name); err != nil {
			return err
		}
	}
	if opts.Port != 0 {
		if err := ident.SetPort(opts.Port); err != nil {
			return err
		}
	}
	if opts.Mode != "" {
		if err := ident.SetMode(opts.Mode); err != nil {
			return err
		}
	}
	if opts.HubURL != "" {
		if err := ident.SetRemoteURL(opts.HubURL); err != nil {
			return err
		}
	}
	return nil
}

// NodeID returns the stable node uuid.
func (e *Engine) NodeID() string { return e.ident.NodeID() }

// Close releases the data dir without running. Run releases on its own.
func (e *Engine) Close() { e.release() }

// HTTPAddr returns the bound API address, nil before Run.
func (e *Engine) HTTPAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.httpLn == nil {
		return nil
	}
	return e.httpLn.Addr()
}

// Run brings every component up and blocks until ctx is cancelled or a
// component fails. Components stop in reverse order on the way out.
func (e *Engine) Run(ctx context.Context) error {
	defer e.release()

	serverMode := e.ident.Mode() == identity.ModeServer

	if serverMode {
		if err := e.sessions.Start(e.ident.Port()); err != nil {
			return err
		}
		defer e.sessions.Stop()
	}

	e.transfers.Start()
	defer e.transfers.Stop()
	e.hub.Start()
	defer e.hub.Stop()

	if serverMode && e.opts.Discovery != DiscoveryOff {
		e.disc = e.newDiscovery()
		if err := e.disc.Start(discovery.Callbacks{
			PeerAppeared:    e.sessions.OnPeerAppeared,
			PeerDisappeared: e.sessions.OnPeerDisappeared,
		}); err != nil {
			// Manual connections still work without it.
			log.Warnw("discovery unavailable", "err", err)
		}
		defer e.disc.Stop()
	}

	if e.link != nil {
		e.link.Start()
		defer e.link.Stop()
	}

	srv := api.New(e.ident, e.db, e.blobs, e.transfers, e.hub, e.link, e.sessions, e.disc, e.met)
	ln, err := net.Listen("tcp", e.opts.HTTPAddr)
	if err != nil {
		return werr.Wrap(err, werr.KindPortInUse, "listen on %s", e.opts.HTTPAddr)
	}
	e.mu.Lock()
	e.httpLn = ln
	e.mu.Unlock()
	httpSrv := &http.Server{Handler: srv.Router()}

	log.Infow("node up",
		"id", e.ident.NodeID(),
		"name", e.ident.DeviceName(),
		"mode", e.ident.Mode(),
		"peer_port", e.sessions.Port(),
		"http", ln.Addr().String(),
		"uploads", e.blobs.Root(),
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	e.ident.Watch(ctx, func(name string) {
		if e.disc != nil {
			e.disc.UpdateName(name)
		}
	})

	err = group.Wait()
	log.Infow("node stopped", "id", e.ident.NodeID())
	return err
}

func (e *Engine) newDiscovery() discovery.Discovery {
	nodeID, name, port := e.ident.NodeID(), e.ident.DeviceName(), e.sessions.Port()
	if e.opts.Discovery == DiscoveryHelper {
		return discovery.NewHelper(nodeID, name, port)
	}
	return discovery.NewMDNS(nodeID, name, port)
}

// release drops the store and the data-dir lock.
func (e *Engine) release() {
	if e.db != nil {
		e.db.Close()
		e.db = nil
	}
	if e.lock != nil {
		e.lock.Unlock()
		e.lock = nil
	}
}
