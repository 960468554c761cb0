package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/libp2p/zeroconf/v2"

	"github.com/weftworks/weft/internal/werr"
)

// MDNS is the in-process implementation, speaking multicast DNS directly.
type MDNS struct {
	nodeID string
	port   int

	mu      sync.Mutex
	name    string
	cb      Callbacks
	server  *zeroconf.Server
	cancel  context.CancelFunc
	running bool
	seen    map[string]Peer // by peer id

	wg sync.WaitGroup
}

// NewMDNS builds the in-process discovery for a node.
func NewMDNS(nodeID, displayName string, port int) *MDNS {
	return &MDNS{
		nodeID: nodeID,
		name:   displayName,
		port:   port,
		seen:   make(map[string]Peer),
	}
}

func (d *MDNS) Start(cb Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.cb = cb

	// A failed publish leaves us invisible but still able to see others,
	// so browse regardless.
	if err := d.publishLocked(); err != nil {
		log.Warnw("publish failed, node will not be visible", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	d.wg.Add(1)
	go d.browseLoop(ctx)

	log.Infow("discovery started", "instance", Instance(d.nodeID), "port", d.port)
	return nil
}

func (d *MDNS) publishLocked() error {
	txt := []string{txtID + "=" + d.nodeID, txtName + "=" + d.name}
	srv, err := zeroconf.Register(Instance(d.nodeID), ServiceType, Domain, d.port, txt, nil)
	if err != nil {
		return werr.Wrap(err, werr.KindDiscoveryUnavailable, "register %s", ServiceType)
	}
	d.server = srv
	return nil
}

// browseLoop runs zeroconf.Browse until the context dies, restarting it
// with backoff when it fails (multicast socket gone, adapter down).
func (d *MDNS) browseLoop(ctx context.Context) {
	defer d.wg.Done()
	b := &backoff.Backoff{Min: 3 * time.Second, Max: 30 * time.Second, Jitter: true}

	for {
		entries := make(chan *zeroconf.ServiceEntry, 32)
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for e := range entries {
				d.handleEntry(e)
			}
		}()

		started := time.Now()
		err := zeroconf.Browse(ctx, ServiceType, Domain, entries)
		<-drained
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warnw("browse failed, retrying", "err", err)
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return
		}
	}
}

func (d *MDNS) handleEntry(e *zeroconf.ServiceEntry) {
	txt := parseTXT(e.Text)
	id := peerIDFromEntry(e.Instance, txt)
	if id == "" || id == d.nodeID {
		return
	}

	if !e.Expiry.After(time.Now()) {
		d.mu.Lock()
		_, known := d.seen[id]
		delete(d.seen, id)
		cb := d.cb
		d.mu.Unlock()
		if known && cb.PeerDisappeared != nil {
			cb.PeerDisappeared(id)
		}
		return
	}

	name := txt[txtName]
	if name == "" {
		name = e.Instance
	}
	p := Peer{ID: id, Name: name, Host: entryHost(e), Port: e.Port}

	d.mu.Lock()
	prev, known := d.seen[id]
	d.seen[id] = p
	cb := d.cb
	d.mu.Unlock()

	// Re-announcements are frequent; only a changed record is news.
	if known && prev == p {
		return
	}
	if cb.PeerAppeared != nil {
		cb.PeerAppeared(p)
	}
}

// entryHost picks an address for the peer: IPv4 first, IPv6 next, and the
// record's FQDN when resolution yielded no address at all.
func entryHost(e *zeroconf.ServiceEntry) string {
	if len(e.AddrIPv4) > 0 {
		return e.AddrIPv4[0].String()
	}
	if len(e.AddrIPv6) > 0 {
		return e.AddrIPv6[0].String()
	}
	return e.HostName
}

func (d *MDNS) Restart() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cb := d.cb
	d.stopLocked()
	d.mu.Unlock()
	d.wg.Wait()

	log.Infow("discovery restarting")
	return d.Start(cb)
}

func (d *MDNS) UpdateName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == d.name {
		return
	}
	d.name = name
	if !d.running {
		return
	}
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
	if err := d.publishLocked(); err != nil {
		log.Warnw("re-publish after rename failed", "err", err)
	}
}

func (d *MDNS) Stop() {
	d.mu.Lock()
	d.stopLocked()
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *MDNS) stopLocked() {
	if !d.running {
		return
	}
	d.running = false
	if d.server != nil {
		d.server.Shutdown()
		d.server = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.seen = make(map[string]Peer)
}
