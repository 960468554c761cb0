// Package discovery announces this node on the link-local network and
// watches for other nodes doing the same.
//
// Two implementations exist: MDNS speaks multicast DNS in-process, Helper
// shells out to platform tools (avahi-publish-service / avahi-browse) and
// babysits them. Both publish one record of type _weft._tcp with TXT keys
// id=<node_id> and deviceName=<display name>, and both emit the same event
// stream.
package discovery

import (
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("discovery")

const (
	ServiceType = "_weft._tcp"
	Domain      = "local."

	instancePrefix = "weft-"

	txtID   = "id"
	txtName = "deviceName"
)

// Peer is one announcement seen on the network.
type Peer struct {
	ID   string
	Name string
	Host string
	Port int
}

// Callbacks receive discovery events. They are invoked from the discovery
// goroutine and must not block.
type Callbacks struct {
	PeerAppeared    func(Peer)
	PeerDisappeared func(id string)
}

// Discovery publishes this node's record and browses for peers.
type Discovery interface {
	// Start begins publishing and browsing. Idempotent while running.
	// A nil error does not guarantee multicast works; a dead adapter
	// degrades to log noise, never to a crash.
	Start(cb Callbacks) error
	// Restart clears the discovered-peer cache and restarts both
	// activities.
	Restart() error
	// UpdateName re-publishes the record with a new display name.
	UpdateName(name string)
	// Stop halts both activities and clears caches.
	Stop()
}

// Instance derives the mDNS instance name for a node id.
func Instance(nodeID string) string {
	return instancePrefix + nodeID
}

// parseTXT splits mDNS TXT fields of form key=value.
func parseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// peerIDFromEntry extracts the stable node id of an announcement, falling
// back to the instance-name suffix for records whose TXT got lost.
func peerIDFromEntry(instance string, txt map[string]string) string {
	if id := txt[txtID]; id != "" {
		return id
	}
	if rest, ok := strings.CutPrefix(instance, instancePrefix); ok {
		return rest
	}
	return ""
}
