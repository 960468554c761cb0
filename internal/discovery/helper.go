package discovery

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Default platform helpers. Overridable for hosts that carry the tools
// under different names.
const (
	DefaultPublishHelper = "avahi-publish-service"
	DefaultBrowseHelper  = "avahi-browse"
)

// Helper is the external-tool implementation: one long-running publish
// process and one long-running browse process, both respawned with backoff
// when they die. Useful where the in-process responder conflicts with a
// system-wide mDNS daemon.
type Helper struct {
	nodeID string
	port   int

	PublishCmd string
	BrowseCmd  string

	mu      sync.Mutex
	name    string
	cb      Callbacks
	cancel  context.CancelFunc
	running bool
	renamed chan struct{} // closed on rename so the publish loop swaps its process
	seen    map[string]Peer
	byInst  map[string]string // instance name -> peer id, for removal lines

	wg sync.WaitGroup
}

// NewHelper builds the external-tool discovery for a node.
func NewHelper(nodeID, displayName string, port int) *Helper {
	return &Helper{
		nodeID:     nodeID,
		name:       displayName,
		port:       port,
		PublishCmd: DefaultPublishHelper,
		BrowseCmd:  DefaultBrowseHelper,
		renamed:    make(chan struct{}),
		seen:       make(map[string]Peer),
		byInst:     make(map[string]string),
	}
}

func (d *Helper) Start(cb Callbacks) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	d.cb = cb

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running = true
	d.wg.Add(2)
	go d.publishLoop(ctx)
	go d.browseLoop(ctx)

	log.Infow("helper discovery started",
		"publish", d.PublishCmd, "browse", d.BrowseCmd, "port", d.port)
	return nil
}

// publishLoop keeps one publish helper alive. The helper holds the record
// for as long as it runs; killing it withdraws the record.
func (d *Helper) publishLoop(ctx context.Context) {
	defer d.wg.Done()
	b := &backoff.Backoff{Min: 3 * time.Second, Max: 30 * time.Second, Jitter: true}

	for ctx.Err() == nil {
		d.mu.Lock()
		name := d.name
		renamed := d.renamed
		d.mu.Unlock()

		// Own context per process so a rename can replace the process
		// without tearing down the loop.
		procCtx, cancelProc := context.WithCancel(ctx)
		go func() {
			select {
			case <-renamed:
				cancelProc()
			case <-procCtx.Done():
			}
		}()

		args := []string{
			Instance(d.nodeID), ServiceType, strconv.Itoa(d.port),
			txtID + "=" + d.nodeID, txtName + "=" + name,
		}
		started := time.Now()
		cmd := exec.CommandContext(procCtx, d.PublishCmd, args...)
		err := cmd.Run()
		cancelProc()

		if ctx.Err() != nil {
			return
		}
		select {
		case <-renamed:
			// Republish with the new name right away.
			continue
		default:
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		if err != nil {
			log.Warnw("publish helper exited", "err", err)
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return
		}
	}
}

// browseLoop keeps one browse helper alive and feeds its parsable output
// through the event path.
func (d *Helper) browseLoop(ctx context.Context) {
	defer d.wg.Done()
	b := &backoff.Backoff{Min: 3 * time.Second, Max: 30 * time.Second, Jitter: true}

	for ctx.Err() == nil {
		started := time.Now()
		if err := d.runBrowse(ctx); err != nil && ctx.Err() == nil {
			log.Warnw("browse helper exited", "err", err)
		}
		if ctx.Err() != nil {
			return
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

func (d *Helper) runBrowse(ctx context.Context) error {
	// -p parsable output, -r resolve, -k keep the raw service type.
	cmd := exec.CommandContext(ctx, d.BrowseCmd, "-p", "-r", "-k", ServiceType)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if ev, ok := parseBrowseLine(sc.Text()); ok {
			d.dispatch(ev)
		}
	}
	return cmd.Wait()
}

// browseEvent is one parsed line of helper output.
type browseEvent struct {
	removed  bool
	instance string
	host     string
	addr     string
	port     int
	txt      map[string]string
}

// parseBrowseLine understands avahi-browse -p lines:
//
//	+;eth0;IPv4;weft-<id>;_weft._tcp;local
//	=;eth0;IPv4;weft-<id>;_weft._tcp;local;host.local;192.168.1.4;53000;"id=…" "deviceName=…"
//	-;eth0;IPv4;weft-<id>;_weft._tcp;local
//
// '+' lines are unresolved sightings and are skipped; only '=' (resolved)
// and '-' (gone) lines produce events.
func parseBrowseLine(line string) (browseEvent, bool) {
	fields := strings.Split(line, ";")
	if len(fields) < 6 {
		return browseEvent{}, false
	}
	ev := browseEvent{instance: unescapeInstance(fields[3])}
	switch fields[0] {
	case "-":
		ev.removed = true
		return ev, true
	case "=":
		if len(fields) < 10 {
			return browseEvent{}, false
		}
		ev.host = fields[6]
		ev.addr = fields[7]
		port, err := strconv.Atoi(fields[8])
		if err != nil {
			return browseEvent{}, false
		}
		ev.port = port
		ev.txt = parseTXT(splitQuotedTXT(fields[9]))
		return ev, true
	default:
		return browseEvent{}, false
	}
}

// splitQuotedTXT splits `"k=v" "k2=v2"` into its fields.
func splitQuotedTXT(s string) []string {
	var out []string
	for {
		i := strings.IndexByte(s, '"')
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+1:], '"')
		if j < 0 {
			break
		}
		out = append(out, s[i+1:i+1+j])
		s = s[i+j+2:]
	}
	return out
}

// unescapeInstance undoes avahi's \NNN decimal escapes in instance names.
func unescapeInstance(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.Atoi(s[i+1 : i+4]); err == nil && n >= 0 && n < 256 {
				sb.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

func (d *Helper) dispatch(ev browseEvent) {
	if ev.removed {
		d.mu.Lock()
		id := d.byInst[ev.instance]
		if id == "" {
			id = peerIDFromEntry(ev.instance, nil)
		}
		delete(d.byInst, ev.instance)
		_, known := d.seen[id]
		delete(d.seen, id)
		cb := d.cb
		d.mu.Unlock()
		if id != "" && known && cb.PeerDisappeared != nil {
			cb.PeerDisappeared(id)
		}
		return
	}

	id := peerIDFromEntry(ev.instance, ev.txt)
	if id == "" || id == d.nodeID {
		return
	}
	name := ev.txt[txtName]
	if name == "" {
		name = ev.instance
	}
	host := ev.addr
	if host == "" {
		host = ev.host
	}
	p := Peer{ID: id, Name: name, Host: host, Port: ev.port}

	d.mu.Lock()
	d.byInst[ev.instance] = id
	prev, known := d.seen[id]
	d.seen[id] = p
	cb := d.cb
	d.mu.Unlock()

	if known && prev == p {
		return
	}
	if cb.PeerAppeared != nil {
		cb.PeerAppeared(p)
	}
}

func (d *Helper) Restart() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cb := d.cb
	d.stopLocked()
	d.mu.Unlock()
	d.wg.Wait()

	log.Infow("helper discovery restarting")
	return d.Start(cb)
}

func (d *Helper) UpdateName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == d.name {
		return
	}
	d.name = name
	close(d.renamed)
	d.renamed = make(chan struct{})
}

func (d *Helper) Stop() {
	d.mu.Lock()
	d.stopLocked()
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Helper) stopLocked() {
	if !d.running {
		return
	}
	d.running = false
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.seen = make(map[string]Peer)
	d.byInst = make(map[string]string)
}
