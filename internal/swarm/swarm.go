// Package swarm coordinates every managed torrent: magnet
// intake, metadata resolution, peer discovery, block
// scheduling and streaming reads, behind one API consumed by
// the web and CLI layers.
package swarm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/driftwd/driftwood/internal/errors"
	"github.com/driftwd/driftwood/internal/registry"
	"github.com/driftwd/driftwood/pkg/btorrent"
	"github.com/driftwd/driftwood/pkg/btorrent/peer"
	"github.com/nictuku/dht"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxPeers = 30
	defaultPort     = 6881
)

// Config tunes a Coordinator.
type Config struct {
	// BaseDir holds per-torrent download directories and the
	// registry database.
	BaseDir string

	// DBPath overrides the registry location. Defaults to
	// BaseDir/driftwood.db.
	DBPath string

	// PeerID is the identity presented in handshakes. A
	// random one is generated when zero.
	PeerID [20]byte

	// Port is the TCP port announced to trackers and listened
	// on for inbound peers. Zero disables the listener.
	Port uint16

	MaxPeers int

	// EnableDHT turns on trackerless peer discovery.
	EnableDHT bool

	// ForwardPort asks the gateway to map Port via UPnP.
	ForwardPort bool
}

// Coordinator owns the set of running torrents.
type Coordinator struct {
	cfg Config
	reg *registry.Registry
	dht *dht.DHT

	mu       sync.Mutex
	torrents map[string]*handle
	subs     map[chan Status]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
}

func New(cfg Config) (*Coordinator, error) {
	var op errors.Op = "swarm.New"

	if cfg.BaseDir == "" {
		return nil, errors.New("no base directory configured", op, errors.InvalidInput)
	}

	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = defaultMaxPeers
	}

	if cfg.PeerID == ([20]byte{}) {
		cfg.PeerID = generatePeerID()
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.BaseDir, "driftwood.db")
	}

	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	reg, err := registry.Open(cfg.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	return &Coordinator{
		cfg:      cfg,
		reg:      reg,
		torrents: make(map[string]*handle),
		subs:     make(map[chan Status]struct{}),
	}, nil
}

// generatePeerID builds an Azureus-style peer id with a
// random tail.
func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-DW0100-")
	rand.Read(id[8:])

	return id
}

// Start resumes persisted torrents and brings up the inbound
// listener and DHT node. It returns once everything is
// running; Stop tears it down.
func (c *Coordinator) Start(ctx context.Context) error {
	var op errors.Op = "swarm.Start"

	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.cfg.Port != 0 {
		if c.cfg.ForwardPort {
			if err := forwardPort(c.cfg.Port); err != nil {
				log.Warn().Err(err).Msg("upnp port forwarding failed")
			}
		}

		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.Port))
		if err != nil {
			return errors.Wrap(err, op, errors.Network)
		}

		c.listener = ln
		go c.acceptLoop()
	}

	if c.cfg.EnableDHT {
		node, err := dht.New(nil)
		if err != nil {
			return errors.Wrap(err, op, errors.Network)
		}

		if err := node.Start(); err != nil {
			return errors.Wrap(err, op, errors.Network)
		}

		c.dht = node
		go c.dhtFeed(c.ctx)
	}

	records, err := c.reg.All()
	if err != nil {
		return errors.Wrap(err, op)
	}

	for _, rec := range records {
		if err := c.resume(rec); err != nil {
			log.Err(err).Str("torrent", rec.ID).Msg("could not resume torrent")
		}
	}

	log.Info().
		Int("torrents", len(records)).
		Uint16("port", c.cfg.Port).
		Bool("dht", c.cfg.EnableDHT).
		Msg("swarm coordinator started")

	return nil
}

// Close shuts every torrent down and closes the registry.
// Blocked range readers are released with Cancelled.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}

	if c.listener != nil {
		c.listener.Close()
	}

	if c.dht != nil {
		c.dht.Stop()
	}

	c.mu.Lock()
	handles := make([]*handle, 0, len(c.torrents))
	for _, h := range c.torrents {
		handles = append(handles, h)
	}
	subs := make([]chan Status, 0, len(c.subs))
	for ch := range c.subs {
		subs = append(subs, ch)
	}
	c.subs = make(map[chan Status]struct{})
	c.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}

	for _, ch := range subs {
		close(ch)
	}

	c.reg.Close()
}

// Add starts downloading the torrent a magnet link names.
// Adding a magnet that is already managed is a no-op and
// returns the existing status.
func (c *Coordinator) Add(magnet string, fresh bool) (Status, error) {
	var op errors.Op = "swarm.Add"

	t, err := btorrent.ParseMagnet(magnet)
	if err != nil {
		return Status{}, errors.Wrap(err, op, errors.InvalidInput)
	}

	return c.AddTorrent(t, magnet, fresh)
}

// AddTorrent starts a torrent from parsed metadata, e.g. a
// loaded .torrent file. Magnet may be empty when full
// metadata is present.
func (c *Coordinator) AddTorrent(t *btorrent.Torrent, magnet string, fresh bool) (Status, error) {
	var op errors.Op = "swarm.AddTorrent"

	id := t.HexHash()

	c.mu.Lock()
	h, running := c.torrents[id]
	c.mu.Unlock()

	// Adding a live torrent is a no-op; adding a stopped one
	// starts it again.
	if running {
		if st := h.status(); st.State != StateStopped {
			return st, nil
		}
	}

	rec := registry.Record{
		ID:          id,
		Name:        t.Name(),
		Magnet:      magnet,
		DownloadDir: filepath.Join(c.cfg.BaseDir, id),
		CreatedAt:   time.Now(),
	}

	// Keep the original record's magnet and age when restarting
	// a known torrent.
	if old, err := c.reg.Get(id); err == nil {
		if rec.Magnet == "" {
			rec.Magnet = old.Magnet
		}
		rec.CreatedAt = old.CreatedAt
	}

	// A fresh start discards whatever an earlier run left on disk.
	if fresh {
		if err := os.RemoveAll(rec.DownloadDir); err != nil {
			return Status{}, errors.Wrap(err, op, errors.IO)
		}
	}

	// An earlier run may already have resolved and saved the
	// metadata for this magnet.
	if !t.HasInfo() {
		if saved, err := btorrent.Load(filepath.Join(rec.DownloadDir, id+".torrent")); err == nil {
			t = saved
		}
	}

	if err := c.reg.Put(rec); err != nil {
		return Status{}, errors.Wrap(err, op)
	}

	// Persist full metadata so restarts skip resolution.
	if t.HasInfo() {
		if err := os.MkdirAll(rec.DownloadDir, 0755); err != nil {
			return Status{}, errors.Wrap(err, op, errors.IO)
		}

		path := filepath.Join(rec.DownloadDir, id+".torrent")
		if err := btorrent.Save(path, t); err != nil {
			log.Err(err).Str("torrent", id).Msg("could not persist metadata")
		}
	}

	h = c.launch(t, rec.DownloadDir)

	log.Info().Str("torrent", id).Str("name", t.Name()).Msg("torrent added")

	return h.status(), nil
}

// resume restarts a persisted torrent, preferring saved
// metadata over a fresh magnet resolution.
func (c *Coordinator) resume(rec registry.Record) error {
	var op errors.Op = "swarm.resume"

	t, err := btorrent.Load(filepath.Join(rec.DownloadDir, rec.ID+".torrent"))
	if err != nil {
		t, err = btorrent.ParseMagnet(rec.Magnet)
		if err != nil {
			return errors.Wrap(err, op)
		}
	}

	c.launch(t, rec.DownloadDir)

	return nil
}

func (c *Coordinator) launch(t *btorrent.Torrent, downloadDir string) *handle {
	h := newHandle(t, downloadDir, c.cfg, c.notify)

	c.mu.Lock()
	c.torrents[h.id] = h
	c.mu.Unlock()

	h.start(c.ctx)

	return h
}

// Stop tears a single torrent down. Its sessions close, any
// blocked range readers are released with Cancelled, and the
// downloaded data plus the registry record stay put so a later
// Add resumes it.
func (c *Coordinator) Stop(id string) (Status, error) {
	var op errors.Op = "swarm.Stop"

	c.mu.Lock()
	h, ok := c.torrents[id]
	c.mu.Unlock()

	if !ok {
		return Status{}, errors.Wrap(errors.Newf("no torrent %s", id), op, errors.NotFound)
	}

	h.stop()

	log.Info().Str("torrent", id).Msg("torrent stopped")

	return h.status(), nil
}

// Remove stops a torrent and deletes its registry record,
// returning the record it forgot. With deleteData it also
// removes the download directory.
func (c *Coordinator) Remove(id string, deleteData bool) (registry.Record, error) {
	var op errors.Op = "swarm.Remove"

	rec, err := c.reg.Get(id)
	if err != nil {
		return registry.Record{}, errors.Wrap(err, op)
	}

	c.mu.Lock()
	h := c.torrents[id]
	delete(c.torrents, id)
	c.mu.Unlock()

	if h != nil {
		h.stop()
	}

	if err := c.reg.Delete(id); err != nil {
		return registry.Record{}, errors.Wrap(err, op)
	}

	if deleteData {
		if err := os.RemoveAll(rec.DownloadDir); err != nil {
			return registry.Record{}, errors.Wrap(err, op, errors.IO)
		}
	}

	log.Info().Str("torrent", id).Bool("deleteData", deleteData).Msg("torrent removed")

	return rec, nil
}

// Status returns the snapshot for one torrent.
func (c *Coordinator) Status(id string) (Status, error) {
	c.mu.Lock()
	h := c.torrents[id]
	c.mu.Unlock()

	if h == nil {
		return Status{}, errors.Wrap(errors.Newf("no torrent %s", id), errors.NotFound)
	}

	return h.status(), nil
}

// List returns snapshots of every managed torrent, ordered
// by name.
func (c *Coordinator) List() []Status {
	c.mu.Lock()
	handles := make([]*handle, 0, len(c.torrents))
	for _, h := range c.torrents {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	out := make([]Status, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.status())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Subscribe returns a channel of status snapshots, one per
// torrent per tick. Slow consumers miss updates rather than
// stalling the engine. The channel closes when ctx ends or
// the coordinator stops.
func (c *Coordinator) Subscribe(ctx context.Context) <-chan Status {
	ch := make(chan Status, 16)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()

		c.mu.Lock()
		_, live := c.subs[ch]
		delete(c.subs, ch)
		c.mu.Unlock()

		if live {
			close(ch)
		}
	}()

	return ch
}

func (c *Coordinator) notify(st Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ch := range c.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// ReadRange streams length bytes of file fileIdx of torrent
// id starting at start, blocking until the data is verified.
func (c *Coordinator) ReadRange(ctx context.Context, id string, fileIdx int, start int64, length int) ([]byte, error) {
	c.mu.Lock()
	h := c.torrents[id]
	c.mu.Unlock()

	if h == nil {
		return nil, errors.Wrap(errors.Newf("no torrent %s", id), errors.NotFound)
	}

	return h.readRange(ctx, fileIdx, start, length)
}

// AddPeer injects a peer address directly, bypassing
// discovery.
func (c *Coordinator) AddPeer(id, addr string) error {
	c.mu.Lock()
	h := c.torrents[id]
	c.mu.Unlock()

	if h == nil {
		return errors.Wrap(errors.Newf("no torrent %s", id), errors.NotFound)
	}

	h.offerPeer(addr)

	return nil
}

// acceptLoop admits inbound peers, matching their announced
// info hash to a running torrent.
func (c *Coordinator) acceptLoop() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}

		go func(conn net.Conn) {
			sess, err := peer.Accept(conn, c.lookupConfig)
			if err != nil {
				log.Debug().Err(err).Msg("inbound handshake rejected")
				return
			}

			hash := sess.InfoHash()

			c.mu.Lock()
			h := c.torrents[hex.EncodeToString(hash[:])]
			c.mu.Unlock()

			if h == nil {
				sess.Close()
				return
			}

			h.adopt(c.ctx, sess)
		}(conn)
	}
}

func (c *Coordinator) lookupConfig(infoHash [20]byte) (peer.Config, bool) {
	c.mu.Lock()
	h := c.torrents[hex.EncodeToString(infoHash[:])]
	c.mu.Unlock()

	if h == nil || !h.ready() {
		return peer.Config{}, false
	}

	return h.sessionConfig(), true
}

func infoHashHex(hash dht.InfoHash) string {
	return hex.EncodeToString([]byte(hash))
}
