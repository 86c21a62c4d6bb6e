package swarm

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/driftwd/driftwood/internal/errors"
	"github.com/driftwd/driftwood/internal/scheduler"
	"github.com/driftwd/driftwood/internal/store"
	"github.com/driftwd/driftwood/pkg/btorrent"
	"github.com/driftwd/driftwood/pkg/btorrent/peer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// metadataTimeout bounds how long a magnet may sit in the
	// resolving state before it becomes a terminal error.
	metadataTimeout = 2 * time.Minute

	// maxPieceRetries bounds re-downloads of a piece that
	// keeps failing verification.
	maxPieceRetries = 5

	// statusInterval is how often subscribers get a snapshot.
	statusInterval = time.Second

	// resolveFanout is how many peers we ask for metadata at
	// once.
	resolveFanout = 4
)

// handle is the runtime of one managed torrent: its store,
// scheduler, peer sessions and discovery feeds.
type handle struct {
	id          string
	downloadDir string
	peerID      [20]byte
	port        uint16
	maxPeers    int
	notify      func(Status)
	log         zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// peerCh carries candidate peer addresses from trackers,
	// DHT and tests.
	peerCh chan string

	mu         sync.Mutex
	torrent    *btorrent.Torrent
	state      TorrentState
	errMsg     string
	sessions   map[string]*peer.Session
	dialing    map[string]struct{}
	store      *store.Store
	sched      *scheduler.Scheduler
	pieceFails map[int]int
	uploaded   int64 // bytes uploaded on sessions that have closed
}

func newHandle(t *btorrent.Torrent, downloadDir string, cfg Config, notify func(Status)) *handle {
	return &handle{
		id:          t.HexHash(),
		downloadDir: downloadDir,
		peerID:      cfg.PeerID,
		port:        cfg.Port,
		maxPeers:    cfg.MaxPeers,
		notify:      notify,
		log:         log.With().Str("torrent", t.HexHash()).Logger(),

		done:   make(chan struct{}),
		peerCh: make(chan string, 64),

		torrent:    t,
		state:      StateResolving,
		sessions:   make(map[string]*peer.Session),
		dialing:    make(map[string]struct{}),
		pieceFails: make(map[int]int),
	}
}

func (h *handle) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel

	go h.run(ctx)
}

func (h *handle) stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
}

func (h *handle) run(ctx context.Context) {
	defer close(h.done)
	defer h.teardown()

	h.announceLoops(ctx)

	if !h.torrent.HasInfo() {
		if err := h.resolveMetadata(ctx); err != nil {
			h.fail(err)
			return
		}
	}

	st, err := store.New(h.torrent, h.downloadDir)
	if err != nil {
		h.fail(err)
		return
	}

	sched := scheduler.New(h.torrent)

	st.CheckExisting()
	verified := st.Verified()
	for i := 0; i < h.torrent.NumPieces(); i++ {
		if verified.Get(i) {
			sched.PieceVerified(i)
		}
	}

	h.mu.Lock()
	h.store = st
	h.sched = sched
	if st.Complete() {
		h.state = StateSeeding
	} else {
		h.state = StateDownloading
	}
	h.mu.Unlock()

	go h.fillPeers(ctx)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sched.Reap(time.Now())
			h.pumpAll()
			h.notify(h.status())
		}
	}
}

// teardown closes every session and the store, and reports a
// final status. Blocked range readers are released by the
// store close.
func (h *handle) teardown() {
	h.mu.Lock()
	sessions := make([]*peer.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	st := h.store
	if h.state != StateError {
		h.state = StateStopped
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	if st != nil {
		st.Close()
	}

	h.notify(h.status())
}

func (h *handle) fail(err error) {
	h.mu.Lock()
	h.state = StateError
	h.errMsg = err.Error()
	h.mu.Unlock()

	h.log.Err(err).Strs("trace", errors.Ops(err)).Msg("torrent failed")
	h.notify(h.status())
}

// resolveMetadata turns a magnet-only torrent into a full one
// by fetching the info dictionary from peers (ut_metadata).
func (h *handle) resolveMetadata(ctx context.Context) error {
	var op errors.Op = "swarm.resolveMetadata"

	h.log.Info().Msg("resolving metadata from magnet")

	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	resolved := make(chan *btorrent.Torrent, 1)
	slots := make(chan struct{}, resolveFanout)

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(
				errors.New("could not resolve metadata from any peer"),
				op, errors.Network,
			)

		case t := <-resolved:
			h.mu.Lock()
			h.torrent = t
			h.mu.Unlock()

			// Keep the resolved metadata so restarts skip this
			// phase.
			path := filepath.Join(h.downloadDir, h.id+".torrent")
			if err := btorrent.Save(path, t); err != nil {
				h.log.Err(err).Msg("could not persist resolved metadata")
			}

			h.log.Info().Str("name", t.Name()).Msg("metadata resolved")
			return nil

		case addr := <-h.peerCh:
			select {
			case slots <- struct{}{}:
			default:
				continue
			}

			go func(addr string) {
				defer func() { <-slots }()

				if t, err := h.fetchMetadata(ctx, addr); err == nil {
					select {
					case resolved <- t:
					default:
					}
				}
			}(addr)
		}
	}
}

func (h *handle) fetchMetadata(ctx context.Context, addr string) (*btorrent.Torrent, error) {
	cfg := peer.Config{
		InfoHash: h.torrent.InfoHash(),
		PeerID:   h.peerID,
	}

	sess, err := peer.Dial(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	go sess.Listen(ctx)
	go func() {
		for range sess.Events {
		}
	}()

	data, err := sess.RequestMetadata(ctx)
	if err != nil {
		return nil, err
	}

	t, err := btorrent.FromInfoDict(h.torrent.InfoHash(), data)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// offerPeer feeds a candidate address to the dial loop
// without ever blocking the producer.
func (h *handle) offerPeer(addr string) {
	select {
	case h.peerCh <- addr:
	default:
	}
}

// fillPeers dials discovered addresses until the session cap
// is reached.
func (h *handle) fillPeers(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case addr := <-h.peerCh:
			if !h.shouldDial(addr) {
				continue
			}

			go h.dial(ctx, addr)
		}
	}
}

func (h *handle) shouldDial(addr string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions)+len(h.dialing) >= h.maxPeers {
		return false
	}

	if _, ok := h.sessions[addr]; ok {
		return false
	}

	if _, ok := h.dialing[addr]; ok {
		return false
	}

	h.dialing[addr] = struct{}{}
	return true
}

func (h *handle) dial(ctx context.Context, addr string) {
	defer func() {
		h.mu.Lock()
		delete(h.dialing, addr)
		h.mu.Unlock()
	}()

	sess, err := peer.Dial(ctx, addr, h.sessionConfig())
	if err != nil {
		h.log.Debug().Err(err).Str("addr", addr).Msg("dial failed")
		return
	}

	h.adopt(ctx, sess)
}

// ready reports whether the handle can host peer sessions,
// i.e. metadata is resolved and storage is allocated.
func (h *handle) ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.sched != nil
}

// sessionConfig is the handshake configuration for both
// outbound and inbound sessions.
func (h *handle) sessionConfig() peer.Config {
	h.mu.Lock()
	defer h.mu.Unlock()

	cfg := peer.Config{
		InfoHash:  h.torrent.InfoHash(),
		PeerID:    h.peerID,
		NumPieces: h.torrent.NumPieces(),
	}

	if h.store != nil {
		cfg.Bitfield = h.store.Verified()
	}

	return cfg
}

// adopt registers a connected session and starts serving its
// events.
func (h *handle) adopt(ctx context.Context, sess *peer.Session) {
	h.mu.Lock()
	if h.sched == nil || len(h.sessions) >= h.maxPeers || h.sessions[sess.Key()] != nil {
		h.mu.Unlock()
		sess.Close()
		return
	}
	h.sessions[sess.Key()] = sess
	h.mu.Unlock()

	h.log.Debug().Str("peer", sess.Key()).Msg("session established")

	go sess.Listen(ctx)
	go h.serve(sess)
}

// serve consumes one session's events until it closes.
func (h *handle) serve(sess *peer.Session) {
	key := sess.Key()

	for ev := range sess.Events {
		switch v := ev.(type) {
		case peer.BitfieldEvent:
			h.sched.PeerBitfield(v.Bitfield)
			h.pump(sess)

		case peer.HaveEvent:
			h.sched.PeerHave(v.Index)
			h.pump(sess)

		case peer.ChokedEvent:
			if v.Choked {
				h.sched.RequeuePeer(key)
			} else {
				h.pump(sess)
			}

		case peer.BlockEvent:
			h.onBlock(sess, v)

		case peer.RequestEvent:
			h.onRequest(sess, v)

		case peer.ClosedEvent:
			h.drop(sess, v.Err)
		}
	}
}

func (h *handle) drop(sess *peer.Session, err error) {
	key := sess.Key()

	h.mu.Lock()
	delete(h.sessions, key)
	h.uploaded += sess.Uploaded()
	h.mu.Unlock()

	h.sched.PeerGone(key, sess.Bitfield())

	if err != nil {
		h.log.Debug().Err(err).Str("peer", key).Msg("session closed")
	}
}

func (h *handle) onBlock(sess *peer.Session, ev peer.BlockEvent) {
	complete, err := h.store.WriteBlock(ev.Index, ev.Offset, ev.Data)
	if err != nil {
		if errors.Is(errors.Protocol, err) {
			sess.Close()
			return
		}

		h.log.Err(err).Msg("block write failed")
		return
	}

	for _, c := range h.sched.BlockReceived(sess.Key(), ev.Index, ev.Offset) {
		h.mu.Lock()
		other := h.sessions[c.PeerID]
		h.mu.Unlock()

		if other != nil {
			other.CancelRequest(c.Req.Index, c.Req.Offset, c.Req.Length)
		}
	}

	if complete {
		go h.verify(ev.Index)
	}

	h.pump(sess)
}

// verify hashes a completed piece and either publishes it to
// the swarm or requeues its blocks.
func (h *handle) verify(index int) {
	ok, err := h.store.VerifyPiece(index)
	if ok {
		h.sched.PieceVerified(index)

		h.mu.Lock()
		sessions := make([]*peer.Session, 0, len(h.sessions))
		for _, s := range h.sessions {
			sessions = append(sessions, s)
		}
		complete := h.store.Complete()
		if complete && h.state == StateDownloading {
			h.state = StateSeeding
		}
		h.mu.Unlock()

		for _, s := range sessions {
			s.SendHave(index)
		}

		if complete {
			h.log.Info().Msg("download complete")
			h.notify(h.status())
		}

		return
	}

	if errors.Is(errors.Cancelled, err) {
		return
	}

	h.sched.PieceFailed(index)

	h.mu.Lock()
	h.pieceFails[index]++
	fails := h.pieceFails[index]
	h.mu.Unlock()

	h.log.Warn().Int("piece", index).Int("attempts", fails).Msg("piece failed verification")

	if fails > maxPieceRetries {
		h.fail(errors.Wrap(
			errors.Newf("piece %d failed verification %d times", index, fails),
			errors.Verification,
		))
		h.cancel()
	}
}

// onRequest serves a block of a verified piece to the remote.
func (h *handle) onRequest(sess *peer.Session, ev peer.RequestEvent) {
	if !h.store.Verified().Get(ev.Index) {
		return
	}

	data, err := h.store.ReadPiece(ev.Index)
	if err != nil || ev.Offset+ev.Length > len(data) {
		return
	}

	sess.SendBlock(ev.Index, ev.Offset, data[ev.Offset:ev.Offset+ev.Length])
}

// pump tops up one session's request window.
func (h *handle) pump(sess *peer.Session) {
	n := sess.Capacity()
	if n <= 0 {
		return
	}

	reqs := h.sched.Next(sess.Key(), sess.Bitfield(), n)
	for i, r := range reqs {
		if err := sess.Request(r.Index, r.Offset, r.Length); err != nil {
			for _, rest := range reqs[i:] {
				h.sched.Release(sess.Key(), rest.Index, rest.Offset)
			}
			return
		}
	}
}

func (h *handle) pumpAll() {
	h.mu.Lock()
	sessions := make([]*peer.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.pump(s)
	}
}

// readRange streams bytes of a file, promoting the covering
// pieces to urgent so they jump the queue.
func (h *handle) readRange(ctx context.Context, fileIdx int, start int64, length int) ([]byte, error) {
	h.mu.Lock()
	st, sched := h.store, h.sched
	h.mu.Unlock()

	if st == nil {
		return nil, errors.New("torrent has no data yet", errors.NotFound)
	}

	if fileIdx < 0 || fileIdx >= len(h.torrent.Files()) {
		return nil, errors.Wrap(errors.Newf("no file at index %d", fileIdx), errors.NotFound)
	}

	pieces := st.Overlapping(fileIdx, start, length)
	if missing := st.Missing(pieces); len(missing) > 0 {
		sched.MarkUrgent(missing)
		h.pumpAll()
	}

	return st.ReadRange(ctx, fileIdx, start, length)
}

// status builds a point-in-time snapshot.
func (h *handle) status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Status{
		ID:       h.id,
		Name:     h.torrent.Name(),
		State:    h.state,
		Error:    h.errMsg,
		InfoHash: h.id,
		Peers:    len(h.sessions),
		Uploaded: h.uploaded,
		ETA:      -1,
	}

	for _, sess := range h.sessions {
		s.DownloadRate += sess.DownloadRate()
		s.Uploaded += sess.Uploaded()
	}

	if !h.torrent.HasInfo() {
		return s
	}

	s.Length = h.torrent.Length()

	if h.store == nil {
		return s
	}

	s.Downloaded = h.store.Downloaded()
	if s.Length > 0 {
		s.Progress = float64(s.Downloaded) / float64(s.Length)
	}

	if left := s.Length - s.Downloaded; left > 0 && s.DownloadRate > 0 {
		s.ETA = left / s.DownloadRate
	} else if left == 0 {
		s.ETA = 0
	}

	for i, f := range h.torrent.Files() {
		s.Files = append(s.Files, FileStatus{
			Index:      i,
			Path:       f.Path,
			Length:     f.Length,
			Downloaded: h.store.FileDownloaded(i),
		})
	}

	return s
}
