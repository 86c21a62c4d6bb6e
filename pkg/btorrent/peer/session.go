package peer

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/driftwd/driftwood/pkg/bits"
)

// Session states. A protocol violation at any state moves
// the session directly to Closed; retrying with a different
// peer is the swarm coordinator's job, not the session's.
type State int32

const (
	Connecting State = iota
	Handshaking
	ExchangingBitfield
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case ExchangingBitfield:
		return "exchanging-bitfield"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultWindow      = 5
	defaultIdleTimeout = 30 * time.Second
	defaultDialTimeout = 3 * time.Second
	writeTimeout       = 5 * time.Second
	keepAliveInterval  = 15 * time.Second
)

// Events emitted by a session's Listen loop, consumed by the
// swarm coordinator.
type (
	Event interface{}

	// BitfieldEvent carries the remote's initial piece set.
	BitfieldEvent struct{ Bitfield bits.BitField }

	// HaveEvent announces one newly available remote piece.
	HaveEvent struct{ Index int }

	// ChokedEvent fires when the remote chokes or unchokes us.
	// Any in-flight requests are dropped on choke.
	ChokedEvent struct{ Choked bool }

	// BlockEvent carries one received block of piece data.
	BlockEvent struct {
		Index  int
		Offset int
		Data   []byte
	}

	// RequestEvent is a remote request for a block we have.
	RequestEvent struct {
		Index  int
		Offset int
		Length int
	}

	// ClosedEvent is the final event before the channel
	// closes. Err is nil on a deliberate local close.
	ClosedEvent struct{ Err error }
)

type Config struct {
	InfoHash  [20]byte
	PeerID    [20]byte
	NumPieces int

	// Bitfield is the local verified-piece set at connect
	// time, announced to the remote after the handshake.
	Bitfield bits.BitField

	// Window bounds in-flight block requests to avoid
	// head-of-line stalls on slow peers.
	Window int

	// IdleTimeout closes the session when no data arrives
	// for its duration.
	IdleTimeout time.Duration
	DialTimeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Window == 0 {
		cfg.Window = defaultWindow
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	return cfg
}

type blockKey struct {
	index  int
	offset int
}

// Session is the per-peer connection state machine. One
// goroutine runs Listen; the coordinator calls the request
// and send methods from its own tasks.
type Session struct {
	conn     net.Conn
	cfg      Config
	RemoteID [20]byte

	// Events is closed when the session dies; a ClosedEvent
	// precedes the close.
	Events chan Event

	mu        sync.Mutex
	state     State
	choking   bool // remote is choking us
	choked    bool // we are choking the remote
	bitfield  bits.BitField
	inflight  map[blockKey]time.Time
	lastRecv  time.Time
	closeErr  error
	closeOnce sync.Once
	onClose   []func(*Session)

	// BEP-10/BEP-9 metadata exchange state
	extReady     chan struct{}
	extOnce      sync.Once
	remoteMetaID int
	metadataSize int
	metaCh       chan metaPiece

	down meter
	up   meter
}

func newSession(conn net.Conn, cfg Config) *Session {
	return &Session{
		conn:     conn,
		cfg:      cfg,
		state:    Handshaking,
		choking:  true,
		choked:   true,
		bitfield: bits.New(cfg.NumPieces),
		inflight: make(map[blockKey]time.Time),
		lastRecv: time.Now(),
		Events:   make(chan Event, 32),
		extReady: make(chan struct{}),
		metaCh:   make(chan metaPiece, 8),
	}
}

// Dial opens an outbound session: TCP connect, handshake
// exchange, then bitfield announcement. The caller runs
// Listen afterwards.
func Dial(ctx context.Context, addr string, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()

	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	s := newSession(conn, cfg)

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(handshake(cfg).Bytes()); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(cfg.DialTimeout + writeTimeout))
	hs, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := s.acceptRemote(hs); err != nil {
		conn.Close()
		return nil, err
	}

	if err := s.exchangeBitfield(hs); err != nil {
		return nil, err
	}

	return s, nil
}

// Accept performs the inbound side of the handshake. The
// lookup callback maps the announced info hash to a session
// config; unknown hashes are rejected.
func Accept(conn net.Conn, lookup func(infoHash [20]byte) (Config, bool)) (*Session, error) {
	conn.SetReadDeadline(time.Now().Add(defaultDialTimeout + writeTimeout))
	hs, err := ReadHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	cfg, ok := lookup(hs.InfoHash)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unknown info hash %x", hs.InfoHash)
	}
	cfg = cfg.withDefaults()

	s := newSession(conn, cfg)
	if err := s.acceptRemote(hs); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(handshake(cfg).Bytes()); err != nil {
		conn.Close()
		return nil, err
	}

	if err := s.exchangeBitfield(hs); err != nil {
		return nil, err
	}

	return s, nil
}

func handshake(cfg Config) Handshake {
	return Handshake{
		PStr:     protocolString,
		Reserved: extReserved(),
		InfoHash: cfg.InfoHash,
		PeerID:   cfg.PeerID,
	}
}

func (s *Session) acceptRemote(hs Handshake) error {
	if !bytes.Equal(hs.InfoHash[:], s.cfg.InfoHash[:]) {
		return fmt.Errorf("info hash mismatch: want %x got %x", s.cfg.InfoHash, hs.InfoHash)
	}

	s.RemoteID = hs.PeerID

	return nil
}

func (s *Session) exchangeBitfield(hs Handshake) error {
	s.mu.Lock()
	s.state = ExchangingBitfield
	s.mu.Unlock()

	if s.cfg.Bitfield.Count() > 0 {
		if err := s.send(BitFieldMessage{BitField: s.cfg.Bitfield.Bytes()}); err != nil {
			return err
		}
	}

	if supportsExtended(hs.Reserved) {
		if err := s.send(extHandshakeMessage(0)); err != nil {
			return err
		}
	}

	return s.send(InterestedMessage{})
}

// Listen consumes the connection until it dies, translating
// wire messages to Events. It owns all reads.
func (s *Session) Listen(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)

	go s.keepAlive(done)

	for {
		if ctx.Err() != nil {
			s.close(nil)
			break
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))

		msg, err := ReadMessage(s.conn)
		if err != nil {
			s.close(err)
			break
		}

		s.mu.Lock()
		s.lastRecv = time.Now()
		s.mu.Unlock()

		ev, err := s.handle(msg)
		if err != nil {
			s.close(err)
			break
		}

		if ev == nil {
			continue
		}

		select {
		case s.Events <- ev:
		case <-ctx.Done():
			s.close(nil)
		}

		if s.State() == Closed {
			break
		}
	}

	s.mu.Lock()
	err := s.closeErr
	s.mu.Unlock()

	select {
	case s.Events <- ClosedEvent{Err: err}:
	default:
	}
	close(s.Events)
}

// handle applies one message to the state machine and
// returns the event to surface, if any.
func (s *Session) handle(msg Message) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Anything after the handshake completes the exchange
	// phase; a first message other than 'bitfield' implies
	// an empty remote piece set.
	if s.state == ExchangingBitfield {
		s.state = Active
	}

	switch v := msg.(type) {
	case KeepAliveMessage:
		return nil, nil

	case ChokeMessage:
		s.choking = true
		s.inflight = make(map[blockKey]time.Time)
		return ChokedEvent{Choked: true}, nil

	case UnchokeMessage:
		s.choking = false
		return ChokedEvent{Choked: false}, nil

	case InterestedMessage:
		// Mirror the remote's interest with an unchoke so it
		// can request the pieces we hold.
		s.choked = false
		go s.send(UnchokeMessage{})
		return nil, nil

	case NotInterestedMessage:
		s.choked = true
		return nil, nil

	case HaveMessage:
		// NumPieces is zero while resolving metadata from a
		// magnet link; nothing to validate against yet.
		if s.cfg.NumPieces > 0 && int(v.Index) >= s.cfg.NumPieces {
			return nil, fmt.Errorf("have index %d out of range", v.Index)
		}
		s.bitfield.Set(int(v.Index))
		return HaveEvent{Index: int(v.Index)}, nil

	case BitFieldMessage:
		if s.cfg.NumPieces > 0 && len(v.BitField) != len(bits.New(s.cfg.NumPieces)) {
			return nil, fmt.Errorf("bitfield length want %d got %d",
				len(bits.New(s.cfg.NumPieces)), len(v.BitField))
		}
		s.bitfield = bits.From(v.BitField)
		return BitfieldEvent{Bitfield: s.bitfield.Copy()}, nil

	case PieceMessage:
		delete(s.inflight, blockKey{int(v.Index), int(v.Offset)})
		s.down.Add(len(v.Data))
		return BlockEvent{Index: int(v.Index), Offset: int(v.Offset), Data: v.Data}, nil

	case RequestMessage:
		if s.choked {
			return nil, nil
		}
		if v.Length > BlockSizeLimit {
			return nil, fmt.Errorf("request length %d exceeds limit", v.Length)
		}
		return RequestEvent{Index: int(v.Index), Offset: int(v.Offset), Length: int(v.Length)}, nil

	case CancelMessage:
		// Blocks are served synchronously, nothing to recall.
		return nil, nil

	case ExtendedMessage:
		return nil, s.handleExtended(v)

	default:
		return nil, nil
	}
}

// BlockSizeLimit mirrors the de-facto 16 KiB cap on request
// lengths.
const BlockSizeLimit = 16 * 1024

func (s *Session) keepAlive(done chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.send(KeepAliveMessage{})
		}
	}
}

// Request sends one block request, respecting the in-flight
// window.
func (s *Session) Request(index, offset, length int) error {
	s.mu.Lock()

	if s.state != Active {
		s.mu.Unlock()
		return fmt.Errorf("session %s is %s, not active", s.conn.RemoteAddr(), s.state)
	}

	if s.choking {
		s.mu.Unlock()
		return fmt.Errorf("remote %s is choking us", s.conn.RemoteAddr())
	}

	if len(s.inflight) >= s.cfg.Window {
		s.mu.Unlock()
		return fmt.Errorf("request window full (%d)", s.cfg.Window)
	}

	s.inflight[blockKey{index, offset}] = time.Now()
	s.mu.Unlock()

	return s.send(RequestMessage{
		Index:  uint32(index),
		Offset: uint32(offset),
		Length: uint32(length),
	})
}

// CancelRequest withdraws an in-flight request, e.g. after
// the scheduler reassigned the block elsewhere.
func (s *Session) CancelRequest(index, offset, length int) {
	s.mu.Lock()
	_, ok := s.inflight[blockKey{index, offset}]
	delete(s.inflight, blockKey{index, offset})
	s.mu.Unlock()

	if ok {
		s.send(CancelMessage{
			Index:  uint32(index),
			Offset: uint32(offset),
			Length: uint32(length),
		})
	}
}

// Capacity returns how many more requests the session can
// take right now. Zero while choked or outside Active.
func (s *Session) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active || s.choking {
		return 0
	}

	return s.cfg.Window - len(s.inflight)
}

func (s *Session) SendHave(index int) error {
	return s.send(HaveMessage{Index: uint32(index)})
}

// SendBlock serves one block to the remote.
func (s *Session) SendBlock(index, offset int, data []byte) error {
	err := s.send(PieceMessage{Index: uint32(index), Offset: uint32(offset), Data: data})
	if err == nil {
		s.up.Add(len(data))
	}

	return err
}

func (s *Session) send(msg Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	if _, err := s.conn.Write(msg.Bytes()); err != nil {
		s.close(err)
		return err
	}

	return nil
}

func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.closeErr = err
		s.mu.Unlock()

		s.conn.Close()

		for _, fn := range s.onClose {
			fn(s)
		}
	})
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	s.close(nil)
	return nil
}

func (s *Session) OnClose(fn func(*Session)) {
	s.onClose = append(s.onClose, fn)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Key identifies the session within a swarm; the remote
// address is unique per connection.
func (s *Session) Key() string {
	return s.conn.RemoteAddr().String()
}

// InfoHash is the torrent this session was handshaken for.
func (s *Session) InfoHash() [20]byte {
	return s.cfg.InfoHash
}

func (s *Session) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bitfield.Get(index)
}

func (s *Session) Bitfield() bits.BitField {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bitfield.Copy()
}

func (s *Session) Choking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.choking
}

func (s *Session) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.inflight)
}

func (s *Session) DownloadRate() int64 { return s.down.Rate() }
func (s *Session) UploadRate() int64   { return s.up.Rate() }
func (s *Session) Downloaded() int64   { return s.down.Total() }
func (s *Session) Uploaded() int64     { return s.up.Total() }
