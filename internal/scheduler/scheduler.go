// Package scheduler decides which blocks to request from
// which peer: rarest-first piece order, one outstanding
// request per block, with an urgent mode for pieces a
// streaming reader is blocked on.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/driftwd/driftwood/pkg/bits"
	"github.com/driftwd/driftwood/pkg/btorrent"
)

// requestTimeout is how long a block may stay in flight
// before it is requeued.
const requestTimeout = 30 * time.Second

// Request identifies one block to ask a peer for.
type Request struct {
	Index  int
	Offset int
	Length int
}

// Cancellation tells the coordinator to send a cancel for a
// block another peer already delivered.
type Cancellation struct {
	PeerID string
	Req    Request
}

type blockState struct {
	received bool
	holders  map[string]time.Time // peer id -> time requested
}

type pieceState struct {
	blocks   []blockState
	missing  int
	verified bool
	urgent   bool
}

// Scheduler tracks per-block request state for one torrent.
// Safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex

	torrent      *btorrent.Torrent
	pieces       []pieceState
	availability []int
}

func New(t *btorrent.Torrent) *Scheduler {
	s := &Scheduler{
		torrent:      t,
		pieces:       make([]pieceState, t.NumPieces()),
		availability: make([]int, t.NumPieces()),
	}

	for i := range s.pieces {
		n := (t.PieceSize(i) + btorrent.BlockSize - 1) / btorrent.BlockSize
		s.pieces[i] = pieceState{
			blocks:  make([]blockState, n),
			missing: n,
		}
	}

	return s
}

// PeerBitfield records a newly connected peer's pieces for
// availability counting.
func (s *Scheduler) PeerBitfield(has bits.BitField) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.availability {
		if has.Get(i) {
			s.availability[i]++
		}
	}
}

// PeerHave records a have announcement.
func (s *Scheduler) PeerHave(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index >= 0 && index < len(s.availability) {
		s.availability[index]++
	}
}

// PeerGone releases all of a peer's in-flight blocks and
// subtracts its pieces from the availability counts.
func (s *Scheduler) PeerGone(peerID string, has bits.BitField) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.availability {
		if has.Get(i) && s.availability[i] > 0 {
			s.availability[i]--
		}
	}

	s.releaseHolder(peerID)
}

// RequeuePeer releases a peer's in-flight blocks without
// touching availability. Used when a peer chokes us but
// stays connected.
func (s *Scheduler) RequeuePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseHolder(peerID)
}

func (s *Scheduler) releaseHolder(peerID string) {
	for i := range s.pieces {
		p := &s.pieces[i]
		if p.verified {
			continue
		}

		for b := range p.blocks {
			delete(p.blocks[b].holders, peerID)
		}
	}
}

// MarkUrgent makes the listed pieces jump the rarest-first
// queue; urgent blocks may be requested from several peers
// at once.
func (s *Scheduler) MarkUrgent(pieces []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, i := range pieces {
		if i >= 0 && i < len(s.pieces) && !s.pieces[i].verified {
			s.pieces[i].urgent = true
		}
	}
}

// Next returns up to n block requests for the given peer,
// urgent pieces first, then the rarest pieces the peer has.
// Blocks already in flight are skipped, except urgent blocks,
// which may be handed to additional peers (never the same
// peer twice).
func (s *Scheduler) Next(peerID string, has bits.BitField, n int) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 {
		return nil
	}

	var candidates []int
	for i := range s.pieces {
		p := &s.pieces[i]
		if p.verified || p.missing == 0 || !has.Get(i) {
			continue
		}

		candidates = append(candidates, i)
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		pa, pb := &s.pieces[candidates[a]], &s.pieces[candidates[b]]
		if pa.urgent != pb.urgent {
			return pa.urgent
		}

		return s.availability[candidates[a]] < s.availability[candidates[b]]
	})

	now := time.Now()

	var out []Request
	for _, i := range candidates {
		p := &s.pieces[i]

		for b := range p.blocks {
			if len(out) >= n {
				return out
			}

			blk := &p.blocks[b]
			if blk.received {
				continue
			}

			if _, mine := blk.holders[peerID]; mine {
				continue
			}

			if len(blk.holders) > 0 && !p.urgent {
				continue
			}

			if blk.holders == nil {
				blk.holders = make(map[string]time.Time)
			}
			blk.holders[peerID] = now

			out = append(out, s.request(i, b))
		}
	}

	return out
}

// Release gives back a single block reservation, e.g. when
// the request could not be written to the peer.
func (s *Scheduler) Release(peerID string, index, offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.pieces) {
		return
	}

	p := &s.pieces[index]
	b := offset / btorrent.BlockSize
	if p.verified || b < 0 || b >= len(p.blocks) {
		return
	}

	delete(p.blocks[b].holders, peerID)
}

// BlockReceived marks a block as delivered and returns
// cancellations for any other peers the same block was
// requested from.
func (s *Scheduler) BlockReceived(peerID string, index, offset int) []Cancellation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.pieces) {
		return nil
	}

	p := &s.pieces[index]
	b := offset / btorrent.BlockSize
	if b < 0 || b >= len(p.blocks) {
		return nil
	}

	blk := &p.blocks[b]
	if blk.received {
		return nil
	}

	blk.received = true
	p.missing--

	var cancels []Cancellation
	for holder := range blk.holders {
		if holder != peerID {
			cancels = append(cancels, Cancellation{PeerID: holder, Req: s.request(index, b)})
		}
	}

	blk.holders = nil

	return cancels
}

// PieceVerified retires a piece from scheduling.
func (s *Scheduler) PieceVerified(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.pieces) {
		return
	}

	p := &s.pieces[index]
	p.verified = true
	p.urgent = false
	p.blocks = nil
	p.missing = 0
}

// PieceFailed puts every block of a corrupt piece back in
// the request queue.
func (s *Scheduler) PieceFailed(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.pieces) {
		return
	}

	p := &s.pieces[index]
	if p.verified {
		return
	}

	for b := range p.blocks {
		p.blocks[b] = blockState{}
	}
	p.missing = len(p.blocks)
}

// Reap requeues blocks whose requests have been in flight
// longer than the timeout and returns how many it released.
func (s *Scheduler) Reap(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for i := range s.pieces {
		p := &s.pieces[i]
		if p.verified {
			continue
		}

		for b := range p.blocks {
			blk := &p.blocks[b]
			if blk.received {
				continue
			}

			for holder, since := range blk.holders {
				if now.Sub(since) > requestTimeout {
					delete(blk.holders, holder)
					n++
				}
			}
		}
	}

	return n
}

// Pending reports whether any piece still needs blocks.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.pieces {
		if !s.pieces[i].verified {
			return true
		}
	}

	return false
}

func (s *Scheduler) request(index, block int) Request {
	size := s.torrent.PieceSize(index)
	offset := block * btorrent.BlockSize

	length := btorrent.BlockSize
	if offset+length > size {
		length = size - offset
	}

	return Request{Index: index, Offset: offset, Length: length}
}
