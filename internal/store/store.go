// Package store owns one torrent's on-disk data: sparse file
// allocation, block writes, piece verification, and blocking
// range reads over not-yet-downloaded content.
package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/driftwd/driftwood/internal/errors"
	"github.com/driftwd/driftwood/pkg/bits"
	"github.com/driftwd/driftwood/pkg/btorrent"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// BlockSize is the sub-piece write granularity.
const BlockSize = btorrent.BlockSize

// defaultHashWorkers bounds concurrent piece hashing so disk
// and CPU work cannot starve the network tasks.
const defaultHashWorkers = 4

// Store is the piece store for a single torrent. All
// mutations are linearized through one mutex; reads of
// verified pieces go straight to the files without holding
// it.
type Store struct {
	torrent *btorrent.Torrent
	dir     string

	sem *semaphore.Weighted

	mu       sync.Mutex
	cond     *sync.Cond
	files    []*os.File
	meta     []btorrent.File
	verified bits.BitField
	blocks   []bits.BitField // per-piece block maps; nil once verified
	nBlocks  []int
	started  int64 // bytes of verified pieces
	closed   bool
}

// New allocates on-disk space for every file of the torrent
// under dir, laid out exactly as declared in the metadata
// (nested paths included). Files are created sparse via
// truncation.
func New(t *btorrent.Torrent, dir string) (*Store, error) {
	var op errors.Op = "store.New"

	if !t.HasInfo() {
		return nil, errors.New("torrent has no metadata", op, errors.InvalidInput)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	s := &Store{
		torrent:  t,
		dir:      dir,
		sem:      semaphore.NewWeighted(defaultHashWorkers),
		meta:     t.Files(),
		verified: bits.New(t.NumPieces()),
		blocks:   make([]bits.BitField, t.NumPieces()),
		nBlocks:  make([]int, t.NumPieces()),
	}
	s.cond = sync.NewCond(&s.mu)

	for i := range s.blocks {
		n := (t.PieceSize(i) + BlockSize - 1) / BlockSize
		s.blocks[i] = bits.New(n)
		s.nBlocks[i] = n
	}

	for _, f := range s.meta {
		path := filepath.Join(dir, filepath.FromSlash(f.Path))

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			s.Close()
			return nil, errors.Wrap(err, op, errors.IO)
		}

		file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			s.Close()
			return nil, errors.Wrap(err, op, errors.IO)
		}

		if err := file.Truncate(f.Length); err != nil {
			file.Close()
			s.Close()
			return nil, errors.Wrap(err, op, errors.IO)
		}

		s.files = append(s.files, file)
	}

	return s, nil
}

// Dir returns the resolved download directory.
func (s *Store) Dir() string {
	return s.dir
}

// WriteBlock writes one received block into the file(s) it
// spans and reports whether the piece now has every block.
// Duplicate blocks (urgent-mode races) are dropped without a
// write, so a piece being hashed can no longer change.
func (s *Store) WriteBlock(index, offset int, data []byte) (bool, error) {
	var op errors.Op = "store.WriteBlock"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errors.New("store is closed", op, errors.Cancelled)
	}

	if index < 0 || index >= s.torrent.NumPieces() {
		return false, errors.Wrap(errors.Newf("piece index %d out of range", index), op, errors.Protocol)
	}

	size := s.torrent.PieceSize(index)
	if offset < 0 || offset%BlockSize != 0 || offset+len(data) > size {
		return false, errors.Wrap(
			errors.Newf("bad block bounds: piece=%d offset=%d len=%d", index, offset, len(data)),
			op, errors.Protocol,
		)
	}

	if s.verified.Get(index) {
		return false, nil
	}

	block := offset / BlockSize
	if s.blocks[index].Get(block) {
		return false, nil
	}

	global := s.torrent.PieceOffset(index) + int64(offset)
	if err := s.writeAt(data, global); err != nil {
		return false, errors.Wrap(err, op, errors.IO)
	}

	s.blocks[index].Set(block)

	return s.blocks[index].Count() == s.nBlocks[index], nil
}

// VerifyPiece hashes the assembled piece and transitions it
// to verified, or resets its block map so every block is
// eligible for re-request. Hashing runs under a bounded
// worker budget.
func (s *Store) VerifyPiece(index int) (bool, error) {
	var op errors.Op = "store.VerifyPiece"

	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		return false, errors.Wrap(err, op)
	}
	defer s.sem.Release(1)

	buf, err := s.ReadPiece(index)
	if err != nil {
		return false, errors.Wrap(err, op)
	}

	ok := s.torrent.VerifyPiece(index, buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errors.New("store is closed", op, errors.Cancelled)
	}

	if !ok {
		s.blocks[index].Reset()

		return false, errors.Wrap(
			errors.Newf("piece %d failed verification", index),
			op, errors.Verification,
		)
	}

	if !s.verified.Get(index) {
		s.verified.Set(index)
		s.blocks[index] = nil
		s.started += int64(s.torrent.PieceSize(index))
		s.cond.Broadcast()
	}

	return true, nil
}

// ReadRange returns exactly length bytes of file fileIdx
// starting at start, blocking until every overlapping piece
// is verified. It never returns partially downloaded bytes.
// Blocked callers are released with Cancelled when ctx ends
// or the store closes.
func (s *Store) ReadRange(ctx context.Context, fileIdx int, start int64, length int) ([]byte, error) {
	var op errors.Op = "store.ReadRange"

	if fileIdx < 0 || fileIdx >= len(s.meta) {
		return nil, errors.Wrap(errors.Newf("no file at index %d", fileIdx), op, errors.NotFound)
	}

	f := s.meta[fileIdx]
	if start < 0 || length < 0 || start+int64(length) > f.Length {
		return nil, errors.Wrap(
			errors.Newf("range [%d, %d) outside file of length %d", start, start+int64(length), f.Length),
			op, errors.InvalidInput,
		)
	}

	if length == 0 {
		return []byte{}, nil
	}

	pieces := s.Overlapping(fileIdx, start, length)

	if err := s.awaitVerified(ctx, pieces); err != nil {
		return nil, errors.Wrap(err, op)
	}

	buf := make([]byte, length)
	if err := s.readAt(buf, f.Offset+start); err != nil {
		return nil, errors.Wrap(err, op, errors.IO)
	}

	return buf, nil
}

// awaitVerified suspends the caller until every listed piece
// is verified. Wait/notify via the store's condition
// variable, not polling.
func (s *Store) awaitVerified(ctx context.Context, pieces []int) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return errors.New("store closed while waiting for pieces", errors.Cancelled)
		}

		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.Cancelled)
		}

		missing := false
		for _, p := range pieces {
			if !s.verified.Get(p) {
				missing = true
				break
			}
		}

		if !missing {
			return nil
		}

		s.cond.Wait()
	}
}

// Overlapping returns the piece indices covering the given
// file range.
func (s *Store) Overlapping(fileIdx int, start int64, length int) []int {
	f := s.meta[fileIdx]

	var (
		pieceLen = s.torrent.PieceLength()
		first    = (f.Offset + start) / pieceLen
		last     = (f.Offset + start + int64(length) - 1) / pieceLen
	)

	var out []int
	for p := first; p <= last; p++ {
		out = append(out, int(p))
	}

	return out
}

// Missing filters pieces down to those not yet verified.
func (s *Store) Missing(pieces []int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []int
	for _, p := range pieces {
		if !s.verified.Get(p) {
			out = append(out, p)
		}
	}

	return out
}

// ReadPiece reads the full current on-disk bytes of a piece.
func (s *Store) ReadPiece(index int) ([]byte, error) {
	if index < 0 || index >= s.torrent.NumPieces() {
		return nil, errors.Wrap(errors.Newf("piece index %d out of range", index), errors.NotFound)
	}

	buf := make([]byte, s.torrent.PieceSize(index))
	if err := s.readAt(buf, s.torrent.PieceOffset(index)); err != nil {
		return nil, errors.Wrap(err, errors.IO)
	}

	return buf, nil
}

// CheckExisting re-hashes all pieces already on disk and
// marks the matching ones verified. Used when resuming a
// torrent whose data directory already exists.
func (s *Store) CheckExisting() int {
	var found int

	for i := 0; i < s.torrent.NumPieces(); i++ {
		buf, err := s.ReadPiece(i)
		if err != nil {
			continue
		}

		if !s.torrent.VerifyPiece(i, buf) {
			continue
		}

		s.mu.Lock()
		if !s.verified.Get(i) {
			s.verified.Set(i)
			s.blocks[i] = nil
			s.started += int64(s.torrent.PieceSize(i))
			found++
		}
		s.mu.Unlock()
	}

	if found > 0 {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()

		log.Debug().
			Str("torrent", s.torrent.HexHash()).
			Int("pieces", found).
			Msg("resumed verified pieces from disk")
	}

	return found
}

// Verified returns a copy of the verified-piece bitmap.
func (s *Store) Verified() bits.BitField {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.verified.Copy()
}

// Downloaded returns the byte total of verified pieces. It
// is monotonically non-decreasing while the store is open.
func (s *Store) Downloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.started
}

// Complete reports whether every piece is verified.
func (s *Store) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.verified.Count() == s.torrent.NumPieces()
}

// FileDownloaded returns how many bytes of the file are
// covered by verified pieces.
func (s *Store) FileDownloaded(fileIdx int) int64 {
	if fileIdx < 0 || fileIdx >= len(s.meta) {
		return 0
	}

	f := s.meta[fileIdx]
	if f.Length == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		pieceLen = s.torrent.PieceLength()
		sum      int64
	)

	for p := f.FirstPiece(pieceLen); p <= f.LastPiece(pieceLen); p++ {
		if !s.verified.Get(p) {
			continue
		}

		lo := s.torrent.PieceOffset(p)
		hi := lo + int64(s.torrent.PieceSize(p))

		if lo < f.Offset {
			lo = f.Offset
		}
		if hi > f.Offset+f.Length {
			hi = f.Offset + f.Length
		}

		if hi > lo {
			sum += hi - lo
		}
	}

	return sum
}

// Close releases every blocked reader with Cancelled and
// closes the underlying files. Data stays on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.cond.Broadcast()

	for _, f := range s.files {
		f.Close()
	}

	return nil
}

// writeAt writes data at an absolute content offset,
// splitting across file boundaries as needed. Callers hold
// the store lock.
func (s *Store) writeAt(data []byte, global int64) error {
	for i, f := range s.meta {
		if len(data) == 0 {
			break
		}

		end := f.Offset + f.Length
		if global >= end || f.Length == 0 {
			continue
		}

		local := global - f.Offset
		n := int64(len(data))
		if local+n > f.Length {
			n = f.Length - local
		}

		if _, err := s.files[i].WriteAt(data[:n], local); err != nil {
			return err
		}

		data = data[n:]
		global += n
	}

	return nil
}

// readAt fills buf from an absolute content offset, reading
// across file boundaries.
func (s *Store) readAt(buf []byte, global int64) error {
	for i, f := range s.meta {
		if len(buf) == 0 {
			break
		}

		end := f.Offset + f.Length
		if global >= end || f.Length == 0 {
			continue
		}

		local := global - f.Offset
		n := int64(len(buf))
		if local+n > f.Length {
			n = f.Length - local
		}

		if _, err := s.files[i].ReadAt(buf[:n], local); err != nil {
			return err
		}

		buf = buf[n:]
		global += n
	}

	return nil
}
