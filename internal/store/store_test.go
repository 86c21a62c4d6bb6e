package store_test

import (
	"context"
	"crypto/sha1"
	"math/rand"
	"testing"
	"time"

	"github.com/driftwd/driftwood/internal/errors"
	"github.com/driftwd/driftwood/internal/store"
	"github.com/driftwd/driftwood/pkg/btorrent"
	"github.com/namvu9/bencode"
)

// makeTorrent builds a torrent with real piece hashes over
// deterministic content, and returns the content alongside.
func makeTorrent(t *testing.T, pieceLength int64, fileLengths ...int64) (*btorrent.Torrent, []byte) {
	t.Helper()

	var total int64
	for _, l := range fileLengths {
		total += l
	}

	content := make([]byte, total)
	rand.New(rand.NewSource(42)).Read(content)

	var pieces []byte
	for off := int64(0); off < total; off += pieceLength {
		end := off + pieceLength
		if end > total {
			end = total
		}
		sum := sha1.Sum(content[off:end])
		pieces = append(pieces, sum[:]...)
	}

	var info bencode.Dictionary
	info.SetStringKey("name", bencode.Bytes("testdata"))
	info.SetStringKey("piece length", bencode.Integer(pieceLength))
	info.SetStringKey("pieces", bencode.Bytes(pieces))

	if len(fileLengths) == 1 {
		info.SetStringKey("length", bencode.Integer(fileLengths[0]))
	} else {
		var files bencode.List
		for i, l := range fileLengths {
			var fd bencode.Dictionary
			fd.SetStringKey("length", bencode.Integer(l))
			fd.SetStringKey("path", bencode.List{bencode.Bytes("dir"), bencode.Bytes(string(rune('a' + i)))})
			files = append(files, &fd)
		}
		info.SetStringKey("files", files)
	}

	var dict bencode.Dictionary
	dict.SetStringKey("info", &info)

	return btorrent.FromDict(&dict), content
}

// writePiece feeds one piece into the store block by block
// and verifies it.
func writePiece(t *testing.T, s *store.Store, tor *btorrent.Torrent, content []byte, index int) {
	t.Helper()

	off := tor.PieceOffset(index)
	size := tor.PieceSize(index)

	var complete bool
	for b := 0; b < size; b += store.BlockSize {
		end := b + store.BlockSize
		if end > size {
			end = size
		}

		var err error
		complete, err = s.WriteBlock(index, b, content[off+int64(b):off+int64(end)])
		if err != nil {
			t.Fatalf("WriteBlock(%d, %d): %v", index, b, err)
		}
	}

	if !complete {
		t.Fatalf("piece %d not complete after all blocks", index)
	}

	if ok, err := s.VerifyPiece(index); !ok || err != nil {
		t.Fatalf("VerifyPiece(%d): ok=%v err=%v", index, ok, err)
	}
}

func TestWriteVerifyRead(t *testing.T) {
	tor, content := makeTorrent(t, 4*store.BlockSize, 3*4*int64(store.BlockSize)+100)

	s, err := store.New(tor, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for i := 0; i < tor.NumPieces(); i++ {
		writePiece(t, s, tor, content, i)
	}

	if !s.Complete() {
		t.Errorf("want complete store")
	}

	if got := s.Downloaded(); got != tor.Length() {
		t.Errorf("Downloaded want %d got %d", tor.Length(), got)
	}

	got, err := s.ReadRange(context.Background(), 0, 100, 5000)
	if err != nil {
		t.Fatal(err)
	}

	want := content[100:5100]
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadRange byte %d: want %#x got %#x", i, want[i], got[i])
		}
	}
}

func TestCorruptPieceResetsBlocks(t *testing.T) {
	tor, content := makeTorrent(t, 2*store.BlockSize, 4*int64(store.BlockSize))

	s, err := store.New(tor, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	bad := make([]byte, store.BlockSize)
	s.WriteBlock(0, 0, bad)
	if complete, _ := s.WriteBlock(0, store.BlockSize, bad); !complete {
		t.Fatal("piece 0 should be block-complete")
	}

	ok, err := s.VerifyPiece(0)
	if ok {
		t.Fatal("corrupt piece must not verify")
	}
	if !errors.Is(errors.Verification, err) {
		t.Errorf("want Verification error, got %v", err)
	}

	if s.Verified().Get(0) {
		t.Errorf("corrupt piece must not be marked verified")
	}

	// After the reset every block is writable again.
	writePiece(t, s, tor, content, 0)

	if !s.Verified().Get(0) {
		t.Errorf("re-downloaded piece should verify")
	}
}

func TestDuplicateBlocksAreDropped(t *testing.T) {
	tor, content := makeTorrent(t, 2*store.BlockSize, 2*int64(store.BlockSize))

	s, err := store.New(tor, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	off := tor.PieceOffset(0)
	if _, err := s.WriteBlock(0, 0, content[off:off+store.BlockSize]); err != nil {
		t.Fatal(err)
	}

	// A later duplicate carries garbage; it must not clobber
	// the stored bytes.
	garbage := make([]byte, store.BlockSize)
	if complete, err := s.WriteBlock(0, 0, garbage); complete || err != nil {
		t.Fatalf("duplicate write: complete=%v err=%v", complete, err)
	}

	if _, err := s.WriteBlock(0, store.BlockSize, content[off+store.BlockSize:off+2*store.BlockSize]); err != nil {
		t.Fatal(err)
	}

	if ok, err := s.VerifyPiece(0); !ok || err != nil {
		t.Fatalf("VerifyPiece after duplicate: ok=%v err=%v", ok, err)
	}
}

func TestReadRangeBlocksUntilVerified(t *testing.T) {
	tor, content := makeTorrent(t, 2*store.BlockSize, 4*int64(store.BlockSize))

	s, err := store.New(tor, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)

	go func() {
		data, err := s.ReadRange(context.Background(), 0, 0, 3*store.BlockSize)
		done <- result{data, err}
	}()

	select {
	case <-done:
		t.Fatal("ReadRange returned before pieces were verified")
	case <-time.After(50 * time.Millisecond):
	}

	writePiece(t, s, tor, content, 0)

	select {
	case <-done:
		t.Fatal("ReadRange returned with the second piece missing")
	case <-time.After(50 * time.Millisecond):
	}

	writePiece(t, s, tor, content, 1)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatal(res.err)
		}
		for i, want := range content[:3*store.BlockSize] {
			if res.data[i] != want {
				t.Fatalf("byte %d: want %#x got %#x", i, want, res.data[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadRange did not return after both pieces verified")
	}
}

func TestReadRangeCancellation(t *testing.T) {
	tor, _ := makeTorrent(t, 2*store.BlockSize, 4*int64(store.BlockSize))

	s, err := store.New(tor, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		_, err := s.ReadRange(ctx, 0, 0, store.BlockSize)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(errors.Cancelled, err) {
			t.Errorf("want Cancelled error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled ReadRange did not return")
	}
}

func TestCloseReleasesReaders(t *testing.T) {
	tor, _ := makeTorrent(t, 2*store.BlockSize, 4*int64(store.BlockSize))

	s, err := store.New(tor, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.ReadRange(context.Background(), 0, 0, store.BlockSize)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if !errors.Is(errors.Cancelled, err) {
			t.Errorf("want Cancelled error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not release the blocked reader")
	}
}

func TestReadRangeRejectsOutOfBounds(t *testing.T) {
	tor, _ := makeTorrent(t, 2*store.BlockSize, 4*int64(store.BlockSize))

	s, err := store.New(tor, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.ReadRange(context.Background(), 0, tor.Length()-10, 100); !errors.Is(errors.InvalidInput, err) {
		t.Errorf("want InvalidInput for range past EOF, got %v", err)
	}

	if _, err := s.ReadRange(context.Background(), 5, 0, 10); !errors.Is(errors.NotFound, err) {
		t.Errorf("want NotFound for unknown file index, got %v", err)
	}

	if _, err := s.ReadPiece(99); !errors.Is(errors.NotFound, err) {
		t.Errorf("want NotFound for unknown piece index, got %v", err)
	}

	if _, err := s.WriteBlock(99, 0, make([]byte, store.BlockSize)); !errors.Is(errors.Protocol, err) {
		t.Errorf("want Protocol for out-of-range piece write, got %v", err)
	}
}

func TestCheckExistingResumesPieces(t *testing.T) {
	tor, content := makeTorrent(t, 2*store.BlockSize, 4*int64(store.BlockSize))
	dir := t.TempDir()

	s, err := store.New(tor, dir)
	if err != nil {
		t.Fatal(err)
	}
	writePiece(t, s, tor, content, 0)
	writePiece(t, s, tor, content, 1)
	s.Close()

	resumed, err := store.New(tor, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer resumed.Close()

	if got := resumed.CheckExisting(); got != 2 {
		t.Errorf("CheckExisting want %d pieces got %d", 2, got)
	}

	if got := resumed.Downloaded(); got != tor.Length() {
		t.Errorf("Downloaded after resume want %d got %d", tor.Length(), got)
	}
}

func TestFileDownloadedSpansBoundaries(t *testing.T) {
	// Two files; piece 0 covers all of file a and the head of
	// file b.
	tor, content := makeTorrent(t, 2*store.BlockSize, int64(store.BlockSize), 3*int64(store.BlockSize))

	s, err := store.New(tor, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	writePiece(t, s, tor, content, 0)

	if got := s.FileDownloaded(0); got != int64(store.BlockSize) {
		t.Errorf("file 0: want %d got %d", store.BlockSize, got)
	}

	if got := s.FileDownloaded(1); got != int64(store.BlockSize) {
		t.Errorf("file 1: want %d got %d", store.BlockSize, got)
	}
}
