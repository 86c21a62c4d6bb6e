package btorrent_test

import (
	"crypto/sha1"
	"testing"

	"github.com/driftwd/driftwood/pkg/btorrent"
	"github.com/namvu9/bencode"
)

func buildTorrent(t *testing.T, pieceLength int64, fileLengths ...int64) *btorrent.Torrent {
	t.Helper()

	var total int64
	for _, l := range fileLengths {
		total += l
	}

	nPieces := (total + pieceLength - 1) / pieceLength
	pieces := make([]byte, 20*nPieces)

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

	return btorrent.FromDict(&dict)
}

func TestFileOffsets(t *testing.T) {
	tor := buildTorrent(t, 16, 10, 20, 3)

	files := tor.Files()
	if len(files) != 3 {
		t.Fatalf("want %d files got %d", 3, len(files))
	}

	for i, want := range []struct {
		offset, length int64
		first, last    int
	}{
		{0, 10, 0, 0},
		{10, 20, 0, 1},
		{30, 3, 1, 2},
	} {
		f := files[i]
		if f.Offset != want.offset || f.Length != want.length {
			t.Errorf("file %d: want offset=%d length=%d got offset=%d length=%d",
				i, want.offset, want.length, f.Offset, f.Length)
		}

		if got := f.FirstPiece(16); got != want.first {
			t.Errorf("file %d: FirstPiece want %d got %d", i, want.first, got)
		}

		if got := f.LastPiece(16); got != want.last {
			t.Errorf("file %d: LastPiece want %d got %d", i, want.last, got)
		}
	}

	if got := tor.Length(); got != 33 {
		t.Errorf("Length want %d got %d", 33, got)
	}

	if got := tor.NumPieces(); got != 3 {
		t.Errorf("NumPieces want %d got %d", 3, got)
	}
}

func TestPieceSizeTruncation(t *testing.T) {
	tor := buildTorrent(t, 16, 33)

	for i, want := range []int{16, 16, 1} {
		if got := tor.PieceSize(i); got != want {
			t.Errorf("PieceSize(%d) want %d got %d", i, want, got)
		}
	}
}

func TestFromInfoDict(t *testing.T) {
	src := buildTorrent(t, 16, 33)
	data := src.InfoBytes()
	hash := sha1.Sum(data)

	tor, err := btorrent.FromInfoDict(hash, data)
	if err != nil {
		t.Fatal(err)
	}

	if tor.HexHash() != src.HexHash() {
		t.Errorf("hash want %s got %s", src.HexHash(), tor.HexHash())
	}

	if !tor.HasInfo() {
		t.Errorf("want HasInfo after FromInfoDict")
	}

	// Tampered metadata must be rejected
	bad := append([]byte{}, data...)
	bad[0] ^= 0xFF
	if _, err := btorrent.FromInfoDict(hash, bad); err == nil {
		t.Errorf("want error for tampered info dict, got nil")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tor := buildTorrent(t, 16*1024, 32*1024)
	path := t.TempDir() + "/testdata.torrent"

	if err := btorrent.Save(path, tor); err != nil {
		t.Fatal(err)
	}

	loaded, err := btorrent.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.HexHash() != tor.HexHash() {
		t.Errorf("want %s got %s", tor.HexHash(), loaded.HexHash())
	}

	if loaded.Name() != tor.Name() || loaded.Length() != tor.Length() {
		t.Errorf("metadata differs after reload: %s %d", loaded.Name(), loaded.Length())
	}
}

func TestParseMagnet(t *testing.T) {
	const hash = "c9e15763f722f23e98a29decdfae341b98d53056"

	tor, err := btorrent.ParseMagnet(
		"magnet:?xt=urn:btih:" + hash + "&dn=example&tr=udp%3A%2F%2Ftracker.example%3A1337",
	)
	if err != nil {
		t.Fatal(err)
	}

	if got := tor.HexHash(); got != hash {
		t.Errorf("hash want %s got %s", hash, got)
	}

	if got := tor.Name(); got != "example" {
		t.Errorf("name want %s got %s", "example", got)
	}

	if tor.HasInfo() {
		t.Errorf("magnet torrent must not have an info dict")
	}

	urls := tor.AnnounceURLs()
	if len(urls) != 1 || urls[0] != "udp://tracker.example:1337" {
		t.Errorf("unexpected announce urls: %v", urls)
	}
}

func TestParseMagnetRejectsMalformedHashes(t *testing.T) {
	for _, raw := range []string{
		"http://example.com/file.torrent",
		"magnet:?dn=nohash",
		"magnet:?xt=urn:btih:tooshort",
		"magnet:?xt=urn:btih:zzzz5763f722f23e98a29decdfae341b98d53056", // non-hex
		"magnet:?xt=urn:sha1:c9e15763f722f23e98a29decdfae341b98d53056",
		"magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d5305600", // 42 chars
	} {
		if _, err := btorrent.ParseMagnet(raw); err == nil {
			t.Errorf("ParseMagnet(%q): want error got nil", raw)
		}
	}
}
