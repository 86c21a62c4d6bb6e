package btorrent

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/namvu9/bencode"
)

// BlockSize is the sub-piece unit requested from peers. All
// mainstream clients use 16 KiB and drop connections that
// request more.
const BlockSize = 16 * 1024

// Torrent wraps the bencoded metainfo dictionary that
// identifies a torrent. A torrent created from a magnet link
// has no info dictionary until metadata has been fetched
// from the swarm; HasInfo reports which state it is in.
// Once the info dictionary is present the torrent is
// immutable.
type Torrent struct {
	dict  *bencode.Dictionary
	files []File
}

// FromDict wraps an already-decoded metainfo dictionary.
func FromDict(d *bencode.Dictionary) *Torrent {
	return &Torrent{dict: d}
}

// Load reads a .torrent file from disk.
func Load(path string) (*Torrent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	d, err := bencode.UnmarshalDict(data)
	if err != nil {
		return nil, err
	}

	t := &Torrent{dict: d}
	if t.InfoHash() == [20]byte{} {
		return nil, fmt.Errorf("%s does not have a valid info hash", path)
	}

	return t, nil
}

// Save writes the torrent's metainfo dictionary to path.
func Save(path string, t *Torrent) error {
	data, err := bencode.Marshal(t.dict)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// FromInfoDict builds a complete torrent from raw info
// dictionary bytes obtained via the metadata extension. The
// SHA-1 of data must equal hash; metadata received from
// peers is untrusted until it does.
func FromInfoDict(hash [20]byte, data []byte) (*Torrent, error) {
	if sum := sha1.Sum(data); !bytes.Equal(sum[:], hash[:]) {
		return nil, fmt.Errorf("info dict hash mismatch: want %x got %x", hash, sum)
	}

	info, err := bencode.UnmarshalDict(data)
	if err != nil {
		return nil, err
	}

	var dict bencode.Dictionary
	dict.SetStringKey("info", info)
	dict.SetStringKey("info-hash", bencode.Bytes(hash[:]))

	return &Torrent{dict: &dict}, nil
}

// Dict returns the underlying metainfo dictionary.
func (t *Torrent) Dict() *bencode.Dictionary {
	return t.dict
}

// Info returns the torrent's info dictionary, if present.
func (t *Torrent) Info() (*bencode.Dictionary, bool) {
	return t.dict.GetDict("info")
}

// HasInfo reports whether metadata has been resolved.
func (t *Torrent) HasInfo() bool {
	_, ok := t.Info()
	return ok
}

// InfoBytes returns the bencoded bytes of the info
// dictionary, or nil if the torrent has no metadata yet.
func (t *Torrent) InfoBytes() []byte {
	info, ok := t.Info()
	if !ok {
		return nil
	}

	data, err := bencode.Marshal(info)
	if err != nil {
		return nil
	}

	return data
}

// InfoHash returns the SHA-1 hash of the bencoded info
// dictionary. It uniquely identifies the torrent. For
// magnet-derived torrents the hash comes from the link
// itself.
func (t *Torrent) InfoHash() [20]byte {
	var out [20]byte

	if b, ok := t.dict.GetBytes("info-hash"); ok && len(b) == 20 {
		copy(out[:], b)
		return out
	}

	data := t.InfoBytes()
	if data == nil {
		return out
	}

	hash := sha1.Sum(data)
	t.dict.SetStringKey("info-hash", bencode.Bytes(hash[:]))

	return hash
}

// HexHash returns the lowercase hex encoding of the info
// hash. It doubles as the torrent's public identifier.
func (t *Torrent) HexHash() string {
	hash := t.InfoHash()
	return hex.EncodeToString(hash[:])
}

// Name returns the torrent's display name: the info
// dictionary's 'name' field, or the magnet link's 'dn'
// field while metadata is still unresolved.
func (t *Torrent) Name() string {
	if info, ok := t.Info(); ok {
		name, _ := info.GetString("name")
		return name
	}

	name, _ := t.dict.GetString("dn")
	return name
}

// PieceLength returns the nominal piece size in bytes. The
// final piece may be shorter; see PieceSize.
func (t *Torrent) PieceLength() int64 {
	info, ok := t.Info()
	if !ok {
		return 0
	}

	n, _ := info.GetInteger("piece length")
	return int64(n)
}

// Pieces returns the declared 20-byte SHA-1 hash of every
// piece, in piece order.
func (t *Torrent) Pieces() [][]byte {
	info, ok := t.Info()
	if !ok {
		return nil
	}

	raw, ok := info.GetBytes("pieces")
	if !ok || len(raw)%20 != 0 {
		return nil
	}

	out := make([][]byte, 0, len(raw)/20)
	for i := 0; i+20 <= len(raw); i += 20 {
		out = append(out, raw[i:i+20])
	}

	return out
}

func (t *Torrent) NumPieces() int {
	return len(t.Pieces())
}

// Length returns the total size of the torrent's content.
func (t *Torrent) Length() int64 {
	var sum int64

	for _, f := range t.Files() {
		sum += f.Length
	}

	return sum
}

// PieceOffset returns the absolute byte offset of piece i
// within the torrent's content.
func (t *Torrent) PieceOffset(i int) int64 {
	return int64(i) * t.PieceLength()
}

// PieceSize returns the actual size of piece i, truncating
// the final piece to the torrent length.
func (t *Torrent) PieceSize(i int) int {
	var (
		length = t.Length()
		start  = t.PieceOffset(i)
		size   = t.PieceLength()
	)

	if start+size > length {
		size = length - start
	}

	if size < 0 {
		return 0
	}

	return int(size)
}

// VerifyPiece reports whether data matches the declared
// SHA-1 hash of piece i.
func (t *Torrent) VerifyPiece(i int, data []byte) bool {
	pieces := t.Pieces()
	if i < 0 || i >= len(pieces) {
		return false
	}

	hash := sha1.Sum(data)

	return bytes.Equal(hash[:], pieces[i])
}

// AnnounceURLs returns every tracker URL declared by the
// torrent, flattening BEP-12 tiers.
func (t *Torrent) AnnounceURLs() []string {
	var out []string
	seen := make(map[string]bool)

	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if s, ok := t.dict.GetString("announce"); ok {
		add(s)
	}

	l, ok := t.dict.GetList("announce-list")
	if !ok {
		return out
	}

	for _, v := range l {
		if b, ok := v.ToBytes(); ok {
			add(string(b))
			continue
		}

		tier, ok := v.ToList()
		if !ok {
			continue
		}

		for _, u := range tier {
			b, _ := u.ToBytes()
			add(string(b))
		}
	}

	return out
}
