package btorrent

import (
	"path"
)

// A File describes one file of the torrent's content.
// Offset is the absolute position of the file's first byte
// within the concatenated content; a piece may straddle any
// number of file boundaries.
type File struct {
	// Path is the file's declared path, relative to the
	// torrent's download directory. Multi-file torrents may
	// nest paths.
	Path string

	Offset int64
	Length int64
}

// Name returns the last element of the file's path.
func (f File) Name() string {
	return path.Base(f.Path)
}

// FirstPiece and LastPiece bound the (inclusive) range of
// piece indices that overlap the file.
func (f File) FirstPiece(pieceLength int64) int {
	return int(f.Offset / pieceLength)
}

func (f File) LastPiece(pieceLength int64) int {
	if f.Length == 0 {
		return f.FirstPiece(pieceLength)
	}

	return int((f.Offset + f.Length - 1) / pieceLength)
}

// Files returns the torrent's file list in declared order,
// with absolute byte offsets assigned. Single-file torrents
// yield one entry named after the torrent.
func (t *Torrent) Files() []File {
	if t.files != nil {
		return t.files
	}

	info, ok := t.Info()
	if !ok {
		return nil
	}

	list, ok := info.GetList("files")
	if !ok {
		// Single-file torrent
		length, _ := info.GetInteger("length")
		name, _ := info.GetString("name")

		t.files = []File{{
			Path:   name,
			Offset: 0,
			Length: int64(length),
		}}

		return t.files
	}

	var (
		out    []File
		offset int64
	)

	for _, v := range list {
		fd, ok := v.ToDict()
		if !ok {
			continue
		}

		length, _ := fd.GetInteger("length")
		segments, _ := fd.GetList("path")

		var p string
		for _, seg := range segments {
			b, _ := seg.ToBytes()
			p = path.Join(p, string(b))
		}

		out = append(out, File{
			Path:   p,
			Offset: offset,
			Length: int64(length),
		})

		offset += int64(length)
	}

	t.files = out

	return out
}
