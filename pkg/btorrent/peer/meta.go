package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/namvu9/bencode"
)

// BEP-9 metadata exchange message types, carried inside
// BEP-10 extended messages.
const (
	metaRequest = 0
	metaData    = 1
	metaReject  = 2
)

// localMetaID is the extended message code we advertise for
// ut_metadata in our extension handshake.
const localMetaID = 2

// extReserved returns the reserved bytes announcing BEP-10
// support (bit 20 from the right: reserved[5] & 0x10).
func extReserved() [8]byte {
	var r [8]byte
	r[5] |= 0x10
	return r
}

func supportsExtended(reserved [8]byte) bool {
	return reserved[5]&0x10 != 0
}

type metaPiece struct {
	index int
	data  []byte
}

// extHandshakeMessage builds the BEP-10 extension handshake.
// metadataSize of zero omits the field (we have no metadata
// to offer yet).
func extHandshakeMessage(metadataSize int) ExtendedMessage {
	var m bencode.Dictionary
	m.SetStringKey("ut_metadata", bencode.Integer(localMetaID))

	var d bencode.Dictionary
	d.SetStringKey("m", &m)
	if metadataSize > 0 {
		d.SetStringKey("metadata_size", bencode.Integer(metadataSize))
	}

	payload, err := bencode.Marshal(&d)
	if err != nil {
		payload = nil
	}

	return ExtendedMessage{Code: 0, Payload: payload}
}

func (s *Session) handleExtended(msg ExtendedMessage) error {
	if msg.Code == 0 {
		return s.handleExtHandshake(msg.Payload)
	}

	if int(msg.Code) == localMetaID {
		return s.handleMetaMessage(msg.Payload)
	}

	return nil
}

func (s *Session) handleExtHandshake(payload []byte) error {
	d, err := bencode.UnmarshalDict(payload)
	if err != nil {
		return fmt.Errorf("malformed extension handshake: %w", err)
	}

	m, ok := d.GetDict("m")
	if !ok {
		return nil
	}

	if id, ok := m.GetInteger("ut_metadata"); ok {
		s.remoteMetaID = int(id)
	}

	if size, ok := d.GetInteger("metadata_size"); ok {
		s.metadataSize = int(size)
	}

	s.extOnce.Do(func() { close(s.extReady) })

	return nil
}

func (s *Session) handleMetaMessage(payload []byte) error {
	d, err := bencode.UnmarshalDict(payload)
	if err != nil {
		return fmt.Errorf("malformed ut_metadata message: %w", err)
	}

	msgType, ok := d.GetInteger("msg_type")
	if !ok {
		return fmt.Errorf("ut_metadata message without msg_type")
	}

	switch msgType {
	case metaData:
		index, _ := d.GetInteger("piece")
		// The piece bytes trail the bencoded header.
		data := payload[d.Size():]

		select {
		case s.metaCh <- metaPiece{index: int(index), data: data}:
		default:
		}

	case metaReject:
		select {
		case s.metaCh <- metaPiece{index: -1}:
		default:
		}
	}

	return nil
}

// RequestMetadata fetches the torrent's raw info dictionary
// from the remote via the ut_metadata extension. It blocks
// until the remote's extension handshake arrives, all pieces
// are received, or ctx expires.
func (s *Session) RequestMetadata(ctx context.Context) ([]byte, error) {
	select {
	case <-s.extReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.cfg.IdleTimeout):
		return nil, fmt.Errorf("no extension handshake from %s", s.Key())
	}

	s.mu.Lock()
	code, size := s.remoteMetaID, s.metadataSize
	s.mu.Unlock()

	if code == 0 {
		return nil, fmt.Errorf("peer %s does not support ut_metadata", s.Key())
	}

	if size <= 0 {
		return nil, fmt.Errorf("peer %s did not announce metadata_size", s.Key())
	}

	nPieces := (size + BlockSizeLimit - 1) / BlockSizeLimit
	out := make([]byte, size)
	have := make([]bool, nPieces)

	for i := 0; i < nPieces; i++ {
		if err := s.send(metaRequestMessage(byte(code), i)); err != nil {
			return nil, err
		}
	}

	for received := 0; received < nPieces; {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case p := <-s.metaCh:
			if p.index < 0 {
				return nil, fmt.Errorf("peer %s rejected metadata request", s.Key())
			}
			if p.index >= nPieces || have[p.index] {
				continue
			}

			copy(out[p.index*BlockSizeLimit:], p.data)
			have[p.index] = true
			received++
		}
	}

	return out, nil
}

func metaRequestMessage(code byte, piece int) ExtendedMessage {
	var d bencode.Dictionary
	d.SetStringKey("msg_type", bencode.Integer(metaRequest))
	d.SetStringKey("piece", bencode.Integer(piece))

	payload, err := bencode.Marshal(&d)
	if err != nil {
		payload = nil
	}

	return ExtendedMessage{Code: code, Payload: payload}
}

// ServeMetadata answers one incoming ut_metadata request
// against locally held info bytes. Used on the seeding side.
func ServeMetadata(info []byte, piece int) ([]byte, bool) {
	start := piece * BlockSizeLimit
	if start < 0 || start >= len(info) {
		return nil, false
	}

	end := start + BlockSizeLimit
	if end > len(info) {
		end = len(info)
	}

	return info[start:end], true
}
