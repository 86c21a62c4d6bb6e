package peer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Peer wire message types
const (
	Choke         byte = 0
	Unchoke       byte = 1
	Interested    byte = 2
	NotInterested byte = 3
	Have          byte = 4
	BitField      byte = 5
	Request       byte = 6
	Piece         byte = 7
	Cancel        byte = 8
	Extended      byte = 20
)

// maxMessageSize bounds a single wire message: a 16 KiB
// block plus framing, with headroom for extension payloads.
const maxMessageSize = 32 * 1024

const protocolString = "BitTorrent protocol"

type Message interface {
	Bytes() []byte
}

// Handshake is the fixed 68-byte message that opens every
// peer connection.
type Handshake struct {
	PStr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

func (m Handshake) Bytes() []byte {
	var buf bytes.Buffer

	buf.WriteByte(byte(len(protocolString)))
	buf.WriteString(protocolString)
	buf.Write(m.Reserved[:])
	buf.Write(m.InfoHash[:])
	buf.Write(m.PeerID[:])

	return buf.Bytes()
}

// ReadHandshake reads and validates a handshake. A peer that
// does not speak "BitTorrent protocol" is a protocol
// violation and the connection must be dropped.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var msg Handshake

	buf := make([]byte, 68)
	if _, err := io.ReadFull(r, buf); err != nil {
		return msg, err
	}

	if int(buf[0]) != len(protocolString) {
		return msg, fmt.Errorf("bad pstrlen: %d", buf[0])
	}

	msg.PStr = string(buf[1:20])
	if msg.PStr != protocolString {
		return msg, fmt.Errorf("unknown protocol %q", msg.PStr)
	}

	copy(msg.Reserved[:], buf[20:28])
	copy(msg.InfoHash[:], buf[28:48])
	copy(msg.PeerID[:], buf[48:68])

	return msg, nil
}

type KeepAliveMessage struct{}

func (m KeepAliveMessage) Bytes() []byte {
	return []byte{0, 0, 0, 0}
}

type ChokeMessage struct{}

func (m ChokeMessage) Bytes() []byte { return frame(Choke, nil) }

type UnchokeMessage struct{}

func (m UnchokeMessage) Bytes() []byte { return frame(Unchoke, nil) }

type InterestedMessage struct{}

func (m InterestedMessage) Bytes() []byte { return frame(Interested, nil) }

type NotInterestedMessage struct{}

func (m NotInterestedMessage) Bytes() []byte { return frame(NotInterested, nil) }

// HaveMessage announces that the sender has downloaded and
// verified the piece at Index.
type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) Bytes() []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, m.Index)

	return frame(Have, payload)
}

// BitFieldMessage is only ever sent as the first message
// after the handshake. Each set bit marks a piece the sender
// has; spare trailing bits must be zero.
type BitFieldMessage struct {
	BitField []byte
}

func (m BitFieldMessage) Bytes() []byte {
	return frame(BitField, m.BitField)
}

// RequestMessage asks for Length bytes of piece Index
// starting at Offset. Length never exceeds 16 KiB; peers
// close connections that ask for more.
type RequestMessage struct {
	Index  uint32
	Offset uint32
	Length uint32
}

func (m RequestMessage) Bytes() []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], m.Index)
	binary.BigEndian.PutUint32(payload[4:8], m.Offset)
	binary.BigEndian.PutUint32(payload[8:12], m.Length)

	return frame(Request, payload)
}

// PieceMessage carries one block of piece data.
type PieceMessage struct {
	Index  uint32
	Offset uint32
	Data   []byte
}

func (m PieceMessage) Bytes() []byte {
	payload := make([]byte, 8+len(m.Data))
	binary.BigEndian.PutUint32(payload[0:4], m.Index)
	binary.BigEndian.PutUint32(payload[4:8], m.Offset)
	copy(payload[8:], m.Data)

	return frame(Piece, payload)
}

// CancelMessage withdraws an earlier request, typically when
// a duplicate in-flight block arrived from another peer
// first.
type CancelMessage struct {
	Index  uint32
	Offset uint32
	Length uint32
}

func (m CancelMessage) Bytes() []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], m.Index)
	binary.BigEndian.PutUint32(payload[4:8], m.Offset)
	binary.BigEndian.PutUint32(payload[8:12], m.Length)

	return frame(Cancel, payload)
}

// ExtendedMessage is a BEP-10 extension protocol message.
// Code 0 is the extension handshake; other codes are
// assigned by the receiving side's handshake.
type ExtendedMessage struct {
	Code    byte
	Payload []byte
}

func (m ExtendedMessage) Bytes() []byte {
	payload := make([]byte, 1+len(m.Payload))
	payload[0] = m.Code
	copy(payload[1:], m.Payload)

	return frame(Extended, payload)
}

func frame(msgType byte, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)+1))
	out[4] = msgType
	copy(out[5:], payload)

	return out
}

// ReadMessage reads one length-prefixed message. Malformed
// payloads and oversized frames are returned as errors; the
// caller is expected to drop the connection.
func ReadMessage(r io.Reader) (Message, error) {
	head := make([]byte, 4)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(head)
	if length == 0 {
		return KeepAliveMessage{}, nil
	}

	if length > maxMessageSize {
		return nil, fmt.Errorf("message length %d exceeds limit %d", length, maxMessageSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	var (
		msgType = buf[0]
		payload = buf[1:]
	)

	switch msgType {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case Have:
		if len(payload) != 4 {
			return nil, fmt.Errorf("have payload length want 4 got %d", len(payload))
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case BitField:
		return BitFieldMessage{BitField: payload}, nil
	case Request:
		if len(payload) != 12 {
			return nil, fmt.Errorf("request payload length want 12 got %d", len(payload))
		}
		return RequestMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Offset: binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, fmt.Errorf("piece payload length want >= 8 got %d", len(payload))
		}
		return PieceMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Offset: binary.BigEndian.Uint32(payload[4:8]),
			Data:   payload[8:],
		}, nil
	case Cancel:
		if len(payload) != 12 {
			return nil, fmt.Errorf("cancel payload length want 12 got %d", len(payload))
		}
		return CancelMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Offset: binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}, nil
	case Extended:
		if len(payload) < 1 {
			return nil, fmt.Errorf("empty extended message")
		}
		return ExtendedMessage{Code: payload[0], Payload: payload[1:]}, nil
	default:
		return nil, fmt.Errorf("unknown message type %d", msgType)
	}
}
