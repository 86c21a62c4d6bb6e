// Package tracker announces to HTTP and UDP BitTorrent
// trackers and parses the compact peer lists they return.
package tracker

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/driftwd/driftwood/internal/errors"
)

// Announce events, per convention shared by the HTTP and UDP
// protocols.
const (
	EventNone uint32 = iota
	EventCompleted
	EventStarted
	EventStopped
)

// UDP tracker actions (BEP-15).
const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionError    uint32 = 3
)

const announceTimeout = 5 * time.Second

// Request carries the announce parameters common to both
// tracker transports.
type Request struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16

	Downloaded uint64
	Uploaded   uint64
	Left       uint64
	Event      uint32
}

// Response is a normalized announce result.
type Response struct {
	Interval time.Duration
	Seeders  int
	Leechers int
	Peers    []PeerInfo
}

// PeerInfo is one peer endpoint reported by a tracker.
type PeerInfo struct {
	IP   net.IP
	Port uint16
}

func (p PeerInfo) Addr() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Tracker announces our presence for one info hash and
// returns peers.
type Tracker interface {
	Announce(ctx context.Context, req Request) (*Response, error)
	URL() string
}

// New returns a tracker client for the given announce URL.
func New(raw string) (Tracker, error) {
	var op errors.Op = "tracker.New"

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.InvalidInput)
	}

	switch u.Scheme {
	case "http", "https":
		return &HTTPTracker{url: u}, nil
	case "udp":
		return &UDPTracker{url: u}, nil
	default:
		return nil, errors.Wrap(
			errors.Newf("unsupported tracker scheme %q", u.Scheme),
			op, errors.InvalidInput,
		)
	}
}

// parseCompactPeers decodes the compact peer format: 6 bytes
// per peer, 4-byte IPv4 address followed by a big-endian
// port.
func parseCompactPeers(data []byte) ([]PeerInfo, error) {
	if len(data)%6 != 0 {
		return nil, errors.Wrap(
			errors.Newf("compact peer list of %d bytes is not a multiple of 6", len(data)),
			errors.Protocol,
		)
	}

	var peers []PeerInfo
	for i := 0; i+6 <= len(data); i += 6 {
		ip := net.IPv4(data[i], data[i+1], data[i+2], data[i+3])
		port := uint16(data[i+4])<<8 | uint16(data[i+5])
		peers = append(peers, PeerInfo{IP: ip, Port: port})
	}

	return peers, nil
}
