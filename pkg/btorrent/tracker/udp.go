package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/driftwd/driftwood/internal/errors"
)

// connMagic is the protocol identifier every connect request
// starts with (BEP-15).
const connMagic uint64 = 0x41727101980

// connTTL is how long a connection ID stays valid.
const connTTL = time.Minute

// UDPTracker implements the UDP tracker connect and announce
// exchanges defined in BEP-15.
type UDPTracker struct {
	url *url.URL

	mu       sync.Mutex
	connID   uint64
	connSeen time.Time
}

func (tr *UDPTracker) URL() string {
	return tr.url.String()
}

func (tr *UDPTracker) Announce(ctx context.Context, req Request) (*Response, error) {
	var op errors.Op = "tracker.UDPTracker.Announce"

	connID, err := tr.connect(ctx)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	conn, err := dialUDP(ctx, tr.url.Host)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}
	defer conn.Close()

	txID := rand.Uint32()
	if _, err := conn.Write(packAnnounce(connID, txID, req)); err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}

	res, err := parseAnnounceResponse(buf[:n], txID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	return res, nil
}

// connect obtains a connection ID, reusing a cached one
// while it is fresh.
func (tr *UDPTracker) connect(ctx context.Context) (uint64, error) {
	var op errors.Op = "tracker.UDPTracker.connect"

	tr.mu.Lock()
	if tr.connID != 0 && time.Since(tr.connSeen) < connTTL {
		id := tr.connID
		tr.mu.Unlock()
		return id, nil
	}
	tr.mu.Unlock()

	conn, err := dialUDP(ctx, tr.url.Host)
	if err != nil {
		return 0, errors.Wrap(err, op, errors.Network)
	}
	defer conn.Close()

	txID := rand.Uint32()

	var out bytes.Buffer
	binary.Write(&out, binary.BigEndian, connMagic)
	binary.Write(&out, binary.BigEndian, actionConnect)
	binary.Write(&out, binary.BigEndian, txID)

	if _, err := conn.Write(out.Bytes()); err != nil {
		return 0, errors.Wrap(err, op, errors.Network)
	}

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, errors.Wrap(err, op, errors.Network)
	}

	if n < 16 {
		return 0, errors.Wrap(
			errors.Newf("connect response of %d bytes is too short", n),
			op, errors.Protocol,
		)
	}

	var (
		action = binary.BigEndian.Uint32(buf[:4])
		resTx  = binary.BigEndian.Uint32(buf[4:8])
		connID = binary.BigEndian.Uint64(buf[8:16])
	)

	if action == actionError {
		return 0, errors.Wrap(errors.New(string(buf[8:n])), op, errors.Network)
	}

	if action != actionConnect || resTx != txID {
		return 0, errors.Wrap(
			errors.Newf("bad connect response: action=%d txid=%d want txid=%d", action, resTx, txID),
			op, errors.Protocol,
		)
	}

	tr.mu.Lock()
	tr.connID = connID
	tr.connSeen = time.Now()
	tr.mu.Unlock()

	return connID, nil
}

func packAnnounce(connID uint64, txID uint32, req Request) []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, connID)
	binary.Write(&buf, binary.BigEndian, actionAnnounce)
	binary.Write(&buf, binary.BigEndian, txID)

	buf.Write(req.InfoHash[:])
	buf.Write(req.PeerID[:])

	binary.Write(&buf, binary.BigEndian, req.Downloaded)
	binary.Write(&buf, binary.BigEndian, req.Left)
	binary.Write(&buf, binary.BigEndian, req.Uploaded)
	binary.Write(&buf, binary.BigEndian, req.Event)
	binary.Write(&buf, binary.BigEndian, uint32(0)) // IP: let the tracker fill in the source
	binary.Write(&buf, binary.BigEndian, rand.Uint32())
	binary.Write(&buf, binary.BigEndian, int32(-1)) // num_want
	binary.Write(&buf, binary.BigEndian, req.Port)

	return buf.Bytes()
}

func parseAnnounceResponse(data []byte, txID uint32) (*Response, error) {
	var op errors.Op = "tracker.parseAnnounceResponse"

	if len(data) < 8 {
		return nil, errors.Wrap(
			errors.Newf("announce response of %d bytes is too short", len(data)),
			op, errors.Protocol,
		)
	}

	var (
		action = binary.BigEndian.Uint32(data[:4])
		resTx  = binary.BigEndian.Uint32(data[4:8])
	)

	if action == actionError {
		return nil, errors.Wrap(errors.New(string(data[8:])), op, errors.Network)
	}

	if action != actionAnnounce || resTx != txID || len(data) < 20 {
		return nil, errors.Wrap(
			errors.Newf("bad announce response: action=%d len=%d", action, len(data)),
			op, errors.Protocol,
		)
	}

	peers, err := parseCompactPeers(data[20:])
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	return &Response{
		Interval: time.Duration(binary.BigEndian.Uint32(data[8:12])) * time.Second,
		Leechers: int(binary.BigEndian.Uint32(data[12:16])),
		Seeders:  int(binary.BigEndian.Uint32(data[16:20])),
		Peers:    peers,
	}, nil
}

// dialUDP opens a UDP flow honoring the context deadline for
// both the write and the single read.
func dialUDP(ctx context.Context, host string) (net.Conn, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "udp", host)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(announceTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn.SetDeadline(deadline)

	return conn, nil
}
