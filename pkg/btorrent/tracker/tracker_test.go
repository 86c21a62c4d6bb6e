package tracker_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftwd/driftwood/internal/errors"
	"github.com/driftwd/driftwood/pkg/btorrent/tracker"
)

var testReq = tracker.Request{
	InfoHash: [20]byte{0xde, 0xad, 0xbe, 0xef},
	PeerID:   [20]byte{'-', 'D', 'W', '0', '1', '0', '0', '-'},
	Port:     6881,
	Left:     1 << 20,
	Event:    tracker.EventStarted,
}

// two compact peer entries: 10.0.0.1:6881 and 192.168.1.2:51413
var compactPeers = []byte{
	10, 0, 0, 1, 0x1a, 0xe1,
	192, 168, 1, 2, 0xc8, 0xd5,
}

func checkPeers(t *testing.T, peers []tracker.PeerInfo) {
	t.Helper()

	if len(peers) != 2 {
		t.Fatalf("want 2 peers got %d", len(peers))
	}

	if got := peers[0].Addr(); got != "10.0.0.1:6881" {
		t.Errorf("peer 0: want %s got %s", "10.0.0.1:6881", got)
	}

	if got := peers[1].Addr(); got != "192.168.1.2:51413" {
		t.Errorf("peer 1: want %s got %s", "192.168.1.2:51413", got)
	}
}

func TestHTTPAnnounce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if got := q.Get("info_hash"); got != string(testReq.InfoHash[:]) {
			t.Errorf("info_hash: want %q got %q", testReq.InfoHash[:], got)
		}

		if got := q.Get("compact"); got != "1" {
			t.Errorf("compact: want %q got %q", "1", got)
		}

		if got := q.Get("event"); got != "started" {
			t.Errorf("event: want %q got %q", "started", got)
		}

		fmt.Fprintf(w, "d8:completei5e10:incompletei3e8:intervali1800e5:peers%d:%se",
			len(compactPeers), compactPeers)
	}))
	defer srv.Close()

	tr, err := tracker.New(srv.URL + "/announce")
	if err != nil {
		t.Fatal(err)
	}

	res, err := tr.Announce(context.Background(), testReq)
	if err != nil {
		t.Fatal(err)
	}

	if res.Interval != 1800*time.Second {
		t.Errorf("interval: want %v got %v", 1800*time.Second, res.Interval)
	}

	if res.Seeders != 5 || res.Leechers != 3 {
		t.Errorf("want seeders=5 leechers=3 got seeders=%d leechers=%d", res.Seeders, res.Leechers)
	}

	checkPeers(t, res.Peers)
}

func TestHTTPAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d14:failure reason12:unregisterede")
	}))
	defer srv.Close()

	tr, err := tracker.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tr.Announce(context.Background(), testReq); err == nil {
		t.Fatal("want error for failure reason, got nil")
	}
}

// fakeUDPTracker answers one connect and one announce
// exchange on a loopback socket.
func fakeUDPTracker(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	const connID uint64 = 0x1122334455667788
	done = make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 2048)

		for i := 0; i < 2; i++ {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}

			switch {
			case n == 16 && binary.BigEndian.Uint32(buf[8:12]) == 0:
				// connect: magic(8) action(4) txid(4)
				out := make([]byte, 16)
				binary.BigEndian.PutUint32(out[4:8], binary.BigEndian.Uint32(buf[12:16]))
				binary.BigEndian.PutUint64(out[8:16], connID)
				conn.WriteTo(out, raddr)

			case n == 98:
				if got := binary.BigEndian.Uint64(buf[:8]); got != connID {
					t.Errorf("announce conn id: want %#x got %#x", connID, got)
				}

				out := make([]byte, 20+len(compactPeers))
				binary.BigEndian.PutUint32(out[0:4], 1) // announce
				copy(out[4:8], buf[12:16])              // echo txid
				binary.BigEndian.PutUint32(out[8:12], 900)
				binary.BigEndian.PutUint32(out[12:16], 3)
				binary.BigEndian.PutUint32(out[16:20], 7)
				copy(out[20:], compactPeers)
				conn.WriteTo(out, raddr)
				return

			default:
				t.Errorf("unexpected packet of %d bytes", n)
				return
			}
		}
	}()

	return conn.LocalAddr().String(), done
}

func TestUDPAnnounce(t *testing.T) {
	addr, done := fakeUDPTracker(t)

	tr, err := tracker.New("udp://" + addr + "/announce")
	if err != nil {
		t.Fatal(err)
	}

	res, err := tr.Announce(context.Background(), testReq)
	if err != nil {
		t.Fatal(err)
	}

	<-done

	if res.Interval != 900*time.Second {
		t.Errorf("interval: want %v got %v", 900*time.Second, res.Interval)
	}

	if res.Seeders != 7 || res.Leechers != 3 {
		t.Errorf("want seeders=7 leechers=3 got seeders=%d leechers=%d", res.Seeders, res.Leechers)
	}

	checkPeers(t, res.Peers)
}

func TestNewRejectsUnknownScheme(t *testing.T) {
	if _, err := tracker.New("ftp://tracker.example/announce"); !errors.Is(errors.InvalidInput, err) {
		t.Errorf("want InvalidInput, got %v", err)
	}
}

func TestParseCompact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 7 bytes is not a whole number of peer entries
		fmt.Fprint(w, "d8:intervali60e5:peers7:0123456e")
	}))
	defer srv.Close()

	tr, err := tracker.New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tr.Announce(context.Background(), testReq); !errors.Is(errors.Protocol, err) {
		t.Errorf("want Protocol error for ragged peer list, got %v", err)
	}
}
