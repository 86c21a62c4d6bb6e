package web_test

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/driftwd/driftwood/internal/swarm"
	"github.com/driftwd/driftwood/internal/web"
	"github.com/driftwd/driftwood/pkg/btorrent"
	"github.com/namvu9/bencode"
)

const testMagnet = "magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056&dn=example"

func makeTorrent(t *testing.T, pieceLength, total int64) (*btorrent.Torrent, []byte) {
	t.Helper()

	content := make([]byte, total)
	rand.New(rand.NewSource(11)).Read(content)

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
	info.SetStringKey("length", bencode.Integer(total))

	var dict bencode.Dictionary
	dict.SetStringKey("info", &info)

	return btorrent.FromDict(&dict), content
}

// startAPI brings up a coordinator with one fully seeded
// torrent (data pre-placed on disk) and serves the HTTP API
// over httptest.
func startAPI(t *testing.T) (base string, id string, content []byte) {
	t.Helper()

	dir := t.TempDir()

	tor, content := makeTorrent(t, 2*int64(btorrent.BlockSize), 4*int64(btorrent.BlockSize)+100)
	id = tor.HexHash()

	// Pre-place the complete file so the resume check marks
	// every piece verified.
	if err := os.MkdirAll(filepath.Join(dir, id), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, id, "testdata"), content, 0644); err != nil {
		t.Fatal(err)
	}

	c, err := swarm.New(swarm.Config{BaseDir: dir})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	if _, err := c.AddTorrent(tor, "", false); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(web.New(c))
	t.Cleanup(srv.Close)

	// Wait for the resume check to finish.
	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := c.Status(id)
		if err == nil && st.State == swarm.StateSeeding {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("torrent never reached seeding: %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}

	return srv.URL, id, content
}

func TestListAndStatus(t *testing.T) {
	base, id, content := startAPI(t)

	res, err := http.Get(base + "/torrents")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	var list []swarm.Status
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}

	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("unexpected list: %+v", list)
	}

	if list[0].Length != int64(len(content)) {
		t.Errorf("length: want %d got %d", len(content), list[0].Length)
	}

	res, err = http.Get(base + "/torrents/" + id)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	var st swarm.Status
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}

	if st.State != swarm.StateSeeding || st.Progress != 1.0 {
		t.Errorf("unexpected status: %+v", st)
	}

	if len(st.Files) != 1 || st.Files[0].Path != "testdata" {
		t.Errorf("unexpected files: %+v", st.Files)
	}
}

func TestStatusUnknownTorrent(t *testing.T) {
	base, _, _ := startAPI(t)

	res, err := http.Get(base + "/torrents/ffffffffffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Errorf("want %d got %d", http.StatusNotFound, res.StatusCode)
	}
}

func TestFileFullDownload(t *testing.T) {
	base, id, content := startAPI(t)

	res, err := http.Get(fmt.Sprintf("%s/torrents/%s/files/0", base, id))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("want %d got %d", http.StatusOK, res.StatusCode)
	}

	if got := res.Header.Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges: want %q got %q", "bytes", got)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(body, content) {
		t.Errorf("body differs from content (%d vs %d bytes)", len(body), len(content))
	}
}

func TestFileRangeRequests(t *testing.T) {
	base, id, content := startAPI(t)
	url := fmt.Sprintf("%s/torrents/%s/files/0", base, id)

	for _, tt := range []struct {
		header     string
		wantStatus int
		wantRange  string
		wantBody   []byte
	}{
		{"bytes=100-199", http.StatusPartialContent,
			fmt.Sprintf("bytes 100-199/%d", len(content)), content[100:200]},
		{"bytes=100-", http.StatusPartialContent,
			fmt.Sprintf("bytes 100-%d/%d", len(content)-1, len(content)), content[100:]},
		{"bytes=-50", http.StatusPartialContent,
			fmt.Sprintf("bytes %d-%d/%d", len(content)-50, len(content)-1, len(content)),
			content[len(content)-50:]},
		{fmt.Sprintf("bytes=%d-", len(content)), http.StatusRequestedRangeNotSatisfiable, "", nil},
		{"bytes=broken", http.StatusRequestedRangeNotSatisfiable, "", nil},
	} {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Range", tt.header)

		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}

		if res.StatusCode != tt.wantStatus {
			t.Errorf("%s: status want %d got %d", tt.header, tt.wantStatus, res.StatusCode)
		}

		if tt.wantRange != "" {
			if got := res.Header.Get("Content-Range"); got != tt.wantRange {
				t.Errorf("%s: Content-Range want %q got %q", tt.header, tt.wantRange, got)
			}

			body, _ := io.ReadAll(res.Body)
			if !bytes.Equal(body, tt.wantBody) {
				t.Errorf("%s: body mismatch (%d vs %d bytes)", tt.header, len(body), len(tt.wantBody))
			}
		}

		res.Body.Close()
	}
}

func TestFileUnknownIndex(t *testing.T) {
	base, id, _ := startAPI(t)

	res, err := http.Get(fmt.Sprintf("%s/torrents/%s/files/5", base, id))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Errorf("want %d got %d", http.StatusNotFound, res.StatusCode)
	}
}

func TestAddAndRemove(t *testing.T) {
	base, _, _ := startAPI(t)

	res, err := http.Post(base+"/torrents", "application/json",
		strings.NewReader(fmt.Sprintf(`{"magnet": %q}`, testMagnet)))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated {
		t.Fatalf("want %d got %d", http.StatusCreated, res.StatusCode)
	}

	var st swarm.Status
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}

	if st.State != swarm.StateResolving || st.Name != "example" {
		t.Errorf("unexpected status: %+v", st)
	}

	req, err := http.NewRequest(http.MethodDelete, base+"/torrents/"+st.ID+"?data=true", nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Errorf("delete: want %d got %d", http.StatusOK, res.StatusCode)
	}

	var removed struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Deleted bool   `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&removed); err != nil {
		t.Fatal(err)
	}

	if removed.ID != st.ID || removed.Name != "example" || !removed.Deleted {
		t.Errorf("unexpected delete response: %+v", removed)
	}
}

func TestStopTorrent(t *testing.T) {
	base, id, _ := startAPI(t)

	res, err := http.Post(base+"/torrents/"+id+"/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("want %d got %d", http.StatusOK, res.StatusCode)
	}

	var st swarm.Status
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}

	if st.State != swarm.StateStopped {
		t.Errorf("want %s got %s", swarm.StateStopped, st.State)
	}

	res, err = http.Post(base+"/torrents/ffffffffffffffffffffffffffffffffffffffff/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNotFound {
		t.Errorf("unknown torrent: want %d got %d", http.StatusNotFound, res.StatusCode)
	}
}

func TestAddRejectsBadBody(t *testing.T) {
	base, _, _ := startAPI(t)

	for _, body := range []string{
		`{}`,
		`not json`,
		`{"magnet": "magnet:?xt=urn:btih:nothex"}`,
	} {
		res, err := http.Post(base+"/torrents", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()

		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: want %d got %d", body, http.StatusBadRequest, res.StatusCode)
		}
	}
}
