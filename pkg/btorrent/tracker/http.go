package tracker

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/driftwd/driftwood/internal/errors"
	"github.com/jackpal/bencode-go"
)

// HTTPTracker speaks the original HTTP announce protocol
// with compact peer lists (BEP-3, BEP-23).
type HTTPTracker struct {
	url    *url.URL
	client http.Client
}

type httpAnnounceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int64  `bencode:"interval"`
	Complete      int    `bencode:"complete"`
	Incomplete    int    `bencode:"incomplete"`
	Peers         string `bencode:"peers"`
}

func (tr *HTTPTracker) URL() string {
	return tr.url.String()
}

func (tr *HTTPTracker) Announce(ctx context.Context, req Request) (*Response, error) {
	var op errors.Op = "tracker.HTTPTracker.Announce"

	u := *tr.url
	u.RawQuery = announceQuery(req, u.Query()).Encode()

	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	res, err := tr.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, op, errors.Network)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errors.Wrap(
			errors.Newf("announce returned status %d", res.StatusCode),
			op, errors.Network,
		)
	}

	var body httpAnnounceResponse
	if err := bencode.Unmarshal(res.Body, &body); err != nil {
		return nil, errors.Wrap(err, op, errors.Protocol)
	}

	if body.FailureReason != "" {
		return nil, errors.Wrap(errors.New(body.FailureReason), op, errors.Network)
	}

	peers, err := parseCompactPeers([]byte(body.Peers))
	if err != nil {
		return nil, errors.Wrap(err, op)
	}

	return &Response{
		Interval: time.Duration(body.Interval) * time.Second,
		Seeders:  body.Complete,
		Leechers: body.Incomplete,
		Peers:    peers,
	}, nil
}

func announceQuery(req Request, params url.Values) url.Values {
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", strconv.Itoa(int(req.Port)))
	params.Set("uploaded", strconv.FormatUint(req.Uploaded, 10))
	params.Set("downloaded", strconv.FormatUint(req.Downloaded, 10))
	params.Set("left", strconv.FormatUint(req.Left, 10))
	params.Set("compact", "1")

	switch req.Event {
	case EventStarted:
		params.Set("event", "started")
	case EventStopped:
		params.Set("event", "stopped")
	case EventCompleted:
		params.Set("event", "completed")
	}

	return params
}
