package swarm

import (
	"context"
	"time"

	"github.com/driftwd/driftwood/pkg/btorrent/tracker"
	"github.com/nictuku/dht"
	"golang.org/x/sync/errgroup"
)

const (
	// minAnnounceInterval floors whatever interval a tracker
	// hands back.
	minAnnounceInterval = 30 * time.Second

	// maxAnnounceFailures retires a tracker that keeps
	// erroring.
	maxAnnounceFailures = 8

	// dhtRequestInterval is how often an active torrent asks
	// the DHT for fresh peers.
	dhtRequestInterval = 30 * time.Second
)

// announceLoops runs one announce loop per tracker URL and
// waits for all of them in the background.
func (h *handle) announceLoops(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	for _, url := range h.torrent.AnnounceURLs() {
		url := url
		g.Go(func() error { return h.announceLoop(ctx, url) })
	}

	go g.Wait()
}

// announceLoop periodically announces to one tracker and
// feeds the peers it returns into the dial queue. Failed
// trackers back off linearly and are eventually retired.
func (h *handle) announceLoop(ctx context.Context, url string) error {
	tr, err := tracker.New(url)
	if err != nil {
		h.log.Debug().Err(err).Str("tracker", url).Msg("skipping tracker")
		return nil
	}

	var (
		event    = tracker.EventStarted
		failures int
	)

	for {
		interval := minAnnounceInterval

		res, err := tr.Announce(ctx, h.announceRequest(event))
		if err != nil {
			failures++
			if failures > maxAnnounceFailures {
				h.log.Debug().Err(err).Str("tracker", url).Msg("retiring tracker")
				return nil
			}

			interval = time.Duration(failures) * minAnnounceInterval
		} else {
			failures = 0
			event = tracker.EventNone

			if res.Interval > interval {
				interval = res.Interval
			}

			for _, p := range res.Peers {
				h.offerPeer(p.Addr())
			}

			h.log.Debug().
				Str("tracker", url).
				Int("peers", len(res.Peers)).
				Msg("announce ok")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (h *handle) announceRequest(event uint32) tracker.Request {
	req := tracker.Request{
		InfoHash: h.torrent.InfoHash(),
		PeerID:   h.peerID,
		Port:     h.port,
		Event:    event,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.store != nil {
		req.Downloaded = uint64(h.store.Downloaded())
		if left := h.torrent.Length() - h.store.Downloaded(); left > 0 {
			req.Left = uint64(left)
		}
	} else if h.torrent.HasInfo() {
		req.Left = uint64(h.torrent.Length())
	}

	req.Uploaded = uint64(h.uploaded)

	return req
}

// dhtFeed routes DHT lookup results to the torrents that
// asked for them and re-issues lookups periodically.
func (c *Coordinator) dhtFeed(ctx context.Context) {
	ticker := time.NewTicker(dhtRequestInterval)
	defer ticker.Stop()

	request := func() {
		c.mu.Lock()
		hashes := make([]string, 0, len(c.torrents))
		for _, h := range c.torrents {
			hash := h.torrent.InfoHash()
			hashes = append(hashes, string(hash[:]))
		}
		c.mu.Unlock()

		for _, hash := range hashes {
			c.dht.PeersRequest(hash, false)
		}
	}

	request()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			request()

		case results, ok := <-c.dht.PeersRequestResults:
			if !ok {
				return
			}

			for hash, peers := range results {
				c.mu.Lock()
				h := c.torrents[infoHashHex(hash)]
				c.mu.Unlock()

				if h == nil {
					continue
				}

				for _, raw := range peers {
					h.offerPeer(dht.DecodePeerAddress(raw))
				}
			}
		}
	}
}
