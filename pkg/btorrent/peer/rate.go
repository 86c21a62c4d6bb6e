package peer

import (
	"sync"
	"time"
)

// rateWindow is the span of the sliding window used for
// per-session transfer rates.
const rateWindow = 5

// meter tracks a byte counter and its rate over a short
// sliding window of one-second buckets.
type meter struct {
	mu      sync.Mutex
	total   int64
	buckets [rateWindow + 1]int64
	stamps  [rateWindow + 1]int64
}

func (m *meter) Add(n int) {
	now := time.Now().Unix()
	i := now % int64(len(m.buckets))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stamps[i] != now {
		m.stamps[i] = now
		m.buckets[i] = 0
	}

	m.buckets[i] += int64(n)
	m.total += int64(n)
}

// Rate returns bytes per second averaged over the window,
// excluding the current partial second.
func (m *meter) Rate() int64 {
	now := time.Now().Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	var sum int64
	for i, stamp := range m.stamps {
		if stamp != now && now-stamp <= rateWindow {
			sum += m.buckets[i]
		}
	}

	return sum / rateWindow
}

func (m *meter) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.total
}
