package guard

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Limiter counts requests per client over a sliding window.
type Limiter struct {
	mu     sync.Mutex
	clock  clock.Clock
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

// NewLimiter allows limit requests per client within any window.
func NewLimiter(limit int, window time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Limiter{
		clock:  clk,
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow records a request from client. When the client is over the limit
// the request is not recorded and the wait until a slot frees is returned.
func (l *Limiter) Allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.pruneLocked(now)

	hits := l.hits[client]
	if len(hits) >= l.limit {
		retryAfter := hits[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}

	l.hits[client] = append(hits, now)
	return true, 0
}

// Clients returns the number of clients with requests in the window.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.clock.Now())
	return len(l.hits)
}

// pruneLocked drops timestamps outside the window and forgets idle clients.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	for client, hits := range l.hits {
		i := 0
		for i < len(hits) && !hits[i].After(cutoff) {
			i++
		}
		if i == len(hits) {
			delete(l.hits, client)
			continue
		}
		if i > 0 {
			l.hits[client] = append(hits[:0:0], hits[i:]...)
		}
	}
}
