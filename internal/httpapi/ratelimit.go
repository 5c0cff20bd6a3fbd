package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterTable hands out one token-bucket limiter per client IP and forgets
// idle clients so the table cannot grow without bound.
type limiterTable struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	r       rate.Limit
	burst   int
}

func newLimiterTable(r rate.Limit, burst int) *limiterTable {
	return &limiterTable{
		clients: make(map[string]*clientLimiter),
		r:       r,
		burst:   burst,
	}
}

func (t *limiterTable) get(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.clients[ip]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(t.r, t.burst)}
		t.clients[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

func (t *limiterTable) allow(ip string) bool {
	return t.get(ip).Allow()
}

// cleanupLoop drops limiters for clients not seen for 10 minutes.
func (t *limiterTable) cleanupLoop() {
	for {
		time.Sleep(5 * time.Minute)
		t.mu.Lock()
		for ip, entry := range t.clients {
			if time.Since(entry.lastSeen) > 10*time.Minute {
				delete(t.clients, ip)
			}
		}
		t.mu.Unlock()
	}
}
