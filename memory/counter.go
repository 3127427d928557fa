package memory

import "sync"

// Counters tracks per-user interaction counts, used to pace expensive
// distillation work. Counts are keyed by user ID and safe under concurrent
// increment; there is deliberately no unkeyed global count.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCounters returns an empty counter set.
func NewCounters() *Counters {
	return &Counters{counts: make(map[string]int)}
}

// Incr increments and returns the count for the user.
func (c *Counters) Incr(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID]++
	return c.counts[userID]
}

// Get returns the current count for the user.
func (c *Counters) Get(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID]
}
