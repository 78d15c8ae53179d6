package cache

import "sync/atomic"

// Generation is a monotonic request counter. Each new request takes the next
// value; a result is applied only while its value is still the current one.
type Generation struct {
	n atomic.Uint64
}

// Next starts a new request and supersedes all earlier ones.
func (g *Generation) Next() uint64 {
	return g.n.Add(1)
}

func (g *Generation) Current() uint64 {
	return g.n.Load()
}

func (g *Generation) IsCurrent(n uint64) bool {
	return g.n.Load() == n
}
