// Package ratelimit implements the per-source-IP admission filter the
// dispatch loop consults before handing a datagram to the request
// handler adapter.
package ratelimit

import (
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Limiter is the contract the dispatch loop calls on every received
// datagram. Check returns true if the datagram should be processed,
// false if it should be silently dropped.
type Limiter interface {
	Check(remoteIP netip.Addr) bool
}

// None is a Limiter that always allows: admission rate equals arrival
// rate, per the DoS-protection-disabled configuration.
type None struct{}

// Check always returns true.
func (None) Check(netip.Addr) bool { return true }

// PerSource is an LRU-bounded cache of token buckets keyed by remote
// IP. At most TrackedSources distinct IPs are tracked at once; the
// least recently used entry is evicted to make room for a new one, so
// memory stays bounded regardless of how many distinct sources send
// traffic.
//
// Threshold requests are permitted to accumulate over Window before a
// source starts getting dropped; golang.org/x/time/rate.Limiter
// already serializes concurrent Allow calls on one bucket internally,
// and the LRU's own lock serializes bucket lookup/insertion, so
// PerSource needs no lock of its own.
type PerSource struct {
	buckets   *lru.Cache[netip.Addr, *rate.Limiter]
	threshold int
	window    float64 // seconds
}

// New constructs a PerSource limiter. threshold is the number of
// requests a source may make within window before further requests in
// that window are dropped; trackedSources bounds how many distinct
// source IPs are remembered at once.
func New(threshold int, window float64, trackedSources int) (*PerSource, error) {
	buckets, err := lru.New[netip.Addr, *rate.Limiter](trackedSources)
	if err != nil {
		return nil, err
	}
	return &PerSource{
		buckets:   buckets,
		threshold: threshold,
		window:    window,
	}, nil
}

// Check admits or drops a datagram from remoteIP. A new token bucket
// is created with a full burst of threshold tokens on first sight of
// an IP, refilling at threshold/window tokens per second — so a source
// that exceeds threshold requests within window is denied until its
// bucket has partially refilled, and a source under threshold is never
// throttled.
func (p *PerSource) Check(remoteIP netip.Addr) bool {
	limiter, ok := p.buckets.Get(remoteIP)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(p.threshold)/p.window), p.threshold)
		p.buckets.Add(remoteIP, limiter)
	}
	return limiter.Allow()
}

// TrackedSources returns the number of distinct source IPs currently
// held in the LRU, for diagnostics/metrics.
func (p *PerSource) TrackedSources() int {
	return p.buckets.Len()
}
