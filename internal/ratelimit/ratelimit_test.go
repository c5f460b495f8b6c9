package ratelimit_test

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/gostun/gostun/internal/ratelimit"
)

func TestNone_AlwaysAllows(t *testing.T) {
	var l ratelimit.None
	ip := netip.MustParseAddr("203.0.113.5")
	for i := 0; i < 100; i++ {
		if !l.Check(ip) {
			t.Fatalf("None.Check() returned false on iteration %d", i)
		}
	}
}

func TestPerSource_ThresholdEnforced(t *testing.T) {
	l, err := ratelimit.New(5, 1.0, 1024)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ip := netip.MustParseAddr("203.0.113.5")

	admitted := 0
	for i := 0; i < 10; i++ {
		if l.Check(ip) {
			admitted++
		}
	}

	if admitted > 5 {
		t.Errorf("admitted = %d, want at most 5 of 10 requests within the burst window", admitted)
	}
	if admitted == 0 {
		t.Error("admitted = 0, want at least the initial burst to be let through")
	}
}

func TestPerSource_DistinctSourcesIndependent(t *testing.T) {
	l, err := ratelimit.New(1, 1.0, 1024)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	first := netip.MustParseAddr("203.0.113.5")
	second := netip.MustParseAddr("198.51.100.9")

	if !l.Check(first) {
		t.Fatal("first request from a fresh source must be admitted")
	}
	if !l.Check(second) {
		t.Fatal("a different source in the same window must be admitted independently")
	}
}

func TestPerSource_BoundedMemory(t *testing.T) {
	const tracked = 4
	l, err := ratelimit.New(5, 1.0, tracked)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	for i := 0; i < tracked*4; i++ {
		ip := netip.AddrFrom4([4]byte{203, 0, 113, byte(i)})
		l.Check(ip)
	}

	if got := l.TrackedSources(); got > tracked {
		t.Errorf("TrackedSources() = %d, want at most %d", got, tracked)
	}
}

func TestPerSource_ConcurrentSafe(t *testing.T) {
	l, err := ratelimit.New(50, 1.0, 256)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	var wg sync.WaitGroup
	ip := netip.MustParseAddr("203.0.113.5")
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 32; j++ {
				l.Check(ip)
			}
		}()
	}
	wg.Wait()
}
