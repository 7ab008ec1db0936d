package server

import (
	"sort"
	"sync"
	"testing"
)

// TestCreditLifecycle walks one subscriber through request, send and the
// next request: at most one frame is owed at any time.
func TestCreditLifecycle(t *testing.T) {
	reg := NewRegistry()

	if first := reg.SetReady("peer-1", "cam"); !first {
		t.Error("first request not reported as first")
	}
	if got := reg.DrainReady("cam"); len(got) != 1 || got[0] != "peer-1" {
		t.Fatalf("DrainReady = %v, want [peer-1]", got)
	}

	// Send succeeded: credit consumed, no frame owed.
	reg.ClearReady("peer-1", "cam")
	if got := reg.DrainReady("cam"); len(got) != 0 {
		t.Errorf("DrainReady after clear = %v, want empty", got)
	}

	// Re-requesting the same stream is not a first request.
	if first := reg.SetReady("peer-1", "cam"); first {
		t.Error("repeat request reported as first")
	}
	if got := reg.DrainReady("cam"); len(got) != 1 {
		t.Errorf("DrainReady after re-request = %v", got)
	}
}

// TestDuplicateRequestsCollapse verifies repeated requests before a send
// still yield exactly one pending frame.
func TestDuplicateRequestsCollapse(t *testing.T) {
	reg := NewRegistry()
	reg.SetReady("peer-1", "cam")
	reg.SetReady("peer-1", "cam")
	reg.SetReady("peer-1", "cam")
	if got := reg.DrainReady("cam"); len(got) != 1 {
		t.Errorf("DrainReady = %v, want one entry", got)
	}
}

// TestStreamsIndependent verifies credit is tracked per (peer, stream).
func TestStreamsIndependent(t *testing.T) {
	reg := NewRegistry()
	reg.SetReady("peer-1", "cam")
	reg.SetReady("peer-1", "wfs")
	reg.SetReady("peer-2", "wfs")

	if got := reg.DrainReady("cam"); len(got) != 1 || got[0] != "peer-1" {
		t.Errorf("cam subscribers = %v", got)
	}
	wfs := reg.DrainReady("wfs")
	sort.Slice(wfs, func(i, j int) bool { return wfs[i] < wfs[j] })
	if len(wfs) != 2 || wfs[0] != "peer-1" || wfs[1] != "peer-2" {
		t.Errorf("wfs subscribers = %v", wfs)
	}

	reg.ClearReady("peer-1", "cam")
	if got := reg.DrainReady("wfs"); len(got) != 2 {
		t.Errorf("clearing cam touched wfs: %v", got)
	}
}

// TestForgetErasesPeer verifies a failed send removes the peer from every
// stream at once.
func TestForgetErasesPeer(t *testing.T) {
	reg := NewRegistry()
	reg.SetReady("peer-1", "cam")
	reg.SetReady("peer-1", "wfs")
	reg.SetReady("peer-2", "cam")

	reg.Forget("peer-1")
	if got := reg.DrainReady("cam"); len(got) != 1 || got[0] != "peer-2" {
		t.Errorf("cam after forget = %v, want [peer-2]", got)
	}
	if got := reg.DrainReady("wfs"); len(got) != 0 {
		t.Errorf("wfs after forget = %v, want empty", got)
	}
	if reg.NumPeers() != 1 {
		t.Errorf("NumPeers = %d, want 1", reg.NumPeers())
	}

	// A forgotten peer that reconnects counts as first again.
	if first := reg.SetReady("peer-1", "cam"); !first {
		t.Error("request after forget not reported as first")
	}
}

// TestRegistryConcurrentAccess hammers the registry from request, serve and
// failure paths at once; the race detector is the real assertion here.
func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(3)
		rid := RoutingID(string(rune('a' + g)))
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				reg.SetReady(rid, "cam")
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				for _, r := range reg.DrainReady("cam") {
					reg.ClearReady(r, "cam")
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				reg.Forget(rid)
			}
		}()
	}
	wg.Wait()
}
