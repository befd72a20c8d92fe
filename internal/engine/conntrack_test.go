package engine

import (
	"sync"
	"sync/atomic"
	"testing"
)

// TestInsertLookup verifies a flow's classification is pinned and stable.
func TestInsertLookup(t *testing.T) {
	ct := NewConnTracker()
	key := testFlow(1)

	e, created := ct.Insert(key, "browser", "eu-west", true)
	if !created {
		t.Fatal("first insert reported existing")
	}
	if e.AppID != "browser" || e.TunnelID != "eu-west" || !e.FallbackDirect {
		t.Fatalf("entry = %+v", e)
	}

	// A second insert with different values must not change the binding:
	// rule changes apply to new flows only.
	e2, created := ct.Insert(key, "other", "us-east", false)
	if created {
		t.Fatal("second insert reported created")
	}
	if e2 != e || e2.TunnelID != "eu-west" {
		t.Fatalf("binding changed: %+v", e2)
	}

	got, ok := ct.Lookup(key)
	if !ok || got != e {
		t.Fatal("lookup did not return the pinned entry")
	}
}

// TestInsertConcurrent verifies concurrent inserts for one key resolve to a
// single surviving entry.
func TestInsertConcurrent(t *testing.T) {
	ct := NewConnTracker()
	key := testFlow(2)

	const workers = 32
	entries := make([]*ConnEntry, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries[i], _ = ct.Insert(key, "app", "t1", false)
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if entries[i] != entries[0] {
			t.Fatal("concurrent inserts produced distinct entries")
		}
	}
	if ct.Len() != 1 {
		t.Fatalf("Len = %d, want 1", ct.Len())
	}
}

// TestEvictStale verifies TTL-based eviction spares recently active flows.
func TestEvictStale(t *testing.T) {
	ct := NewConnTracker()
	staleKey := testFlow(4)
	freshKey := testFlow(5)
	stale, _ := ct.Insert(staleKey, "app", "t1", false)
	ct.Insert(freshKey, "app", "t1", false)

	now := ct.NowSec()
	atomic.StoreInt64(&stale.lastActivity, now-100)

	if n := ct.EvictStale(now, 50); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := ct.Lookup(staleKey); ok {
		t.Fatal("stale entry survived")
	}
	if _, ok := ct.Lookup(freshKey); !ok {
		t.Fatal("fresh entry evicted")
	}
}

// TestEvictTunnelAndCount verifies per-tunnel accounting used by the idle
// teardown policy.
func TestEvictTunnelAndCount(t *testing.T) {
	ct := NewConnTracker()
	ct.Insert(testFlow(6), "a", "t1", false)
	ct.Insert(testFlow(7), "b", "t1", false)
	ct.Insert(testFlow(8), "c", "t2", false)

	if n := ct.CountForTunnel("t1"); n != 2 {
		t.Fatalf("CountForTunnel(t1) = %d, want 2", n)
	}
	if n := ct.EvictTunnel("t1"); n != 2 {
		t.Fatalf("EvictTunnel(t1) = %d, want 2", n)
	}
	if n := ct.CountForTunnel("t1"); n != 0 {
		t.Fatalf("CountForTunnel(t1) after evict = %d", n)
	}
	if n := ct.CountForTunnel("t2"); n != 1 {
		t.Fatalf("CountForTunnel(t2) = %d, want 1", n)
	}
}

// TestShardDistribution sanity-checks that distinct flows do not all land in
// one shard.
func TestShardDistribution(t *testing.T) {
	seen := make(map[uint32]bool)
	for i := 0; i < 256; i++ {
		key := testFlow(i)
		key.SrcPort = uint16(i * 131)
		seen[shardIndex(key)] = true
	}
	if len(seen) < numShards/2 {
		t.Fatalf("only %d of %d shards used", len(seen), numShards)
	}
}
