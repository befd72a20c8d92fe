package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"multitun/internal/core"
)

// FlowKey identifies one active IPv4 connection by its 5-tuple.
// Immutable; used as a lookup key only.
type FlowKey struct {
	Proto   uint8 // 6 = TCP, 17 = UDP
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%d %d.%d.%d.%d:%d->%d.%d.%d.%d:%d",
		k.Proto,
		k.SrcIP[0], k.SrcIP[1], k.SrcIP[2], k.SrcIP[3], k.SrcPort,
		k.DstIP[0], k.DstIP[1], k.DstIP[2], k.DstIP[3], k.DstPort)
}

// ConnEntry binds a flow to the application that opened it and the tunnel
// carrying it. The binding is stable for the lifetime of the flow even if
// the rule snapshot changes — rule changes apply to new flows only, so a
// mid-stream tunnel switch never breaks transport state.
//
// An empty TunnelID marks a blocked flow: establishment failed and the rule
// forbade direct fallback.
type ConnEntry struct {
	lastActivity int64 // atomic; Unix seconds

	Key            FlowKey
	AppID          string
	TunnelID       string
	FallbackDirect bool
}

// ---------------------------------------------------------------------------
// Sharded flow table — 64 shards reduce RWMutex contention
// ---------------------------------------------------------------------------

const numShards = 64

type connShard struct {
	mu sync.RWMutex
	m  map[FlowKey]*ConnEntry
}

// shardIndex selects a shard using FNV-1a over the flow key fields.
func shardIndex(k FlowKey) uint32 {
	h := uint32(2166136261)
	mix := func(b byte) { h = (h ^ uint32(b)) * 16777619 }
	mix(k.Proto)
	for _, b := range k.SrcIP {
		mix(b)
	}
	for _, b := range k.DstIP {
		mix(b)
	}
	mix(byte(k.SrcPort >> 8))
	mix(byte(k.SrcPort))
	mix(byte(k.DstPort >> 8))
	mix(byte(k.DstPort))
	return h & (numShards - 1)
}

// ConnTracker is the concurrency-safe flow table. Reads come from the
// interface reader's hot path; inserts happen on every new flow.
type ConnTracker struct {
	shards [numShards]connShard

	// Cached Unix timestamp (seconds), updated every 250ms. Hot-path
	// activity stamping never calls time.Now.
	nowSec atomic.Int64
}

// NewConnTracker creates an initialized tracker.
func NewConnTracker() *ConnTracker {
	ct := &ConnTracker{}
	for i := range ct.shards {
		ct.shards[i].m = make(map[FlowKey]*ConnEntry)
	}
	ct.nowSec.Store(time.Now().Unix())
	return ct
}

// NowSec returns the cached Unix timestamp.
func (ct *ConnTracker) NowSec() int64 { return ct.nowSec.Load() }

// StartTimestampUpdater launches a goroutine that refreshes the cached
// timestamp every 250ms.
func (ct *ConnTracker) StartTimestampUpdater(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ct.nowSec.Store(time.Now().Unix())
			}
		}
	}()
}

// Lookup returns the entry for a flow, if classified before.
func (ct *ConnTracker) Lookup(k FlowKey) (*ConnEntry, bool) {
	shard := &ct.shards[shardIndex(k)]
	shard.mu.RLock()
	e, ok := shard.m[k]
	shard.mu.RUnlock()
	return e, ok
}

// Insert classifies a flow. Idempotent: concurrent inserts for the same key
// resolve to a single winner, and the loser's values are discarded. Returns
// the surviving entry and whether this call created it.
func (ct *ConnTracker) Insert(k FlowKey, appID, tunnelID string, fallbackDirect bool) (*ConnEntry, bool) {
	shard := &ct.shards[shardIndex(k)]

	shard.mu.RLock()
	e, ok := shard.m[k]
	shard.mu.RUnlock()
	if ok {
		return e, false
	}

	shard.mu.Lock()
	if e, ok = shard.m[k]; ok {
		shard.mu.Unlock()
		return e, false
	}
	e = &ConnEntry{
		lastActivity:   ct.nowSec.Load(),
		Key:            k,
		AppID:          appID,
		TunnelID:       tunnelID,
		FallbackDirect: fallbackDirect,
	}
	shard.m[k] = e
	shard.mu.Unlock()
	return e, true
}

// Touch stamps the entry's last activity with the cached clock.
func (ct *ConnTracker) Touch(e *ConnEntry) {
	atomic.StoreInt64(&e.lastActivity, ct.nowSec.Load())
}

// LastActivity returns the entry's last-activity Unix time.
func (ct *ConnTracker) LastActivity(e *ConnEntry) int64 {
	return atomic.LoadInt64(&e.lastActivity)
}

// EvictStale removes entries idle longer than ttl. Returns the count removed.
func (ct *ConnTracker) EvictStale(now int64, ttl int64) int {
	total := 0
	for i := range ct.shards {
		shard := &ct.shards[i]
		var stale []FlowKey

		shard.mu.RLock()
		for key, e := range shard.m {
			if now-atomic.LoadInt64(&e.lastActivity) > ttl {
				stale = append(stale, key)
			}
		}
		shard.mu.RUnlock()

		if len(stale) > 0 {
			shard.mu.Lock()
			for _, key := range stale {
				delete(shard.m, key)
			}
			shard.mu.Unlock()
			total += len(stale)
		}
	}
	return total
}

// EvictTunnel removes all entries bound to a tunnel. Used on explicit
// tunnel unregistration.
func (ct *ConnTracker) EvictTunnel(tunnelID string) int {
	total := 0
	for i := range ct.shards {
		shard := &ct.shards[i]
		shard.mu.Lock()
		for key, e := range shard.m {
			if e.TunnelID == tunnelID {
				delete(shard.m, key)
				total++
			}
		}
		shard.mu.Unlock()
	}
	return total
}

// CountForTunnel returns the number of live flows referencing a tunnel.
// Drives the idle-teardown policy.
func (ct *ConnTracker) CountForTunnel(tunnelID string) int {
	total := 0
	for i := range ct.shards {
		shard := &ct.shards[i]
		shard.mu.RLock()
		for _, e := range shard.m {
			if e.TunnelID == tunnelID {
				total++
			}
		}
		shard.mu.RUnlock()
	}
	return total
}

// Len returns the total number of tracked flows.
func (ct *ConnTracker) Len() int {
	total := 0
	for i := range ct.shards {
		shard := &ct.shards[i]
		shard.mu.RLock()
		total += len(shard.m)
		shard.mu.RUnlock()
	}
	return total
}

// StartCleanup periodically evicts stale entries.
func (ct *ConnTracker) StartCleanup(ctx context.Context, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := ct.EvictStale(time.Now().Unix(), int64(ttl.Seconds())); n > 0 {
					core.Log.Debugf("Flows", "Evicted %d stale flows", n)
				}
			}
		}
	}()
}
