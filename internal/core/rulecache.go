package core

import (
	"context"
	"sync/atomic"
)

// ruleSnapshot is an immutable app→rule map. Replaced wholesale, never
// mutated in place.
type ruleSnapshot map[string]RoutingRule

// RuleCache holds the current routing rule snapshot. Lookup is lock-free
// and safe to call from the packet-routing hot path; Apply atomically swaps
// the whole snapshot so concurrent lookups never observe a partially
// updated rule set.
//
// The cache is a pure consumer of the external rule store: Subscribe drains
// the store's change feed and applies each emitted snapshot. A lookup served
// from a not-yet-applied snapshot is a staleness window, not a correctness
// violation — rule changes apply to new flows only.
type RuleCache struct {
	snap atomic.Pointer[ruleSnapshot]
	bus  *EventBus
}

// NewRuleCache creates a cache holding the given initial rules.
func NewRuleCache(rules []RoutingRule, bus *EventBus) *RuleCache {
	rc := &RuleCache{bus: bus}
	rc.Apply(rules)
	return rc
}

// Lookup returns the rule for an application identity. Unknown identities
// yield ok=false; the caller decides between direct routing and dropping.
func (rc *RuleCache) Lookup(appID string) (RoutingRule, bool) {
	snap := rc.snap.Load()
	rule, ok := (*snap)[appID]
	return rule, ok
}

// Apply replaces the entire rule snapshot atomically.
// Later rules win when a snapshot carries duplicates for one app, matching
// the at-most-one-active-rule invariant of the rule store.
func (rc *RuleCache) Apply(rules []RoutingRule) {
	next := make(ruleSnapshot, len(rules))
	for _, r := range rules {
		next[r.AppID] = r
	}
	rc.snap.Store(&next)

	Log.Infof("Rules", "Applied snapshot with %d rules", len(next))
	if rc.bus != nil {
		rc.bus.Publish(Event{
			Type:    EventRuleSnapshotApplied,
			Payload: RuleSnapshotPayload{RuleCount: len(next)},
		})
	}
}

// Len returns the number of rules in the current snapshot.
func (rc *RuleCache) Len() int {
	return len(*rc.snap.Load())
}

// Subscribe consumes full rule snapshots from the external rule store feed
// until ctx is cancelled or the feed closes. Each received snapshot replaces
// the previous one; intermediate snapshots may be skipped if the feed
// outpaces the consumer, which is fine — only the latest matters.
func (rc *RuleCache) Subscribe(ctx context.Context, feed <-chan []RoutingRule) {
	for {
		select {
		case <-ctx.Done():
			return
		case rules, ok := <-feed:
			if !ok {
				Log.Infof("Rules", "Rule feed closed")
				return
			}
			rc.Apply(rules)
		}
	}
}
