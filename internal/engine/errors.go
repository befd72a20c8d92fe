package engine

import "errors"

// Routing failure taxonomy. Every failure degrades a single flow or tunnel;
// nothing here is fatal to the router.
var (
	// ErrClassificationUnavailable means the identity resolver failed for a
	// new flow. The packet is dropped, never routed blind.
	ErrClassificationUnavailable = errors.New("classification unavailable")
	// ErrNoRuleMatch means no rule exists for the application and policy
	// forbids direct routing.
	ErrNoRuleMatch = errors.New("no rule match")
	// ErrEstablishTimeout means a JIT tunnel did not come up within the
	// hard establishment timeout.
	ErrEstablishTimeout = errors.New("tunnel establishment timeout")
)
