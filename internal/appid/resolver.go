// Package appid attributes network flows to the local applications that
// opened them, using the OS socket and process tables.
package appid

import (
	"path/filepath"
	"strings"
	"sync"

	"multitun/internal/engine"
)

// cachedExe holds a cached process path with the pre-computed app ID.
type cachedExe struct {
	exePath string
	appID   string // lowercase base name, what rules match against
}

// Resolver maps a flow's source socket to the owning process and returns
// its application ID: the lowercase base name of the executable. Called
// once per flow, on its first packet; the flow table pins the result.
type Resolver struct {
	mu    sync.RWMutex
	cache map[int]*cachedExe // PID → cached path info
}

// NewResolver creates a resolver with an empty process cache.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[int]*cachedExe)}
}

// Resolve finds the application that owns the flow's source socket.
// Returns an error when the socket or its process cannot be found — the
// caller drops the packet rather than routing it blind.
func (r *Resolver) Resolve(key engine.FlowKey) (string, error) {
	pid, err := queryFlowPID(key)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	ce := r.cache[pid]
	r.mu.RUnlock()
	if ce != nil {
		return ce.appID, nil
	}

	path, err := queryProcessPath(pid)
	if err != nil {
		return "", err
	}
	ce = &cachedExe{
		exePath: path,
		appID:   strings.ToLower(filepath.Base(path)),
	}

	r.mu.Lock()
	r.cache[pid] = ce
	r.mu.Unlock()
	return ce.appID, nil
}

// Invalidate removes a PID from the cache (call when the process exits).
func (r *Resolver) Invalidate(pid int) {
	r.mu.Lock()
	delete(r.cache, pid)
	r.mu.Unlock()
}

// Static is a resolver that attributes every flow to one fixed application.
// Useful for per-namespace deployments where all traffic belongs to a
// single app, and in tests.
type Static struct {
	AppID string
}

func (s Static) Resolve(engine.FlowKey) (string, error) {
	return s.AppID, nil
}
