package engine

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"multitun/internal/core"
)

// ProbeMode selects how candidate servers are measured.
type ProbeMode int

const (
	// ProbeDial times a TCP connect to the candidate. Cheapest signal that
	// works for any server exposing a TCP port.
	ProbeDial ProbeMode = iota
	// ProbeDNS times a UDP DNS round-trip against the candidate — for
	// servers that answer DNS (or echo) on their probe port.
	ProbeDNS
)

// ParseProbeMode maps config strings to a ProbeMode, defaulting to dial.
func ParseProbeMode(s string) ProbeMode {
	if s == "dns" {
		return ProbeDNS
	}
	return ProbeDial
}

// Prober measures candidate-server latency before tunnel establishment.
// This is a handshake-time measurement, not a full connection: the winner
// is handed to the backend, which does the real protocol handshake.
type Prober struct {
	timeout time.Duration
}

// NewProber creates a prober with a per-candidate timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Prober{timeout: timeout}
}

// Best probes all candidates concurrently and returns the lowest-latency
// one. Ties break by stable list order. When every probe fails, the first
// candidate is returned so establishment can still be attempted — the
// backend's own connect timeout decides its fate.
func (p *Prober) Best(ctx context.Context, servers []string, mode ProbeMode) (string, error) {
	if len(servers) == 0 {
		return "", fmt.Errorf("no candidate servers")
	}
	if len(servers) == 1 {
		return servers[0], nil
	}

	rtts := make([]time.Duration, len(servers))
	valid := make([]bool, len(servers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, server := range servers {
		i, server := i, server
		g.Go(func() error {
			rtt, err := p.probe(gctx, server, mode)
			if err != nil {
				core.Log.Debugf("Probe", "%s unreachable: %v", server, err)
				return nil // one dead candidate must not cancel the rest
			}
			mu.Lock()
			rtts[i] = rtt
			valid[i] = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	for i := range servers {
		if !valid[i] {
			continue
		}
		if best < 0 || rtts[i] < rtts[best] {
			best = i
		}
	}
	if best < 0 {
		core.Log.Warnf("Probe", "All %d candidates unreachable, falling back to list order", len(servers))
		return servers[0], nil
	}

	core.Log.Infof("Probe", "Selected %s (rtt=%s, %d candidates)", servers[best], rtts[best], len(servers))
	return servers[best], nil
}

func (p *Prober) probe(ctx context.Context, server string, mode ProbeMode) (time.Duration, error) {
	if mode == ProbeDNS {
		return p.probeDNS(ctx, server)
	}
	return p.probeDial(ctx, server)
}

// probeDial measures the TCP connect time to the candidate.
func (p *Prober) probeDial(ctx context.Context, server string) (time.Duration, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	d := net.Dialer{}
	start := time.Now()
	conn, err := d.DialContext(dialCtx, "tcp", server)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	conn.Close()
	return rtt, nil
}

// probeDNS measures a UDP DNS round-trip: a minimal root-zone query, any
// well-formed answer counts.
func (p *Prober) probeDNS(ctx context.Context, server string) (time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(".", dns.TypeNS)

	c := &dns.Client{Net: "udp", Timeout: p.timeout}
	_, rtt, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return 0, err
	}
	return rtt, nil
}
