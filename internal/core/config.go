package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TunnelState represents the lifecycle state of a tunnel.
type TunnelState int

const (
	TunnelStateIdle TunnelState = iota
	TunnelStateConnecting
	TunnelStateEstablished
	TunnelStateActive
	TunnelStateDegraded
	TunnelStateDisconnected
)

func (s TunnelState) String() string {
	switch s {
	case TunnelStateIdle:
		return "idle"
	case TunnelStateConnecting:
		return "connecting"
	case TunnelStateEstablished:
		return "established"
	case TunnelStateActive:
		return "active"
	case TunnelStateDegraded:
		return "degraded"
	case TunnelStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// TunnelDirect is the pseudo tunnel ID routing traffic outside any tunnel.
const TunnelDirect = "direct"

// RoutingRule maps an application identity to a target tunnel.
// At most one rule per application identity per snapshot.
type RoutingRule struct {
	// AppID is the application identity (e.g. package name or executable id).
	AppID string `yaml:"app_id"`
	// TunnelID identifies which tunnel to route through, or "direct".
	TunnelID string `yaml:"tunnel_id"`
	// FallbackDirect allows direct routing when the tunnel cannot be
	// established; otherwise the flow's traffic is dropped.
	FallbackDirect bool `yaml:"fallback_direct,omitempty"`
}

// TunnelConfig holds the configuration for a single tunnel.
type TunnelConfig struct {
	// ID is a stable caller-chosen identifier, e.g. "eu-west".
	ID       string `yaml:"id"`
	Protocol string `yaml:"protocol"` // "wireguard", "direct"

	// Servers are candidate remote endpoints ("host:port") in stable order.
	// The JIT orchestrator probes them and connects to the lowest-latency one.
	Servers []string `yaml:"servers,omitempty"`

	// ProbeMode selects how candidates are probed: "dial" (TCP connect time)
	// or "dns" (UDP DNS round-trip). Empty means "dial".
	ProbeMode string `yaml:"probe_mode,omitempty"`

	// Protocol-specific configuration stored as a generic map.
	// Parsed by the corresponding backend.
	Settings map[string]any `yaml:"settings,omitempty"`
}

// BufferConfig bounds the JIT packet buffers and the endpoint receive queues.
type BufferConfig struct {
	FlowMaxPackets int `yaml:"flow_max_packets"` // per pending flow
	FlowMaxBytes   int `yaml:"flow_max_bytes"`   // per pending flow
	GlobalMaxBytes int `yaml:"global_max_bytes"` // across all pending flows
	RecvQueueLen   int `yaml:"recv_queue_len"`   // per-tunnel inbound channel
}

// TimeoutConfig holds the engine timeouts as duration strings ("20s", "5m").
type TimeoutConfig struct {
	Establish    string `yaml:"establish,omitempty"`     // hard, triggers fallback
	Idle         string `yaml:"idle,omitempty"`          // soft, lazy teardown
	FlowTTL      string `yaml:"flow_ttl,omitempty"`      // connection entry eviction
	Probe        string `yaml:"probe,omitempty"`         // per-candidate latency probe
	ReconnectMin string `yaml:"reconnect_min,omitempty"` // backoff floor
	ReconnectMax string `yaml:"reconnect_max,omitempty"` // backoff ceiling
}

// InterfaceConfig describes the local virtual interface.
type InterfaceConfig struct {
	Name string `yaml:"name,omitempty"`
	MTU  int    `yaml:"mtu,omitempty"`
}

// Config is the root engine configuration.
type Config struct {
	Log       LogConfig       `yaml:"log,omitempty"`
	Interface InterfaceConfig `yaml:"interface,omitempty"`
	Buffers   BufferConfig    `yaml:"buffers,omitempty"`
	Timeouts  TimeoutConfig   `yaml:"timeouts,omitempty"`

	// DefaultDirect routes packets with no matching rule directly instead
	// of dropping them.
	DefaultDirect bool `yaml:"default_direct"`

	Tunnels []TunnelConfig `yaml:"tunnels"`
	Rules   []RoutingRule  `yaml:"rules"`
}

// Default values applied by Normalize.
const (
	DefaultMTU            = 1420
	DefaultFlowMaxPackets = 64
	DefaultFlowMaxBytes   = 256 * 1024
	DefaultGlobalMaxBytes = 4 * 1024 * 1024
	DefaultRecvQueueLen   = 512
)

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Interface.MTU <= 0 {
		c.Interface.MTU = DefaultMTU
	}
	if c.Buffers.FlowMaxPackets <= 0 {
		c.Buffers.FlowMaxPackets = DefaultFlowMaxPackets
	}
	if c.Buffers.FlowMaxBytes <= 0 {
		c.Buffers.FlowMaxBytes = DefaultFlowMaxBytes
	}
	if c.Buffers.GlobalMaxBytes <= 0 {
		c.Buffers.GlobalMaxBytes = DefaultGlobalMaxBytes
	}
	if c.Buffers.RecvQueueLen <= 0 {
		c.Buffers.RecvQueueLen = DefaultRecvQueueLen
	}
}

// Validate rejects configs the engine cannot run with.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Tunnels))
	for _, t := range c.Tunnels {
		if t.ID == "" {
			return fmt.Errorf("tunnel with empty id")
		}
		if t.ID == TunnelDirect {
			return fmt.Errorf("tunnel id %q is reserved", TunnelDirect)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tunnel id %q", t.ID)
		}
		seen[t.ID] = true
	}

	apps := make(map[string]bool, len(c.Rules))
	for _, r := range c.Rules {
		if r.AppID == "" {
			return fmt.Errorf("rule with empty app_id")
		}
		if apps[r.AppID] {
			return fmt.Errorf("duplicate rule for app %q", r.AppID)
		}
		apps[r.AppID] = true
		if r.TunnelID != TunnelDirect && !seen[r.TunnelID] {
			return fmt.Errorf("rule for app %q references unknown tunnel %q", r.AppID, r.TunnelID)
		}
	}
	return nil
}

// Duration parses a duration string, returning def on empty or invalid input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
