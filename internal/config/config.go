// Package config loads the muxer's yaml configuration: guest identity,
// flow-control sizing, the handshake grace period, and the per-port
// backend map.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBufAlloc         = 64 * 1024
	DefaultHandshakeTimeout = 10 * time.Second
)

// Backend kinds accepted in a port entry.
const (
	BackendUnix  = "unix"
	BackendTCP   = "tcp"
	BackendVsock = "vsock"
)

// Duration wraps time.Duration with yaml support for values like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level device-backend configuration.
type Config struct {
	GuestCID uint64 `yaml:"guestCID"`

	// BufAlloc is the receive capacity advertised per connection.
	BufAlloc uint32 `yaml:"bufAlloc,omitempty"`

	// HandshakeTimeout bounds how long a connection may stay in a
	// handshake state before it is reset. "0s" disables the sweep.
	HandshakeTimeout Duration `yaml:"handshakeTimeout,omitempty"`

	Ports []PortForward `yaml:"ports,omitempty"`
}

// PortForward maps one guest-facing port to a host backend.
type PortForward struct {
	Port    uint32 `yaml:"port"`
	Backend string `yaml:"backend"`

	// Path is the unix socket to dial (backend: unix).
	Path string `yaml:"path,omitempty"`

	// Address is the host:port to dial (backend: tcp).
	Address string `yaml:"address,omitempty"`

	// CID/VsockPort name the passthrough target (backend: vsock).
	CID       uint32 `yaml:"cid,omitempty"`
	VsockPort uint32 `yaml:"vsockPort,omitempty"`

	// HostListen optionally accepts host connections on this unix socket
	// and forwards each one into the guest at Port.
	HostListen string `yaml:"hostListen,omitempty"`
}

func (c *Config) normalize() {
	if c.BufAlloc == 0 {
		c.BufAlloc = DefaultBufAlloc
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = Duration(DefaultHandshakeTimeout)
	}
}

func (c *Config) validate() error {
	if c.GuestCID < 3 {
		return fmt.Errorf("config: guestCID must be 3 or greater, got %d", c.GuestCID)
	}

	seen := make(map[uint32]bool)
	for i, p := range c.Ports {
		if p.Port == 0 {
			return fmt.Errorf("config: ports[%d]: port is required", i)
		}
		if seen[p.Port] {
			return fmt.Errorf("config: duplicate port %d", p.Port)
		}
		seen[p.Port] = true

		switch p.Backend {
		case BackendUnix:
			if p.Path == "" {
				return fmt.Errorf("config: ports[%d]: unix backend requires path", i)
			}
		case BackendTCP:
			if p.Address == "" {
				return fmt.Errorf("config: ports[%d]: tcp backend requires address", i)
			}
		case BackendVsock:
			if p.VsockPort == 0 {
				return fmt.Errorf("config: ports[%d]: vsock backend requires vsockPort", i)
			}
		default:
			return fmt.Errorf("config: ports[%d]: unknown backend %q", i, p.Backend)
		}
	}
	return nil
}

// Parse decodes, defaults, and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}
