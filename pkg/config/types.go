// Package config holds the vrhostd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/psaab/vrhost/pkg/csum"
	"github.com/psaab/vrhost/pkg/iface"
	"github.com/psaab/vrhost/pkg/logging"
)

// Fabric backends.
const (
	BackendMemory   = "memory"
	BackendAFPacket = "afpacket"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the root configuration.
type Config struct {
	Log        LogConfig         `yaml:"log"`
	Checksum   ChecksumConfig    `yaml:"checksum"`
	Fabric     FabricConfig      `yaml:"fabric"`
	Split      SplitConfig       `yaml:"split"`
	Agent      AgentConfig       `yaml:"agent"`
	API        APIConfig         `yaml:"api"`
	GRPC       GRPCConfig        `yaml:"grpc"`
	Events     EventsConfig      `yaml:"events"`
	Syslog     []SyslogConfig    `yaml:"syslog"`
	Interfaces []InterfaceConfig `yaml:"interfaces"`
}

// LogConfig controls the daemon log.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ChecksumConfig selects the checksum correction strategy.
type ChecksumConfig struct {
	Strategy string `yaml:"strategy"` // fixup (default) or software
}

// FabricConfig selects and tunes the fabric backend.
type FabricConfig struct {
	Backend string `yaml:"backend"`
	// MaxCopy bounds copied contiguous views; 0 is unlimited, negative
	// disables copying.
	MaxCopy int `yaml:"max_copy"`
	// PortMapPin is the bpffs directory holding the pinned port map. Empty
	// keeps port mappings in process.
	PortMapPin string `yaml:"port_map_pin"`
	// AllocLimit caps header allocations of the memory backend.
	AllocLimit int `yaml:"alloc_limit"`
}

// SplitConfig tunes the packet splitter.
type SplitConfig struct {
	MaxSegments int `yaml:"max_segments"`
}

// AgentConfig sizes the agent (pkt0) queue.
type AgentConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// APIConfig configures the HTTP management API. Without users or keys the
// API is open.
type APIConfig struct {
	Listen  string            `yaml:"listen"` // empty disables the API
	Users   map[string]string `yaml:"users"`  // basic auth: name -> password
	APIKeys []string          `yaml:"api_keys"`
}

// MinAPIKeyLen is the shortest API key accepted.
const MinAPIKeyLen = 16

// GRPCConfig configures the gRPC health service.
type GRPCConfig struct {
	Listen        string        `yaml:"listen"` // empty disables the service
	CheckInterval time.Duration `yaml:"check_interval"`
}

// EventsConfig configures the pipeline event buffer and its file sink.
type EventsConfig struct {
	BufferSize int    `yaml:"buffer_size"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxFiles   int    `yaml:"max_files"`
}

// SyslogConfig is one remote syslog server.
type SyslogConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Facility string `yaml:"facility"`
	Severity string `yaml:"severity"` // error, warning, info; empty sends all
}

// InterfaceConfig is a statically configured interface.
type InterfaceConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	ID       uint32 `yaml:"id"`
	MTU      int    `yaml:"mtu"`
	Port     uint32 `yaml:"port"`
	NIC      int    `yaml:"nic"`
	VRF      uint32 `yaml:"vrf"`
	Bridge   string `yaml:"bridge"`
	XConnect bool   `yaml:"xconnect"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Checksum.Strategy == "" {
		c.Checksum.Strategy = string(csum.StrategyFixup)
	}
	if c.Fabric.Backend == "" {
		c.Fabric.Backend = BackendMemory
	}
	if c.Agent.QueueSize == 0 {
		c.Agent.QueueSize = 256
	}
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 1000
	}
	if c.GRPC.CheckInterval == 0 {
		c.GRPC.CheckInterval = 5 * time.Second
	}
	for i := range c.Syslog {
		if c.Syslog[i].Port == 0 {
			c.Syslog[i].Port = 514
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		bad("log level %q", c.Log.Level)
	}
	switch csum.Strategy(c.Checksum.Strategy) {
	case csum.StrategyFixup, csum.StrategySoftware:
	default:
		bad("checksum strategy %q", c.Checksum.Strategy)
	}
	switch c.Fabric.Backend {
	case BackendMemory, BackendAFPacket:
	default:
		bad("fabric backend %q", c.Fabric.Backend)
	}
	if c.Split.MaxSegments < 0 {
		bad("split max_segments %d", c.Split.MaxSegments)
	}
	if c.Agent.QueueSize < 0 {
		bad("agent queue_size %d", c.Agent.QueueSize)
	}
	if c.Events.BufferSize < 1 {
		bad("events buffer_size %d", c.Events.BufferSize)
	}
	if c.API.Listen != "" {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			bad("api listen %q: %v", c.API.Listen, err)
		}
	}
	for name, pass := range c.API.Users {
		if name == "" || strings.Contains(name, ":") {
			bad("api user %q", name)
		}
		if pass == "" {
			bad("api user %s without password", name)
		}
	}
	keys := make(map[string]bool, len(c.API.APIKeys))
	for n, k := range c.API.APIKeys {
		if len(k) < MinAPIKeyLen {
			bad("api key %d shorter than %d characters", n, MinAPIKeyLen)
		}
		if keys[k] {
			bad("api key %d listed twice", n)
		}
		keys[k] = true
	}
	if c.GRPC.Listen != "" {
		if _, _, err := net.SplitHostPort(c.GRPC.Listen); err != nil {
			bad("grpc listen %q: %v", c.GRPC.Listen, err)
		}
		if c.GRPC.CheckInterval < 0 {
			bad("grpc check_interval %s", c.GRPC.CheckInterval)
		}
	}
	for _, s := range c.Syslog {
		if s.Host == "" {
			bad("syslog server without host")
		}
		if s.Port < 1 || s.Port > 65535 {
			bad("syslog port %d", s.Port)
		}
		if s.Severity != "" && logging.ParseSeverity(s.Severity) == 0 {
			bad("syslog severity %q", s.Severity)
		}
	}

	names := make(map[string]bool, len(c.Interfaces))
	ids := make(map[uint32]string, len(c.Interfaces))
	physical := ""
	for _, ic := range c.Interfaces {
		if ic.Name == "" {
			bad("interface without name")
			continue
		}
		if names[ic.Name] {
			bad("interface %s defined twice", ic.Name)
		}
		names[ic.Name] = true
		if other, ok := ids[ic.ID]; ok {
			bad("interface %s reuses id %d of %s", ic.Name, ic.ID, other)
		}
		ids[ic.ID] = ic.Name

		k, ok := iface.ParseKind(ic.Kind)
		if !ok {
			bad("interface %s kind %q", ic.Name, ic.Kind)
			continue
		}
		if k == iface.KindPhysical {
			if physical != "" {
				bad("interfaces %s and %s are both physical", physical, ic.Name)
			}
			physical = ic.Name
		}
		if ic.MTU < 0 {
			bad("interface %s mtu %d", ic.Name, ic.MTU)
		}
	}
	for _, ic := range c.Interfaces {
		if ic.Bridge != "" && !names[ic.Bridge] {
			bad("interface %s bridged to unknown %s", ic.Name, ic.Bridge)
		}
	}
	return errors.Join(errs...)
}

// Interface converts ic into a registry record. Bridge links are resolved
// by the caller once all interfaces exist.
func (ic InterfaceConfig) Interface() (*iface.Interface, error) {
	k, ok := iface.ParseKind(ic.Kind)
	if !ok {
		return nil, fmt.Errorf("%w: interface %s kind %q", ErrInvalid, ic.Name, ic.Kind)
	}
	spec := iface.SpecFor(k)
	if v, ok := spec.(iface.Virtual); ok {
		v.VRF = ic.VRF
		spec = v
	}
	return &iface.Interface{
		Name:     ic.Name,
		ID:       ic.ID,
		MTU:      ic.MTU,
		Port:     ic.Port,
		NIC:      ic.NIC,
		XConnect: ic.XConnect,
		Spec:     spec,
	}, nil
}

// FileSinkConfig returns the event file sink settings, or false when no
// event file is configured.
func (e EventsConfig) FileSinkConfig() (logging.FileSinkConfig, bool) {
	if e.File == "" {
		return logging.FileSinkConfig{}, false
	}
	return logging.FileSinkConfig{
		Path:     e.File,
		MaxSize:  int64(e.MaxSizeMB) << 20,
		MaxFiles: e.MaxFiles,
	}, true
}
