// Package config loads the static bootstrap configuration: node
// identity and listen addresses from the environment, pools, replicas
// and nexuses from a YAML file. The bootstrap is replayed through the
// same control core the HTTP API uses, so both paths create identical
// state.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default listen addresses.
const (
	DefaultControlAddr = ":9800"
	DefaultNvmfAddr    = ":8420"
	DefaultReplicaAddr = ":8430"
	DefaultIscsiAddr   = ":3260"
)

// Config is the full daemon configuration.
type Config struct {
	NodeName string `yaml:"node_name"`
	// Advertise is the address other nodes use to reach this node's
	// targets. Defaults to the resolved listen addresses.
	Advertise string `yaml:"advertise"`

	Listen Listen `yaml:"listen"`

	// AllowedHosts restricts which initiators may attach to published
	// nexuses. Empty allows any.
	AllowedHosts []string `yaml:"allowed_hosts"`

	Pools    []PoolConfig    `yaml:"pools"`
	Replicas []ReplicaConfig `yaml:"replicas"`
	Nexuses  []NexusConfig   `yaml:"nexuses"`
}

// Listen holds the per-transport listen addresses.
type Listen struct {
	Control     string `yaml:"control"`
	NvmfNexus   string `yaml:"nvmf_nexus"`
	NvmfReplica string `yaml:"nvmf_replica"`
	Iscsi       string `yaml:"iscsi"`
}

// PoolConfig declares one local storage pool.
type PoolConfig struct {
	Name          string   `yaml:"name"`
	Devices       []string `yaml:"devices"`
	CapacityBytes int64    `yaml:"capacity_bytes"`
}

// ReplicaConfig carves one replica at startup and optionally exports it
// for other nodes.
type ReplicaConfig struct {
	Pool      string `yaml:"pool"`
	UUID      string `yaml:"uuid"`
	SizeBytes uint64 `yaml:"size_bytes"`
	BlockSize uint32 `yaml:"block_size"`
	Share     bool   `yaml:"share"`
}

// NexusConfig declares one nexus over child URIs, optionally published
// at startup.
type NexusConfig struct {
	UUID      string   `yaml:"uuid"`
	SizeBytes uint64   `yaml:"size_bytes"`
	BlockSize uint32   `yaml:"block_size"`
	Children  []string `yaml:"children"`
	// Publish names a transport ("nvmf" or "iscsi") to share the nexus
	// on after creation. Empty leaves it unpublished.
	Publish string `yaml:"publish"`
}

// Load reads the YAML file at path. An empty path yields a default
// configuration with no bootstrap objects.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv loads .env if present, then builds a config from NEXUS_*
// variables plus the YAML file named by NEXUS_CONFIG. Environment
// values override the file.
func FromEnv() (*Config, error) {
	// A missing .env is fine; explicit variables still apply.
	godotenv.Load()

	cfg, err := Load(os.Getenv("NEXUS_CONFIG"))
	if err != nil {
		return nil, err
	}
	overlay := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	overlay(&cfg.NodeName, "NEXUS_NODE_NAME")
	overlay(&cfg.Advertise, "NEXUS_ADVERTISE")
	overlay(&cfg.Listen.Control, "NEXUS_CONTROL_ADDR")
	overlay(&cfg.Listen.NvmfNexus, "NEXUS_NVMF_ADDR")
	overlay(&cfg.Listen.NvmfReplica, "NEXUS_REPLICA_ADDR")
	overlay(&cfg.Listen.Iscsi, "NEXUS_ISCSI_ADDR")
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NodeName == "" {
		c.NodeName, _ = os.Hostname()
	}
	if c.Listen.Control == "" {
		c.Listen.Control = DefaultControlAddr
	}
	if c.Listen.NvmfNexus == "" {
		c.Listen.NvmfNexus = DefaultNvmfAddr
	}
	if c.Listen.NvmfReplica == "" {
		c.Listen.NvmfReplica = DefaultReplicaAddr
	}
	if c.Listen.Iscsi == "" {
		c.Listen.Iscsi = DefaultIscsiAddr
	}
}

func (c *Config) validate() error {
	pools := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if p.Name == "" || len(p.Devices) == 0 || p.CapacityBytes <= 0 {
			return fmt.Errorf("pool %q: name, devices and capacity_bytes are required", p.Name)
		}
		if pools[p.Name] {
			return fmt.Errorf("pool %q declared twice", p.Name)
		}
		pools[p.Name] = true
	}
	for _, r := range c.Replicas {
		if r.UUID == "" || r.SizeBytes == 0 || r.BlockSize == 0 {
			return fmt.Errorf("replica %q: uuid, size_bytes and block_size are required", r.UUID)
		}
		if !pools[r.Pool] {
			return fmt.Errorf("replica %q: unknown pool %q", r.UUID, r.Pool)
		}
	}
	for _, n := range c.Nexuses {
		if n.UUID == "" || n.SizeBytes == 0 || n.BlockSize == 0 {
			return fmt.Errorf("nexus %q: uuid, size_bytes and block_size are required", n.UUID)
		}
		if len(n.Children) == 0 {
			return fmt.Errorf("nexus %q: at least one child is required", n.UUID)
		}
		switch n.Publish {
		case "", "nvmf", "iscsi":
		default:
			return fmt.Errorf("nexus %q: unknown publish transport %q", n.UUID, n.Publish)
		}
	}
	return nil
}
