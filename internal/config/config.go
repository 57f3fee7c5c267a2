// Package config provides the file and environment configuration for a
// vaultgate node: its identity and listener, network tuning, the default
// permission policy and per-peer grants.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/vaultgate/vaultgate/internal/domain/access"
	"github.com/vaultgate/vaultgate/internal/domain/firewall"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
	"github.com/vaultgate/vaultgate/internal/port"
	"github.com/vaultgate/vaultgate/internal/service"
)

// Config is the top-level node configuration.
type Config struct {
	// Node configures the local listener, identity and housekeeping paths.
	Node NodeConfig `yaml:"node" mapstructure:"node"`

	// Network tunes timeouts, connection limits and discovery.
	Network NetworkConfig `yaml:"network" mapstructure:"network"`

	// Permissions is the default policy applied to peers without an
	// explicit entry. When omitted, nothing is permitted.
	Permissions PermissionsConfig `yaml:"permissions" mapstructure:"permissions"`

	// Peers grants individual peers their own policy, dial addresses and
	// optional expression rule.
	Peers []PeerConfig `yaml:"peers" mapstructure:"peers" validate:"omitempty,dive"`

	// DevMode enables development defaults (debug logging, permissive
	// default policy).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// NodeConfig configures the local node.
type NodeConfig struct {
	// ListenAddr is the "host:port" the transport binds. Defaults to
	// "127.0.0.1:7654".
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`

	// MetricsAddr serves Prometheus metrics when set (e.g. "127.0.0.1:9464").
	// Empty disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: "debug", "info", "warn",
	// "error". Defaults to "info"; DevMode overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// IdentitySeedFile holds the node's 32-byte ed25519 seed. A fresh
	// identity is generated (and written there) when the file is absent.
	IdentitySeedFile string `yaml:"identity_seed_file" mapstructure:"identity_seed_file"`

	// AddressBookPath is the SQLite file persisting known peer addresses.
	// Defaults to "vaultgate.db".
	AddressBookPath string `yaml:"address_book_path" mapstructure:"address_book_path"`
}

// NetworkConfig tunes the transport and request handling.
type NetworkConfig struct {
	// RequestTimeout bounds one remote request end to end (e.g. "10s").
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout"`

	// ConnectionTimeout bounds dialing and handshaking a peer (e.g. "30s").
	ConnectionTimeout string `yaml:"connection_timeout" mapstructure:"connection_timeout"`

	// MaxEstablished caps concurrent inbound connections. Zero means no
	// limit.
	MaxEstablished int `yaml:"max_established" mapstructure:"max_established" validate:"min=0"`

	// MaxPending caps connections that have not finished the handshake.
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending" validate:"min=0"`

	// MaxPerPeer caps connections per remote peer.
	MaxPerPeer int `yaml:"max_per_peer" mapstructure:"max_per_peer" validate:"min=0"`

	// EnableMDNS turns on local peer discovery.
	EnableMDNS bool `yaml:"enable_mdns" mapstructure:"enable_mdns"`

	// EnableRelay permits routing traffic through relay peers.
	EnableRelay bool `yaml:"enable_relay" mapstructure:"enable_relay"`
}

// PermissionsConfig describes a permission policy: a base ("none" or "all")
// refined by per-client grants.
type PermissionsConfig struct {
	// Default is the base policy: "none" (deny everything, the default)
	// or "all".
	Default string `yaml:"default" mapstructure:"default" validate:"omitempty,oneof=none all"`

	// Clients refine the policy per client path.
	Clients []ClientGrant `yaml:"clients" mapstructure:"clients" validate:"omitempty,dive"`
}

// ClientGrant is the policy for one client path.
type ClientGrant struct {
	// ClientPath addresses the client the grant applies to.
	ClientPath string `yaml:"client_path" mapstructure:"client_path" validate:"required"`

	// Deny blocks the client outright, overriding the base policy. All
	// other fields are ignored when set.
	Deny bool `yaml:"deny" mapstructure:"deny"`

	// Use, Write and Clone are the vault capability defaults for vaults
	// without an explicit entry.
	Use   bool `yaml:"use" mapstructure:"use"`
	Write bool `yaml:"write" mapstructure:"write"`
	Clone bool `yaml:"clone" mapstructure:"clone"`

	// Vaults set per-vault exceptions to the defaults above.
	Vaults []VaultGrant `yaml:"vaults" mapstructure:"vaults" validate:"omitempty,dive"`

	// ReadStore and WriteStore gate the client's key-value store.
	ReadStore  bool `yaml:"read_store" mapstructure:"read_store"`
	WriteStore bool `yaml:"write_store" mapstructure:"write_store"`
}

// VaultGrant is a per-vault exception within a client grant.
type VaultGrant struct {
	VaultPath string `yaml:"vault_path" mapstructure:"vault_path" validate:"required"`
	Use       bool   `yaml:"use" mapstructure:"use"`
	Write     bool   `yaml:"write" mapstructure:"write"`
	Clone     bool   `yaml:"clone" mapstructure:"clone"`
}

// PeerConfig grants one peer its policy and records how to reach it.
type PeerConfig struct {
	// ID is the peer's identity: 64 lowercase hex characters.
	ID string `yaml:"id" mapstructure:"id" validate:"required,peer_id"`

	// Addresses are known "host:port" dial addresses.
	Addresses []string `yaml:"addresses" mapstructure:"addresses" validate:"omitempty,dive,hostname_port"`

	// Relay marks the peer usable as a traffic relay.
	Relay bool `yaml:"relay" mapstructure:"relay"`

	// Permissions is the peer's policy, replacing the default one.
	Permissions *PermissionsConfig `yaml:"permissions" mapstructure:"permissions"`

	// Rule is a CEL expression evaluated instead of Permissions when set.
	Rule string `yaml:"rule" mapstructure:"rule"`
}

// SetDefaults fills optional fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Node.ListenAddr == "" {
		c.Node.ListenAddr = "127.0.0.1:7654"
	}
	if c.Node.LogLevel == "" {
		c.Node.LogLevel = "info"
	}
	if c.Node.AddressBookPath == "" {
		c.Node.AddressBookPath = "vaultgate.db"
	}
	if c.Network.RequestTimeout == "" {
		c.Network.RequestTimeout = "10s"
	}
	if c.Network.ConnectionTimeout == "" {
		c.Network.ConnectionTimeout = "30s"
	}
}

// SetDevDefaults applies permissive development defaults. Call after any CLI
// flag overrides and before Validate.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Node.LogLevel = "debug"
	if c.Permissions.Default == "" && len(c.Permissions.Clients) == 0 {
		c.Permissions.Default = "all"
	}
}

// SlogLevel maps the configured log level to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Node.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Permissions builds the policy value from its config form.
func (p PermissionsConfig) Permissions() access.Permissions {
	var out access.Permissions
	if p.Default == "all" {
		out = access.AllowAll()
	} else {
		out = access.AllowNone()
	}
	for _, grant := range p.Clients {
		if grant.Deny {
			out = out.WithClientPermissions([]byte(grant.ClientPath), nil)
			continue
		}
		cp := grant.clientPermissions()
		out = out.WithClientPermissions([]byte(grant.ClientPath), &cp)
	}
	return out
}

func (g ClientGrant) clientPermissions() access.ClientPermissions {
	cp := access.NoClientPermissions().
		WithDefaultVaultAccess(g.Use, g.Write, g.Clone).
		WithStoreAccess(g.ReadStore, g.WriteStore)
	for _, v := range g.Vaults {
		cp = cp.WithVaultAccess([]byte(v.VaultPath), v.Use, v.Write, v.Clone)
	}
	return cp
}

// ServiceConfig converts the parsed config into the network service config.
// compileRule turns a peer's expression rule into a firewall rule; it is
// required only when a peer actually carries one.
func (c *Config) ServiceConfig(compileRule func(string) (firewall.Rule, error)) (service.NetworkConfig, error) {
	cfg := service.NewNetworkConfig(c.Permissions.Permissions())

	requestTimeout, err := time.ParseDuration(c.Network.RequestTimeout)
	if err != nil {
		return service.NetworkConfig{}, fmt.Errorf("network.request_timeout: %w", err)
	}
	connectionTimeout, err := time.ParseDuration(c.Network.ConnectionTimeout)
	if err != nil {
		return service.NetworkConfig{}, fmt.Errorf("network.connection_timeout: %w", err)
	}
	cfg = cfg.
		WithRequestTimeout(requestTimeout).
		WithConnectionTimeout(connectionTimeout).
		WithMDNSEnabled(c.Network.EnableMDNS).
		WithRelayEnabled(c.Network.EnableRelay)

	if c.Network.MaxEstablished > 0 || c.Network.MaxPending > 0 || c.Network.MaxPerPeer > 0 {
		cfg = cfg.WithConnectionsLimit(port.ConnectionLimits{
			MaxEstablished: c.Network.MaxEstablished,
			MaxPending:     c.Network.MaxPending,
			MaxPerPeer:     c.Network.MaxPerPeer,
		})
	}

	info := peer.NewAddressInfo()
	for _, pc := range c.Peers {
		id := peer.ID(pc.ID)
		for _, addr := range pc.Addresses {
			info.Add(id, addr)
		}
		if pc.Relay {
			info.Relays = append(info.Relays, id)
		}
		if pc.Rule != "" {
			if compileRule == nil {
				return service.NetworkConfig{}, fmt.Errorf("peer %s: no rule compiler available", pc.ID)
			}
			rule, err := compileRule(pc.Rule)
			if err != nil {
				return service.NetworkConfig{}, fmt.Errorf("peer %s rule: %w", pc.ID, err)
			}
			cfg = cfg.WithPeerRule(id, rule)
			continue
		}
		if pc.Permissions != nil {
			cfg = cfg.WithPeerPermissions(id, pc.Permissions.Permissions())
		}
	}
	if len(info.Addresses) > 0 || len(info.Relays) > 0 {
		cfg = cfg.WithAddressInfo(info)
	}

	return cfg, nil
}
