package service

import (
	"time"

	"github.com/vaultgate/vaultgate/internal/domain/access"
	"github.com/vaultgate/vaultgate/internal/domain/firewall"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
	"github.com/vaultgate/vaultgate/internal/port"
)

// DefaultTimeout applies to requests and connections when not overridden.
const DefaultTimeout = 10 * time.Second

// NetworkConfig is the process-wide network configuration snapshot handed to
// the network service at startup. Defaults: 10s request and connection
// timeouts, no connection limits, mdns and relay disabled. Builder methods
// have value receivers; the installed config is read-only afterwards.
type NetworkConfig struct {
	requestTimeout    time.Duration
	connectionTimeout time.Duration
	connectionsLimit  *port.ConnectionLimits
	enableMDNS        bool
	enableRelay       bool
	addresses         *peer.AddressInfo

	peerPermissions    map[peer.ID]access.Permissions
	peerRules          map[peer.ID]firewall.Rule
	defaultPermissions access.Permissions
}

// NewNetworkConfig creates a config with the given default permissions.
func NewNetworkConfig(defaultPermissions access.Permissions) NetworkConfig {
	return NetworkConfig{
		requestTimeout:     DefaultTimeout,
		connectionTimeout:  DefaultTimeout,
		defaultPermissions: defaultPermissions,
	}
}

// WithRequestTimeout sets the timeout for receiving a response after a
// request was sent. Applies to inbound and outbound requests.
func (c NetworkConfig) WithRequestTimeout(t time.Duration) NetworkConfig {
	c.requestTimeout = t
	return c
}

// WithConnectionTimeout sets the idle timeout for connections to remote
// peers.
func (c NetworkConfig) WithConnectionTimeout(t time.Duration) NetworkConfig {
	c.connectionTimeout = t
	return c
}

// WithConnectionsLimit caps simultaneous connections. No limits by default.
func (c NetworkConfig) WithConnectionsLimit(limit port.ConnectionLimits) NetworkConfig {
	c.connectionsLimit = &limit
	return c
}

// WithMDNSEnabled toggles local peer discovery. Enabling it broadcasts this
// node's address and id on the local network.
func (c NetworkConfig) WithMDNSEnabled(enabled bool) NetworkConfig {
	c.enableMDNS = enabled
	return c
}

// WithRelayEnabled toggles relay functionality; when enabled, other peers
// may also use this node as a relay.
func (c NetworkConfig) WithRelayEnabled(enabled bool) NetworkConfig {
	c.enableRelay = enabled
	return c
}

// WithAddressInfo imports known addresses and relays exported from a past
// run.
func (c NetworkConfig) WithAddressInfo(info peer.AddressInfo) NetworkConfig {
	cloned := info.Clone()
	c.addresses = &cloned
	return c
}

// WithPeerPermissions sets the permission policy for one peer, overriding
// the default. A peer carries either a permission policy or a custom rule;
// whichever was set last wins, so setting permissions displaces an earlier
// rule for the same peer.
func (c NetworkConfig) WithPeerPermissions(id peer.ID, p access.Permissions) NetworkConfig {
	next := make(map[peer.ID]access.Permissions, len(c.peerPermissions)+1)
	for k, v := range c.peerPermissions {
		next[k] = v
	}
	next[id] = p.Clone()
	c.peerPermissions = next
	c.peerRules = deleteRule(c.peerRules, id)
	return c
}

// WithPeerRule installs a custom inbound rule for one peer, displacing any
// permissions previously set for it. Used for compiled expression rules.
func (c NetworkConfig) WithPeerRule(id peer.ID, rule firewall.Rule) NetworkConfig {
	next := make(map[peer.ID]firewall.Rule, len(c.peerRules)+1)
	for k, v := range c.peerRules {
		next[k] = v
	}
	next[id] = rule
	c.peerRules = next
	c.peerPermissions = deletePermissions(c.peerPermissions, id)
	return c
}

func deleteRule(m map[peer.ID]firewall.Rule, id peer.ID) map[peer.ID]firewall.Rule {
	if _, ok := m[id]; !ok {
		return m
	}
	next := make(map[peer.ID]firewall.Rule, len(m)-1)
	for k, v := range m {
		if k != id {
			next[k] = v
		}
	}
	return next
}

func deletePermissions(m map[peer.ID]access.Permissions, id peer.ID) map[peer.ID]access.Permissions {
	if _, ok := m[id]; !ok {
		return m
	}
	next := make(map[peer.ID]access.Permissions, len(m)-1)
	for k, v := range m {
		if k != id {
			next[k] = v
		}
	}
	return next
}

// RequestTimeout returns the configured request timeout.
func (c NetworkConfig) RequestTimeout() time.Duration { return c.requestTimeout }

// ConnectionTimeout returns the configured connection idle timeout.
func (c NetworkConfig) ConnectionTimeout() time.Duration { return c.connectionTimeout }

// ConnectionsLimit returns the configured limits, or nil for none.
func (c NetworkConfig) ConnectionsLimit() *port.ConnectionLimits { return c.connectionsLimit }

// MDNSEnabled reports whether local discovery is on.
func (c NetworkConfig) MDNSEnabled() bool { return c.enableMDNS }

// RelayEnabled reports whether relaying is on.
func (c NetworkConfig) RelayEnabled() bool { return c.enableRelay }

// AddressInfo returns the imported address book, or nil if none.
func (c NetworkConfig) AddressInfo() *peer.AddressInfo { return c.addresses }

// firewallConfiguration builds the installable rule set: the default
// permissions as the inbound default, per-peer overrides from permissions or
// custom rules, and allow-all outbound everywhere (outbound requests
// originate locally and are trusted).
func (c NetworkConfig) firewallConfiguration() firewall.Configuration {
	cfg := firewall.Configuration{
		Default: firewall.Rules{
			Inbound:  firewall.Restricted(c.defaultPermissions),
			Outbound: firewall.AllowAll(),
		},
		Peers: make(map[peer.ID]firewall.Rules, len(c.peerPermissions)+len(c.peerRules)),
	}
	for id, p := range c.peerPermissions {
		cfg.Peers[id] = firewall.Rules{
			Inbound:  firewall.Restricted(p),
			Outbound: firewall.AllowAll(),
		}
	}
	for id, rule := range c.peerRules {
		cfg.Peers[id] = firewall.Rules{
			Inbound:  rule,
			Outbound: firewall.AllowAll(),
		}
	}
	return cfg
}
