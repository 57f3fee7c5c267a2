// Package firewall turns permission sets into installable allow/deny rules
// and evaluates them in the request hot path.
package firewall

import (
	"github.com/vaultgate/vaultgate/internal/domain/access"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
)

// Rule decides whether a classified request is admitted. Rules are pure and
// side-effect free; the transport calls them synchronously on both the
// inbound and outbound path before any handler runs.
type Rule func(access.Request) bool

// AllowAll admits every request.
func AllowAll() Rule {
	return func(access.Request) bool { return true }
}

// RejectAll denies every request.
func RejectAll() Rule {
	return func(access.Request) bool { return false }
}

// Restricted admits requests the permission set allows. The rule closes over
// its own deep copy, so later changes to the caller's policy value never
// reach an installed rule; policy updates replace the whole rule instead.
func Restricted(p access.Permissions) Rule {
	snapshot := p.Clone()
	return func(rq access.Request) bool {
		return rq.Check(snapshot)
	}
}

// Rules pairs the inbound and outbound rule for one peer.
type Rules struct {
	Inbound  Rule
	Outbound Rule
}

// Configuration is the complete firewall policy: a network-wide default and
// per-peer overrides.
type Configuration struct {
	Default Rules
	Peers   map[peer.ID]Rules
}

// ForPeer resolves the rules for a peer, falling back to the default.
func (c Configuration) ForPeer(id peer.ID) Rules {
	if r, ok := c.Peers[id]; ok {
		return r
	}
	return c.Default
}
