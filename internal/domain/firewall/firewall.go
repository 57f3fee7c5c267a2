package firewall

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/vaultgate/vaultgate/internal/domain/access"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
)

// Direction labels which side of the transport a decision gates.
type Direction int

const (
	// Inbound gates requests arriving from a remote peer.
	Inbound Direction = iota
	// Outbound gates requests this node sends.
	Outbound
)

// String returns the direction label used in logs and metrics.
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Firewall holds the installed rule configuration behind an atomic pointer
// so policy evaluation never takes a lock. Swapping in a new configuration
// is atomic: concurrent evaluations see either the old or the new policy,
// never a mix.
//
// Decisions are memoized in a bounded LRU keyed by the canonical bytes of
// (direction, peer, access request). Rules are pure, so a cached decision
// stays valid until the next Swap, which clears the cache.
type Firewall struct {
	snapshot atomic.Pointer[Configuration]
	cache    *decisionCache
	hook     func(Direction, bool)
}

// New creates a firewall with the given configuration installed.
func New(cfg Configuration) *Firewall {
	f := &Firewall{cache: newDecisionCache(defaultCacheSize)}
	cloned := cfg
	f.snapshot.Store(&cloned)
	return f
}

// SetDecisionHook registers a callback observing every decision, cached or
// not. Used for metrics. Must be set before the firewall is installed on a
// transport; it is not safe to change concurrently with evaluation.
func (f *Firewall) SetDecisionHook(hook func(dir Direction, allowed bool)) {
	f.hook = hook
}

// Swap atomically replaces the installed configuration and clears the
// decision cache.
func (f *Firewall) Swap(cfg Configuration) {
	cloned := cfg
	f.snapshot.Store(&cloned)
	f.cache.clear()
}

// AllowInbound evaluates the peer's inbound rule for a classified request.
func (f *Firewall) AllowInbound(id peer.ID, rq access.Request) bool {
	return f.allow(Inbound, id, rq)
}

// AllowOutbound evaluates the peer's outbound rule for a classified request.
func (f *Firewall) AllowOutbound(id peer.ID, rq access.Request) bool {
	return f.allow(Outbound, id, rq)
}

func (f *Firewall) allow(dir Direction, id peer.ID, rq access.Request) bool {
	key := decisionKey(dir, id, rq)
	allowed, cached := f.cache.get(key)
	if !cached {
		// The generation is captured before the snapshot load; a Swap
		// racing the evaluation bumps it and the insert is discarded,
		// so a decision made under the replaced policy cannot outlive
		// the clear.
		gen := f.cache.generation()
		rules := f.snapshot.Load().ForPeer(id)
		rule := rules.Inbound
		if dir == Outbound {
			rule = rules.Outbound
		}
		allowed = rule != nil && rule(rq)
		f.cache.put(gen, key, allowed)
	}
	if f.hook != nil {
		f.hook(dir, allowed)
	}
	return allowed
}

// decisionKey hashes the canonical encoding of one decision's inputs.
// Fields are length-prefixed so concatenations cannot collide.
func decisionKey(dir Direction, id peer.ID, rq access.Request) uint64 {
	h := xxhash.New()
	var buf [9]byte
	buf[0] = byte(dir)
	_, _ = h.Write(buf[:1])
	writeField(h, []byte(id), &buf)
	writeField(h, rq.ClientPath, &buf)
	for _, a := range rq.Locations {
		buf[0] = byte(a.Kind)
		_, _ = h.Write(buf[:1])
		writeField(h, a.VaultPath, &buf)
	}
	return h.Sum64()
}

func writeField(h *xxhash.Digest, field []byte, buf *[9]byte) {
	n := len(field)
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	_, _ = h.Write(buf[:8])
	_, _ = h.Write(field)
}
