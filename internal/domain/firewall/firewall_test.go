package firewall

import (
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/vaultgate/vaultgate/internal/domain/access"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
	"github.com/vaultgate/vaultgate/pkg/envelope"
)

const (
	peerX peer.ID = "peer-x"
	peerY peer.ID = "peer-y"
)

func restrictedToAlice() Rule {
	cp := access.AllClientPermissions()
	return Restricted(access.AllowNone().WithClientPermissions([]byte("alice"), &cp))
}

func TestAllowAllRejectAll(t *testing.T) {
	rq := access.NewRequest([]byte("alice"), []access.Access{access.ReadStore()})
	if !AllowAll()(rq) {
		t.Error("AllowAll denied a request")
	}
	if RejectAll()(rq) {
		t.Error("RejectAll admitted a request")
	}
}

func TestRestrictedRuleOwnsSnapshot(t *testing.T) {
	cp := access.AllClientPermissions()
	perms := access.AllowNone().WithClientPermissions([]byte("alice"), &cp)
	rule := Restricted(perms)

	// Refine the caller's policy value after rule construction; the
	// installed rule must keep deciding on its own snapshot.
	perms = perms.WithClientPermissions([]byte("alice"), nil)

	rq := access.NewRequest([]byte("alice"), []access.Access{access.ReadStore()})
	if !rule(rq) {
		t.Error("rule affected by policy change after construction")
	}
}

func TestForPeerFallsBackToDefault(t *testing.T) {
	cfg := Configuration{
		Default: Rules{Inbound: RejectAll(), Outbound: AllowAll()},
		Peers: map[peer.ID]Rules{
			peerX: {Inbound: AllowAll(), Outbound: AllowAll()},
		},
	}
	rq := access.NewRequest([]byte("alice"), []access.Access{access.ReadStore()})

	if !cfg.ForPeer(peerX).Inbound(rq) {
		t.Error("peer override not applied")
	}
	if cfg.ForPeer(peerY).Inbound(rq) {
		t.Error("unknown peer did not fall back to default deny")
	}
	if !cfg.ForPeer(peerY).Outbound(rq) {
		t.Error("default outbound allow not applied")
	}
}

// Default deny with one peer granted everything for client "alice";
// admits only that peer's requests on alice's behalf.
func TestFirewallScenario(t *testing.T) {
	fw := New(Configuration{
		Default: Rules{Inbound: RejectAll(), Outbound: AllowAll()},
		Peers: map[peer.ID]Rules{
			peerX: {Inbound: restrictedToAlice(), Outbound: AllowAll()},
		},
	})

	loc := envelope.NewLocation([]byte("secrets"), []byte("r1"))
	tests := []struct {
		name string
		peer peer.ID
		env  envelope.Envelope
		want bool
	}{
		{"write vault from x as alice", peerX,
			envelope.Envelope{ClientPath: []byte("alice"), Request: envelope.WriteToVault{Location: loc, Payload: []byte("p")}}, true},
		{"write vault from x as bob", peerX,
			envelope.Envelope{ClientPath: []byte("bob"), Request: envelope.WriteToVault{Location: loc, Payload: []byte("p")}}, false},
		{"store write from x as alice", peerX,
			envelope.Envelope{ClientPath: []byte("alice"), Request: envelope.WriteToStore{Key: []byte("k"), Payload: []byte("v")}}, true},
		{"list derives from use/write/clone", peerX,
			envelope.Envelope{ClientPath: []byte("alice"), Request: envelope.ListIds{VaultPath: []byte("secrets")}}, true},
		{"unknown peer denied", peerY,
			envelope.Envelope{ClientPath: []byte("alice"), Request: envelope.ListIds{VaultPath: []byte("secrets")}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fw.AllowInbound(tt.peer, tt.env.AccessRequest()); got != tt.want {
				t.Errorf("AllowInbound() = %v, want %v", got, tt.want)
			}
		})
	}
}

// evaluate(classify(R), P) is true iff every classified capability resolves
// to true under P. Checked both directions with a mixed policy.
func TestEvaluateClassifyAgreement(t *testing.T) {
	cp := access.NoClientPermissions().
		WithVaultAccess([]byte("a"), true, false, false).
		WithVaultAccess([]byte("b"), false, true, false).
		WithStoreAccess(true, false)
	perms := access.AllowNone().WithClientPermissions([]byte("alice"), &cp)
	fw := New(Configuration{Default: Rules{Inbound: Restricted(perms), Outbound: AllowAll()}})

	locA := envelope.NewLocation([]byte("a"), []byte("r"))
	locB := envelope.NewLocation([]byte("b"), []byte("r"))
	tests := []struct {
		name string
		req  envelope.Request
		want bool
	}{
		{"use a allowed", envelope.Procedures{Procedures: []envelope.Procedure{envelope.SignMessage{Input: locA, Message: []byte("m")}}}, true},
		{"write b allowed", envelope.WriteToVault{Location: locB, Payload: []byte("p")}, true},
		{"write a denied", envelope.WriteToVault{Location: locA, Payload: []byte("p")}, false},
		{"read store allowed", envelope.ReadFromStore{Key: []byte("k")}, true},
		{"write store denied", envelope.WriteToStore{Key: []byte("k")}, false},
		{"conjunction denies mixed batch", envelope.Procedures{Procedures: []envelope.Procedure{
			envelope.SignMessage{Input: locA, Message: []byte("m")}, // Use a: allowed
			envelope.GarbageCollect{VaultPath: []byte("a")},         // Write a: denied
		}}, false},
		{"cross-vault procedure denied on one side", envelope.Procedures{Procedures: []envelope.Procedure{
			envelope.DeriveKey{Input: locB, Output: locA}, // Use b denied
		}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := envelope.Envelope{ClientPath: []byte("alice"), Request: tt.req}
			rq := env.AccessRequest()

			got := fw.AllowInbound(peerX, rq)
			if got != tt.want {
				t.Errorf("AllowInbound() = %v, want %v", got, tt.want)
			}

			// Cross-check against per-capability resolution.
			all := true
			for _, a := range rq.Locations {
				single := access.NewRequest(rq.ClientPath, []access.Access{a})
				if !single.Check(perms) {
					all = false
				}
			}
			if len(rq.Locations) == 0 {
				all = true
			}
			if got != all {
				t.Errorf("evaluator disagrees with per-capability conjunction: got %v, conjunction %v", got, all)
			}
		})
	}
}

func TestSwapReplacesPolicyAtomically(t *testing.T) {
	defer goleak.VerifyNone(t)

	fw := New(Configuration{Default: Rules{Inbound: RejectAll(), Outbound: AllowAll()}})
	rq := access.NewRequest([]byte("alice"), []access.Access{access.ReadStore()})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// The decision is always a coherent yes or no under a
				// complete snapshot; the race detector flags torn state.
				fw.AllowInbound(peerX, rq)
			}
		}()
	}
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			fw.Swap(Configuration{Default: Rules{Inbound: AllowAll(), Outbound: AllowAll()}})
		} else {
			fw.Swap(Configuration{Default: Rules{Inbound: RejectAll(), Outbound: AllowAll()}})
		}
	}
	close(stop)
	wg.Wait()

	fw.Swap(Configuration{Default: Rules{Inbound: AllowAll(), Outbound: AllowAll()}})
	if !fw.AllowInbound(peerX, rq) {
		t.Error("final allow-all policy not in effect after swap")
	}
}

func TestSwapClearsDecisionCache(t *testing.T) {
	fw := New(Configuration{Default: Rules{Inbound: RejectAll(), Outbound: AllowAll()}})
	rq := access.NewRequest([]byte("alice"), []access.Access{access.ReadStore()})

	if fw.AllowInbound(peerX, rq) {
		t.Fatal("deny-all admitted request")
	}
	fw.Swap(Configuration{Default: Rules{Inbound: AllowAll(), Outbound: AllowAll()}})
	if !fw.AllowInbound(peerX, rq) {
		t.Error("stale cached denial served after swap")
	}
}

// An evaluation can race Swap: the old snapshot is loaded, the swap stores
// the new policy and clears the cache, and only then does the evaluation
// insert its decision. Replayed step by step, that late insert must be
// discarded rather than cached as policy.
func TestSwapDiscardsInFlightDecision(t *testing.T) {
	fw := New(Configuration{Default: Rules{Inbound: AllowAll(), Outbound: AllowAll()}})
	rq := access.NewRequest([]byte("alice"), []access.Access{access.ReadStore()})
	key := decisionKey(Inbound, peerX, rq)

	// Evaluation under the old policy, paused before its cache insert.
	gen := fw.cache.generation()
	allowed := fw.snapshot.Load().ForPeer(peerX).Inbound(rq)
	if !allowed {
		t.Fatal("allow-all policy denied request")
	}

	fw.Swap(Configuration{Default: Rules{Inbound: RejectAll(), Outbound: AllowAll()}})

	// The paused evaluation resumes and inserts its stale allow.
	fw.cache.put(gen, key, allowed)

	if fw.AllowInbound(peerX, rq) {
		t.Error("stale allow served after swap to deny-all")
	}
}

func TestDecisionCacheEviction(t *testing.T) {
	c := newDecisionCache(2)
	c.put(0, 1, true)
	c.put(0, 2, true)
	c.put(0, 3, true) // evicts key 1
	if _, ok := c.get(1); ok {
		t.Error("evicted entry still present")
	}
	if c.size() != 2 {
		t.Errorf("size = %d, want 2", c.size())
	}
	if v, ok := c.get(3); !ok || !v {
		t.Error("latest entry missing")
	}
}

func TestDecisionKeyFieldBoundaries(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide: fields are length-prefixed.
	a := access.NewRequest([]byte("ab"), []access.Access{access.UseVault([]byte("c"))})
	b := access.NewRequest([]byte("a"), []access.Access{access.UseVault([]byte("bc"))})
	if decisionKey(Inbound, peerX, a) == decisionKey(Inbound, peerX, b) {
		t.Error("decision keys collide across field boundaries")
	}
	if decisionKey(Inbound, peerX, a) == decisionKey(Outbound, peerX, a) {
		t.Error("inbound and outbound decisions share a key")
	}
}

func BenchmarkAllowInbound(b *testing.B) {
	cp := access.NoClientPermissions().WithVaultAccess([]byte("secrets"), true, true, false)
	perms := access.AllowNone().WithClientPermissions([]byte("alice"), &cp)
	fw := New(Configuration{Default: Rules{Inbound: Restricted(perms), Outbound: AllowAll()}})

	requests := make([]access.Request, 64)
	for i := range requests {
		requests[i] = access.NewRequest([]byte("alice"), []access.Access{
			access.UseVault([]byte(fmt.Sprintf("secrets-%d", i%8))),
		})
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		fw.AllowInbound(peerX, requests[i%len(requests)])
	}
}
