package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vaultgate/vaultgate/internal/domain/access"
	"github.com/vaultgate/vaultgate/internal/domain/firewall"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
	"github.com/vaultgate/vaultgate/internal/port"
	"github.com/vaultgate/vaultgate/pkg/envelope"
)

// ErrUnknownPeer reports a send to a peer not attached to the hub.
var ErrUnknownPeer = errors.New("unknown peer")

// Hub connects loopback transports in one process. Each attached transport
// behaves like the tcp one: its own outbound rule gates sends, the receiver's
// inbound rule gates delivery, and denied or unanswered requests surface to
// the sender as a timeout, never as an explicit refusal.
type Hub struct {
	mu    sync.RWMutex
	nodes map[peer.ID]*Transport
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[peer.ID]*Transport)}
}

// Attach creates a transport for the given peer identity and registers it on
// the hub.
func (h *Hub) Attach(id peer.ID) *Transport {
	t := &Transport{
		hub:     h,
		id:      id,
		inbound: make(chan port.InboundRequest, 16),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.nodes[id] = t
	h.mu.Unlock()
	return t
}

func (h *Hub) lookup(id peer.ID) (*Transport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.nodes[id]
	return t, ok
}

func (h *Hub) detach(id peer.ID) {
	h.mu.Lock()
	delete(h.nodes, id)
	h.mu.Unlock()
}

// Transport is one hub endpoint implementing port.Transport.
type Transport struct {
	hub *Hub
	id  peer.ID

	mu      sync.Mutex
	fw      *firewall.Firewall
	started bool
	closed  bool

	inbound chan port.InboundRequest
	done    chan struct{}
	senders sync.WaitGroup
}

// SetFirewall installs the firewall consulted on both paths.
func (t *Transport) SetFirewall(fw *firewall.Firewall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fw = fw
}

// Start marks the transport ready. Sends to an unstarted endpoint fail.
func (t *Transport) Start(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fw == nil {
		return errors.New("no firewall installed")
	}
	t.started = true
	return nil
}

// Inbound returns the channel of admitted requests.
func (t *Transport) Inbound() <-chan port.InboundRequest {
	return t.inbound
}

// Send delivers an envelope to another hub endpoint and waits for its reply.
// The local outbound rule is evaluated first; rejection is ErrDenied. On the
// remote side the inbound rule decides silently: a denied request is dropped
// and the sender times out, indistinguishable from an unresponsive peer.
func (t *Transport) Send(ctx context.Context, id peer.ID, env envelope.Envelope) (envelope.Result, error) {
	t.mu.Lock()
	fw, started := t.fw, t.started
	t.mu.Unlock()
	if !started {
		return nil, errors.New("transport not started")
	}

	rq := env.AccessRequest()
	if !fw.AllowOutbound(id, rq) {
		return nil, fmt.Errorf("outbound to %s: %w", id, port.ErrDenied)
	}

	remote, ok := t.hub.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}

	if admitted := remote.admit(t.id, rq); !admitted {
		<-ctx.Done()
		return nil, fmt.Errorf("awaiting reply from %s: %w", id, port.ErrTimeout)
	}

	replies := make(chan envelope.Result, 1)
	var once sync.Once
	delivered := remote.deliver(port.InboundRequest{
		Peer:     t.id,
		Envelope: env,
		Reply: func(r envelope.Result) {
			once.Do(func() { replies <- r })
		},
	})
	if !delivered {
		<-ctx.Done()
		return nil, fmt.Errorf("awaiting reply from %s: %w", id, port.ErrTimeout)
	}

	select {
	case r := <-replies:
		return r, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("awaiting reply from %s: %w", id, port.ErrTimeout)
	}
}

// admit runs the local inbound rule against a request from the given peer.
func (t *Transport) admit(from peer.ID, rq access.Request) bool {
	t.mu.Lock()
	fw, started := t.fw, t.started
	t.mu.Unlock()
	if !started || fw == nil {
		return false
	}
	return fw.AllowInbound(from, rq)
}

// deliver queues an admitted request; false when the endpoint has shut down.
// The send happens outside the mutex so a slow receiver cannot stall the
// endpoint's other operations; the senders group keeps Close from closing
// the channel under an in-flight send.
func (t *Transport) deliver(rq port.InboundRequest) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.senders.Add(1)
	t.mu.Unlock()
	defer t.senders.Done()

	select {
	case t.inbound <- rq:
		return true
	case <-t.done:
		return false
	}
}

// LocalPeer returns this endpoint's peer identity.
func (t *Transport) LocalPeer() peer.ID {
	return t.id
}

// Addresses exports a synthetic address book listing every other hub peer.
func (t *Transport) Addresses() peer.AddressInfo {
	info := peer.NewAddressInfo()
	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()
	for id := range t.hub.nodes {
		if id != t.id {
			info.Add(id, "loopback")
		}
	}
	return info
}

// Close detaches from the hub and closes the inbound channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.hub.detach(t.id)
	t.mu.Unlock()

	t.senders.Wait()
	close(t.inbound)
	return nil
}
