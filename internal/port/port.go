// Package port declares the interfaces between the access-control core and
// its collaborators: the transport, the client registry, and the per-client
// storage engine. The core is testable against in-memory implementations of
// these without a running node.
package port

import (
	"context"
	"errors"
	"time"

	"github.com/vaultgate/vaultgate/internal/domain/firewall"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
	"github.com/vaultgate/vaultgate/pkg/envelope"
)

// ErrClientNotFound reports that no local client is registered under the
// requested client path.
var ErrClientNotFound = errors.New("client not found")

// ErrDenied reports that a firewall rule rejected the request. It is a
// first-class outcome distinct from transport and operation failures.
var ErrDenied = errors.New("access denied")

// ErrTimeout reports that an outbound request exceeded its deadline before a
// reply arrived. Distinct from denial and from remote operation failures.
var ErrTimeout = errors.New("request timed out")

// InboundRequest is one admitted envelope from a remote peer, paired with a
// one-shot reply sink. The transport has already applied the peer's inbound
// firewall rule; denied requests never surface here.
type InboundRequest struct {
	Peer     peer.ID
	Envelope envelope.Envelope
	// Reply sends the result back to the requester. Calling it more than
	// once is a no-op; not calling it leaves the requester to time out.
	Reply func(envelope.Result)
}

// Transport is the opaque channel that delivers inbound requests and accepts
// outbound ones. Implementations apply the installed firewall on both paths.
type Transport interface {
	// SetFirewall installs the firewall evaluated on the inbound and
	// outbound path. Must be called before Start.
	SetFirewall(fw *firewall.Firewall)

	// Start begins serving. It returns once the transport is accepting
	// traffic; delivery runs in the background until the context is
	// cancelled or Close is called.
	Start(ctx context.Context) error

	// Inbound returns the channel of admitted requests. The channel is
	// closed on shutdown, after which no further callbacks fire.
	Inbound() <-chan InboundRequest

	// Send submits an envelope to a remote peer and waits for its result.
	// The peer's outbound rule is applied before anything leaves the
	// node; rejection yields ErrDenied. Expiry of the context or the
	// transport's request timeout yields ErrTimeout.
	Send(ctx context.Context, id peer.ID, env envelope.Envelope) (envelope.Result, error)

	// LocalPeer returns this node's peer identity.
	LocalPeer() peer.ID

	// Addresses exports the current address book.
	Addresses() peer.AddressInfo

	// Close shuts the transport down and closes the inbound channel.
	Close() error
}

// Registry resolves a client path to the local handler owning that client's
// vaults and store. Passed into the network service at construction; there
// is no process-wide registry singleton.
type Registry interface {
	Resolve(clientPath []byte) (Handler, error)
}

// Handler is the storage-engine boundary for one client. The network service
// invokes exactly one method per admitted request variant and wraps the
// natively-typed outcome into the result protocol.
type Handler interface {
	CheckVault(ctx context.Context, vaultPath []byte) (bool, error)
	CheckRecord(ctx context.Context, loc envelope.Location) (bool, error)
	ListIds(ctx context.Context, vaultPath []byte) ([]envelope.IDPair, error)
	ReadFromVault(ctx context.Context, loc envelope.Location) ([]byte, error)
	WriteToVault(ctx context.Context, loc envelope.Location, payload []byte, hint envelope.RecordHint) error
	RevokeData(ctx context.Context, loc envelope.Location) error
	ReadFromStore(ctx context.Context, key []byte) ([]byte, error)
	WriteToStore(ctx context.Context, key, payload []byte, lifetime *time.Duration) error
	DeleteFromStore(ctx context.Context, key []byte) error
	Procedures(ctx context.Context, procs []envelope.Procedure) ([]envelope.ProcedureOutput, error)
}

// ConnectionLimits caps transport connections. Zero values mean no limit.
type ConnectionLimits struct {
	MaxEstablished int
	MaxPending     int
	MaxPerPeer     int
}

// AddressBook persists the exportable address state across restarts.
type AddressBook interface {
	Load(ctx context.Context) (peer.AddressInfo, error)
	Save(ctx context.Context, info peer.AddressInfo) error
}
