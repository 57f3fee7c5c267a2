// Package service contains the application services wiring policy,
// classification and routing together.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vaultgate/vaultgate/internal/domain/access"
	"github.com/vaultgate/vaultgate/internal/domain/firewall"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
	"github.com/vaultgate/vaultgate/internal/port"
	"github.com/vaultgate/vaultgate/pkg/envelope"
)

// Network owns the channel lifecycle: it installs the firewall on the
// transport, drains admitted inbound envelopes, routes each to the local
// client handler addressed by its client path, and marshals replies back
// through the result protocol. It holds no storage state of its own.
type Network struct {
	transport port.Transport
	registry  port.Registry
	firewall  *firewall.Firewall
	logger    *slog.Logger
	metrics   *Metrics

	mu     sync.Mutex
	config NetworkConfig

	wg   sync.WaitGroup
	done chan struct{}
}

// NewNetwork builds the firewall from the config (default rule plus per-peer
// overrides), installs it on the transport and returns the service. The
// transport is not started yet; Start does that.
func NewNetwork(
	transport port.Transport,
	registry port.Registry,
	config NetworkConfig,
	logger *slog.Logger,
	metrics *Metrics,
) *Network {
	fw := firewall.New(config.firewallConfiguration())
	if metrics != nil {
		fw.SetDecisionHook(func(dir firewall.Direction, allowed bool) {
			result := "deny"
			if allowed {
				result = "allow"
			}
			metrics.FirewallDecisions.WithLabelValues(dir.String(), result).Inc()
		})
	}
	transport.SetFirewall(fw)
	return &Network{
		transport: transport,
		registry:  registry,
		firewall:  fw,
		logger:    logger,
		metrics:   metrics,
		config:    config,
		done:      make(chan struct{}),
	}
}

// Start brings the transport up and begins draining inbound requests.
// It returns once the receive loop is running; a transport bind failure is
// returned immediately and is fatal to node startup.
func (n *Network) Start(ctx context.Context) error {
	if err := n.transport.Start(ctx); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	n.wg.Add(1)
	go n.receiveLoop(ctx)
	return nil
}

// Stop closes the transport and waits for in-flight requests to finish.
// The inbound channel closing guarantees no further callbacks fire.
func (n *Network) Stop() error {
	err := n.transport.Close()
	n.wg.Wait()
	return err
}

// Done is closed when the receive loop has exited.
func (n *Network) Done() <-chan struct{} {
	return n.done
}

// receiveLoop drains the inbound channel until it closes. Each request is
// dispatched on its own goroutine so one slow handler never blocks the loop;
// firewall evaluation already happened on the transport's path.
func (n *Network) receiveLoop(ctx context.Context) {
	defer n.wg.Done()
	defer close(n.done)
	for rq := range n.transport.Inbound() {
		n.wg.Add(1)
		go func(rq port.InboundRequest) {
			defer n.wg.Done()
			n.dispatch(ctx, rq)
		}(rq)
	}
}

func (n *Network) dispatch(ctx context.Context, rq port.InboundRequest) {
	kind := rq.Envelope.Request.Kind()
	start := time.Now()
	if n.metrics != nil {
		n.metrics.InflightRequests.Inc()
		defer n.metrics.InflightRequests.Dec()
		defer func() {
			n.metrics.RequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		}()
	}

	handler, err := n.registry.Resolve(rq.Envelope.ClientPath)
	if err != nil {
		// No result variant carries routing failures; the requester
		// times out. Denials never reach this point, so a miss here
		// means an admitted request for an absent client.
		n.logger.Warn("no handler for client path",
			"client_path", fmt.Sprintf("%x", rq.Envelope.ClientPath),
			"peer", rq.Peer,
			"kind", kind)
		n.countRequest(kind, "client_not_found")
		return
	}

	n.mu.Lock()
	timeout := n.config.requestTimeout
	n.mu.Unlock()
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := n.invoke(opCtx, handler, rq.Envelope.Request)
	if err != nil {
		n.logger.Error("handler failed",
			"client_path", fmt.Sprintf("%x", rq.Envelope.ClientPath),
			"kind", kind,
			"error", err)
		n.countRequest(kind, "error")
		return
	}
	rq.Reply(result)
	n.countRequest(kind, "ok")
}

// invoke calls the handler method matching the request variant and wraps the
// natively-typed outcome into the result protocol. Operation-level failures
// of vault writes, revocations and procedures travel inside their result
// variant; the returned error is reserved for handler-level failures that
// have no result shape (cancellation, storage faults).
func (n *Network) invoke(ctx context.Context, h port.Handler, req envelope.Request) (envelope.Result, error) {
	switch r := req.(type) {
	case envelope.CheckVault:
		exists, err := h.CheckVault(ctx, r.VaultPath)
		if err != nil {
			return nil, err
		}
		return envelope.Bool{Value: exists}, nil
	case envelope.CheckRecord:
		exists, err := h.CheckRecord(ctx, r.Location)
		if err != nil {
			return nil, err
		}
		return envelope.Bool{Value: exists}, nil
	case envelope.ListIds:
		ids, err := h.ListIds(ctx, r.VaultPath)
		if err != nil {
			return nil, err
		}
		return envelope.ListIdsResult{IDs: ids}, nil
	case envelope.ReadFromVault:
		data, err := h.ReadFromVault(ctx, r.Location)
		if err != nil {
			return nil, err
		}
		return envelope.Data{Value: data}, nil
	case envelope.WriteToVault:
		return envelope.WriteRemoteVaultResult(h.WriteToVault(ctx, r.Location, r.Payload, r.Hint)), nil
	case envelope.RevokeData:
		return envelope.WriteRemoteVaultResult(h.RevokeData(ctx, r.Location)), nil
	case envelope.ReadFromStore:
		data, err := h.ReadFromStore(ctx, r.Key)
		if err != nil {
			return nil, err
		}
		return envelope.Data{Value: data}, nil
	case envelope.WriteToStore:
		if err := h.WriteToStore(ctx, r.Key, r.Payload, r.Lifetime); err != nil {
			return nil, err
		}
		return envelope.Empty{}, nil
	case envelope.DeleteFromStore:
		if err := h.DeleteFromStore(ctx, r.Key); err != nil {
			return nil, err
		}
		return envelope.Empty{}, nil
	case envelope.Procedures:
		outputs, err := h.Procedures(ctx, r.Procedures)
		return envelope.ProcResult(outputs, err), nil
	default:
		// Request is a closed set; a new variant must be wired here
		// before it can be dispatched.
		return nil, fmt.Errorf("unhandled request kind %T", req)
	}
}

func (n *Network) countRequest(kind, status string) {
	if n.metrics != nil {
		n.metrics.RequestsTotal.WithLabelValues(kind, status).Inc()
	}
}

// SendRequest submits an envelope to a remote peer and awaits the result.
// The transport applies the peer's outbound rule before anything is sent.
// When ctx carries no deadline the configured request timeout applies.
func (n *Network) SendRequest(ctx context.Context, id peer.ID, env envelope.Envelope) (envelope.Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		n.mu.Lock()
		timeout := n.config.requestTimeout
		n.mu.Unlock()
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return n.transport.Send(ctx, id, env)
}

// CheckVault asks a remote peer whether a client's vault exists.
func (n *Network) CheckVault(ctx context.Context, id peer.ID, clientPath, vaultPath []byte) (bool, error) {
	res, err := n.SendRequest(ctx, id, envelope.Envelope{
		ClientPath: clientPath,
		Request:    envelope.CheckVault{VaultPath: vaultPath},
	})
	if err != nil {
		return false, err
	}
	return envelope.BoolOf(res)
}

// ListIds lists a remote vault.
func (n *Network) ListIds(ctx context.Context, id peer.ID, clientPath, vaultPath []byte) ([]envelope.IDPair, error) {
	res, err := n.SendRequest(ctx, id, envelope.Envelope{
		ClientPath: clientPath,
		Request:    envelope.ListIds{VaultPath: vaultPath},
	})
	if err != nil {
		return nil, err
	}
	return envelope.ListIdsOf(res)
}

// WriteToRemoteVault writes a record into a remote vault. Remote record
// failures come back as *envelope.RemoteRecordError.
func (n *Network) WriteToRemoteVault(ctx context.Context, id peer.ID, clientPath []byte, loc envelope.Location, payload []byte, hint envelope.RecordHint) error {
	res, err := n.SendRequest(ctx, id, envelope.Envelope{
		ClientPath: clientPath,
		Request:    envelope.WriteToVault{Location: loc, Payload: payload, Hint: hint},
	})
	if err != nil {
		return err
	}
	return envelope.WriteRemoteVaultOf(res)
}

// ReadFromRemoteStore reads from a remote client's store; nil means absent.
func (n *Network) ReadFromRemoteStore(ctx context.Context, id peer.ID, clientPath, key []byte) ([]byte, error) {
	res, err := n.SendRequest(ctx, id, envelope.Envelope{
		ClientPath: clientPath,
		Request:    envelope.ReadFromStore{Key: key},
	})
	if err != nil {
		return nil, err
	}
	return envelope.DataOf(res)
}

// ExecuteProcedures runs a procedure batch on a remote peer.
func (n *Network) ExecuteProcedures(ctx context.Context, id peer.ID, clientPath []byte, procs ...envelope.Procedure) ([]envelope.ProcedureOutput, error) {
	res, err := n.SendRequest(ctx, id, envelope.Envelope{
		ClientPath: clientPath,
		Request:    envelope.Procedures{Procedures: procs},
	})
	if err != nil {
		return nil, err
	}
	return envelope.ProcOf(res)
}

// SetDefaultPermissions replaces the default permission policy and swaps the
// installed firewall snapshot. In-flight evaluations see either the old or
// the new policy, never a mix.
func (n *Network) SetDefaultPermissions(p access.Permissions) {
	n.mu.Lock()
	n.config.defaultPermissions = p.Clone()
	cfg := n.config.firewallConfiguration()
	n.mu.Unlock()
	n.firewall.Swap(cfg)
}

// SetPeerPermissions replaces one peer's permission policy and swaps the
// installed firewall snapshot.
func (n *Network) SetPeerPermissions(id peer.ID, p access.Permissions) {
	n.mu.Lock()
	n.config = n.config.WithPeerPermissions(id, p)
	cfg := n.config.firewallConfiguration()
	n.mu.Unlock()
	n.firewall.Swap(cfg)
}

// ExportConfig returns the retained network config snapshot for persistence
// by the host.
func (n *Network) ExportConfig() NetworkConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.config
}

// ExportAddresses returns the transport's current address book.
func (n *Network) ExportAddresses() peer.AddressInfo {
	info := n.transport.Addresses()
	if n.metrics != nil {
		n.metrics.KnownPeers.Set(float64(len(info.Addresses)))
	}
	return info
}

// LocalPeer returns this node's peer identity.
func (n *Network) LocalPeer() peer.ID {
	return n.transport.LocalPeer()
}

// IsTimeout reports whether an outbound failure was a request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, port.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsDenied reports whether an outbound failure was a firewall rejection.
func IsDenied(err error) bool {
	return errors.Is(err, port.ErrDenied)
}
