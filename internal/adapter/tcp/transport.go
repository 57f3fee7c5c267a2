package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/vaultgate/vaultgate/internal/domain/firewall"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
	"github.com/vaultgate/vaultgate/internal/port"
	"github.com/vaultgate/vaultgate/pkg/envelope"
)

// ErrNoAddress reports a send to a peer with no known dial address.
var ErrNoAddress = errors.New("no address for peer")

// ErrPeerMismatch reports a dialed endpoint that authenticated as a
// different peer than the address book claimed.
var ErrPeerMismatch = errors.New("peer identity mismatch")

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Options configure the transport.
type Options struct {
	// ListenAddress is the local "host:port" to accept peers on. Use
	// ":0" for a random port.
	ListenAddress string

	// DialTimeout bounds connection establishment to a peer.
	DialTimeout time.Duration

	// HandshakeTimeout bounds the hello/proof exchange on a new
	// connection.
	HandshakeTimeout time.Duration

	// Limits cap concurrent connections. Zero values mean no limit.
	Limits port.ConnectionLimits
}

type wireRequest struct {
	ID       string `cbor:"id"`
	Envelope []byte `cbor:"envelope"`
}

type wireResult struct {
	ID     string `cbor:"id"`
	Result []byte `cbor:"result"`
}

// Transport is the TCP implementation of port.Transport. Inbound requests
// pass the peer's inbound rule before surfacing on the channel; denied ones
// are dropped without a reply, so a refused requester observes a timeout
// exactly like it would against an unreachable node.
type Transport struct {
	keys   peer.Keypair
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	fw       *firewall.Firewall
	listener net.Listener
	book     peer.AddressInfo
	conns    map[peer.ID]*clientConn
	serving  map[net.Conn]struct{}
	pending  int
	perPeer  map[peer.ID]int
	closed   bool

	inbound chan port.InboundRequest
	wg      sync.WaitGroup
}

// clientConn is one cached outbound connection with its in-flight requests.
type clientConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan []byte
	broken  bool
}

// New creates a transport for the given identity keypair.
func New(keys peer.Keypair, opts Options, logger *slog.Logger) *Transport {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Transport{
		keys:    keys,
		opts:    opts,
		logger:  logger,
		book:    peer.NewAddressInfo(),
		conns:   make(map[peer.ID]*clientConn),
		serving: make(map[net.Conn]struct{}),
		perPeer: make(map[peer.ID]int),
		inbound: make(chan port.InboundRequest, 16),
	}
}

// SetFirewall installs the firewall consulted on both paths.
func (t *Transport) SetFirewall(fw *firewall.Firewall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fw = fw
}

// SeedAddresses merges a previously exported address book.
func (t *Transport) SeedAddresses(info peer.AddressInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, addrs := range info.Addresses {
		for _, addr := range addrs {
			t.book.Add(id, addr)
		}
	}
	t.book.Relays = append(t.book.Relays, info.Relays...)
}

// AddAddress records a dial address for a peer.
func (t *Transport) AddAddress(id peer.ID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.book.Add(id, addr)
}

// Start binds the listener and begins accepting peers.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fw == nil {
		return errors.New("no firewall installed")
	}
	listener, err := net.Listen("tcp", t.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("binding %s: %w", t.opts.ListenAddress, err)
	}
	t.listener = listener
	t.wg.Add(1)
	go t.acceptLoop(listener)
	return nil
}

// ListenAddress returns the bound address, useful with ":0".
func (t *Transport) ListenAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Inbound returns the channel of admitted requests.
func (t *Transport) Inbound() <-chan port.InboundRequest {
	return t.inbound
}

// LocalPeer returns this node's peer identity.
func (t *Transport) LocalPeer() peer.ID {
	return t.keys.ID()
}

// Addresses exports the current address book.
func (t *Transport) Addresses() peer.AddressInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.book.Clone()
}

// Close shuts the listener and all connections down and closes the inbound
// channel once every serving goroutine has exited.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listener := t.listener
	conns := t.conns
	t.conns = make(map[peer.ID]*clientConn)
	serving := make([]net.Conn, 0, len(t.serving))
	for conn := range t.serving {
		serving = append(serving, conn)
	}
	t.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	for _, cc := range conns {
		cc.fail()
	}
	for _, conn := range serving {
		conn.Close()
	}
	t.wg.Wait()
	close(t.inbound)
	return err
}

func (t *Transport) acceptLoop(listener net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		t.mu.Lock()
		over := t.closed ||
			(t.opts.Limits.MaxPending > 0 && t.pending >= t.opts.Limits.MaxPending) ||
			(t.opts.Limits.MaxEstablished > 0 && len(t.serving) >= t.opts.Limits.MaxEstablished)
		if !over {
			t.serving[conn] = struct{}{}
			t.pending++
			t.wg.Add(1)
		}
		t.mu.Unlock()
		if over {
			conn.Close()
			continue
		}
		go t.serveConn(conn)
	}
}

// serveConn authenticates one inbound connection and pumps its requests.
// Every admitted request replies on this connection; the write mutex keeps
// interleaved replies from concurrent handlers intact.
func (t *Transport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	defer func() {
		t.mu.Lock()
		delete(t.serving, conn)
		t.mu.Unlock()
	}()

	remote, err := handshake(conn, t.keys, t.opts.HandshakeTimeout)
	t.mu.Lock()
	t.pending--
	t.mu.Unlock()
	if err != nil {
		t.logger.Warn("inbound handshake failed", "remote_addr", conn.RemoteAddr(), "error", err)
		return
	}

	// Per-peer cap counts authenticated inbound connections, so it can
	// only be applied after the handshake names the peer.
	t.mu.Lock()
	overPerPeer := t.opts.Limits.MaxPerPeer > 0 && t.perPeer[remote] >= t.opts.Limits.MaxPerPeer
	if !overPerPeer {
		t.perPeer[remote]++
	}
	t.mu.Unlock()
	if overPerPeer {
		t.logger.Warn("per-peer connection limit reached", "peer", remote)
		return
	}
	defer func() {
		t.mu.Lock()
		t.perPeer[remote]--
		if t.perPeer[remote] <= 0 {
			delete(t.perPeer, remote)
		}
		t.mu.Unlock()
	}()

	var writeMu sync.Mutex
	for {
		f, err := readFrame(conn)
		if err != nil {
			return
		}
		if f.Type != frameRequest {
			t.logger.Warn("unexpected frame", "peer", remote, "type", f.Type)
			return
		}
		var wr wireRequest
		if err := cbor.Unmarshal(f.Payload, &wr); err != nil {
			t.logger.Warn("malformed request frame", "peer", remote, "error", err)
			return
		}
		env, err := envelope.DecodeEnvelope(wr.Envelope)
		if err != nil {
			t.logger.Warn("malformed envelope", "peer", remote, "error", err)
			return
		}

		t.mu.Lock()
		fw := t.fw
		t.mu.Unlock()
		if !fw.AllowInbound(remote, env.AccessRequest()) {
			// Dropped silently: the requester times out instead of
			// learning which rule rejected it.
			continue
		}

		requestID := wr.ID
		var once sync.Once
		rq := port.InboundRequest{
			Peer:     remote,
			Envelope: env,
			Reply: func(res envelope.Result) {
				once.Do(func() {
					t.replyOn(conn, &writeMu, remote, requestID, res)
				})
			},
		}
		if !t.deliver(rq) {
			return
		}
	}
}

func (t *Transport) replyOn(conn net.Conn, writeMu *sync.Mutex, remote peer.ID, requestID string, res envelope.Result) {
	encoded, err := envelope.EncodeResult(res)
	if err != nil {
		t.logger.Error("encoding result", "peer", remote, "error", err)
		return
	}
	payload, err := cbor.Marshal(wireResult{ID: requestID, Result: encoded})
	if err != nil {
		t.logger.Error("encoding result frame", "peer", remote, "error", err)
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := writeFrame(conn, frame{Type: frameResult, Payload: payload}); err != nil {
		t.logger.Warn("writing result", "peer", remote, "error", err)
	}
}

func (t *Transport) deliver(rq port.InboundRequest) bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	t.inbound <- rq
	return true
}

// Send submits an envelope and waits for the correlated result. The local
// outbound rule gates the send; peers are dialed lazily and connections are
// reused across requests.
func (t *Transport) Send(ctx context.Context, id peer.ID, env envelope.Envelope) (envelope.Result, error) {
	t.mu.Lock()
	fw := t.fw
	t.mu.Unlock()
	if fw == nil {
		return nil, errors.New("transport not started")
	}
	if !fw.AllowOutbound(id, env.AccessRequest()) {
		return nil, fmt.Errorf("outbound to %s: %w", id, port.ErrDenied)
	}

	cc, err := t.connTo(ctx, id)
	if err != nil {
		return nil, err
	}

	encoded, err := envelope.EncodeEnvelope(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	requestID := uuid.NewString()
	payload, err := cbor.Marshal(wireRequest{ID: requestID, Envelope: encoded})
	if err != nil {
		return nil, fmt.Errorf("encoding request frame: %w", err)
	}

	replies, err := cc.register(requestID)
	if err != nil {
		return nil, err
	}
	defer cc.deregister(requestID)

	cc.writeMu.Lock()
	err = writeFrame(cc.conn, frame{Type: frameRequest, Payload: payload})
	cc.writeMu.Unlock()
	if err != nil {
		t.dropConn(id, cc)
		return nil, fmt.Errorf("sending to %s: %w", id, err)
	}

	select {
	case raw, ok := <-replies:
		if !ok {
			return nil, fmt.Errorf("connection to %s lost: %w", id, port.ErrTimeout)
		}
		res, err := envelope.DecodeResult(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
		return res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("awaiting reply from %s: %w", id, port.ErrTimeout)
	}
}

// connTo returns the cached connection to a peer, dialing and handshaking a
// new one when none is live.
func (t *Transport) connTo(ctx context.Context, id peer.ID) (*clientConn, error) {
	t.mu.Lock()
	if cc, ok := t.conns[id]; ok {
		t.mu.Unlock()
		return cc, nil
	}
	addrs := append([]string(nil), t.book.Addresses[id]...)
	t.mu.Unlock()
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, id)
	}

	var lastErr error
	for _, addr := range addrs {
		cc, err := t.dial(ctx, id, addr)
		if err != nil {
			lastErr = err
			continue
		}
		t.mu.Lock()
		if existing, ok := t.conns[id]; ok {
			// A concurrent send won the dial race; keep its conn.
			t.mu.Unlock()
			cc.fail()
			return existing, nil
		}
		t.conns[id] = cc
		t.wg.Add(1)
		t.mu.Unlock()
		go t.readLoop(id, cc)
		return cc, nil
	}
	return nil, fmt.Errorf("dialing %s: %w", id, lastErr)
}

func (t *Transport) dial(ctx context.Context, id peer.ID, addr string) (*clientConn, error) {
	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	remote, err := handshake(conn, t.keys, t.opts.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if remote != id {
		conn.Close()
		return nil, fmt.Errorf("%w: %s authenticated as %s", ErrPeerMismatch, addr, remote)
	}
	return &clientConn{conn: conn, pending: make(map[string]chan []byte)}, nil
}

// readLoop routes result frames to their waiting requests until the
// connection breaks, then fails everything still pending.
func (t *Transport) readLoop(id peer.ID, cc *clientConn) {
	defer t.wg.Done()
	for {
		f, err := readFrame(cc.conn)
		if err != nil {
			t.dropConn(id, cc)
			return
		}
		if f.Type != frameResult {
			t.logger.Warn("unexpected frame on client connection", "peer", id, "type", f.Type)
			t.dropConn(id, cc)
			return
		}
		var wr wireResult
		if err := cbor.Unmarshal(f.Payload, &wr); err != nil {
			t.logger.Warn("malformed result frame", "peer", id, "error", err)
			t.dropConn(id, cc)
			return
		}
		cc.resolve(wr.ID, wr.Result)
	}
}

func (t *Transport) dropConn(id peer.ID, cc *clientConn) {
	t.mu.Lock()
	if t.conns[id] == cc {
		delete(t.conns, id)
	}
	t.mu.Unlock()
	cc.fail()
}

func (c *clientConn) register(id string) (chan []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return nil, errors.New("connection is closed")
	}
	ch := make(chan []byte, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *clientConn) deregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *clientConn) resolve(id string, raw []byte) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		ch <- raw
	}
}

// fail closes the connection and wakes every pending request with a closed
// channel.
func (c *clientConn) fail() {
	c.mu.Lock()
	if c.broken {
		c.mu.Unlock()
		return
	}
	c.broken = true
	pending := c.pending
	c.pending = make(map[string]chan []byte)
	c.mu.Unlock()
	c.conn.Close()
	for _, ch := range pending {
		close(ch)
	}
}
