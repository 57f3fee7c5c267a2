package tcp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vaultgate/vaultgate/internal/domain/firewall"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
	"github.com/vaultgate/vaultgate/internal/port"
	"github.com/vaultgate/vaultgate/pkg/envelope"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func allowAllFirewall() *firewall.Firewall {
	return firewall.New(firewall.Configuration{
		Default: firewall.Rules{Inbound: firewall.AllowAll(), Outbound: firewall.AllowAll()},
	})
}

// startTransport brings up a transport on a random loopback port and returns
// it with its identity.
func startTransport(t *testing.T, fw *firewall.Firewall) *Transport {
	t.Helper()
	keys, err := peer.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	tr := New(keys, Options{ListenAddress: "127.0.0.1:0"}, testLogger())
	tr.SetFirewall(fw)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if err := tr.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return tr
}

// echoVaultChecks answers every inbound check_vault with true and ignores
// everything else.
func echoVaultChecks(tr *Transport) {
	go func() {
		for rq := range tr.Inbound() {
			if _, ok := rq.Envelope.Request.(envelope.CheckVault); ok {
				rq.Reply(envelope.Bool{Value: true})
			}
		}
	}()
}

func TestSendRoundTrip(t *testing.T) {
	server := startTransport(t, allowAllFirewall())
	echoVaultChecks(server)

	client := startTransport(t, allowAllFirewall())
	client.AddAddress(server.LocalPeer(), server.ListenAddress())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := client.Send(ctx, server.LocalPeer(), envelope.Envelope{
		ClientPath: []byte("alice"),
		Request:    envelope.CheckVault{VaultPath: []byte("v")},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	exists, err := envelope.BoolOf(res)
	if err != nil || !exists {
		t.Fatalf("expected true bool, got %v (%v)", exists, err)
	}
}

func TestSendReusesConnection(t *testing.T) {
	server := startTransport(t, allowAllFirewall())
	echoVaultChecks(server)

	client := startTransport(t, allowAllFirewall())
	client.AddAddress(server.LocalPeer(), server.ListenAddress())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if _, err := client.Send(ctx, server.LocalPeer(), envelope.Envelope{
			ClientPath: []byte("alice"),
			Request:    envelope.CheckVault{VaultPath: []byte("v")},
		}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	client.mu.Lock()
	cached := len(client.conns)
	client.mu.Unlock()
	if cached != 1 {
		t.Errorf("expected one cached connection, got %d", cached)
	}
}

func TestInboundDenialLooksLikeTimeout(t *testing.T) {
	// The server admits nothing; a denied request must not produce any
	// reply, an error frame included.
	server := startTransport(t, firewall.New(firewall.Configuration{
		Default: firewall.Rules{Inbound: firewall.RejectAll(), Outbound: firewall.AllowAll()},
	}))
	echoVaultChecks(server)

	client := startTransport(t, allowAllFirewall())
	client.AddAddress(server.LocalPeer(), server.ListenAddress())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := client.Send(ctx, server.LocalPeer(), envelope.Envelope{
		ClientPath: []byte("alice"),
		Request:    envelope.CheckVault{VaultPath: []byte("v")},
	})
	if !errors.Is(err, port.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestOutboundDenial(t *testing.T) {
	server := startTransport(t, allowAllFirewall())

	client := startTransport(t, firewall.New(firewall.Configuration{
		Default: firewall.Rules{Inbound: firewall.AllowAll(), Outbound: firewall.RejectAll()},
	}))
	client.AddAddress(server.LocalPeer(), server.ListenAddress())

	_, err := client.Send(context.Background(), server.LocalPeer(), envelope.Envelope{
		ClientPath: []byte("alice"),
		Request:    envelope.CheckVault{VaultPath: []byte("v")},
	})
	if !errors.Is(err, port.ErrDenied) {
		t.Fatalf("expected denial, got %v", err)
	}
}

func TestSendWithoutAddress(t *testing.T) {
	client := startTransport(t, allowAllFirewall())
	_, err := client.Send(context.Background(), peer.ID("ghost"), envelope.Envelope{
		ClientPath: []byte("alice"),
		Request:    envelope.CheckVault{VaultPath: []byte("v")},
	})
	if !errors.Is(err, ErrNoAddress) {
		t.Fatalf("expected ErrNoAddress, got %v", err)
	}
}

func TestDialRejectsImpersonation(t *testing.T) {
	// The address book claims the server's address belongs to a different
	// peer; the handshake must refuse the substitution.
	server := startTransport(t, allowAllFirewall())
	client := startTransport(t, allowAllFirewall())
	client.AddAddress(peer.ID("claimed-identity"), server.ListenAddress())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Send(ctx, peer.ID("claimed-identity"), envelope.Envelope{
		ClientPath: []byte("alice"),
		Request:    envelope.CheckVault{VaultPath: []byte("v")},
	})
	if !errors.Is(err, ErrPeerMismatch) {
		t.Fatalf("expected ErrPeerMismatch, got %v", err)
	}
}

func TestSeedAndExportAddresses(t *testing.T) {
	keys, err := peer.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	tr := New(keys, Options{ListenAddress: "127.0.0.1:0"}, testLogger())

	seed := peer.NewAddressInfo()
	seed.Add(peer.ID("a"), "10.0.0.1:7000")
	seed.Relays = []peer.ID{"r"}
	tr.SeedAddresses(seed)
	tr.AddAddress(peer.ID("a"), "10.0.0.1:7000")
	tr.AddAddress(peer.ID("a"), "10.0.0.2:7000")

	got := tr.Addresses()
	if len(got.Addresses[peer.ID("a")]) != 2 {
		t.Errorf("expected deduplicated addresses, got %v", got.Addresses[peer.ID("a")])
	}
	if len(got.Relays) != 1 || got.Relays[0] != peer.ID("r") {
		t.Errorf("expected seeded relay, got %v", got.Relays)
	}

	// The export is a copy; mutating it does not touch the book.
	got.Add(peer.ID("b"), "10.0.0.3:7000")
	if _, ok := tr.Addresses().Addresses[peer.ID("b")]; ok {
		t.Error("expected export to be independent of the address book")
	}
}

func TestConnectionLimit(t *testing.T) {
	keys, err := peer.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	server := New(keys, Options{
		ListenAddress: "127.0.0.1:0",
		Limits:        port.ConnectionLimits{MaxEstablished: 1},
	}, testLogger())
	server.SetFirewall(allowAllFirewall())
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	echoVaultChecks(server)

	first := startTransport(t, allowAllFirewall())
	first.AddAddress(server.LocalPeer(), server.ListenAddress())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := first.Send(ctx, server.LocalPeer(), envelope.Envelope{
		ClientPath: []byte("alice"),
		Request:    envelope.CheckVault{VaultPath: []byte("v")},
	}); err != nil {
		t.Fatalf("first connection: %v", err)
	}

	// A second peer is refused while the first connection is held open.
	second := startTransport(t, allowAllFirewall())
	second.AddAddress(server.LocalPeer(), server.ListenAddress())
	shortCtx, cancelShort := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancelShort()
	_, err = second.Send(shortCtx, server.LocalPeer(), envelope.Envelope{
		ClientPath: []byte("alice"),
		Request:    envelope.CheckVault{VaultPath: []byte("v")},
	})
	if err == nil {
		t.Fatal("expected the second connection to be refused")
	}
}

func TestPerPeerConnectionLimit(t *testing.T) {
	serverKeys, err := peer.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	server := New(serverKeys, Options{
		ListenAddress: "127.0.0.1:0",
		Limits:        port.ConnectionLimits{MaxPerPeer: 1},
	}, testLogger())
	server.SetFirewall(allowAllFirewall())
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	echoVaultChecks(server)

	// Two client transports sharing one identity: the second inbound
	// connection authenticates as the same peer.
	clientKeys, err := peer.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	newClient := func() *Transport {
		c := New(clientKeys, Options{ListenAddress: "127.0.0.1:0"}, testLogger())
		c.SetFirewall(allowAllFirewall())
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("start client: %v", err)
		}
		t.Cleanup(func() {
			if err := c.Close(); err != nil {
				t.Errorf("close client: %v", err)
			}
		})
		c.AddAddress(server.LocalPeer(), server.ListenAddress())
		return c
	}
	check := envelope.Envelope{
		ClientPath: []byte("alice"),
		Request:    envelope.CheckVault{VaultPath: []byte("v")},
	}

	first := newClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := first.Send(ctx, server.LocalPeer(), check); err != nil {
		t.Fatalf("first connection: %v", err)
	}

	second := newClient()
	shortCtx, cancelShort := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancelShort()
	if _, err := second.Send(shortCtx, server.LocalPeer(), check); err == nil {
		t.Fatal("expected a second connection from the same peer to be refused")
	}

	// Another peer is unaffected by the first one's cap.
	other := startTransport(t, allowAllFirewall())
	other.AddAddress(server.LocalPeer(), server.ListenAddress())
	if _, err := other.Send(ctx, server.LocalPeer(), check); err != nil {
		t.Fatalf("other peer: %v", err)
	}
}

func TestPendingConnectionLimit(t *testing.T) {
	keys, err := peer.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	server := New(keys, Options{
		ListenAddress: "127.0.0.1:0",
		Limits:        port.ConnectionLimits{MaxPending: 1},
	}, testLogger())
	server.SetFirewall(allowAllFirewall())
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})

	// A raw connection that never handshakes occupies the pending slot.
	stalled, err := net.Dial("tcp", server.ListenAddress())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stalled.Close()
	for i := 0; ; i++ {
		server.mu.Lock()
		pending := server.pending
		server.mu.Unlock()
		if pending == 1 {
			break
		}
		if i > 100 {
			t.Fatal("stalled connection never counted as pending")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The next connection is dropped before any handshake byte.
	next, err := net.Dial("tcp", server.ListenAddress())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer next.Close()
	if err := next.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("deadline: %v", err)
	}
	if _, err := next.Read(make([]byte, 1)); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected the connection to be closed, got %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := frame{Type: frameRequest, Payload: []byte("payload")}
	if err := writeFrame(&buf, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Type != in.Type || !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("frame changed in transit: %+v != %+v", out, in)
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(frameRequest)
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := readFrame(&buf); err == nil {
		t.Fatal("expected oversized payload to be rejected")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, frame{Type: frameRequest, Payload: make([]byte, maxPayloadLength+1)})
	if err == nil {
		t.Fatal("expected oversized payload to be refused")
	}
	if buf.Len() != 0 {
		t.Errorf("expected nothing written for a refused frame, got %d bytes", buf.Len())
	}
}
