package tcp

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/vaultgate/vaultgate/internal/domain/peer"
)

// ErrHandshakeFailed reports a peer that could not prove ownership of its
// claimed public key.
var ErrHandshakeFailed = errors.New("handshake failed")

// nonceSize is the length of the handshake challenge.
const nonceSize = 32

type helloPayload struct {
	PublicKey []byte `cbor:"public_key"`
	Nonce     []byte `cbor:"nonce"`
}

type proofPayload struct {
	Signature []byte `cbor:"signature"`
}

// handshake runs the symmetric hello/proof exchange on a fresh connection:
// both sides send a public key and a nonce, then a signature over the nonce
// they received. It returns the authenticated peer ID of the remote end.
// The deadline bounds the whole exchange so a stalled peer cannot pin the
// connection.
func handshake(conn net.Conn, keys peer.Keypair, deadline time.Duration) (peer.ID, error) {
	if err := conn.SetDeadline(time.Now().Add(deadline)); err != nil {
		return "", fmt.Errorf("handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating handshake nonce: %w", err)
	}

	hello, err := cbor.Marshal(helloPayload{PublicKey: keys.Public, Nonce: nonce})
	if err != nil {
		return "", fmt.Errorf("encoding hello: %w", err)
	}
	if err := writeFrame(conn, frame{Type: frameHello, Payload: hello}); err != nil {
		return "", err
	}

	f, err := readFrame(conn)
	if err != nil {
		return "", err
	}
	if f.Type != frameHello {
		return "", fmt.Errorf("%w: expected hello, got frame type %#x", ErrHandshakeFailed, f.Type)
	}
	var remote helloPayload
	if err := cbor.Unmarshal(f.Payload, &remote); err != nil {
		return "", fmt.Errorf("decoding hello: %w", err)
	}
	if len(remote.PublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key is %d bytes", ErrHandshakeFailed, len(remote.PublicKey))
	}
	if len(remote.Nonce) != nonceSize {
		return "", fmt.Errorf("%w: nonce is %d bytes", ErrHandshakeFailed, len(remote.Nonce))
	}

	proof, err := cbor.Marshal(proofPayload{Signature: ed25519.Sign(keys.Private, remote.Nonce)})
	if err != nil {
		return "", fmt.Errorf("encoding proof: %w", err)
	}
	if err := writeFrame(conn, frame{Type: frameProof, Payload: proof}); err != nil {
		return "", err
	}

	f, err = readFrame(conn)
	if err != nil {
		return "", err
	}
	if f.Type != frameProof {
		return "", fmt.Errorf("%w: expected proof, got frame type %#x", ErrHandshakeFailed, f.Type)
	}
	var remoteProof proofPayload
	if err := cbor.Unmarshal(f.Payload, &remoteProof); err != nil {
		return "", fmt.Errorf("decoding proof: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(remote.PublicKey), nonce, remoteProof.Signature) {
		return "", fmt.Errorf("%w: invalid signature", ErrHandshakeFailed)
	}

	return peer.IDFromPublicKey(remote.PublicKey), nil
}
