// Package tcp implements the node-to-node transport: length-prefixed CBOR
// frames over TCP with a mutual ed25519 handshake. Peers are addressed by
// the digest of their public key, so the handshake both identifies and
// authenticates the remote end before any envelope crosses the wire.
package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame type constants. Each frame is a 5-byte header (1 byte type + 4 byte
// big-endian payload length) followed by the CBOR payload.
const (
	// frameHello opens the handshake: the sender's public key and a fresh
	// nonce for the counterparty to sign.
	frameHello byte = 0x01

	// frameProof completes the handshake: a signature over the nonce
	// received in the counterparty's hello.
	frameProof byte = 0x02

	// frameRequest carries a correlated envelope.
	frameRequest byte = 0x03

	// frameResult carries the result for a previously sent request.
	frameResult byte = 0x04
)

// frameHeaderLength is the fixed size of a frame header.
const frameHeaderLength = 5

// maxPayloadLength caps a single frame payload. Vault payloads are secrets
// and small; 16 MB leaves generous headroom.
const maxPayloadLength = 16 * 1024 * 1024

type frame struct {
	Type    byte
	Payload []byte
}

// writeFrame writes a framed payload to w. Payloads beyond maxPayloadLength
// are refused here too, since the receiving end would drop the connection.
func writeFrame(w io.Writer, f frame) error {
	if len(f.Payload) > maxPayloadLength {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(f.Payload), maxPayloadLength)
	}
	var header [frameHeaderLength]byte
	header[0] = f.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// readFrame reads one framed payload from r, rejecting payloads beyond
// maxPayloadLength.
func readFrame(r io.Reader) (frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, fmt.Errorf("read frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxPayloadLength {
		return frame{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return frame{Type: header[0], Payload: payload}, nil
}
