// Package peer defines peer identity and the exportable address book.
package peer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// ID identifies a remote node. It is the lowercase hex encoding of the
// blake3-256 digest of the node's ed25519 public key, so an ID commits to a
// key without revealing it in logs or config files.
type ID string

// IDFromPublicKey derives the peer ID for an ed25519 public key.
func IDFromPublicKey(pub ed25519.PublicKey) ID {
	sum := blake3.Sum256(pub)
	return ID(hex.EncodeToString(sum[:]))
}

// Keypair is a node's ed25519 identity keypair.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a fresh random identity.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generating identity keypair: %w", err)
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// KeypairFromSeed rebuilds an identity from a stored 32-byte seed.
func KeypairFromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, fmt.Errorf("identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Keypair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// ID returns the peer ID for the keypair's public key.
func (k Keypair) ID() ID {
	return IDFromPublicKey(k.Public)
}

// AddressInfo is the exportable address book: known dial addresses per peer
// and the peers usable as relays. The network layer treats it as state to
// load at startup and export for reuse across restarts.
type AddressInfo struct {
	// Addresses maps a peer to its known "host:port" dial addresses.
	Addresses map[ID][]string `cbor:"addresses" yaml:"addresses"`
	// Relays lists peers that may be used to relay traffic.
	Relays []ID `cbor:"relays" yaml:"relays"`
}

// NewAddressInfo returns an empty address book.
func NewAddressInfo() AddressInfo {
	return AddressInfo{Addresses: make(map[ID][]string)}
}

// Add records a dial address for a peer, ignoring duplicates.
func (a *AddressInfo) Add(id ID, addr string) {
	if a.Addresses == nil {
		a.Addresses = make(map[ID][]string)
	}
	for _, known := range a.Addresses[id] {
		if known == addr {
			return
		}
	}
	a.Addresses[id] = append(a.Addresses[id], addr)
}

// Clone returns an independent copy.
func (a AddressInfo) Clone() AddressInfo {
	out := AddressInfo{
		Addresses: make(map[ID][]string, len(a.Addresses)),
		Relays:    append([]ID(nil), a.Relays...),
	}
	for id, addrs := range a.Addresses {
		out.Addresses[id] = append([]string(nil), addrs...)
	}
	return out
}
