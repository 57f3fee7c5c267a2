package envelope

import (
	"time"

	"github.com/vaultgate/vaultgate/internal/domain/access"
)

// Envelope wraps a typed request with the client path it addresses, so one
// channel type serves every operation kind and the receiving node can route
// it to the right local client.
type Envelope struct {
	ClientPath []byte
	Request    Request
}

// Request is the closed set of operations a remote peer can invoke. Every
// variant declares the exact capabilities it needs via RequiredAccess; the
// interface makes classification total by construction, so a new operation
// kind cannot be added without stating its capability mapping.
type Request interface {
	// RequiredAccess returns the minimal capability set the operation
	// needs. Derived purely from the request's static shape; it never
	// touches storage or the network.
	RequiredAccess() []access.Access

	// Kind returns the stable wire tag for the variant, also used as the
	// metrics/log label.
	Kind() string
}

// AccessRequest classifies an envelope: the client path tag plus the
// capability set of its request.
func (e Envelope) AccessRequest() access.Request {
	return access.NewRequest(e.ClientPath, e.Request.RequiredAccess())
}

// CheckVault checks whether a vault exists.
type CheckVault struct {
	VaultPath []byte `cbor:"vault_path"`
}

// CheckRecord checks whether a record exists.
type CheckRecord struct {
	Location Location `cbor:"location"`
}

// ListIds lists the record ids and hints of a vault.
type ListIds struct {
	VaultPath []byte `cbor:"vault_path"`
}

// ReadFromVault copies a secret out of a vault and returns it to the caller.
type ReadFromVault struct {
	Location Location `cbor:"location"`
}

// WriteToVault writes a record into a vault.
type WriteToVault struct {
	Location Location   `cbor:"location"`
	Payload  []byte     `cbor:"payload"`
	Hint     RecordHint `cbor:"hint"`
}

// RevokeData marks a record as revoked; the storage engine garbage-collects
// it later.
type RevokeData struct {
	Location Location `cbor:"location"`
}

// ReadFromStore reads a value from the client's key-value store.
type ReadFromStore struct {
	Key []byte `cbor:"key"`
}

// WriteToStore writes a value into the client's key-value store, optionally
// expiring after Lifetime.
type WriteToStore struct {
	Key      []byte         `cbor:"key"`
	Payload  []byte         `cbor:"payload"`
	Lifetime *time.Duration `cbor:"lifetime,omitempty"`
}

// DeleteFromStore removes a key from the client's key-value store.
type DeleteFromStore struct {
	Key []byte `cbor:"key"`
}

// Procedures executes a batch of cryptographic procedures inside the vault.
type Procedures struct {
	Procedures []Procedure
}

// Existence and listing checks only reveal what a listing would: List on the
// touched vault.

// RequiredAccess returns List on the vault.
func (r CheckVault) RequiredAccess() []access.Access {
	return []access.Access{access.ListVault(r.VaultPath)}
}

// RequiredAccess returns List on the record's vault.
func (r CheckRecord) RequiredAccess() []access.Access {
	return []access.Access{access.ListVault(r.Location.VaultPath)}
}

// RequiredAccess returns List on the vault.
func (r ListIds) RequiredAccess() []access.Access {
	return []access.Access{access.ListVault(r.VaultPath)}
}

// RequiredAccess returns Clone on the record's vault: the secret leaves the
// vault boundary.
func (r ReadFromVault) RequiredAccess() []access.Access {
	return []access.Access{access.CloneVault(r.Location.VaultPath)}
}

// RequiredAccess returns Write on the record's vault.
func (r WriteToVault) RequiredAccess() []access.Access {
	return []access.Access{access.WriteVault(r.Location.VaultPath)}
}

// RequiredAccess returns Write on the record's vault.
func (r RevokeData) RequiredAccess() []access.Access {
	return []access.Access{access.WriteVault(r.Location.VaultPath)}
}

// RequiredAccess returns ReadStore.
func (r ReadFromStore) RequiredAccess() []access.Access {
	return []access.Access{access.ReadStore()}
}

// RequiredAccess returns WriteStore.
func (r WriteToStore) RequiredAccess() []access.Access {
	return []access.Access{access.WriteStore()}
}

// RequiredAccess returns WriteStore.
func (r DeleteFromStore) RequiredAccess() []access.Access {
	return []access.Access{access.WriteStore()}
}

// RequiredAccess is the union of the embedded procedures' capability sets,
// one entry per procedure location. A batch touching several vaults needs
// every one of them granted.
func (r Procedures) RequiredAccess() []access.Access {
	var out []access.Access
	for _, p := range r.Procedures {
		out = append(out, p.RequiredAccess()...)
	}
	return out
}

func (CheckVault) Kind() string      { return "check_vault" }
func (CheckRecord) Kind() string     { return "check_record" }
func (ListIds) Kind() string         { return "list_ids" }
func (ReadFromVault) Kind() string   { return "read_from_vault" }
func (WriteToVault) Kind() string    { return "write_to_vault" }
func (RevokeData) Kind() string      { return "revoke_data" }
func (ReadFromStore) Kind() string   { return "read_from_store" }
func (WriteToStore) Kind() string    { return "write_to_store" }
func (DeleteFromStore) Kind() string { return "delete_from_store" }
func (Procedures) Kind() string      { return "procedures" }
