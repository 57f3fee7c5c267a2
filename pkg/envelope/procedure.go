package envelope

import "github.com/vaultgate/vaultgate/internal/domain/access"

// Procedure is one cryptographic operation executed inside the vault. The set
// is closed; every variant declares the capabilities it needs, following the
// same rule everywhere: Use on a declared input location, Write on a declared
// output location, Write for anything that deletes data.
type Procedure interface {
	RequiredAccess() []access.Access

	procedureKind() string
}

// ProcedureOutput is the non-secret output of one procedure (a public key,
// a signature, raw bytes), returned to the caller in batch order.
type ProcedureOutput []byte

// GenerateKey generates a fresh secret key at Output.
type GenerateKey struct {
	KeyType string   `cbor:"key_type"`
	Output  Location `cbor:"output"`
}

// DeriveKey derives a key from the secret at Input and stores it at Output.
type DeriveKey struct {
	Input  Location `cbor:"input"`
	Output Location `cbor:"output"`
}

// SignMessage signs Message with the secret at Input; the signature is
// returned as procedure output, nothing is written back.
type SignMessage struct {
	Input   Location `cbor:"input"`
	Message []byte   `cbor:"message"`
}

// PublicKey returns the public half of the keypair at Input.
type PublicKey struct {
	Input Location `cbor:"input"`
}

// RevokeRecord revokes the record at Location from within a batch.
type RevokeRecord struct {
	Location Location `cbor:"location"`
}

// GarbageCollect deletes all revoked records in a vault.
type GarbageCollect struct {
	VaultPath []byte `cbor:"vault_path"`
}

// GenerateRandom produces Size random bytes as procedure output. It declares
// no input or output location and therefore contributes no capability
// entries: such procedures touch no stored secret, and the policy layer
// deliberately leaves them unrestricted (pinned by
// TestProcedureWithoutLocationsRequiresNoAccess).
type GenerateRandom struct {
	Size uint32 `cbor:"size"`
}

// RequiredAccess returns Write on the output vault.
func (p GenerateKey) RequiredAccess() []access.Access {
	return []access.Access{access.WriteVault(p.Output.VaultPath)}
}

// RequiredAccess returns Use on the input vault and Write on the output vault.
func (p DeriveKey) RequiredAccess() []access.Access {
	return []access.Access{
		access.UseVault(p.Input.VaultPath),
		access.WriteVault(p.Output.VaultPath),
	}
}

// RequiredAccess returns Use on the input vault.
func (p SignMessage) RequiredAccess() []access.Access {
	return []access.Access{access.UseVault(p.Input.VaultPath)}
}

// RequiredAccess returns Use on the input vault.
func (p PublicKey) RequiredAccess() []access.Access {
	return []access.Access{access.UseVault(p.Input.VaultPath)}
}

// RequiredAccess returns Write on the record's vault: revocation deletes data.
func (p RevokeRecord) RequiredAccess() []access.Access {
	return []access.Access{access.WriteVault(p.Location.VaultPath)}
}

// RequiredAccess returns Write on the vault: collection deletes data.
func (p GarbageCollect) RequiredAccess() []access.Access {
	return []access.Access{access.WriteVault(p.VaultPath)}
}

// RequiredAccess returns no entries.
func (p GenerateRandom) RequiredAccess() []access.Access {
	return nil
}

func (GenerateKey) procedureKind() string    { return "generate_key" }
func (DeriveKey) procedureKind() string      { return "derive_key" }
func (SignMessage) procedureKind() string    { return "sign_message" }
func (PublicKey) procedureKind() string      { return "public_key" }
func (RevokeRecord) procedureKind() string   { return "revoke_record" }
func (GarbageCollect) procedureKind() string { return "garbage_collect" }
func (GenerateRandom) procedureKind() string { return "generate_random" }
