// Package access contains the capability model and permission policy for
// remote operations on a node's vaults and key-value stores.
package access

// Kind enumerates the atomic operations a remote peer can request.
// The set is closed: adding a kind is a breaking change that forces every
// consumer (classifier, evaluator) to be revisited.
type Kind uint8

const (
	// KindUse permits using secrets in a vault inside procedures without
	// revealing them.
	KindUse Kind = iota + 1
	// KindWrite permits writing and revoking records in a vault.
	KindWrite
	// KindClone permits copying secrets out of a vault.
	KindClone
	// KindList permits listing record ids and existence checks on a vault.
	KindList
	// KindReadStore permits reading from the client's key-value store.
	KindReadStore
	// KindWriteStore permits writing to and deleting from the client's
	// key-value store.
	KindWriteStore
)

// String returns the canonical name for the kind.
func (k Kind) String() string {
	switch k {
	case KindUse:
		return "use"
	case KindWrite:
		return "write"
	case KindClone:
		return "clone"
	case KindList:
		return "list"
	case KindReadStore:
		return "read_store"
	case KindWriteStore:
		return "write_store"
	default:
		return "unknown"
	}
}

// Access is a single required capability. Vault-scoped kinds (Use, Write,
// Clone, List) carry the vault path they apply to; store kinds do not.
// Values are immutable: produced fresh per request, never mutated.
type Access struct {
	Kind      Kind
	VaultPath []byte
}

// UseVault requires Use on the vault at vaultPath.
func UseVault(vaultPath []byte) Access {
	return Access{Kind: KindUse, VaultPath: vaultPath}
}

// WriteVault requires Write on the vault at vaultPath.
func WriteVault(vaultPath []byte) Access {
	return Access{Kind: KindWrite, VaultPath: vaultPath}
}

// CloneVault requires Clone on the vault at vaultPath.
func CloneVault(vaultPath []byte) Access {
	return Access{Kind: KindClone, VaultPath: vaultPath}
}

// ListVault requires List on the vault at vaultPath.
func ListVault(vaultPath []byte) Access {
	return Access{Kind: KindList, VaultPath: vaultPath}
}

// ReadStore requires read access to the client's key-value store.
func ReadStore() Access {
	return Access{Kind: KindReadStore}
}

// WriteStore requires write access to the client's key-value store.
func WriteStore() Access {
	return Access{Kind: KindWriteStore}
}

// Equal reports whether two accesses require the same capability.
func (a Access) Equal(b Access) bool {
	return a.Kind == b.Kind && string(a.VaultPath) == string(b.VaultPath)
}
