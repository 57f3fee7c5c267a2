package access

// ClientPermissions restricts what a remote peer may do to the vaults and
// store of a single client. Each vault capability has a default that applies
// to every vault path without an explicit exception; a path absent from an
// exceptions map inherits the default.
//
// The zero value denies everything. Builder methods have value receivers and
// return refined copies, so an installed policy is never mutated through a
// retained builder.
type ClientPermissions struct {
	useVaultDefault    bool
	useVaultExceptions map[string]bool

	writeVaultDefault    bool
	writeVaultExceptions map[string]bool

	cloneVaultDefault    bool
	cloneVaultExceptions map[string]bool

	readStore  bool
	writeStore bool
}

// NoClientPermissions denies every operation on the client.
func NoClientPermissions() ClientPermissions {
	return ClientPermissions{}
}

// AllClientPermissions permits every operation on the client: using, writing
// and cloning secrets in any vault, and reading/writing the store.
func AllClientPermissions() ClientPermissions {
	return ClientPermissions{
		useVaultDefault:   true,
		writeVaultDefault: true,
		cloneVaultDefault: true,
		readStore:         true,
		writeStore:        true,
	}
}

// WithDefaultVaultAccess sets the default permissions for vaults without an
// explicit exception.
func (p ClientPermissions) WithDefaultVaultAccess(use, write, clone bool) ClientPermissions {
	p.useVaultDefault = use
	p.writeVaultDefault = write
	p.cloneVaultDefault = clone
	return p
}

// WithVaultAccess sets an exception for the vault at vaultPath. Each of the
// three booleans lands in its own exceptions map; the Rust original stored
// all three into the use map, clobbering use with write and then clone
// (pinned by TestWithVaultAccessDistinctMaps).
func (p ClientPermissions) WithVaultAccess(vaultPath []byte, use, write, clone bool) ClientPermissions {
	p.useVaultExceptions = withException(p.useVaultExceptions, vaultPath, use)
	p.writeVaultExceptions = withException(p.writeVaultExceptions, vaultPath, write)
	p.cloneVaultExceptions = withException(p.cloneVaultExceptions, vaultPath, clone)
	return p
}

// WithStoreAccess sets read and write permissions for the client's store.
func (p ClientPermissions) WithStoreAccess(read, write bool) ClientPermissions {
	p.readStore = read
	p.writeStore = write
	return p
}

// withException copies m and sets m[path]=v. The copy keeps earlier builder
// results independent of later refinements.
func withException(m map[string]bool, path []byte, v bool) map[string]bool {
	next := make(map[string]bool, len(m)+1)
	for k, b := range m {
		next[k] = b
	}
	next[string(path)] = v
	return next
}

// allows resolves one access entry with exception-then-default lookup.
// List access is implied by any finer vault capability.
func (p *ClientPermissions) allows(a Access) bool {
	switch a.Kind {
	case KindUse:
		return lookup(p.useVaultExceptions, a.VaultPath, p.useVaultDefault)
	case KindWrite:
		return lookup(p.writeVaultExceptions, a.VaultPath, p.writeVaultDefault)
	case KindClone:
		return lookup(p.cloneVaultExceptions, a.VaultPath, p.cloneVaultDefault)
	case KindList:
		return lookup(p.useVaultExceptions, a.VaultPath, p.useVaultDefault) ||
			lookup(p.writeVaultExceptions, a.VaultPath, p.writeVaultDefault) ||
			lookup(p.cloneVaultExceptions, a.VaultPath, p.cloneVaultDefault)
	case KindReadStore:
		return p.readStore
	case KindWriteStore:
		return p.writeStore
	default:
		return false
	}
}

func lookup(exceptions map[string]bool, vaultPath []byte, def bool) bool {
	if v, ok := exceptions[string(vaultPath)]; ok {
		return v
	}
	return def
}

// clone returns a deep copy.
func (p ClientPermissions) clone() ClientPermissions {
	p.useVaultExceptions = copyExceptions(p.useVaultExceptions)
	p.writeVaultExceptions = copyExceptions(p.writeVaultExceptions)
	p.cloneVaultExceptions = copyExceptions(p.cloneVaultExceptions)
	return p
}

func copyExceptions(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	next := make(map[string]bool, len(m))
	for k, v := range m {
		next[k] = v
	}
	return next
}

// Permissions is the per-peer (or network-default) policy: an optional
// default ClientPermissions plus per-client overrides.
//
// Lookup distinguishes three cases for a client path: no entry (inherit the
// default), an entry with permissions (use them), and an entry explicitly set
// to nil (deny everything for that client, even when the default would allow).
type Permissions struct {
	defaultPermissions *ClientPermissions
	exceptions         map[string]*ClientPermissions
}

// AllowNone denies every operation for every client.
func AllowNone() Permissions {
	return Permissions{}
}

// AllowAll permits every operation on every client.
func AllowAll() Permissions {
	all := AllClientPermissions()
	return Permissions{defaultPermissions: &all}
}

// WithDefaultPermissions sets the default policy for clients without an
// explicit entry. A nil value means deny by default.
func (p Permissions) WithDefaultPermissions(permissions *ClientPermissions) Permissions {
	if permissions != nil {
		cloned := permissions.clone()
		permissions = &cloned
	}
	p.defaultPermissions = permissions
	return p
}

// WithClientPermissions sets the policy for the client at clientPath.
// Passing nil denies everything for that client regardless of the default.
func (p Permissions) WithClientPermissions(clientPath []byte, permissions *ClientPermissions) Permissions {
	if permissions != nil {
		cloned := permissions.clone()
		permissions = &cloned
	}
	next := make(map[string]*ClientPermissions, len(p.exceptions)+1)
	for k, v := range p.exceptions {
		next[k] = v
	}
	next[string(clientPath)] = permissions
	p.exceptions = next
	return p
}

// Clone returns an independent deep copy. Firewall rules clone the policy at
// construction so no rule holds a live reference into mutable config state.
func (p Permissions) Clone() Permissions {
	out := Permissions{}
	if p.defaultPermissions != nil {
		cloned := p.defaultPermissions.clone()
		out.defaultPermissions = &cloned
	}
	if p.exceptions != nil {
		out.exceptions = make(map[string]*ClientPermissions, len(p.exceptions))
		for k, v := range p.exceptions {
			if v == nil {
				out.exceptions[k] = nil
				continue
			}
			cloned := v.clone()
			out.exceptions[k] = &cloned
		}
	}
	return out
}

// forClient resolves the effective ClientPermissions for a client path.
// Returns nil when the client is denied outright.
func (p Permissions) forClient(clientPath []byte) *ClientPermissions {
	if cp, ok := p.exceptions[string(clientPath)]; ok {
		return cp
	}
	return p.defaultPermissions
}
