package memory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/vaultgate/vaultgate/pkg/envelope"
)

// ErrRecordNotFound reports a vault operation addressing a record that does
// not exist or has been revoked.
var ErrRecordNotFound = errors.New("record not found")

// maxRandomBytes caps a single generate_random request.
const maxRandomBytes = 1 << 20

type record struct {
	data    []byte
	hint    envelope.RecordHint
	revoked bool
}

type storeEntry struct {
	data []byte
	// expires is zero for entries without a lifetime.
	expires time.Time
}

// Handler is a map-backed storage engine for one client: named vaults of
// records plus a flat key/value store. Secrets live in vault records; the
// procedure executor reads and writes them without ever returning record
// contents to the caller.
type Handler struct {
	mu     sync.Mutex
	vaults map[string]map[string]*record
	store  map[string]storeEntry
	now    func() time.Time
}

// NewHandler returns an empty handler.
func NewHandler() *Handler {
	return &Handler{
		vaults: make(map[string]map[string]*record),
		store:  make(map[string]storeEntry),
		now:    time.Now,
	}
}

// CheckVault reports whether the vault exists.
func (h *Handler) CheckVault(_ context.Context, vaultPath []byte) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.vaults[string(vaultPath)]
	return ok, nil
}

// CheckRecord reports whether a live record exists at the location.
func (h *Handler) CheckRecord(_ context.Context, loc envelope.Location) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.vaults[string(loc.VaultPath)][string(loc.RecordPath)]
	return ok && !rec.revoked, nil
}

// ListIds lists the live records of a vault. A missing vault lists as empty.
func (h *Handler) ListIds(_ context.Context, vaultPath []byte) ([]envelope.IDPair, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vault := h.vaults[string(vaultPath)]
	pairs := make([]envelope.IDPair, 0, len(vault))
	for path, rec := range vault {
		if rec.revoked {
			continue
		}
		pairs = append(pairs, envelope.IDPair{
			ID:   envelope.RecordID([]byte(path)),
			Hint: rec.hint,
		})
	}
	return pairs, nil
}

// ReadFromVault returns the record payload, or nil when no live record exists
// at the location.
func (h *Handler) ReadFromVault(_ context.Context, loc envelope.Location) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.vaults[string(loc.VaultPath)][string(loc.RecordPath)]
	if !ok || rec.revoked {
		return nil, nil
	}
	return append([]byte(nil), rec.data...), nil
}

// WriteToVault stores a payload at the location, creating the vault on first
// write and replacing any existing record.
func (h *Handler) WriteToVault(_ context.Context, loc envelope.Location, payload []byte, hint envelope.RecordHint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeLocked(loc, payload, hint)
	return nil
}

// RevokeData marks the record at the location revoked. The data stays until
// the vault is garbage collected.
func (h *Handler) RevokeData(_ context.Context, loc envelope.Location) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.revokeLocked(loc)
}

// ReadFromStore returns the value under key, or nil when the key is absent or
// its lifetime has expired.
func (h *Handler) ReadFromStore(_ context.Context, key []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.store[string(key)]
	if !ok {
		return nil, nil
	}
	if !entry.expires.IsZero() && h.now().After(entry.expires) {
		delete(h.store, string(key))
		return nil, nil
	}
	return append([]byte(nil), entry.data...), nil
}

// WriteToStore stores a value under key, optionally expiring after lifetime.
func (h *Handler) WriteToStore(_ context.Context, key, payload []byte, lifetime *time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := storeEntry{data: append([]byte(nil), payload...)}
	if lifetime != nil {
		entry.expires = h.now().Add(*lifetime)
	}
	h.store[string(key)] = entry
	return nil
}

// DeleteFromStore removes a key. Deleting an absent key is not an error.
func (h *Handler) DeleteFromStore(_ context.Context, key []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.store, string(key))
	return nil
}

// Procedures executes a batch in order, one output per procedure. The first
// failure aborts the batch; record writes made by earlier procedures are not
// rolled back.
func (h *Handler) Procedures(_ context.Context, procs []envelope.Procedure) ([]envelope.ProcedureOutput, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	outputs := make([]envelope.ProcedureOutput, 0, len(procs))
	for i, proc := range procs {
		out, err := h.executeLocked(proc)
		if err != nil {
			return nil, fmt.Errorf("procedure %d: %w", i, err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

func (h *Handler) executeLocked(proc envelope.Procedure) (envelope.ProcedureOutput, error) {
	switch p := proc.(type) {
	case envelope.GenerateKey:
		if p.KeyType != "ed25519" {
			return nil, fmt.Errorf("unsupported key type %q", p.KeyType)
		}
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generating key: %w", err)
		}
		h.writeLocked(p.Output, seed, nil)
		return envelope.ProcedureOutput{}, nil
	case envelope.DeriveKey:
		secret, err := h.readSecretLocked(p.Input)
		if err != nil {
			return nil, err
		}
		derived := blake3.Sum256(secret)
		h.writeLocked(p.Output, derived[:], nil)
		return envelope.ProcedureOutput{}, nil
	case envelope.SignMessage:
		priv, err := h.signingKeyLocked(p.Input)
		if err != nil {
			return nil, err
		}
		return envelope.ProcedureOutput(ed25519.Sign(priv, p.Message)), nil
	case envelope.PublicKey:
		priv, err := h.signingKeyLocked(p.Input)
		if err != nil {
			return nil, err
		}
		pub := priv.Public().(ed25519.PublicKey)
		return envelope.ProcedureOutput(pub), nil
	case envelope.RevokeRecord:
		if err := h.revokeLocked(p.Location); err != nil {
			return nil, err
		}
		return envelope.ProcedureOutput{}, nil
	case envelope.GarbageCollect:
		vault := h.vaults[string(p.VaultPath)]
		for path, rec := range vault {
			if rec.revoked {
				delete(vault, path)
			}
		}
		return envelope.ProcedureOutput{}, nil
	case envelope.GenerateRandom:
		if p.Size > maxRandomBytes {
			return nil, fmt.Errorf("random size %d exceeds %d bytes", p.Size, maxRandomBytes)
		}
		buf := make([]byte, p.Size)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generating randomness: %w", err)
		}
		return envelope.ProcedureOutput(buf), nil
	default:
		return nil, fmt.Errorf("unhandled procedure kind %T", proc)
	}
}

func (h *Handler) writeLocked(loc envelope.Location, payload []byte, hint envelope.RecordHint) {
	vault, ok := h.vaults[string(loc.VaultPath)]
	if !ok {
		vault = make(map[string]*record)
		h.vaults[string(loc.VaultPath)] = vault
	}
	vault[string(loc.RecordPath)] = &record{
		data: append([]byte(nil), payload...),
		hint: hint,
	}
}

func (h *Handler) revokeLocked(loc envelope.Location) error {
	rec, ok := h.vaults[string(loc.VaultPath)][string(loc.RecordPath)]
	if !ok || rec.revoked {
		return ErrRecordNotFound
	}
	rec.revoked = true
	return nil
}

func (h *Handler) readSecretLocked(loc envelope.Location) ([]byte, error) {
	rec, ok := h.vaults[string(loc.VaultPath)][string(loc.RecordPath)]
	if !ok || rec.revoked {
		return nil, ErrRecordNotFound
	}
	return rec.data, nil
}

func (h *Handler) signingKeyLocked(loc envelope.Location) (ed25519.PrivateKey, error) {
	seed, err := h.readSecretLocked(loc)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("record at %x/%x is not an ed25519 seed", loc.VaultPath, loc.RecordPath)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
