// Package envelope provides the serializable request/result protocol that
// carries typed vault and store operations between nodes over one untyped
// transport.
package envelope

import "fmt"

// RecordHintSize is the maximum length of a record hint.
const RecordHintSize = 24

// Location addresses a record: the vault it lives in and the record path
// within that vault.
type Location struct {
	VaultPath  []byte `cbor:"vault_path"`
	RecordPath []byte `cbor:"record_path"`
}

// NewLocation builds a location from a vault path and record path.
func NewLocation(vaultPath, recordPath []byte) Location {
	return Location{VaultPath: vaultPath, RecordPath: recordPath}
}

// RecordID identifies a record within a vault. Opaque to this layer; the
// storage engine assigns and interprets it.
type RecordID []byte

// RecordHint is a short plaintext annotation stored next to a record so it
// can be recognized in listings without decrypting anything.
type RecordHint []byte

// NewRecordHint validates the hint length.
func NewRecordHint(b []byte) (RecordHint, error) {
	if len(b) > RecordHintSize {
		return nil, fmt.Errorf("record hint exceeds %d bytes (got %d)", RecordHintSize, len(b))
	}
	return RecordHint(b), nil
}

// IDPair is one listing entry: a record id and its hint.
type IDPair struct {
	ID   RecordID   `cbor:"id"`
	Hint RecordHint `cbor:"hint"`
}
