package envelope

import (
	"errors"
	"fmt"
)

// ErrResultKind reports a conversion of a Result to the wrong native type.
// This is a local programming error at the call site, distinct from an
// operation failure carried inside a correctly-tagged variant.
var ErrResultKind = errors.New("result has unexpected kind")

// Result is the closed set of reply shapes mirroring the Request variants.
// Each native return type round-trips through exactly one variant.
type Result interface {
	resultKind() string
}

// Empty acknowledges an operation with no return value.
type Empty struct{}

// Bool carries an existence check result.
type Bool struct {
	Value bool `cbor:"value"`
}

// Data carries optional bytes; nil means the requested value was absent.
type Data struct {
	Value []byte `cbor:"value"`
}

// ListIdsResult carries a vault listing.
type ListIdsResult struct {
	IDs []IDPair `cbor:"ids"`
}

// WriteRemoteVault carries the outcome of a remote vault write; Err is empty
// on success.
type WriteRemoteVault struct {
	Err string `cbor:"err,omitempty"`
}

// Proc carries a procedure batch outcome: the outputs in batch order, or the
// error that aborted the batch.
type Proc struct {
	Outputs []ProcedureOutput `cbor:"outputs,omitempty"`
	Err     string            `cbor:"err,omitempty"`
}

func (Empty) resultKind() string            { return "empty" }
func (Bool) resultKind() string             { return "bool" }
func (Data) resultKind() string             { return "data" }
func (ListIdsResult) resultKind() string    { return "list_ids" }
func (WriteRemoteVault) resultKind() string { return "write_remote_vault" }
func (Proc) resultKind() string             { return "proc" }

// RemoteRecordError is a record-level failure reported by the remote vault.
type RemoteRecordError struct {
	Msg string
}

func (e *RemoteRecordError) Error() string {
	return "remote record error: " + e.Msg
}

// ProcedureError is a failure reported by the remote procedure executor.
type ProcedureError struct {
	Msg string
}

func (e *ProcedureError) Error() string {
	return "procedure error: " + e.Msg
}

// EmptyOf unwraps an Empty result.
func EmptyOf(r Result) error {
	if _, ok := r.(Empty); !ok {
		return fmt.Errorf("%w: got %s, want empty", ErrResultKind, r.resultKind())
	}
	return nil
}

// BoolOf unwraps a Bool result.
func BoolOf(r Result) (bool, error) {
	b, ok := r.(Bool)
	if !ok {
		return false, fmt.Errorf("%w: got %s, want bool", ErrResultKind, r.resultKind())
	}
	return b.Value, nil
}

// DataOf unwraps a Data result; a nil slice means no value was present.
func DataOf(r Result) ([]byte, error) {
	d, ok := r.(Data)
	if !ok {
		return nil, fmt.Errorf("%w: got %s, want data", ErrResultKind, r.resultKind())
	}
	return d.Value, nil
}

// ListIdsOf unwraps a listing result.
func ListIdsOf(r Result) ([]IDPair, error) {
	l, ok := r.(ListIdsResult)
	if !ok {
		return nil, fmt.Errorf("%w: got %s, want list_ids", ErrResultKind, r.resultKind())
	}
	return l.IDs, nil
}

// WriteRemoteVaultOf unwraps a remote write outcome. A *RemoteRecordError is
// the remote failure; an ErrResultKind-wrapped error is a local misuse.
func WriteRemoteVaultOf(r Result) error {
	w, ok := r.(WriteRemoteVault)
	if !ok {
		return fmt.Errorf("%w: got %s, want write_remote_vault", ErrResultKind, r.resultKind())
	}
	if w.Err != "" {
		return &RemoteRecordError{Msg: w.Err}
	}
	return nil
}

// ProcOf unwraps a procedure batch outcome. A *ProcedureError is the remote
// failure; an ErrResultKind-wrapped error is a local misuse.
func ProcOf(r Result) ([]ProcedureOutput, error) {
	p, ok := r.(Proc)
	if !ok {
		return nil, fmt.Errorf("%w: got %s, want proc", ErrResultKind, r.resultKind())
	}
	if p.Err != "" {
		return nil, &ProcedureError{Msg: p.Err}
	}
	return p.Outputs, nil
}

// WriteRemoteVaultResult wraps a native write outcome.
func WriteRemoteVaultResult(err error) Result {
	if err != nil {
		return WriteRemoteVault{Err: err.Error()}
	}
	return WriteRemoteVault{}
}

// ProcResult wraps a native procedure batch outcome.
func ProcResult(outputs []ProcedureOutput, err error) Result {
	if err != nil {
		return Proc{Err: err.Error()}
	}
	return Proc{Outputs: outputs}
}
