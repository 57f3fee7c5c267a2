package envelope

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Wire format: every closed variant travels as {kind, body}. The kind string
// is stable protocol surface; renaming a Go type must not change it.

// encMode encodes with Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The same
// logical envelope always produces identical bytes.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored for forward
// compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("envelope: CBOR decoder initialization failed: " + err.Error())
	}
}

type tagged struct {
	Kind string          `cbor:"kind"`
	Body cbor.RawMessage `cbor:"body"`
}

type wireEnvelope struct {
	ClientPath []byte `cbor:"client_path"`
	Request    tagged `cbor:"request"`
}

type wireProcedures struct {
	Procedures []tagged `cbor:"procedures"`
}

// ErrUnknownKind reports a wire message whose kind tag is not part of the
// protocol. Decoding fails rather than admitting an unclassifiable request.
var ErrUnknownKind = errors.New("unknown wire kind")

// EncodeEnvelope serializes an envelope to its wire format.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	req, err := marshalRequest(e.Request)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(wireEnvelope{ClientPath: e.ClientPath, Request: req})
}

// DecodeEnvelope deserializes wire-format data into an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	req, err := unmarshalRequest(w.Request)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ClientPath: w.ClientPath, Request: req}, nil
}

// EncodeResult serializes a result to its wire format.
func EncodeResult(r Result) ([]byte, error) {
	body, err := encMode.Marshal(r)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(tagged{Kind: r.resultKind(), Body: body})
}

// DecodeResult deserializes wire-format data into a result.
func DecodeResult(data []byte) (Result, error) {
	var t tagged
	if err := decMode.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	switch t.Kind {
	case Empty{}.resultKind():
		var v Empty
		return decodeBody(t, &v)
	case Bool{}.resultKind():
		var v Bool
		return decodeBody(t, &v)
	case Data{}.resultKind():
		var v Data
		return decodeBody(t, &v)
	case ListIdsResult{}.resultKind():
		var v ListIdsResult
		return decodeBody(t, &v)
	case WriteRemoteVault{}.resultKind():
		var v WriteRemoteVault
		return decodeBody(t, &v)
	case Proc{}.resultKind():
		var v Proc
		return decodeBody(t, &v)
	default:
		return nil, fmt.Errorf("%w: result %q", ErrUnknownKind, t.Kind)
	}
}

func decodeBody[T Result](t tagged, v *T) (Result, error) {
	if err := decMode.Unmarshal(t.Body, v); err != nil {
		return nil, fmt.Errorf("decoding %s result: %w", t.Kind, err)
	}
	return *v, nil
}

func marshalRequest(r Request) (tagged, error) {
	// Procedures nests its own tagged union per procedure.
	if p, ok := r.(Procedures); ok {
		wire := wireProcedures{Procedures: make([]tagged, 0, len(p.Procedures))}
		for _, proc := range p.Procedures {
			body, err := encMode.Marshal(proc)
			if err != nil {
				return tagged{}, err
			}
			wire.Procedures = append(wire.Procedures, tagged{Kind: proc.procedureKind(), Body: body})
		}
		body, err := encMode.Marshal(wire)
		if err != nil {
			return tagged{}, err
		}
		return tagged{Kind: p.Kind(), Body: body}, nil
	}
	body, err := encMode.Marshal(r)
	if err != nil {
		return tagged{}, err
	}
	return tagged{Kind: r.Kind(), Body: body}, nil
}

func unmarshalRequest(t tagged) (Request, error) {
	switch t.Kind {
	case CheckVault{}.Kind():
		var v CheckVault
		return decodeRequestBody(t, &v)
	case CheckRecord{}.Kind():
		var v CheckRecord
		return decodeRequestBody(t, &v)
	case ListIds{}.Kind():
		var v ListIds
		return decodeRequestBody(t, &v)
	case ReadFromVault{}.Kind():
		var v ReadFromVault
		return decodeRequestBody(t, &v)
	case WriteToVault{}.Kind():
		var v WriteToVault
		return decodeRequestBody(t, &v)
	case RevokeData{}.Kind():
		var v RevokeData
		return decodeRequestBody(t, &v)
	case ReadFromStore{}.Kind():
		var v ReadFromStore
		return decodeRequestBody(t, &v)
	case WriteToStore{}.Kind():
		var v WriteToStore
		return decodeRequestBody(t, &v)
	case DeleteFromStore{}.Kind():
		var v DeleteFromStore
		return decodeRequestBody(t, &v)
	case Procedures{}.Kind():
		var wire wireProcedures
		if err := decMode.Unmarshal(t.Body, &wire); err != nil {
			return nil, fmt.Errorf("decoding procedures request: %w", err)
		}
		out := Procedures{Procedures: make([]Procedure, 0, len(wire.Procedures))}
		for _, tp := range wire.Procedures {
			proc, err := unmarshalProcedure(tp)
			if err != nil {
				return nil, err
			}
			out.Procedures = append(out.Procedures, proc)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: request %q", ErrUnknownKind, t.Kind)
	}
}

func decodeRequestBody[T Request](t tagged, v *T) (Request, error) {
	if err := decMode.Unmarshal(t.Body, v); err != nil {
		return nil, fmt.Errorf("decoding %s request: %w", t.Kind, err)
	}
	return *v, nil
}

func unmarshalProcedure(t tagged) (Procedure, error) {
	switch t.Kind {
	case GenerateKey{}.procedureKind():
		var v GenerateKey
		return decodeProcedureBody(t, &v)
	case DeriveKey{}.procedureKind():
		var v DeriveKey
		return decodeProcedureBody(t, &v)
	case SignMessage{}.procedureKind():
		var v SignMessage
		return decodeProcedureBody(t, &v)
	case PublicKey{}.procedureKind():
		var v PublicKey
		return decodeProcedureBody(t, &v)
	case RevokeRecord{}.procedureKind():
		var v RevokeRecord
		return decodeProcedureBody(t, &v)
	case GarbageCollect{}.procedureKind():
		var v GarbageCollect
		return decodeProcedureBody(t, &v)
	case GenerateRandom{}.procedureKind():
		var v GenerateRandom
		return decodeProcedureBody(t, &v)
	default:
		return nil, fmt.Errorf("%w: procedure %q", ErrUnknownKind, t.Kind)
	}
}

func decodeProcedureBody[T Procedure](t tagged, v *T) (Procedure, error) {
	if err := decMode.Unmarshal(t.Body, v); err != nil {
		return nil, fmt.Errorf("decoding %s procedure: %w", t.Kind, err)
	}
	return *v, nil
}
