package access

// Request is the minimal set of capabilities one inbound envelope requires,
// tagged with the client path the envelope addresses. It is derived once per
// envelope, checked, and discarded; nothing retains it.
type Request struct {
	ClientPath []byte
	Locations  []Access
}

// NewRequest builds a Request for the given client path and capability set.
func NewRequest(clientPath []byte, locations []Access) Request {
	return Request{ClientPath: clientPath, Locations: locations}
}

// Check evaluates the request against a permission set.
//
// The client entry is resolved exception-then-default; a client explicitly
// mapped to nil is denied regardless of locations. The request is allowed
// only if every location resolves to true: a request touching vault A and
// vault B is denied when either side is denied.
//
// Check is a pure function of its inputs and safe to call concurrently.
func (r Request) Check(p Permissions) bool {
	cp := p.forClient(r.ClientPath)
	if cp == nil {
		return false
	}
	for _, a := range r.Locations {
		if !cp.allows(a) {
			return false
		}
	}
	return true
}
