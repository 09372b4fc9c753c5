package api

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Signal is implemented by user-defined signal types. The name identifies
// the signal on the wire and in history; the value itself is the body and
// must be JSON-marshalable.
//
//	type Approved struct{ By string }
//	func (Approved) SignalName() string { return "approved" }
type Signal interface {
	SignalName() string
}

// Message is implemented by user-defined message types published on the bus.
// Unlike signals, messages are broadcast: every subscriber whose tag filter
// matches receives a copy.
type Message interface {
	MessageName() string
}

// SignalEnvelope is the untyped view of a received signal, returned by
// ListenAny when the caller matches several signal names at once.
type SignalEnvelope struct {
	SignalID uuid.UUID
	Name     string
	Body     json.RawMessage
}
