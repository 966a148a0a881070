package bus

import (
	"github.com/drblury/envflow/internal/envelope"
)

// Metadata is the read-only context handed to a handler alongside its
// payload. It is the only bus state a handler ever sees.
type Metadata struct {
	// ThreadID is the conversation the triggering message belongs to.
	ThreadID string
	// FromID is the trusted sender identity, injected by the bus.
	FromID string
	// OwnName is the listener's own identity. Set only for agent listeners.
	OwnName string
	// IsSelfCall reports whether the sender is the listener itself.
	IsSelfCall bool
}

// State is the mutable record threaded through one pipeline run. Once Err is
// set no further stage runs; the message is handed to the system pipeline.
type State struct {
	// Raw holds the bytes as delivered at ingress or synthesized by the bus.
	Raw []byte
	// Canonical holds the repaired, canonicalized serialization.
	Canonical []byte
	// Envelope is the parsed tree, populated by the validation stage.
	Envelope *envelope.Envelope
	// Payload holds the canonical bytes of the payload sub-tree.
	Payload []byte
	// Kind is the payload kind read at the wire boundary.
	Kind string
	// Value is the deserialized payload handed to the handler.
	Value any

	// ThreadID and FromID are lifted out of the envelope (or assigned by the
	// bus) so later stages and diagnostics do not depend on a parsed tree.
	ThreadID string
	FromID   string

	// Origin is the identity responses must be addressed to in order to
	// leave the bus instead of being re-injected: the authenticated caller
	// for trusted ingress, the declared sender for anonymous ingress.
	Origin string

	// Hop counts re-injections since ingress.
	Hop int

	// Targets are the resolved listeners, set by the routing stage.
	Targets []*Listener

	// Err is the error slot. The first stage failure lands here.
	Err error
}

// fail records the first error and leaves any earlier one in place.
func (s *State) fail(err error) {
	if s.Err == nil {
		s.Err = err
	}
}
