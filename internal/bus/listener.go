package bus

import (
	"context"

	"github.com/drblury/envflow/internal/schema"
)

// Handler is the capability a listener registers. It receives the
// deserialized payload and a read-only metadata record, and returns zero or
// more responses. Returning no responses and a nil error is a valid outcome;
// errors and panics are contained by the bus and converted into diagnostics.
type Handler func(ctx context.Context, payload any, meta Metadata) ([]Response, error)

// Response is one logical payload unit emitted by a handler. The bus turns
// each response into a new envelope and routes it as if it had arrived from
// outside.
type Response struct {
	// Kind names the payload kind of the response.
	Kind string
	// Value is encoded with the kind's registered encoder. Ignored when Raw
	// is set.
	Value any
	// Raw optionally carries pre-encoded payload bytes.
	Raw []byte
	// To optionally names an explicit recipient. Empty means broadcast.
	To string
	// Thread optionally starts a new conversation. Empty inherits the
	// triggering message's thread.
	Thread string
	// From defaults to the responding listener's identity. Declaring any
	// other identity is a security violation and the response is discarded.
	From string
}

// KindBinding declares one payload kind a listener accepts, with its optional
// validation schema and codec overrides.
type KindBinding struct {
	Kind   string
	Schema []byte
	Decode schema.DecodeFunc
	Encode schema.EncodeFunc
}

// Registration is the full listener declaration handed to the bus at startup.
type Registration struct {
	// Identity is the globally unique listener name.
	Identity string
	// Kinds lists the payload kinds this listener accepts.
	Kinds []KindBinding
	// Handler is invoked for every message routed to this listener.
	Handler Handler
	// Broadcast opts the listener into broadcast (recipient-less) delivery.
	Broadcast bool
	// Agent marks a self identity; its handlers receive OwnName and
	// self-call tagging in their metadata.
	Agent bool
	// Description is surfaced on the introspection endpoint.
	Description string
}

// Listener is the registered runtime form of a Registration. Immutable after
// the registry is sealed.
type Listener struct {
	identity    string
	description string
	codecs      map[string]*schema.Codec
	handler     Handler
	broadcast   bool
	agent       bool
	pipeline    *Pipeline
	stats       *ListenerStats
}

// Identity returns the listener's unique name.
func (l *Listener) Identity() string { return l.identity }

// Broadcast reports whether the listener accepts recipient-less delivery.
func (l *Listener) Broadcast() bool { return l.broadcast }

// Agent reports whether the listener is a self identity.
func (l *Listener) Agent() bool { return l.agent }

// Kinds returns the payload kinds the listener accepts, unordered.
func (l *Listener) Kinds() []string {
	kinds := make([]string, 0, len(l.codecs))
	for k := range l.codecs {
		kinds = append(kinds, k)
	}
	return kinds
}

// Stats exposes the listener's processing statistics.
func (l *Listener) Stats() *ListenerStats { return l.stats }

func (l *Listener) accepts(kind string) bool {
	_, ok := l.codecs[kind]
	return ok
}

func (l *Listener) metadataFor(st *State) Metadata {
	meta := Metadata{
		ThreadID:   st.ThreadID,
		FromID:     st.FromID,
		IsSelfCall: st.FromID != "" && st.FromID == l.identity,
	}
	if l.agent {
		meta.OwnName = l.identity
	}
	return meta
}
