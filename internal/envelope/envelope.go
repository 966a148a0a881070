// Package envelope implements the wire unit of the bus: a JSON tree holding
// one header block and exactly one payload sub-tree, with a repair pass for
// near-well-formed input and a canonical serialization so identical logical
// content always yields identical bytes.
package envelope

import (
	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"

	errspkg "github.com/drblury/envflow/internal/runtime/errors"
)

// metaKey is the reserved top-level member holding the header block. Every
// other top-level member is a payload candidate.
const metaKey = "meta"

// Meta is the envelope header: sender identity, optional explicit recipient,
// and the conversation thread.
type Meta struct {
	From   string `json:"from"`
	To     string `json:"to,omitempty"`
	Thread string `json:"thread,omitempty"`
}

// Envelope is one parsed transport unit. Kind is the wire name of the payload
// (the single non-meta top-level key); Payload holds the canonical bytes of
// that sub-tree.
type Envelope struct {
	Meta    Meta
	Kind    string
	Payload []byte
}

// Parse decodes canonical bytes into an Envelope, enforcing the structural
// invariants: the root is an object with exactly one header block and exactly
// one payload member, and the sender is present.
func Parse(canonical []byte) (*Envelope, error) {
	doc := gjson.ParseBytes(canonical)
	if !doc.IsObject() {
		return nil, &errspkg.EnvelopeStructureError{Field: "$", Reason: "root must be an object"}
	}

	var (
		meta     *gjson.Result
		kind     string
		payload  *gjson.Result
		tooMany  bool
	)
	doc.ForEach(func(key, value gjson.Result) bool {
		if key.String() == metaKey {
			v := value
			meta = &v
			return true
		}
		if payload != nil {
			tooMany = true
			return false
		}
		v := value
		kind = key.String()
		payload = &v
		return true
	})

	switch {
	case meta == nil:
		return nil, &errspkg.EnvelopeStructureError{Field: metaKey, Reason: "missing header block"}
	case !meta.IsObject():
		return nil, &errspkg.EnvelopeStructureError{Field: metaKey, Reason: "header block must be an object"}
	case payload == nil:
		return nil, &errspkg.EnvelopeStructureError{Field: "payload", Reason: "exactly one payload member is required, found none"}
	case tooMany:
		return nil, &errspkg.EnvelopeStructureError{Field: "payload", Reason: "exactly one payload member is required, found several"}
	case kind == "":
		return nil, &errspkg.EnvelopeStructureError{Field: "payload", Reason: "payload kind cannot be empty"}
	}

	env := &Envelope{Kind: kind, Payload: []byte(payload.Raw)}
	if err := parseMeta(*meta, &env.Meta); err != nil {
		return nil, err
	}
	return env, nil
}

func parseMeta(node gjson.Result, out *Meta) error {
	for _, field := range []struct {
		key string
		dst *string
	}{
		{"from", &out.From},
		{"to", &out.To},
		{"thread", &out.Thread},
	} {
		v := node.Get(field.key)
		if !v.Exists() {
			continue
		}
		if v.Type != gjson.String {
			return &errspkg.EnvelopeStructureError{Field: metaKey + "." + field.key, Reason: "must be a string"}
		}
		*field.dst = v.String()
	}

	if out.From == "" {
		return &errspkg.EnvelopeStructureError{Field: metaKey + ".from", Reason: "sender identity is required"}
	}
	return nil
}

// Serialize produces the canonical byte form of the envelope. Parse and
// Serialize round-trip: Parse(e.Serialize()) is structurally equal to e.
func (e *Envelope) Serialize() ([]byte, error) {
	if e.Kind == "" || e.Kind == metaKey {
		return nil, &errspkg.EnvelopeStructureError{Field: "payload", Reason: "invalid payload kind"}
	}

	metaBytes, err := sonic.Marshal(e.Meta)
	if err != nil {
		return nil, err
	}
	kindBytes, err := sonic.Marshal(e.Kind)
	if err != nil {
		return nil, err
	}

	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("null")
	}

	// Assembled by hand so the payload bytes are injected verbatim; the
	// canonical pass then fixes ordering and whitespace for the whole tree.
	doc := make([]byte, 0, len(metaBytes)+len(kindBytes)+len(payload)+16)
	doc = append(doc, `{"meta":`...)
	doc = append(doc, metaBytes...)
	doc = append(doc, ',')
	doc = append(doc, kindBytes...)
	doc = append(doc, ':')
	doc = append(doc, payload...)
	doc = append(doc, '}')

	return Canonicalize(doc)
}

// Clone returns a deep copy. Handlers receive copies so the dispatched
// envelope stays immutable.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Payload = append([]byte(nil), e.Payload...)
	return &dup
}
