// Package schema holds the payload kind registry: for each kind the bus
// knows, an optional compiled validation schema plus the decode and encode
// functions that move payloads between wire bytes and typed values. The
// registry is populated once at registration time; there is no runtime type
// discovery.
package schema

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/kaptinlin/jsonschema"

	errspkg "github.com/drblury/envflow/internal/runtime/errors"
)

// DecodeFunc converts a validated payload sub-tree into a typed value.
type DecodeFunc func(payload []byte) (any, error)

// EncodeFunc converts a typed value back into payload bytes.
type EncodeFunc func(value any) ([]byte, error)

// Codec is everything registered for one payload kind.
type Codec struct {
	Kind   string
	Decode DecodeFunc
	Encode EncodeFunc

	compiled  *jsonschema.Schema
	schemaRaw string
}

// Validate checks a payload sub-tree against the kind's registered schema.
// Kinds without a schema accept any parseable payload.
func (c *Codec) Validate(payload []byte) error {
	if c.compiled == nil {
		return nil
	}

	var instance any
	if err := sonic.Unmarshal(payload, &instance); err != nil {
		return &errspkg.SchemaValidationError{Kind: c.Kind, Detail: err.Error()}
	}

	result := c.compiled.Validate(instance)
	if result.IsValid() {
		return nil
	}

	keys := make([]string, 0, len(result.Errors))
	for k := range result.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	detail := ""
	for i, k := range keys {
		if i > 0 {
			detail += "; "
		}
		detail += fmt.Sprintf("%s: %v", k, result.Errors[k])
	}
	return &errspkg.SchemaValidationError{Kind: c.Kind, Detail: detail}
}

// Registry maps payload kinds to their codecs. Registration happens during
// startup; lookups during message processing are read-only.
type Registry struct {
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	codecs   map[string]*Codec
}

func NewRegistry() *Registry {
	return &Registry{
		compiler: jsonschema.NewCompiler(),
		codecs:   make(map[string]*Codec),
	}
}

// Register binds a kind to its schema and codec functions. A nil schema skips
// validation for the kind; nil decode/encode fall back to plain JSON
// round-tripping. Registering the same kind twice is allowed only when the
// second registration does not contradict the first's schema.
func (r *Registry) Register(kind string, schemaJSON []byte, decode DecodeFunc, encode EncodeFunc) (*Codec, error) {
	if kind == "" {
		return nil, errspkg.ErrKindRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.codecs[kind]; ok {
		if len(schemaJSON) != 0 && existing.schemaRaw != string(schemaJSON) {
			return nil, fmt.Errorf("%w: conflicting schema for kind %q", errspkg.ErrDuplicateKind, kind)
		}
		return existing, nil
	}

	codec := &Codec{Kind: kind, Decode: decode, Encode: encode}
	if len(schemaJSON) != 0 {
		compiled, err := r.compiler.Compile(schemaJSON)
		if err != nil {
			return nil, fmt.Errorf("compiling schema for kind %q: %w", kind, err)
		}
		codec.compiled = compiled
		codec.schemaRaw = string(schemaJSON)
	}
	if codec.Decode == nil {
		codec.Decode = decodeAny
	}
	if codec.Encode == nil {
		codec.Encode = sonic.Marshal
	}

	r.codecs[kind] = codec
	return codec, nil
}

// Check reports whether a binding could be registered, without committing it.
// Registrations carrying several bindings check all of them first so a bad
// binding never leaves the earlier ones behind.
func (r *Registry) Check(kind string, schemaJSON []byte) error {
	if kind == "" {
		return errspkg.ErrKindRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.codecs[kind]; ok {
		if len(schemaJSON) != 0 && existing.schemaRaw != string(schemaJSON) {
			return fmt.Errorf("%w: conflicting schema for kind %q", errspkg.ErrDuplicateKind, kind)
		}
		return nil
	}
	if len(schemaJSON) != 0 {
		if _, err := r.compiler.Compile(schemaJSON); err != nil {
			return fmt.Errorf("compiling schema for kind %q: %w", kind, err)
		}
	}
	return nil
}

// Lookup returns the codec for a kind, or ErrUnknownKind.
func (r *Registry) Lookup(kind string) (*Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	codec, ok := r.codecs[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownKind, kind)
	}
	return codec, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.codecs))
	for k := range r.codecs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func decodeAny(payload []byte) (any, error) {
	var v any
	if err := sonic.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// PrototypeDecoder builds a DecodeFunc that unmarshals into a fresh instance
// of T for every message. T must be a pointer type.
func PrototypeDecoder[T any]() (DecodeFunc, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, fmt.Errorf("envflow: payload type must be concrete")
	}
	if typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("envflow: payload type must be a pointer, got %s", typ)
	}
	elem := typ.Elem()

	return func(payload []byte) (any, error) {
		value := reflect.New(elem).Interface()
		if err := sonic.Unmarshal(payload, value); err != nil {
			return nil, err
		}
		return value, nil
	}, nil
}
