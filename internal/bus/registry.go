package bus

import (
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/envflow/internal/runtime/errors"
	"github.com/drblury/envflow/internal/schema"
)

// registry owns the routing table and the identity index. It is built during
// startup registration and sealed before the first message is processed, so
// the read path needs no locking in steady state; the mutex only guards the
// registration window.
type registry struct {
	mu       sync.RWMutex
	sealed   bool
	kinds    *schema.Registry
	byKind   map[string]map[string]*Listener // kind -> identity -> listener
	byName   map[string]*Listener
	ordered  []*Listener
}

func newRegistry(kinds *schema.Registry) *registry {
	return &registry{
		kinds:  kinds,
		byKind: make(map[string]map[string]*Listener),
		byName: make(map[string]*Listener),
	}
}

// add validates a registration and inserts the listener. Duplicate identity
// is a hard registration error, never a runtime condition.
func (r *registry) add(reg Registration, listener *Listener) error {
	if reg.Identity == "" {
		return errspkg.ErrIdentityRequired
	}
	if reg.Handler == nil {
		return fmt.Errorf("%w (listener %q)", errspkg.ErrHandlerRequired, reg.Identity)
	}
	if len(reg.Kinds) == 0 {
		return fmt.Errorf("%w (listener %q)", errspkg.ErrKindRequired, reg.Identity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return errspkg.ErrRegistrySealed
	}
	if _, exists := r.byName[reg.Identity]; exists {
		return fmt.Errorf("%w: %q", errspkg.ErrDuplicateIdentity, reg.Identity)
	}

	// Check every binding before committing any of them, so one bad binding
	// cannot leave the earlier kinds registered.
	seen := make(map[string]bool, len(reg.Kinds))
	for _, binding := range reg.Kinds {
		if seen[binding.Kind] {
			return fmt.Errorf("%w: %q declares %q twice", errspkg.ErrDuplicateKind, reg.Identity, binding.Kind)
		}
		seen[binding.Kind] = true
		if err := r.kinds.Check(binding.Kind, binding.Schema); err != nil {
			return fmt.Errorf("listener %q: %w", reg.Identity, err)
		}
	}

	listener.codecs = make(map[string]*schema.Codec, len(reg.Kinds))
	for _, binding := range reg.Kinds {
		codec, err := r.kinds.Register(binding.Kind, binding.Schema, binding.Decode, binding.Encode)
		if err != nil {
			return fmt.Errorf("listener %q: %w", reg.Identity, err)
		}
		listener.codecs[binding.Kind] = codec
	}

	r.byName[reg.Identity] = listener
	r.ordered = append(r.ordered, listener)
	for kind := range listener.codecs {
		byIdentity, ok := r.byKind[kind]
		if !ok {
			byIdentity = make(map[string]*Listener)
			r.byKind[kind] = byIdentity
		}
		byIdentity[reg.Identity] = listener
	}
	return nil
}

// seal closes the registration window.
func (r *registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// resolve implements the routing contract. With a recipient, only the
// listener registered under that exact identity for the kind matches; without
// one, every broadcast-accepting listener registered for the kind matches.
func (r *registry) resolve(kind, recipient string) ([]*Listener, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byIdentity := r.byKind[kind]

	if recipient != "" {
		target, ok := byIdentity[recipient]
		if !ok {
			return nil, &errspkg.UnroutableError{Kind: kind, Recipient: recipient}
		}
		return []*Listener{target}, nil
	}

	var matches []*Listener
	for _, l := range r.ordered {
		if l.broadcast && l.accepts(kind) {
			matches = append(matches, l)
		}
	}
	if len(matches) == 0 {
		return nil, &errspkg.UnroutableError{Kind: kind}
	}
	return matches, nil
}

// lookup returns the listener registered under an identity.
func (r *registry) lookup(identity string) (*Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byName[identity]
	return l, ok
}

// listeners returns all registered listeners sorted by identity.
func (r *registry) listeners() []*Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := append([]*Listener(nil), r.ordered...)
	sort.Slice(out, func(i, j int) bool { return out[i].identity < out[j].identity })
	return out
}
