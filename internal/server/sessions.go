package server

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
)

type session struct {
	identity string
	expires  time.Time
}

// sessionStore holds bearer tokens issued by the login endpoint. Tokens are
// opaque and expire after the configured TTL; lookups prune lazily.
type sessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	byToken map[string]session
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{
		ttl:     ttl,
		byToken: make(map[string]session),
	}
}

func (s *sessionStore) create(identity string) (token string, expires time.Time) {
	token = uuid.NewString()
	expires = time.Now().Add(s.ttl)

	s.mu.Lock()
	s.byToken[token] = session{identity: identity, expires: expires}
	s.mu.Unlock()
	return token, expires
}

func (s *sessionStore) lookup(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byToken[token]
	if !ok {
		return "", false
	}
	if time.Now().After(sess.expires) {
		delete(s.byToken, token)
		return "", false
	}
	return sess.identity, true
}

func (s *sessionStore) revoke(token string) {
	s.mu.Lock()
	delete(s.byToken, token)
	s.mu.Unlock()
}

// constantTimeEquals compares credentials without leaking length timing on
// the match itself.
func constantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
