package auth

import (
	"context"
	"errors"
	"sync"

	"yuim/services/im-presence/internal/protocol"
)

// StaticValidator resolves a fixed token table. For local runs and tests.
type StaticValidator struct {
	mu      sync.RWMutex
	tokens  map[string]Identity
	expired map[string]struct{}
}

func NewStaticValidator(tokens map[string]Identity) *StaticValidator {
	v := &StaticValidator{tokens: make(map[string]Identity, len(tokens)), expired: make(map[string]struct{})}
	for k, id := range tokens {
		v.tokens[k] = id
	}
	return v
}

func (v *StaticValidator) Add(token string, id Identity) {
	v.mu.Lock()
	v.tokens[token] = id
	v.mu.Unlock()
}

// Expire makes token fail with TOKEN_EXPIRED.
func (v *StaticValidator) Expire(token string) {
	v.mu.Lock()
	v.expired[token] = struct{}{}
	v.mu.Unlock()
}

func (v *StaticValidator) Validate(_ context.Context, token string) (Identity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if _, ok := v.expired[token]; ok {
		return Identity{}, Reject(protocol.CodeTokenExpired, errors.New("token expired"))
	}
	id, ok := v.tokens[token]
	if !ok {
		return Identity{}, Reject(protocol.CodeTokenInvalid, errors.New("unknown token"))
	}
	return id, nil
}
