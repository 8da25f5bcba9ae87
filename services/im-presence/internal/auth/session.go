package auth

import (
	"context"
	"errors"
	"fmt"

	"yuim/services/im-presence/internal/protocol"
)

// SessionLookup is satisfied by redisstore.Store.
type SessionLookup interface {
	SessionExists(ctx context.Context, token string) (bool, error)
}

// SessionCheck rejects structurally valid tokens whose server-side session is
// gone (logout, password change).
type SessionCheck struct {
	next     TokenValidator
	sessions SessionLookup
}

func NewSessionCheck(next TokenValidator, sessions SessionLookup) *SessionCheck {
	return &SessionCheck{next: next, sessions: sessions}
}

func (s *SessionCheck) Validate(ctx context.Context, token string) (Identity, error) {
	id, err := s.next.Validate(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	ok, err := s.sessions.SessionExists(ctx, token)
	if err != nil {
		return Identity{}, Reject(protocol.CodeAuthUnavailable, fmt.Errorf("session lookup: %w", err))
	}
	if !ok {
		return Identity{}, Reject(protocol.CodeTokenRevoked, errors.New("session not found"))
	}
	return id, nil
}
