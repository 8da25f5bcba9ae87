// Package auth validates bearer tokens against the external identity service
// and answers manga access checks. Token issuance lives elsewhere.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"yuim/services/im-presence/internal/protocol"
)

// Identity is resolved once per session and never changes afterwards.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Error is a rejected credential. Reason goes on the wire as is.
type Error struct {
	Reason protocol.Code
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "auth: " + string(e.Reason) + ": " + e.Err.Error()
	}
	return "auth: " + string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func Reject(reason protocol.Code, err error) error { return &Error{Reason: reason, Err: err} }

// ReasonOf maps any validator error to a wire reason. Errors that are not
// *Error mean the validator itself failed.
func ReasonOf(err error) protocol.Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return protocol.CodeAuthUnavailable
}

type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// Authorizer decides whether an identity may report progress on a manga.
type Authorizer interface {
	CanAccess(ctx context.Context, id Identity, mangaID string) (bool, error)
}

type allowAll struct{}

func AllowAll() Authorizer { return allowAll{} }

func (allowAll) CanAccess(context.Context, Identity, string) (bool, error) { return true, nil }

// ExtractToken gets the token from the Authorization header (Bearer) or a query
// parameter. Used by the WebSocket upgrade to authenticate in the handshake.
func ExtractToken(r *http.Request, header, bearerPrefix, queryKey string) string {
	if header != "" {
		v := strings.TrimSpace(r.Header.Get(header))
		if v != "" {
			if bearerPrefix != "" && strings.HasPrefix(v, bearerPrefix) {
				return strings.TrimSpace(strings.TrimPrefix(v, bearerPrefix))
			}
			return v
		}
	}
	if queryKey != "" {
		return strings.TrimSpace(r.URL.Query().Get(queryKey))
	}
	return ""
}
