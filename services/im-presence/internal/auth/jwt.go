package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"yuim/services/im-presence/internal/protocol"
)

// Claims is what the identity service signs into user tokens.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTValidator checks HS256 tokens signed with a shared secret.
type JWTValidator struct {
	secret []byte
	parser *jwt.Parser
	now    func() time.Time
}

func NewJWTValidator(secret string) (*JWTValidator, error) {
	if secret == "" {
		return nil, errors.New("auth: empty jwt secret")
	}
	return &JWTValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
		now:    time.Now,
	}, nil
}

func (v *JWTValidator) Validate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, Reject(protocol.CodeTokenInvalid, errors.New("empty token"))
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, Reject(protocol.CodeTokenExpired, err)
		}
		return Identity{}, Reject(protocol.CodeTokenInvalid, err)
	}
	if claims.UserID == "" {
		return Identity{}, Reject(protocol.CodeTokenInvalid, errors.New("token without user_id"))
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// Sign issues a token for id. Only dev tooling and tests mint tokens here.
func (v *JWTValidator) Sign(id Identity, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return s, nil
}
