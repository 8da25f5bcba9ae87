package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"yuim/services/im-presence/internal/protocol"
)

var alice = Identity{UserID: "u-alice", Username: "alice"}

func TestJWTValidator(t *testing.T) {
	v, err := NewJWTValidator("s3cret")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		tok, err := v.Sign(alice, time.Hour)
		require.NoError(t, err)
		id, err := v.Validate(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, alice, id)
	})

	t.Run("expired", func(t *testing.T) {
		old := &JWTValidator{secret: v.secret, parser: v.parser, now: func() time.Time { return time.Now().Add(-2 * time.Hour) }}
		tok, err := old.Sign(alice, time.Hour)
		require.NoError(t, err)
		_, err = v.Validate(ctx, tok)
		assert.Equal(t, protocol.CodeTokenExpired, ReasonOf(err))
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, _ := NewJWTValidator("other")
		tok, err := other.Sign(alice, time.Hour)
		require.NoError(t, err)
		_, err = v.Validate(ctx, tok)
		assert.Equal(t, protocol.CodeTokenInvalid, ReasonOf(err))
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{UserID: "u1"}).SignedString(v.secret)
		require.NoError(t, err)
		_, err = v.Validate(ctx, tok)
		assert.Equal(t, protocol.CodeTokenInvalid, ReasonOf(err))
	})

	t.Run("garbage and empty", func(t *testing.T) {
		_, err := v.Validate(ctx, "expired")
		assert.Equal(t, protocol.CodeTokenInvalid, ReasonOf(err))
		_, err = v.Validate(ctx, "")
		assert.Equal(t, protocol.CodeTokenInvalid, ReasonOf(err))
	})

	t.Run("missing user id", func(t *testing.T) {
		tok, err := v.Sign(Identity{Username: "ghost"}, time.Hour)
		require.NoError(t, err)
		_, err = v.Validate(ctx, tok)
		assert.Equal(t, protocol.CodeTokenInvalid, ReasonOf(err))
	})

	_, err = NewJWTValidator("")
	assert.Error(t, err)
}

type mockSessions struct{ mock.Mock }

func (m *mockSessions) SessionExists(ctx context.Context, token string) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

func TestSessionCheck(t *testing.T) {
	ctx := context.Background()
	static := NewStaticValidator(map[string]Identity{"live": alice, "gone": alice, "flaky": alice})

	sessions := new(mockSessions)
	sessions.On("SessionExists", ctx, "live").Return(true, nil)
	sessions.On("SessionExists", ctx, "gone").Return(false, nil)
	sessions.On("SessionExists", ctx, "flaky").Return(false, errors.New("connection refused"))

	v := NewSessionCheck(static, sessions)

	id, err := v.Validate(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, alice, id)

	_, err = v.Validate(ctx, "gone")
	assert.Equal(t, protocol.CodeTokenRevoked, ReasonOf(err))

	_, err = v.Validate(ctx, "flaky")
	assert.Equal(t, protocol.CodeAuthUnavailable, ReasonOf(err))

	_, err = v.Validate(ctx, "unknown")
	assert.Equal(t, protocol.CodeTokenInvalid, ReasonOf(err))

	sessions.AssertExpectations(t)
	sessions.AssertNotCalled(t, "SessionExists", ctx, "unknown")
}

func TestStaticValidatorExpire(t *testing.T) {
	v := NewStaticValidator(nil)
	v.Add("t1", alice)
	v.Expire("t1")
	_, err := v.Validate(context.Background(), "t1")
	assert.Equal(t, protocol.CodeTokenExpired, ReasonOf(err))
}

func TestReasonOfForeignError(t *testing.T) {
	assert.Equal(t, protocol.CodeAuthUnavailable, ReasonOf(errors.New("timeout")))
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=q1", nil)
	assert.Equal(t, "q1", ExtractToken(r, "Authorization", "Bearer ", "token"))

	r.Header.Set("Authorization", "Bearer h1")
	assert.Equal(t, "h1", ExtractToken(r, "Authorization", "Bearer ", "token"))
}
