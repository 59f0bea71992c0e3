package accounts

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	u := &User{ID: "user-1", Email: "juliet@verona.it", Role: RoleAdmin}
	token, claims, err := issuer.Issue(u)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, "user-1", claims.Subject)

	parsed, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, claims.ID, parsed.ID)
	assert.Equal(t, "juliet@verona.it", parsed.Email)
	assert.Equal(t, RoleAdmin, parsed.Role)
	assert.Equal(t, time.Hour, issuer.TTL())

	_, second, err := issuer.Issue(u)
	require.NoError(t, err)
	assert.NotEqual(t, claims.ID, second.ID, "each token gets its own session id")
}

func TestTokenIssuer_Rejects(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	token, _, err := issuer.Issue(&User{ID: "u", Email: "a@b.co", Role: RoleUser})
	require.NoError(t, err)

	t.Run("Tampered", func(t *testing.T) {
		parts := strings.Split(token, ".")
		parts[2] = strings.Repeat("A", len(parts[2]))
		_, err := issuer.Parse(strings.Join(parts, "."))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("OtherSecret", func(t *testing.T) {
		other, err := NewTokenIssuer([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
		require.NoError(t, err)
		_, err = other.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Expired", func(t *testing.T) {
		past, err := NewTokenIssuer(testSecret, time.Minute)
		require.NoError(t, err)
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		old, _, err := past.Issue(&User{ID: "u"})
		require.NoError(t, err)
		_, err = issuer.Parse(old)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("NoneAlgorithm", func(t *testing.T) {
		unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": "u", "jti": "x", "iss": defaultIssuer, "exp": time.Now().Add(time.Hour).Unix(),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = issuer.Parse(unsigned)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := issuer.Parse("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewTokenIssuer_Validation(t *testing.T) {
	_, err := NewTokenIssuer([]byte("short"), time.Hour)
	assert.Error(t, err)
	_, err = NewTokenIssuer(testSecret, 0)
	assert.Error(t, err)
}
