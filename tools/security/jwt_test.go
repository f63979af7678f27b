package security

import (
	"testing"
	"time"

	"KelmahIM/tools/errs"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret-please-ignore")

func TestGenerateVerify(t *testing.T) {
	opts := DefaultOptions(secret)
	tok, exp, err := Generate(opts, "u1", []string{"chat"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), exp, 5*time.Second)

	c, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, []string{"chat"}, c.Scopes)

	uid, err := NewVerifier(opts).VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)
}

func TestVerifyRejects(t *testing.T) {
	opts := DefaultOptions(secret)

	t.Run("missing", func(t *testing.T) {
		_, err := Verify(opts, "")
		assert.ErrorIs(t, err, errs.ErrUnauthorized)
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok, _, err := Generate(DefaultOptions([]byte("other")), "u1", nil)
		require.NoError(t, err)
		_, err = Verify(opts, tok)
		assert.ErrorIs(t, err, errs.ErrTokenInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		claims := jwtlib.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Minute).Unix()}
		tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(secret)
		require.NoError(t, err)
		_, err = Verify(opts, tok)
		assert.ErrorIs(t, err, errs.ErrTokenExpired)
		assert.ErrorIs(t, err, errs.ErrUnauthorized)
	})

	t.Run("no subject", func(t *testing.T) {
		claims := jwtlib.MapClaims{"exp": time.Now().Add(time.Minute).Unix()}
		tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(secret)
		require.NoError(t, err)
		_, err = Verify(opts, tok)
		assert.ErrorIs(t, err, errs.ErrTokenInvalid)
	})

	t.Run("alg none", func(t *testing.T) {
		claims := jwtlib.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Minute).Unix()}
		tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, claims).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = Verify(opts, tok)
		assert.Error(t, err)
	})
}
