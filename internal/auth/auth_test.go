package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type identityFixture struct {
	key      *rsa.PrivateKey
	verifier *Verifier
	srv      *httptest.Server

	revoked   bool
	jwksHits  int
	validated []string
}

func newIdentityFixture(t *testing.T) *identityFixture {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &identityFixture{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		f.jwksHits++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "core-1",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	})
	mux.HandleFunc("POST /api/validate-session", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			JTI string `json:"jti"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.validated = append(f.validated, body.JTI)
		json.NewEncoder(w).Encode(map[string]bool{"valid": !f.revoked})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	f.verifier = NewVerifier(f.srv.URL)
	return f
}

func (f *identityFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "core-1"
	raw, err := token.SignedString(f.key)
	require.NoError(t, err)
	return raw
}

func userClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":              "alice",
		"permission_level": "admin",
		"groups":           []string{"admins"},
		"jti":              "sess-1",
		"exp":              time.Now().Add(time.Hour).Unix(),
		"iat":              time.Now().Unix(),
	}
}

func TestVerifyUserToken(t *testing.T) {
	f := newIdentityFixture(t)

	p, err := f.verifier.Verify(context.Background(), f.sign(t, userClaims()))
	require.NoError(t, err)
	assert.Equal(t, KindUser, p.Kind)
	assert.Equal(t, "alice", p.Sub)
	assert.Equal(t, []string{"admins"}, p.Groups)
	assert.True(t, p.IsAdmin())
	assert.Equal(t, []string{"sess-1"}, f.validated, "user tokens must hit session validation")
}

func TestVerifyRevokedSession(t *testing.T) {
	f := newIdentityFixture(t)
	f.revoked = true

	_, err := f.verifier.Verify(context.Background(), f.sign(t, userClaims()))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyExpiredToken(t *testing.T) {
	f := newIdentityFixture(t)
	claims := userClaims()
	claims["exp"] = time.Now().Add(-time.Minute).Unix()

	_, err := f.verifier.Verify(context.Background(), f.sign(t, claims))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyServiceToken(t *testing.T) {
	f := newIdentityFixture(t)
	before := len(f.validated)

	p, err := f.verifier.Verify(context.Background(), f.sign(t, jwt.MapClaims{
		"sub":             "codex",
		"type":            "service",
		"calling_service": "codex",
		"target_service":  "helm",
		"iat":             time.Now().Unix(),
		"exp":             time.Now().Add(2 * time.Minute).Unix(),
	}))
	require.NoError(t, err)
	assert.Equal(t, KindService, p.Kind)
	assert.Equal(t, "codex", p.CallingService)
	assert.True(t, p.IsAdmin())
	assert.Len(t, f.validated, before, "service tokens skip session validation")
}

func TestVerifyServiceTokenTooLongLived(t *testing.T) {
	f := newIdentityFixture(t)

	_, err := f.verifier.Verify(context.Background(), f.sign(t, jwt.MapClaims{
		"sub":  "codex",
		"type": "service",
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(time.Hour).Unix(),
	}))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyRejectsWrongAlgorithm(t *testing.T) {
	f := newIdentityFixture(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, userClaims())
	token.Header["kid"] = "core-1"
	raw, err := token.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyMissingToken(t *testing.T) {
	f := newIdentityFixture(t)
	_, err := f.verifier.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyIdentityServiceDown(t *testing.T) {
	f := newIdentityFixture(t)
	token := f.sign(t, userClaims())

	// Warm the JWKS cache, then take the identity service away: session
	// validation now fails on transport, which is not a token failure.
	_, err := f.verifier.Verify(context.Background(), token)
	require.NoError(t, err)
	f.srv.Close()

	_, err = f.verifier.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrIdentityUnavailable)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestVerifyIdentityServiceDownColdCache(t *testing.T) {
	v := NewVerifier("http://127.0.0.1:1")
	f := newIdentityFixture(t)

	_, err := v.Verify(context.Background(), f.sign(t, userClaims()))
	assert.ErrorIs(t, err, ErrIdentityUnavailable)
}

func TestJWKSIsCached(t *testing.T) {
	f := newIdentityFixture(t)

	for i := 0; i < 3; i++ {
		_, err := f.verifier.Verify(context.Background(), f.sign(t, userClaims()))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.jwksHits)
}

func TestNonAdminUserIsNotAdmin(t *testing.T) {
	f := newIdentityFixture(t)
	claims := userClaims()
	claims["permission_level"] = "technician"
	claims["groups"] = []string{"technicians"}

	p, err := f.verifier.Verify(context.Background(), f.sign(t, claims))
	require.NoError(t, err)
	assert.False(t, p.IsAdmin())
}
