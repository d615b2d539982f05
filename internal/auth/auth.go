// Package auth verifies the bearer tokens minted by the identity service.
// Signatures are checked against the identity service's published JWKS; user
// tokens additionally go through the session-validation endpoint so revoked
// sessions die before their exp.
package auth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ErrUnauthorized covers every token failure: missing, malformed, expired,
// bad signature, revoked session. Handlers map it to 401.
var ErrUnauthorized = errors.New("unauthorized")

// ErrIdentityUnavailable covers transport failures talking to the identity
// service (JWKS fetch, session validation). The caller's token may well be
// fine; handlers map it to 502 instead of 401.
var ErrIdentityUnavailable = errors.New("identity service unavailable")

const (
	jwksPath            = "/.well-known/jwks.json"
	sessionValidatePath = "/api/validate-session"
	jwksTTL             = 5 * time.Minute
	maxServiceTokenAge  = 5 * time.Minute
)

// PrincipalKind distinguishes the two token types.
type PrincipalKind string

const (
	KindUser    PrincipalKind = "user"
	KindService PrincipalKind = "service"
)

// Principal is the verified identity attached to a request.
type Principal struct {
	Kind            PrincipalKind
	Sub             string
	PermissionLevel string
	Groups          []string
	JTI             string
	CallingService  string
}

// IsAdmin reports whether the principal may call mutating endpoints.
// Service tokens bypass the permission-level gate.
func (p Principal) IsAdmin() bool {
	return p.Kind == KindService || p.PermissionLevel == "admin"
}

// Verifier checks tokens against the identity service.
type Verifier struct {
	coreURL string
	client  *http.Client
	sf      singleflight.Group

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewVerifier creates a verifier against the identity service base URL.
func NewVerifier(coreURL string) *Verifier {
	return &Verifier{
		coreURL: strings.TrimRight(coreURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Verify parses and validates a raw bearer token and returns its principal.
func (v *Verifier) Verify(ctx context.Context, raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, v.keyfunc(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, ErrIdentityUnavailable) {
			return Principal{}, err
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if str(claims["type"]) == "service" {
		return v.servicePrincipal(claims)
	}
	return v.userPrincipal(ctx, raw, claims)
}

func (v *Verifier) servicePrincipal(claims jwt.MapClaims) (Principal, error) {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return Principal{}, fmt.Errorf("%w: service token without exp", ErrUnauthorized)
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return Principal{}, fmt.Errorf("%w: service token without iat", ErrUnauthorized)
	}
	if exp.Sub(iat.Time) > maxServiceTokenAge {
		return Principal{}, fmt.Errorf("%w: service token lifetime exceeds %s", ErrUnauthorized, maxServiceTokenAge)
	}

	return Principal{
		Kind:           KindService,
		Sub:            str(claims["sub"]),
		CallingService: str(claims["calling_service"]),
	}, nil
}

func (v *Verifier) userPrincipal(ctx context.Context, raw string, claims jwt.MapClaims) (Principal, error) {
	p := Principal{
		Kind:            KindUser,
		Sub:             str(claims["sub"]),
		PermissionLevel: str(claims["permission_level"]),
		JTI:             str(claims["jti"]),
	}
	if p.Sub == "" {
		return Principal{}, fmt.Errorf("%w: token without sub", ErrUnauthorized)
	}
	if groups, ok := claims["groups"].([]interface{}); ok {
		for _, g := range groups {
			p.Groups = append(p.Groups, str(g))
		}
	}

	if err := v.validateSession(ctx, raw, p.JTI); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// validateSession asks the identity service whether the session behind the
// token is still live.
func (v *Verifier) validateSession(ctx context.Context, raw, jti string) error {
	body, _ := json.Marshal(map[string]string{"jti": jti})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.coreURL+sessionValidatePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+raw)

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: validating session: %v", ErrIdentityUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: session revoked", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: session validation returned %d", ErrIdentityUnavailable, resp.StatusCode)
	}

	var out struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("session validation response: %w", err)
	}
	if !out.Valid {
		return fmt.Errorf("%w: session revoked", ErrUnauthorized)
	}
	return nil
}

// keyfunc resolves the signing key by kid, refreshing the JWKS when the kid
// is unknown or the cache is stale.
func (v *Verifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)

		v.mu.RLock()
		key, ok := v.keys[kid]
		fresh := time.Since(v.fetched) < jwksTTL
		v.mu.RUnlock()
		if ok && fresh {
			return key, nil
		}

		if err := v.refreshKeys(ctx); err != nil {
			if ok {
				return key, nil
			}
			return nil, err
		}

		v.mu.RLock()
		key, ok = v.keys[kid]
		v.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("no JWKS key with kid %q", kid)
		}
		return key, nil
	}
}

// refreshKeys fetches the JWKS once even under concurrent verification.
func (v *Verifier) refreshKeys(ctx context.Context) error {
	_, err, _ := v.sf.Do("jwks", func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.coreURL+jwksPath, nil)
		if err != nil {
			return nil, err
		}
		resp, err := v.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: fetching JWKS: %v", ErrIdentityUnavailable, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: fetching JWKS: status %d", ErrIdentityUnavailable, resp.StatusCode)
		}

		var doc struct {
			Keys []struct {
				Kty string `json:"kty"`
				Kid string `json:"kid"`
				N   string `json:"n"`
				E   string `json:"e"`
			} `json:"keys"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("parsing JWKS: %w", err)
		}

		keys := map[string]*rsa.PublicKey{}
		for _, k := range doc.Keys {
			if k.Kty != "RSA" {
				continue
			}
			pub, err := rsaKeyFromJWK(k.N, k.E)
			if err != nil {
				return nil, fmt.Errorf("parsing JWKS key %q: %w", k.Kid, err)
			}
			keys[k.Kid] = pub
		}
		if len(keys) == 0 {
			return nil, errors.New("JWKS contains no RSA keys")
		}

		v.mu.Lock()
		v.keys = keys
		v.fetched = time.Now()
		v.mu.Unlock()
		return nil, nil
	})
	return err
}

func rsaKeyFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 0 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
