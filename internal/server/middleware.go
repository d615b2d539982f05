package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"helm/internal/auth"
)

type contextKey string

const principalKey contextKey = "principal"

// requestID tags every response with an id for log correlation. Incoming ids
// from trusted callers are kept.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

// authenticate verifies the bearer token and stores the principal on the
// request context. A transport failure to the identity service is not the
// caller's fault and surfaces as 502, not 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		principal, err := s.verifier.Verify(r.Context(), raw)
		if err != nil {
			if errors.Is(err, auth.ErrIdentityUnavailable) {
				writeError(w, http.StatusBadGateway, "bad_gateway", "identity service unreachable")
				return
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates the mutating endpoints: user tokens need admin
// permission, service tokens pass.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFrom(r.Context())
		if !ok || !p.IsAdmin() {
			writeError(w, http.StatusForbidden, "forbidden", "admin permission required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey).(auth.Principal)
	return p, ok
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform error shape: a human message plus the machine
// readable kind.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: message, Kind: kind})
}
