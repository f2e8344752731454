package middleware

import (
	"net/http"
	"strings"

	"github.com/kiranshivaraju/celljobs/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

const keyPrefixLen = 8

// Auth checks the operator key on control-plane requests.
type Auth struct {
	keyHash []byte
}

// NewAuth creates Auth for the bcrypt hash of the operator key.
func NewAuth(keyHash string) *Auth {
	return &Auth{keyHash: []byte(keyHash)}
}

// Authenticate validates the Bearer token against the operator key hash and
// sets key_prefix in the request context for rate limiting.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(rawKey) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid operator key format", nil)
			return
		}

		if bcrypt.CompareHashAndPassword(a.keyHash, []byte(rawKey)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid operator key", nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(setKeyPrefix(r.Context(), rawKey[:keyPrefixLen])))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
