package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

// APIKeyMiddleware guards the signup intake. With no keys configured the
// intake is public.
type APIKeyMiddleware struct {
	headerName string
	hashes     [][]byte
}

func NewAPIKeyMiddleware(headerName string, keys []string) *APIKeyMiddleware {
	m := &APIKeyMiddleware{headerName: headerName}
	if m.headerName == "" {
		m.headerName = "X-API-Key"
	}
	for _, k := range keys {
		if k != "" {
			m.hashes = append(m.hashes, []byte(HashAPIKey(k)))
		}
	}
	return m
}

func (m *APIKeyMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.hashes) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(m.headerName)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		hash := []byte(HashAPIKey(key))
		match := 0
		for _, h := range m.hashes {
			match |= subtle.ConstantTimeCompare(h, hash)
		}
		if match != 1 {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
