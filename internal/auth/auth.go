// Package auth verifies the shared secrets presented to the relay server and
// the admin API.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey         = errors.New("API key required")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmptySecret        = errors.New("secret is empty")
)

// HeaderAPIKey carries the shared secret
const HeaderAPIKey = "X-API-Key"

// HashSecret creates a bcrypt hash suitable for configuration files
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// IsHashed reports whether stored is a bcrypt or {SHA256} hash rather than
// a plain secret
func IsHashed(stored string) bool {
	return strings.HasPrefix(stored, "$2") || strings.HasPrefix(stored, "{SHA256}")
}

// CompareSecret checks a presented secret against a stored one. The stored
// value may be a bcrypt hash, an OpenLDAP style {SHA256} hash or plain text.
func CompareSecret(stored, presented string) error {
	if stored == "" || presented == "" {
		return ErrInvalidCredentials
	}
	switch {
	case strings.HasPrefix(stored, "$2"):
		if bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) != nil {
			return ErrInvalidCredentials
		}
		return nil
	case strings.HasPrefix(stored, "{SHA256}"):
		sum := sha256.Sum256([]byte(presented))
		want := "{SHA256}" + base64.StdEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(stored), []byte(want)) != 1 {
			return ErrInvalidCredentials
		}
		return nil
	default:
		if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
			return ErrInvalidCredentials
		}
		return nil
	}
}

// ExtractKey reads the key from X-API-Key or an Authorization header using
// the Bearer or ApiKey scheme
func ExtractKey(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key, nil
	}
	header := r.Header.Get("Authorization")
	for _, scheme := range []string{"Bearer ", "ApiKey "} {
		if strings.HasPrefix(header, scheme) {
			if key := strings.TrimSpace(strings.TrimPrefix(header, scheme)); key != "" {
				return key, nil
			}
		}
	}
	return "", ErrMissingKey
}

// KeyVerifier checks presented keys against one configured secret. Accepted
// keys are remembered by digest for a while so bcrypt runs once per key.
type KeyVerifier struct {
	secret   string
	accepted *ttlcache.Cache[string, struct{}]
	logger   *slog.Logger
}

// NewKeyVerifier creates a verifier. An empty secret rejects every key.
func NewKeyVerifier(secret string, remember time.Duration) *KeyVerifier {
	if remember <= 0 {
		remember = 5 * time.Minute
	}
	return &KeyVerifier{
		secret: secret,
		accepted: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](remember),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
			ttlcache.WithCapacity[string, struct{}](1024),
		),
		logger: slog.Default().With("component", "auth"),
	}
}

func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Verify checks a presented key
func (v *KeyVerifier) Verify(key string) error {
	if v.secret == "" {
		return ErrInvalidCredentials
	}
	d := digest(key)
	if v.accepted.Get(d) != nil {
		return nil
	}
	if err := CompareSecret(v.secret, key); err != nil {
		return err
	}
	v.accepted.Set(d, struct{}{}, ttlcache.DefaultTTL)
	return nil
}

// Require rejects requests without a valid key with 401
func (v *KeyVerifier) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := ExtractKey(r)
		if err == nil {
			err = v.Verify(key)
		}
		if err != nil {
			v.logger.Warn("Rejected request", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
			WriteError(w, http.StatusUnauthorized, "Authentication required", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteError writes the JSON error body shared by the HTTP surfaces
func WriteError(w http.ResponseWriter, statusCode int, message, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
		"details": details,
		"status":  statusCode,
	})
}
