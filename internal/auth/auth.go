// Package auth verifies the optional inbound proxy API key. The configured
// key is stored only as an scrypt digest; candidates are digested the same
// way and compared in constant time.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters matching the common interactive profile.
const (
	scryptN   = 16384
	scryptR   = 8
	scryptP   = 1
	digestLen = 32
)

var digestSalt = []byte("pasteguard-proxy-key-salt")

// Verifier checks candidate keys against the configured one. A nil Verifier
// accepts everything (open proxy).
type Verifier struct {
	digest []byte
}

// New builds a verifier for the configured key; returns nil when key is
// empty.
func New(key string) *Verifier {
	if key == "" {
		return nil
	}
	return &Verifier{digest: derive(key)}
}

func derive(key string) []byte {
	d, err := scrypt.Key([]byte(key), digestSalt, scryptN, scryptR, scryptP, digestLen)
	if err != nil {
		// Only reachable with invalid cost parameters, which are constants.
		panic("auth: scrypt: " + err.Error())
	}
	return d
}

// Verify reports whether candidate matches the configured key.
func (v *Verifier) Verify(candidate string) bool {
	if v == nil {
		return true
	}
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare(v.digest, derive(candidate)) == 1
}

// FromRequest pulls the client key from X-Api-Key or a bearer Authorization
// header.
func FromRequest(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
