// ABOUTME: Access token wire format, generation, and secret hashing
// ABOUTME: Tokens are cgk_<32 hex id><64 hex secret>; only a BLAKE2b-256 hash of the secret is stored

package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// TokenPrefix marks gatekeeper access tokens.
const TokenPrefix = "cgk_"

const (
	tokenIDBytes     = 16
	tokenSecretBytes = 32
	tokenIDLen       = tokenIDBytes * 2
	tokenSecretLen   = tokenSecretBytes * 2
	tokenLen         = len(TokenPrefix) + tokenIDLen + tokenSecretLen
)

var errMalformedToken = errors.New("malformed token")

// generateToken returns a fresh token ID, its secret, and the presented form.
func generateToken() (id, secret, token string, err error) {
	buf := make([]byte, tokenIDBytes+tokenSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("reading random bytes: %w", err)
	}
	id = hex.EncodeToString(buf[:tokenIDBytes])
	secret = hex.EncodeToString(buf[tokenIDBytes:])
	return id, secret, TokenPrefix + id + secret, nil
}

// parseToken splits a presented token into ID and secret.
func parseToken(token string) (id, secret string, err error) {
	if len(token) != tokenLen || !strings.HasPrefix(token, TokenPrefix) {
		return "", "", errMalformedToken
	}
	body := token[len(TokenPrefix):]
	id, secret = body[:tokenIDLen], body[tokenIDLen:]
	if !isLowerHex(id) || !isLowerHex(secret) {
		return "", "", errMalformedToken
	}
	return id, secret, nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// hashSecret returns the hex BLAKE2b-256 digest stored for a secret.
func hashSecret(secret string) string {
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// secretMatches compares in constant time.
func secretMatches(secret, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(storedHash)) == 1
}

// TokenID extracts the public ID from a presented token, or "" when malformed.
// Safe to log.
func TokenID(token string) string {
	id, _, err := parseToken(token)
	if err != nil {
		return ""
	}
	return id
}
