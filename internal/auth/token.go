// ABOUTME: JWT verification for service and operator callers of the HTTP API
// ABOUTME: Uses HS256 signing with a configured secret; tokens carry sub and role claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HS256 secret size in bytes.
const MinSecretLength = 32

// Roles a caller may hold.
const (
	RoleService = "service" // transport and backend processes
	RoleAdmin   = "admin"   // operators
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// Claims are the verified contents of a caller token.
type Claims struct {
	Subject string
	Role    string
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a verifier. The secret must be at least MinSecretLength bytes.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret, now: time.Now}, nil
}

// Verify validates the token and extracts the "sub" and "role" claims.
func (v *JWTVerifier) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(v.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	role, _ := mc["role"].(string)
	switch role {
	case RoleService, RoleAdmin:
	case "":
		return Claims{}, fmt.Errorf("%w: role", ErrMissingClaim)
	default:
		return Claims{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}

	return Claims{Subject: sub, Role: role}, nil
}

// Generate creates a token for subject with the given role and lifetime.
func (v *JWTVerifier) Generate(subject, role string, expiresIn time.Duration) (string, error) {
	if role != RoleService && role != RoleAdmin {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := v.now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
