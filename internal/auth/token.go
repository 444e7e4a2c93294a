// ABOUTME: JWT token verification for authenticating client connections
// ABOUTME: Uses HS256 signing with configurable secret; extracts user, tenant, roles

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity is the authenticated identity established once per connection.
type Identity struct {
	UserID   string
	TenantID string
	Roles    []string
	Expiry   time.Time
}

// HasRole reports whether the identity carries the given role.
func (id *Identity) HasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the identity carries every role in required.
// An empty required set always passes.
func (id *Identity) HasAllRoles(required []string) bool {
	for _, r := range required {
		if !id.HasRole(r) {
			return false
		}
	}
	return true
}

// TokenVerifier defines the interface for token verification. The concrete
// token issuer is an external collaborator; the runtime only verifies.
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the identity from its claims:
// "sub" (user id), "tid" (tenant id), "roles" (string list), "exp".
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	tid, ok := claims["tid"].(string)
	if !ok || tid == "" {
		return nil, fmt.Errorf("%w: tid", ErrMissingClaim)
	}

	identity := &Identity{UserID: sub, TenantID: tid}

	if rawRoles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range rawRoles {
			if s, ok := r.(string); ok {
				identity.Roles = append(identity.Roles, s)
			}
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		identity.Expiry = exp.Time
	}

	return identity, nil
}

// Generate creates a new JWT token for the given identity with expiration.
// Used by tests and local tooling; production tokens come from the auth service.
func (v *JWTVerifier) Generate(userID, tenantID string, roles []string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   userID,
		"tid":   tenantID,
		"roles": roles,
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
