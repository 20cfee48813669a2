// ABOUTME: HS256 bearer tokens naming an agent or operator principal
// ABOUTME: Claims are typed; the role claim must be agent or operator

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrUnknownRole  = errors.New("unknown role")
)

// MinSecretLength is the shortest jwt_secret the gateway accepts.
const MinSecretLength = 32

// Roles carried in the "role" claim.
const (
	RoleAgent    = "agent"
	RoleOperator = "operator"
)

// ValidRole reports whether role is one the gateway understands.
func ValidRole(role string) bool {
	switch role {
	case RoleAgent, RoleOperator:
		return true
	}
	return false
}

// TokenVerifier turns a raw bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (*AuthContext, error)
}

// arenaClaims is the token payload. For agents Subject is the agent id.
type arenaClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier signs and checks HS256 tokens with one shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

func (v *JWTVerifier) key(*jwt.Token) (any, error) {
	return v.secret, nil
}

// Verify checks signature and expiry, then requires sub and a known role.
func (v *JWTVerifier) Verify(token string) (*AuthContext, error) {
	var claims arenaClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.key); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	switch {
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	case claims.Role == "":
		return nil, fmt.Errorf("%w: role", ErrMissingClaim)
	case !ValidRole(claims.Role):
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}
	return &AuthContext{PrincipalID: claims.Subject, Role: claims.Role}, nil
}

// Generate issues a token for subject valid for ttl.
func (v *JWTVerifier) Generate(subject, role string, ttl time.Duration) (string, error) {
	if !ValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	now := time.Now()
	claims := arenaClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
