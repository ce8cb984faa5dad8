package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers malformed, mis-signed, and expired bearer tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the authenticated caller attached to a request or session.
type Identity struct {
	UserID string
	Role   Role
}

// Authenticator mints and verifies the HS256 bearer tokens used on every
// ingress surface.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator wraps the shared JWT secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken signs a token carrying {userId, role, exp}.
func (a *Authenticator) IssueToken(userID string, role Role, ttl time.Duration) (string, error) {
	if !ValidRole(role) {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"userId": userID,
		"role":   string(role),
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// ParseToken verifies a bearer token and extracts the identity.
func (a *Authenticator) ParseToken(tokenString string) (Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	userID, _ := claims["userId"].(string)
	roleStr, _ := claims["role"].(string)
	role := Role(roleStr)
	if userID == "" || !ValidRole(role) {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: userID, Role: role}, nil
}
