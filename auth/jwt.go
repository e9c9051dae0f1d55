// Package auth issues and checks the bearer tokens of the admin API.
// Operators log in with a username and password from the control database
// and receive an HS256 JWT carrying their name and role.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the shortest signing key accepted.
const MinSecretLen = 32

// Roles known to the admin API. Admins may delete tenants and manage
// operators; operators may do everything else.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// ErrWeakSecret is returned when the signing key is shorter than MinSecretLen.
var ErrWeakSecret = errors.New("auth: secret too short")

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Role     string `json:"role"`
}

// GenerateToken signs claims for expiry from now.
func GenerateToken(secret []byte, claims *Claims, expiry time.Duration) (string, error) {
	if len(secret) < MinSecretLen {
		return "", ErrWeakSecret
	}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	if claims.Subject == "" {
		claims.Subject = claims.Username
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ValidateToken parses tokenStr. Only HS256 is accepted.
func ValidateToken(secret []byte, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}
