package credentials

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned when an access credential carries no exp claim.
var ErrNoExpiry = errors.New("access credential has no expiry claim")

// AccessExpiry reads the exp claim from a JWT access credential without
// verifying its signature. It is for display only; the server remains the
// authority on validity.
func AccessExpiry(access string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}
