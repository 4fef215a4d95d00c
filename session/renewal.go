package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RenewalThreshold is how long before expiry the token is proactively refreshed.
const RenewalThreshold = 5 * time.Minute

// stopper is the part of *time.Timer the store needs.
type stopper interface {
	Stop() bool
}

// afterFunc arms a one-shot timer. time.AfterFunc in production.
type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// TokenExpiry returns the exp claim of a JWT. The signature is not verified;
// the server is the authority on validity, the client only needs the time.
func TokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}

// RenewalDelay returns how long to wait before renewing token. A non-positive
// result means the token is already inside the threshold and no timer should
// be armed.
func RenewalDelay(token string, now time.Time) (time.Duration, error) {
	exp, err := TokenExpiry(token)
	if err != nil {
		return 0, err
	}
	return exp.Sub(now) - RenewalThreshold, nil
}
