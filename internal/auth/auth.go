// Package auth verifies the bearer tokens presented on WebSocket and HTTP
// endpoints. A token carries the user id and a token version; the version
// must match the one stored in the user directory, which lets a password
// reset or forced logout invalidate every previously issued token at once.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ezariago/anemon-backend/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrStaleToken   = errors.New("token version superseded")
	ErrUnknownUser  = errors.New("unknown user")
)

// Directory answers identity lookups against the account store.
type Directory interface {
	// Lookup returns the profile and current token version for a uid.
	Lookup(ctx context.Context, uid int) (models.UserProfile, int, error)
}

type claims struct {
	UID     int `json:"uid"`
	Version int `json:"ver"`
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed tokens and resolves them to profiles.
type Verifier struct {
	secret    []byte
	directory Directory
}

func NewVerifier(secret string, directory Directory) *Verifier {
	return &Verifier{secret: []byte(secret), directory: directory}
}

// Verify parses and validates the token, then resolves the authenticated
// profile. The profile always comes from the directory, never from the
// token, so stale display fields in old tokens cannot leak back in.
func (v *Verifier) Verify(ctx context.Context, token string) (models.UserProfile, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.UserProfile{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	profile, version, err := v.directory.Lookup(ctx, c.UID)
	if err != nil {
		return models.UserProfile{}, err
	}
	if c.Version != version {
		return models.UserProfile{}, ErrStaleToken
	}
	return profile, nil
}
