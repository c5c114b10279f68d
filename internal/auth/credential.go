package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Error marks a rejected credential. It is fatal: the connection manager
// never retries it, and the caller must re-authenticate upstream.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("authentication rejected: %s", e.Reason)
}

// Credential is a bearer token plus the claims the client cares about.
type Credential struct {
	Token     string
	Subject   string    // authenticated user id, empty for opaque tokens
	ExpiresAt time.Time // zero when the token carries no expiry
}

// ParseCredential reads the token's registered claims without verifying the
// signature. Verification is the server's job; the client only needs the
// expiry to refresh proactively.
func ParseCredential(token string) (Credential, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Credential{}, fmt.Errorf("parse credential: %w", err)
	}
	cred := Credential{Token: token, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

// Expired reports whether the credential has passed its expiry.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ExpiresWithin reports whether the credential expires within d of now.
func (c Credential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !c.ExpiresAt.IsZero() && now.Add(d).After(c.ExpiresAt)
}

// TokenSource supplies and refreshes the bearer credential. Issuance and
// re-authentication decisions belong to the authentication subsystem; this
// engine only presents what it is given.
type TokenSource interface {
	Token(ctx context.Context) (Credential, error)
	Refresh(ctx context.Context) (Credential, error)
}

// Static returns a TokenSource that always yields cred and cannot refresh.
func Static(cred Credential) TokenSource {
	return staticSource{cred: cred}
}

type staticSource struct {
	cred Credential
}

func (s staticSource) Token(context.Context) (Credential, error) {
	return s.cred, nil
}

func (s staticSource) Refresh(context.Context) (Credential, error) {
	return Credential{}, &Error{Reason: "static credential cannot be refreshed"}
}
