package auth

import (
	"errors"
	"fmt"
	"time"
)

// Credential is the access/refresh token pair. An AccessToken is never set
// without an ExpiresAt.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	CustomerID   string    `json:"customer_id,omitempty"`
}

// ValidFor reports whether the access token is still good for at least margin
// past now.
func (c Credential) ValidFor(margin time.Duration, now time.Time) bool {
	if c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).Before(c.ExpiresAt)
}

// Empty reports whether there is nothing to refresh from.
func (c Credential) Empty() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// ErrorKind tells callers whether to prompt for re-authentication or retry.
type ErrorKind int

const (
	// ReauthRequired means the refresh token is gone or was rejected; only a
	// new Authenticate recovers.
	ReauthRequired ErrorKind = iota
	// InvalidGrant means the authorization code exchange was rejected.
	InvalidGrant
	// Transient covers network failures and 5xx; retrying may succeed.
	Transient
)

func (k ErrorKind) String() string {
	switch k {
	case ReauthRequired:
		return "reauth_required"
	case InvalidGrant:
		return "invalid_grant"
	case Transient:
		return "transient"
	}
	return fmt.Sprintf("auth_error(%d)", int(k))
}

type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the auth error kind anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}

// IsReauthRequired reports whether err demands interactive re-authentication.
func IsReauthRequired(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == ReauthRequired || k == InvalidGrant)
}

// Retryable reports whether err is a transient auth failure.
func Retryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k == Transient
}
