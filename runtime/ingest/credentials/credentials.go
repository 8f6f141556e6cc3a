// Package credentials stores integration credentials encrypted at rest,
// loads the OAuth provider catalog, and refreshes OAuth access tokens on
// demand, serializing rotating-refresh flows so concurrent jobs never
// corrupt a stored token.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned when no credential matches.
	ErrNotFound = errors.New("credentials: not found")
	// ErrStale is returned by CompareAndSwapPayload when the stored payload
	// no longer matches the expected one.
	ErrStale = errors.New("credentials: stored payload changed")
)

// Credential is one stored integration credential. Payload is the
// AES-256-GCM sealed JSON produced by Cipher.Encrypt; its keys depend on
// the integration's auth method (api_key, access_token plus refresh_token,
// connection settings, and so on).
type Credential struct {
	ID        string    `json:"id"`
	ShortName string    `json:"short_name"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists credentials. CompareAndSwapPayload is the rotation
// primitive: it must atomically replace the payload only while it still
// byte-equals old, so two refreshes racing on the same credential cannot
// interleave their writes.
type Store interface {
	Get(ctx context.Context, id string) (Credential, error)
	Put(ctx context.Context, cred Credential) error
	CompareAndSwapPayload(ctx context.Context, id string, old, new []byte) error
}

// TokenRefreshError reports a failed OAuth refresh. Jobs treat it as fatal
// for the run while leaving the stored credential untouched.
type TokenRefreshError struct {
	ShortName string
	Err       error
}

// Error implements error.
func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("credentials: token refresh for %s failed: %v", e.ShortName, e.Err)
}

// Unwrap exposes the cause.
func (e *TokenRefreshError) Unwrap() error { return e.Err }
