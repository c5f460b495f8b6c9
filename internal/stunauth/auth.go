// Package stunauth defines the authenticator interface the Request
// Handler Adapter consults when a request carries STUN short-term
// credentials, plus a short-term HMAC-SHA1 implementation and a
// no-op passthrough.
//
// STUN authentication policy itself is an external collaborator per
// the core's scope: the adapter only ever calls Authenticator, never
// decides how a credential maps to a key.
package stunauth

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // G505: SHA1 is STUN's mandated MESSAGE-INTEGRITY algorithm, RFC 5389 Section 15.4.
	"crypto/subtle"
	"errors"
)

// Sentinel errors an Authenticator implementation returns from
// Verify. The adapter answers any error from Verify, these or another,
// with the same 401 STUN error response; it does not log the error.
var (
	// ErrUsernameNotFound means no credential is configured for the
	// USERNAME the request carries.
	ErrUsernameNotFound = errors.New("stunauth: username not found")

	// ErrIntegrityMismatch means the computed MESSAGE-INTEGRITY HMAC
	// does not match the one the request carries.
	ErrIntegrityMismatch = errors.New("stunauth: message-integrity mismatch")

	// ErrNoCredentials means the request carried no USERNAME/
	// MESSAGE-INTEGRITY pair for an authenticator that requires one.
	ErrNoCredentials = errors.New("stunauth: request carries no credentials")
)

// Authenticator verifies STUN short-term credentials. The adapter
// calls Verify only when a request carries both a USERNAME and a
// MESSAGE-INTEGRITY attribute (a request with just one of them gets a
// 400 without reaching Verify). Requests with no credentials never
// reach Verify and are served without authentication.
type Authenticator interface {
	// Verify checks the MESSAGE-INTEGRITY HMAC-SHA1 over msgBytes
	// (the message as received, up to but not including the
	// MESSAGE-INTEGRITY attribute itself) for the given username,
	// against the supplied digest.
	Verify(username string, msgBytes []byte, digest []byte) error
}

// NoAuth is an Authenticator that accepts every request, used when a
// deployment runs with no credential policy at all.
type NoAuth struct{}

// Verify always succeeds.
func (NoAuth) Verify(string, []byte, []byte) error { return nil }

// CredentialStore supplies the shared key for a short-term-credential
// username. Implementations live outside this package (config-file
// backed, external database, etc.); stunauth only consumes the
// interface.
type CredentialStore interface {
	// Key returns the shared secret for username, or ok=false if no
	// such user is configured.
	Key(username string) (key []byte, ok bool)
}

// ShortTermAuth implements RFC 5389 Section 10's short-term credential
// mechanism: MESSAGE-INTEGRITY is an HMAC-SHA1 over the message bytes
// using the username's shared secret as the HMAC key.
type ShortTermAuth struct {
	Store CredentialStore
}

// Verify recomputes the HMAC-SHA1 over msgBytes using the key
// associated with username and compares it to digest in constant
// time.
func (a ShortTermAuth) Verify(username string, msgBytes []byte, digest []byte) error {
	key, ok := a.Store.Key(username)
	if !ok {
		return ErrUsernameNotFound
	}

	mac := hmac.New(sha1.New, key)
	mac.Write(msgBytes)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, digest) != 1 {
		return ErrIntegrityMismatch
	}
	return nil
}
