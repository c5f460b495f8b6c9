package stunauth_test

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // test-only, mirrors the production HMAC-SHA1 algorithm.
	"errors"
	"hash"
	"testing"

	"github.com/gostun/gostun/internal/stunauth"
)

type mapStore map[string][]byte

func (m mapStore) Key(username string) ([]byte, bool) {
	k, ok := m[username]
	return k, ok
}

func TestNoAuth_AlwaysAccepts(t *testing.T) {
	var a stunauth.NoAuth
	if err := a.Verify("anyone", []byte("msg"), []byte("digest")); err != nil {
		t.Fatalf("NoAuth.Verify returned %v, want nil", err)
	}
}

func TestShortTermAuth_VerifySuccess(t *testing.T) {
	store := mapStore{"alice": []byte("s3cr3t")}
	a := stunauth.ShortTermAuth{Store: store}

	msg := []byte("the message bytes up to MESSAGE-INTEGRITY")
	digest := computeHMAC(t, []byte("s3cr3t"), msg)

	if err := a.Verify("alice", msg, digest); err != nil {
		t.Fatalf("Verify() = %v, want nil", err)
	}
}

func TestShortTermAuth_UnknownUsername(t *testing.T) {
	store := mapStore{}
	a := stunauth.ShortTermAuth{Store: store}

	err := a.Verify("bob", []byte("msg"), []byte("digest"))
	if !errors.Is(err, stunauth.ErrUsernameNotFound) {
		t.Fatalf("Verify() = %v, want ErrUsernameNotFound", err)
	}
}

func TestShortTermAuth_BadDigest(t *testing.T) {
	store := mapStore{"alice": []byte("s3cr3t")}
	a := stunauth.ShortTermAuth{Store: store}

	err := a.Verify("alice", []byte("msg"), []byte("not-the-right-digest-len"))
	if !errors.Is(err, stunauth.ErrIntegrityMismatch) {
		t.Fatalf("Verify() = %v, want ErrIntegrityMismatch", err)
	}
}

func computeHMAC(t *testing.T, key, msg []byte) []byte {
	t.Helper()
	var mac hash.Hash = hmac.New(sha1.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}
