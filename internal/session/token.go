package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// HashToken derives the storage key from a bearer token. The digest is one
// way; a compromised store yields nothing that authenticates.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CookieSigner authenticates cookie values with an HMAC so a tampered cookie
// reads as absent rather than as someone else's reference.
type CookieSigner struct {
	secret []byte
}

func NewCookieSigner(secret []byte) (CookieSigner, error) {
	if len(secret) < 32 {
		return CookieSigner{}, errors.New("cookie secret too short (need >=32 bytes)")
	}

	return CookieSigner{secret: secret}, nil
}

// Sign returns value.signature, both parts base64url without padding.
func (cs CookieSigner) Sign(value string) string {
	mac := hmac.New(sha256.New, cs.secret)
	mac.Write([]byte(value))
	sig := mac.Sum(nil)

	return base64.RawURLEncoding.EncodeToString([]byte(value)) + "." +
		base64.RawURLEncoding.EncodeToString(sig)
}

// Verify returns the embedded value and whether the signature checks out.
func (cs CookieSigner) Verify(signed string) (string, bool) {
	dot := strings.IndexByte(signed, '.')
	if dot <= 0 || dot == len(signed)-1 {
		return "", false
	}

	value, err1 := base64.RawURLEncoding.DecodeString(signed[:dot])
	sig, err2 := base64.RawURLEncoding.DecodeString(signed[dot+1:])
	if err1 != nil || err2 != nil {
		return "", false
	}

	mac := hmac.New(sha256.New, cs.secret)
	mac.Write(value)
	expect := mac.Sum(nil)
	if !hmac.Equal(sig, expect) {
		return "", false
	}

	return string(value), true
}
