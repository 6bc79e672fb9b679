// Package crypto implements the onepw key-derivation ladder and the
// primitives it is built from: HKDF-SHA256, AES-256-CBC with PKCS#7
// padding, HMAC-SHA256, RSA-2048 signing, and the base16 / url-safe
// base64 codecs the sync wire protocol uses.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLen is the length, in bytes, of every symmetric key this
	// package produces or consumes.
	KeyLen = 32

	// ivLen is the AES block size and also the Sync IV length.
	ivLen = 16
)

// ErrMacMismatch is returned whenever a constant-time HMAC comparison
// fails. Callers must not attempt to decrypt after seeing this error.
var ErrMacMismatch = errors.New("crypto: hmac verification failed")

// kw namespaces a string under the Mozilla onepw identity prefix.
// See https://raw.githubusercontent.com/wiki/mozilla/fxa-auth-server/images/onepw-create.png
func kw(name string) string {
	return "identity.mozilla.com/picl/v1/" + name
}

// HKDF runs RFC 5869 extract-and-expand with the given salt (a nil
// salt expands to hashLen zero bytes) and returns exactly n bytes.
func HKDF(secret, salt, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrap(err, "crypto: hkdf expand")
	}
	return out, nil
}

// HMACSHA256 keyed-hashes data and returns the raw 32-byte digest.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// ConstantTimeEqual compares two byte slices without leaking timing
// information about where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// XOR returns a XOR b. Both slices must have equal length.
func XOR(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// EncodeHex and DecodeHex wrap the standard library so call sites read
// the same way the rest of the ladder reads (hex is the wire encoding
// for tokens, kB and key bundle fields before they reach base64).
func EncodeHex(b []byte) string { return hex.EncodeToString(b) }

func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: invalid hex")
	}
	return b, nil
}

// EncodeBase64 / DecodeBase64 use standard (not url-safe) base64,
// which is what BSO payload fields (ciphertext, IV) use on the wire.
func EncodeBase64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: invalid base64")
	}
	return b, nil
}

// EncodeBase64URL / DecodeBase64URL implement the BrowserID-flavoured
// url-safe base64 without padding, used for assertion header/body/sig.
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeBase64URL(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: invalid base64url")
	}
	return b, nil
}
