package crypto

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// KeyBundle is a pair of 32-byte keys used for AES-256-CBC and
// HMAC-SHA256 of the records in one collection (or, for the master
// bundle, to decrypt crypto/keys itself).
type KeyBundle struct {
	AESKey  []byte
	HMACKey []byte
}

// GenerateKeyBundle returns a bundle of two fresh random 32-byte keys,
// used to bootstrap a collection's "default" entry in crypto/keys.
func GenerateKeyBundle() (*KeyBundle, error) {
	aesKey := make([]byte, KeyLen)
	hmacKey := make([]byte, KeyLen)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, errors.Wrap(err, "crypto: generate aes key")
	}
	if _, err := rand.Read(hmacKey); err != nil {
		return nil, errors.Wrap(err, "crypto: generate hmac key")
	}
	return &KeyBundle{AESKey: aesKey, HMACKey: hmacKey}, nil
}

// SessionTokenKeys are the three keys HKDF-derived from a 32-byte
// session token. requestKey is unused by this core; it is kept only
// because the derivation produces it as one 96-byte expansion.
type SessionTokenKeys struct {
	TokenID    []byte
	ReqHMACKey []byte
	RequestKey []byte
}

// DeriveSessionToken runs the onepw sessionToken branch of the ladder.
func DeriveSessionToken(sessionToken []byte) (*SessionTokenKeys, error) {
	if len(sessionToken) != KeyLen {
		return nil, errors.New("crypto: session token must be 32 bytes")
	}
	out, err := HKDF(sessionToken, nil, []byte(kw("sessionToken")), 3*KeyLen)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: derive session token")
	}
	return &SessionTokenKeys{
		TokenID:    out[0:KeyLen],
		ReqHMACKey: out[KeyLen : 2*KeyLen],
		RequestKey: out[2*KeyLen : 3*KeyLen],
	}, nil
}

// KeyFetchTokenKeys are the keys HKDF-derived from a 32-byte
// key-fetch token, in two steps: the token itself yields tokenID,
// reqHMACKey and keyRequestKey; keyRequestKey then yields the keys
// used to unwrap the /account/keys response.
type KeyFetchTokenKeys struct {
	TokenID    []byte
	ReqHMACKey []byte
	RespHMAC   []byte
	RespXOR    []byte
}

// DeriveKeyFetchToken runs the onepw keyFetchToken branch of the
// ladder, including the second-stage expansion over keyRequestKey.
func DeriveKeyFetchToken(keyFetchToken []byte) (*KeyFetchTokenKeys, error) {
	if len(keyFetchToken) != KeyLen {
		return nil, errors.New("crypto: key fetch token must be 32 bytes")
	}
	out1, err := HKDF(keyFetchToken, nil, []byte(kw("keyFetchToken")), 3*KeyLen)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: derive key fetch token")
	}
	tokenID := out1[0:KeyLen]
	reqHMACKey := out1[KeyLen : 2*KeyLen]
	keyRequestKey := out1[2*KeyLen : 3*KeyLen]

	out2, err := HKDF(keyRequestKey, nil, []byte(kw("account/keys")), 3*KeyLen)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: derive account/keys")
	}

	return &KeyFetchTokenKeys{
		TokenID:    tokenID,
		ReqHMACKey: reqHMACKey,
		RespHMAC:   out2[0:KeyLen],
		RespXOR:    out2[KeyLen : 3*KeyLen],
	}, nil
}

// DeriveMasterKeys verifies and unwraps the /account/keys response
// bundle (ciphertext(64) || MAC(32)) and returns kA and kB.
//
// bundle must be exactly 96 bytes. respHMACKey, respXORKey and
// unwrapKB must each be 32 or 64 bytes as documented on
// KeyFetchTokenKeys / the caller's unwrapBKey.
func DeriveMasterKeys(bundle, respHMACKey, respXORKey, unwrapKB []byte) (kA, kB []byte, err error) {
	if len(bundle) != 3*KeyLen {
		return nil, nil, errors.New("crypto: account/keys bundle must be 96 bytes")
	}
	ciphertext := bundle[:2*KeyLen]
	mac := bundle[2*KeyLen:]

	expected := HMACSHA256(respHMACKey, ciphertext)
	if !ConstantTimeEqual(mac, expected) {
		return nil, nil, ErrMacMismatch
	}

	xored := XOR(ciphertext, respXORKey)
	kA = xored[:KeyLen]
	wrapKB := xored[KeyLen:]
	kB = XOR(unwrapKB, wrapKB)
	return kA, kB, nil
}

// DeriveMasterBundle derives the master key bundle from kB with a
// two-step HKDF (T(1) is the AES key, T(2) is the HMAC key), used
// only to decrypt the crypto/keys record.
func DeriveMasterBundle(kB []byte) (*KeyBundle, error) {
	if len(kB) != KeyLen {
		return nil, errors.New("crypto: kB must be 32 bytes")
	}
	info := []byte(kw("oldsync"))
	prk := HMACSHA256(make([]byte, KeyLen), kB)

	aesKey := HMACSHA256(prk, append(append([]byte{}, info...), 0x01))
	hmacKey := HMACSHA256(prk, append(append(append([]byte{}, aesKey...), info...), 0x02))

	return &KeyBundle{AESKey: aesKey, HMACKey: hmacKey}, nil
}
