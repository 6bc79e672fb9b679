package crypto

import (
	stdcrypto "crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestPKCS7RoundTrip(t *testing.T) {
	for n := 0; n < 200; n++ {
		text := repeatByte('a', n)
		padded := pad(text, 16)
		assert.Equal(t, 0, len(padded)%16)
		assert.Equal(t, text, unpad(padded, 16))
	}
}

func TestAES256CBCRoundTrip(t *testing.T) {
	key := repeatByte(0x00, KeyLen)
	iv := repeatByte(0x02, 16)
	plaintext := []byte(`{"a":1}`)

	ciphertext, err := AES256CBCEncrypt(plaintext, key, iv)
	require.NoError(t, err)

	decrypted, err := AES256CBCDecrypt(ciphertext, key, iv)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
}

func TestDeriveMasterKeysBadMac(t *testing.T) {
	bundle := repeatByte(0, 96)
	_, _, err := DeriveMasterKeys(bundle, repeatByte(1, 32), repeatByte(2, 64), repeatByte(3, 32))
	assert.Equal(t, ErrMacMismatch, err)
}

func TestDeriveMasterKeysXOR(t *testing.T) {
	respHMACKey := repeatByte(0x11, KeyLen)
	respXORKey := repeatByte(0x22, 2*KeyLen)
	unwrapKB := repeatByte(0x33, KeyLen)

	kA := repeatByte(0xAA, KeyLen)
	wrapKB := repeatByte(0xBB, KeyLen)
	ciphertext := XOR(append(append([]byte{}, kA...), wrapKB...), respXORKey)
	mac := HMACSHA256(respHMACKey, ciphertext)
	bundle := append(append([]byte{}, ciphertext...), mac...)

	gotKA, gotKB, err := DeriveMasterKeys(bundle, respHMACKey, respXORKey, unwrapKB)
	require.NoError(t, err)
	assert.Equal(t, kA, gotKA)
	assert.Equal(t, XOR(unwrapKB, wrapKB), gotKB)
}

func TestDeriveSessionTokenLengths(t *testing.T) {
	token := repeatByte(0x11, KeyLen)
	keys, err := DeriveSessionToken(token)
	require.NoError(t, err)
	assert.Len(t, keys.TokenID, KeyLen)
	assert.Len(t, keys.ReqHMACKey, KeyLen)
	assert.Len(t, keys.RequestKey, KeyLen)
}

func TestDeriveKeyFetchTokenLengths(t *testing.T) {
	token := repeatByte(0x22, KeyLen)
	keys, err := DeriveKeyFetchToken(token)
	require.NoError(t, err)
	assert.Len(t, keys.TokenID, KeyLen)
	assert.Len(t, keys.ReqHMACKey, KeyLen)
	assert.Len(t, keys.RespHMAC, KeyLen)
	assert.Len(t, keys.RespXOR, 2*KeyLen)
}

func TestDeriveMasterBundleDeterministic(t *testing.T) {
	kB := repeatByte(0x33, KeyLen)
	b1, err := DeriveMasterBundle(kB)
	require.NoError(t, err)
	b2, err := DeriveMasterBundle(kB)
	require.NoError(t, err)
	assert.Equal(t, b1.AESKey, b2.AESKey)
	assert.Equal(t, b1.HMACKey, b2.HMACKey)
	assert.Len(t, b1.AESKey, KeyLen)
	assert.Len(t, b1.HMACKey, KeyLen)
}

func TestRSASignVerify(t *testing.T) {
	kp, err := GenerateRSAKeyPair()
	require.NoError(t, err)

	sig, err := kp.SignSHA256([]byte("hello.world"))
	require.NoError(t, err)
	assert.NotEmpty(t, sig)

	digest := sha256.Sum256([]byte("hello.world"))
	assert.NoError(t, rsa.VerifyPKCS1v15(&kp.Private.PublicKey, stdcrypto.SHA256, digest[:], sig))

	n, e := kp.PublicKeyJWK()
	assert.NotEmpty(t, n)
	assert.NotEmpty(t, e)
}

func TestHexCodec(t *testing.T) {
	b := repeatByte(0xAB, 4)
	s := EncodeHex(b)
	assert.Equal(t, hex.EncodeToString(b), s)
	got, err := DecodeHex(s)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}
