package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

// rsaBits is the key size the certificate/sign endpoint expects. It is
// regenerated at every certificate refresh, never persisted.
const rsaBits = 2048

// RSAKeyPair wraps a 2048-bit RSA key with exponent 65537. Its public
// half is sent to certificate/sign to be certified; its private half
// signs the BrowserID assertion.
type RSAKeyPair struct {
	Private *rsa.PrivateKey
}

// GenerateRSAKeyPair creates a fresh 2048-bit RSA key pair. This is the
// one heavy primitive in the core and must run off the event loop.
func GenerateRSAKeyPair() (*RSAKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: rsa keygen")
	}
	return &RSAKeyPair{Private: key}, nil
}

// PublicKeyJWK returns the modulus (n) and exponent (e) of the public
// key, base64url encoded, the form the certificate/sign endpoint wants
// embedded in the request body.
func (k *RSAKeyPair) PublicKeyJWK() (n, e string) {
	pub := k.Private.PublicKey
	n = EncodeBase64URL(pub.N.Bytes())
	e = EncodeBase64URL(bigEndianExponent(pub.E))
	return n, e
}

func bigEndianExponent(e int) []byte {
	// 65537 == 0x010001, always fits in 3 bytes for the exponents we use.
	b := make([]byte, 0, 4)
	for shift := 24; shift >= 0; shift -= 8 {
		v := byte(e >> uint(shift))
		if len(b) == 0 && v == 0 && shift != 0 {
			continue
		}
		b = append(b, v)
	}
	if len(b) == 0 {
		b = []byte{0}
	}
	return b
}

// SignSHA256 signs the SHA-256 digest of message with PKCS#1 v1.5 and
// returns the signature as unsigned big-endian bytes, the width a
// BrowserID assertion signature is serialized at.
func (k *RSAKeyPair) SignSHA256(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.Private, crypto.SHA256, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "crypto: rsa sign")
	}
	return sig, nil
}

// EncodePrivateKeyPEM and DecodePrivateKeyPEM exist only so tests can
// fix an RSA key across runs instead of paying for keygen in every
// deterministic test case.
func EncodePrivateKeyPEM(k *RSAKeyPair) []byte {
	der := x509.MarshalPKCS1PrivateKey(k.Private)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

func DecodePrivateKeyPEM(data []byte) (*RSAKeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("crypto: invalid PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: parse rsa private key")
	}
	return &RSAKeyPair{Private: key}, nil
}
