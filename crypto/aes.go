package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/pkg/errors"
)

// pad applies PKCS#7 padding to text so its length becomes a multiple
// of blockLen. The pad byte value equals the pad length, 1..blockLen.
func pad(text []byte, blockLen int) []byte {
	padLen := blockLen - len(text)%blockLen
	out := make([]byte, len(text)+padLen)
	copy(out, text)
	for i := len(text); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

// unpad strictly reverses pad: the last byte must be in 1..blockLen to
// be treated as padding, otherwise the data is returned unpadded.
func unpad(data []byte, blockLen int) []byte {
	if len(data) == 0 {
		return data
	}
	padLen := int(data[len(data)-1])
	if padLen >= 1 && padLen <= blockLen && padLen <= len(data) {
		return data[:len(data)-padLen]
	}
	return data
}

// GenerateIV returns 16 fresh random bytes suitable as an AES-CBC IV.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "crypto: generate IV")
	}
	return iv, nil
}

// AES256CBCEncrypt pads plaintext with PKCS#7 and encrypts it with
// AES-256 in CBC mode. key must be 32 bytes, iv must be 16 bytes.
func AES256CBCEncrypt(plaintext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: aes new cipher")
	}
	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// AES256CBCDecrypt decrypts ciphertext with AES-256-CBC and strictly
// removes PKCS#7 padding from the result.
func AES256CBCDecrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: aes new cipher")
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("crypto: ciphertext is not a multiple of the block size")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out, aes.BlockSize), nil
}
