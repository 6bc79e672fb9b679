// Package bso implements the Basic Storage Object wire envelope: the
// encrypted payload format every Sync collection record travels in,
// and JSON (de)serialization of the domain records this core knows
// about (history, open-tabs, bookmarks).
package bso

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"

	"github.com/GNOME/epiphany-sub000/crypto"
)

// BSO is the server-side wire envelope. Clients omit Modified when
// posting; it is always present on records read back from storage.
type BSO struct {
	ID       string  `json:"id"`
	Payload  string  `json:"payload"`
	Modified float64 `json:"modified,omitempty"`
}

// payload is the encrypted {ciphertext, IV, hmac} JSON object carried
// inside BSO.Payload.
type payload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"IV"`
	HMAC       string `json:"hmac"`
}

// EncryptRecord encrypts cleartext with bundle and returns the
// serialized {ciphertext, IV, hmac} payload string.
//
// Note: the HMAC is computed over the base64 text of the ciphertext,
// not over the raw ciphertext bytes. This matches the on-server
// format and must be preserved exactly.
func EncryptRecord(cleartext []byte, bundle *crypto.KeyBundle) (string, error) {
	iv, err := crypto.GenerateIV()
	if err != nil {
		return "", err
	}

	ciphertext, err := crypto.AES256CBCEncrypt(cleartext, bundle.AESKey, iv)
	if err != nil {
		return "", err
	}

	ciphertextB64 := crypto.EncodeBase64(ciphertext)
	mac := crypto.HMACSHA256(bundle.HMACKey, []byte(ciphertextB64))

	p := payload{
		Ciphertext: ciphertextB64,
		IV:         crypto.EncodeBase64(iv),
		HMAC:       crypto.EncodeHex(mac),
	}
	out, err := json.Marshal(p)
	if err != nil {
		return "", errors.Wrap(err, "bso: marshal payload")
	}
	return string(out), nil
}

// DecryptRecord HMAC-verifies and decrypts a payload string produced
// by EncryptRecord (or by the server). It never attempts AES
// decryption if the HMAC check fails.
func DecryptRecord(payloadStr string, bundle *crypto.KeyBundle) ([]byte, error) {
	var p payload
	if err := json.Unmarshal([]byte(payloadStr), &p); err != nil {
		return nil, errors.Wrap(err, "bso: payload is not valid json")
	}
	if p.Ciphertext == "" || p.IV == "" || p.HMAC == "" {
		return nil, errors.New("bso: payload missing ciphertext, IV or hmac")
	}

	expected := crypto.HMACSHA256(bundle.HMACKey, []byte(p.Ciphertext))
	got, err := crypto.DecodeHex(p.HMAC)
	if err != nil {
		return nil, errors.Wrap(err, "bso: invalid hmac encoding")
	}
	if !crypto.ConstantTimeEqual(got, expected) {
		return nil, crypto.ErrMacMismatch
	}

	ciphertext, err := crypto.DecodeBase64(p.Ciphertext)
	if err != nil {
		return nil, errors.Wrap(err, "bso: invalid ciphertext encoding")
	}
	iv, err := crypto.DecodeBase64(p.IV)
	if err != nil {
		return nil, errors.Wrap(err, "bso: invalid IV encoding")
	}

	return crypto.AES256CBCDecrypt(ciphertext, bundle.AESKey, iv)
}

// ToBSO encrypts the JSON-serialized record (produced by the caller)
// under bundle and wraps it with id into a BSO ready to PUT. Modified
// is left zero; the client never sets it on outgoing requests.
func ToBSO(id string, serialized []byte, bundle *crypto.KeyBundle) (*BSO, error) {
	enc, err := EncryptRecord(serialized, bundle)
	if err != nil {
		return nil, err
	}
	return &BSO{ID: id, Payload: enc}, nil
}

// Tombstone marks a deletion: a record whose cleartext payload carries
// "deleted": true alongside its "id".
type Tombstone struct {
	ID string
}

// tombstoneShape is read from decrypted payload JSON to detect a
// deletion marker before attempting to decode into a domain type.
type tombstoneShape struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// FromBSO decrypts a BSO's payload and reports whether it is a
// tombstone. serverModified is the BSO's Modified field, ceiled to
// the nearest integer second, matching Sync Storage's own rounding.
func FromBSO(b *BSO, bundle *crypto.KeyBundle) (cleartext []byte, tombstone *Tombstone, serverModified int64, err error) {
	cleartext, err = DecryptRecord(b.Payload, bundle)
	if err != nil {
		return nil, nil, 0, err
	}

	serverModified = int64(math.Ceil(b.Modified))

	var shape tombstoneShape
	if err := json.Unmarshal(cleartext, &shape); err == nil && shape.Deleted {
		return cleartext, &Tombstone{ID: shape.ID}, serverModified, nil
	}

	return cleartext, nil, serverModified, nil
}
