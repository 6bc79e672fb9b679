package syncservice

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/GNOME/epiphany-sub000/crypto"
	"github.com/GNOME/epiphany-sub000/secretvault"
)

// cryptoKeysPayload is the cleartext JSON shape of the "crypto/keys"
// BSO: a default key bundle plus optional per-collection overrides,
// each encoded as [base64(aesKey), base64(hmacKey)].
type cryptoKeysPayload struct {
	Collections map[string][2]string `json:"collections,omitempty"`
	Default     [2]string            `json:"default"`
}

func encodeBundle(b *crypto.KeyBundle) [2]string {
	return [2]string{crypto.EncodeBase64(b.AESKey), crypto.EncodeBase64(b.HMACKey)}
}

func decodeBundle(pair [2]string) (*crypto.KeyBundle, error) {
	aesKey, err := crypto.DecodeBase64(pair[0])
	if err != nil {
		return nil, errors.Wrap(err, "syncservice: crypto/keys aes key")
	}
	hmacKey, err := crypto.DecodeBase64(pair[1])
	if err != nil {
		return nil, errors.Wrap(err, "syncservice: crypto/keys hmac key")
	}
	return &crypto.KeyBundle{AESKey: aesKey, HMACKey: hmacKey}, nil
}

// marshalCryptoKeys serializes the default bundle and any per-
// collection overrides to the cleartext JSON crypto/keys carries.
func marshalCryptoKeys(def *crypto.KeyBundle, collections map[string]*crypto.KeyBundle) ([]byte, error) {
	p := cryptoKeysPayload{Default: encodeBundle(def)}
	if len(collections) > 0 {
		p.Collections = make(map[string][2]string, len(collections))
		for name, b := range collections {
			p.Collections[name] = encodeBundle(b)
		}
	}
	return json.Marshal(p)
}

// parseCryptoKeys decodes the cleartext JSON crypto/keys carries into
// a default bundle and any per-collection overrides.
func parseCryptoKeys(cleartext []byte) (def *crypto.KeyBundle, collections map[string]*crypto.KeyBundle, err error) {
	var p cryptoKeysPayload
	if err := json.Unmarshal(cleartext, &p); err != nil {
		return nil, nil, errors.Wrap(err, "syncservice: crypto/keys payload is not valid json")
	}
	def, err = decodeBundle(p.Default)
	if err != nil {
		return nil, nil, err
	}
	collections = make(map[string]*crypto.KeyBundle, len(p.Collections))
	for name, pair := range p.Collections {
		b, err := decodeBundle(pair)
		if err != nil {
			return nil, nil, err
		}
		collections[name] = b
	}
	return def, collections, nil
}

// bundleFor returns the key bundle a collection's records are
// encrypted with: its per-collection override if crypto/keys carries
// one, otherwise the default bundle.
func (s *Service) bundleFor(collection string) *crypto.KeyBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.collectionKeys[collection]; ok {
		return b
	}
	return s.defaultKeys
}

// setCryptoKeys installs def/collections as the in-memory crypto/keys
// bundle and persists them to the vault, but only when they actually
// differ from what was last persisted — a sync pass that re-fetches
// the same crypto/keys record it already wrote doesn't hit the vault
// again.
func (s *Service) setCryptoKeys(def *crypto.KeyBundle, collections map[string]*crypto.KeyBundle) error {
	cleartext, err := marshalCryptoKeys(def, collections)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.defaultKeys = def
	s.collectionKeys = collections
	if !bytes.Equal(cleartext, s.lastPersistedCryptoKeys) {
		s.cryptoKeysDirty = true
	}
	dirty := s.cryptoKeysDirty
	s.mu.Unlock()

	if !dirty {
		return nil
	}
	return s.persistCryptoKeys(cleartext)
}

// persistCryptoKeys writes cleartext into the signed-in account's
// vault entry alongside its other secrets. A no-op when signed out
// (e.g. a leftover call racing sign-out).
func (s *Service) persistCryptoKeys(cleartext []byte) error {
	s.mu.Lock()
	email := s.accountEmail
	uid := s.uid
	sessionToken := append([]byte(nil), s.sessionToken...)
	masterKey := append([]byte(nil), s.masterKey...)
	s.mu.Unlock()

	if email == "" {
		return nil
	}

	secrets := &secretvault.Secrets{
		UID:          uid,
		SessionToken: crypto.EncodeHex(sessionToken),
		MasterKey:    crypto.EncodeHex(masterKey),
		CryptoKeys:   crypto.EncodeHex(cleartext),
	}
	if err := s.vault.Store(email, secrets); err != nil {
		return errors.Wrap(err, "syncservice: store crypto keys")
	}

	s.mu.Lock()
	s.lastPersistedCryptoKeys = cleartext
	s.cryptoKeysDirty = false
	s.mu.Unlock()
	return nil
}
