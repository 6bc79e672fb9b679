package syncservice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GNOME/epiphany-sub000/crypto"
	"github.com/GNOME/epiphany-sub000/secretvault"
	"github.com/GNOME/epiphany-sub000/settings"
)

func newSignedInTestService(t *testing.T) (*Service, string) {
	t.Helper()
	email := "keys-test@example.com"
	svc := New(Options{
		Vault:       secretvault.NewMemVault(),
		Settings:    settings.NewMemStore(),
		Application: "Epiphany",
		OS:          "Linux",
	})
	svc.mu.Lock()
	svc.accountEmail = email
	svc.uid = "uid-keys-test"
	svc.sessionToken = repeatByte(0x01, crypto.KeyLen)
	svc.masterKey = repeatByte(0x02, crypto.KeyLen)
	svc.mu.Unlock()
	return svc, email
}

func TestSetCryptoKeysPersistsToVault(t *testing.T) {
	svc, email := newSignedInTestService(t)

	def, err := crypto.GenerateKeyBundle()
	require.NoError(t, err)

	require.NoError(t, svc.setCryptoKeys(def, make(map[string]*crypto.KeyBundle)))

	secrets, err := svc.vault.Load(email)
	require.NoError(t, err)
	assert.NotEmpty(t, secrets.CryptoKeys)

	cleartext, err := crypto.DecodeHex(secrets.CryptoKeys)
	require.NoError(t, err)
	gotDef, _, err := parseCryptoKeys(cleartext)
	require.NoError(t, err)
	assert.Equal(t, def.AESKey, gotDef.AESKey)
	assert.Equal(t, def.HMACKey, gotDef.HMACKey)
}

func TestSetCryptoKeysSkipsVaultWriteWhenUnchanged(t *testing.T) {
	svc, email := newSignedInTestService(t)

	def, err := crypto.GenerateKeyBundle()
	require.NoError(t, err)
	collections := make(map[string]*crypto.KeyBundle)

	require.NoError(t, svc.setCryptoKeys(def, collections))
	first, err := svc.vault.Load(email)
	require.NoError(t, err)

	// A second call with the same bundle must not dirty the vault entry,
	// i.e. the CryptoKeys field the vault holds doesn't change.
	require.NoError(t, svc.setCryptoKeys(def, collections))
	second, err := svc.vault.Load(email)
	require.NoError(t, err)

	assert.Equal(t, first.CryptoKeys, second.CryptoKeys)

	svc.mu.Lock()
	dirty := svc.cryptoKeysDirty
	svc.mu.Unlock()
	assert.False(t, dirty)
}

func TestRestoreSessionDecodesStoredCryptoKeys(t *testing.T) {
	svc, email := newSignedInTestService(t)

	def, err := crypto.GenerateKeyBundle()
	require.NoError(t, err)
	bookmarks, err := crypto.GenerateKeyBundle()
	require.NoError(t, err)
	collections := map[string]*crypto.KeyBundle{"bookmarks": bookmarks}

	require.NoError(t, svc.setCryptoKeys(def, collections))

	restored := New(Options{
		Vault:       svc.vault,
		Settings:    settings.NewMemStore(),
		Application: "Epiphany",
		OS:          "Linux",
	})
	require.NoError(t, restored.RestoreSession(email))

	restored.mu.Lock()
	defer restored.mu.Unlock()
	require.NotNil(t, restored.defaultKeys)
	assert.Equal(t, def.AESKey, restored.defaultKeys.AESKey)
	assert.Equal(t, def.HMACKey, restored.defaultKeys.HMACKey)
	require.Contains(t, restored.collectionKeys, "bookmarks")
	assert.Equal(t, bookmarks.AESKey, restored.collectionKeys["bookmarks"].AESKey)
	assert.NotEmpty(t, restored.lastPersistedCryptoKeys)
}

func TestStorageCredentialsValidAppliesExpiryMargin(t *testing.T) {
	now := time.Unix(1_000_000, 0)

	withinMargin := &storageCredentials{Expiry: now.Unix() + 30}
	assert.False(t, withinMargin.valid(now), "credentials expiring within the margin must be treated as expired")

	pastMargin := &storageCredentials{Expiry: now.Unix() + 90}
	assert.True(t, pastMargin.valid(now))

	assert.False(t, (*storageCredentials)(nil).valid(now))
}
