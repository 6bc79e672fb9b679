package syncservice

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xcrypto "github.com/GNOME/epiphany-sub000/crypto"
	"github.com/GNOME/epiphany-sub000/secretvault"
	"github.com/GNOME/epiphany-sub000/settings"
)

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// fakeFxA serves just enough of account/keys, certificate/sign, the
// Token Server, and the storage root to drive one credential refresh
// and one storage request end to end.
type fakeFxA struct {
	keyFetchToken []byte
	unwrapKB      []byte
	wrapKB        []byte
	uid           string
	storageHits   int
}

func (f *fakeFxA) handler(base string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/account/keys":
			kfk, err := xcrypto.DeriveKeyFetchToken(f.keyFetchToken)
			if err != nil {
				http.Error(w, err.Error(), 500)
				return
			}
			kA := repeatByte(0xAA, xcrypto.KeyLen)
			ciphertext := xcrypto.XOR(append(append([]byte{}, kA...), f.wrapKB...), kfk.RespXOR)
			mac := xcrypto.HMACSHA256(kfk.RespHMAC, ciphertext)
			bundle := append(append([]byte{}, ciphertext...), mac...)
			json.NewEncoder(w).Encode(map[string]string{"bundle": xcrypto.EncodeHex(bundle)})

		case r.URL.Path == "/v1/certificate/sign":
			payload, _ := json.Marshal(map[string]interface{}{
				"principal": map[string]string{"email": f.uid + "@" + hostOf(base)},
			})
			cert := "header." + xcrypto.EncodeBase64URL(payload) + ".sig"
			json.NewEncoder(w).Encode(map[string]string{"cert": cert})

		case r.URL.Path == "/token":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"api_endpoint": base + "/1.5/" + f.uid,
				"id":           "storage-id",
				"key":          xcrypto.EncodeBase64URL(repeatByte(0x5, xcrypto.KeyLen)),
				"duration":     3600,
			})

		case r.URL.Path == "/1.5/"+f.uid+"/storage/meta/global":
			f.storageHits++
			w.WriteHeader(http.StatusNotFound)

		default:
			http.Error(w, "not found: "+r.URL.Path, 404)
		}
	}
}

func hostOf(base string) string {
	// base is e.g. "http://127.0.0.1:54321"; the assertion principal's
	// domain is the bare host:port, matching verifyCertPrincipal's
	// url.Parse(fxaHost).Host.
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '/' {
			return base[i+1:]
		}
	}
	return base
}

func newTestService(t *testing.T, base string) *Service {
	t.Helper()
	return New(Options{
		HTTPClient:  http.DefaultClient,
		UserAgent:   "epiphany-sync-test/1.0",
		FxAHost:     base + "/v1",
		TokenServer: base + "/token",
		Vault:       secretvault.NewMemVault(),
		Settings:    settings.NewMemStore(),
		Log:         logrus.New(),
		Application: "Epiphany",
		OS:          "Linux",
	})
}

func TestSignInDerivesCredentialsAndStoresSecrets(t *testing.T) {
	uid := "abc123"
	keyFetchToken := repeatByte(0x22, xcrypto.KeyLen)
	unwrapKB := repeatByte(0x33, xcrypto.KeyLen)
	wrapKB := repeatByte(0xBB, xcrypto.KeyLen)

	fake := &fakeFxA{keyFetchToken: keyFetchToken, unwrapKB: unwrapKB, wrapKB: wrapKB, uid: uid}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.handler(srv.URL)(w, r)
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	sessionToken := repeatByte(0x11, xcrypto.KeyLen)

	err := svc.SignIn("user@example.com", uid, sessionToken, keyFetchToken, unwrapKB)
	require.NoError(t, err)
	assert.True(t, svc.IsSignedIn())

	secrets, err := svc.vault.Load("user@example.com")
	require.NoError(t, err)
	assert.Equal(t, uid, secrets.UID)
	assert.Equal(t, xcrypto.EncodeHex(sessionToken), secrets.SessionToken)

	expectedKB := xcrypto.XOR(unwrapKB, wrapKB)
	assert.Equal(t, xcrypto.EncodeHex(expectedKB), secrets.MasterKey)
}

func TestRequestRefreshesCredentialsThenSends(t *testing.T) {
	uid := "def456"
	keyFetchToken := repeatByte(0x44, xcrypto.KeyLen)
	unwrapKB := repeatByte(0x55, xcrypto.KeyLen)
	wrapKB := repeatByte(0x66, xcrypto.KeyLen)

	fake := &fakeFxA{keyFetchToken: keyFetchToken, unwrapKB: unwrapKB, wrapKB: wrapKB, uid: uid}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.handler(srv.URL)(w, r)
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	sessionToken := repeatByte(0x77, xcrypto.KeyLen)
	require.NoError(t, svc.SignIn("user2@example.com", uid, sessionToken, keyFetchToken, unwrapKB))

	resp, _, err := svc.storageRequestSync(http.MethodGet, "storage/meta/global", nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, fake.storageHits)
}

func TestSignOutClearsSessionAndVault(t *testing.T) {
	uid := "ghi789"
	keyFetchToken := repeatByte(0x88, xcrypto.KeyLen)
	unwrapKB := repeatByte(0x99, xcrypto.KeyLen)
	wrapKB := repeatByte(0xCC, xcrypto.KeyLen)

	fake := &fakeFxA{keyFetchToken: keyFetchToken, unwrapKB: unwrapKB, wrapKB: wrapKB, uid: uid}
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.handler(srv.URL)(w, r)
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	email := "user3@example.com"
	sessionToken := repeatByte(0x10, xcrypto.KeyLen)
	require.NoError(t, svc.SignIn(email, uid, sessionToken, keyFetchToken, unwrapKB))
	require.True(t, svc.IsSignedIn())

	svc.SignOut()
	assert.False(t, svc.IsSignedIn())

	_, err := svc.vault.Load(email)
	assert.ErrorIs(t, err, secretvault.ErrNotFound)
}

func TestClientStateHeaderIsSHA256Prefix(t *testing.T) {
	kB := repeatByte(0x42, 32)
	got := clientStateHeader(kB)
	assert.Len(t, got, 32)
	sum := sha256.Sum256(kB)
	assert.Equal(t, xcrypto.EncodeHex(sum[:16]), got)
}

func TestQueueCancelsPendingOnSignOut(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:0")
	done := make(chan error, 1)
	svc.mu.Lock()
	svc.locked = true // simulate an in-flight refresh so Request queues
	svc.mu.Unlock()

	svc.Request(http.MethodGet, "storage/meta/global", nil, "", "", func(resp *http.Response, body []byte, err error) {
		done <- err
	})

	svc.SignOut()
	err := <-done
	assert.ErrorIs(t, err, ErrCancelled)
}
