package hawk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderContainsExpectedFields(t *testing.T) {
	key := []byte("a-very-secret-key-that-is-32-by")
	header, artifacts, err := Header("https://api.accounts.firefox.com/v1/certificate/sign", "POST", "the-id", key, &Options{
		Timestamp: 1000000000,
		Nonce:     "abc123",
		Payload:   `{"a":1}`,
		ContentType: "application/json",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(header, `Hawk id="the-id", ts="1000000000", nonce="abc123"`))
	assert.Contains(t, header, `hash="`)
	assert.Contains(t, header, `mac="`)
	assert.Equal(t, "api.accounts.firefox.com", artifacts.Host)
	assert.Equal(t, "443", artifacts.Port)
	assert.Equal(t, "/v1/certificate/sign", artifacts.Resource)
}

func TestMacInvariantUnderEquivalentInputs(t *testing.T) {
	key := []byte("another-secret-key-for-testing1")
	h1, _, err := Header("https://sync.example.com/storage/history?full=true", "GET", "id1", key, &Options{
		Timestamp: 42,
		Nonce:     "nonce1",
	})
	require.NoError(t, err)

	h2, _, err := Header("https://sync.example.com/storage/history?full=true", "get", "id1", key, &Options{
		Timestamp: 42,
		Nonce:     "nonce1",
	})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestExtEscaping(t *testing.T) {
	a := &Artifacts{Method: "GET", Resource: "/x", Host: "h", Port: "80", Ext: "a\\b\nc"}
	got := normalize("header", a)
	assert.Contains(t, got, `a\\b\nc`)
}

func TestRandomNonceLength(t *testing.T) {
	n, err := randomNonce()
	require.NoError(t, err)
	assert.Len(t, n, 6)
}
