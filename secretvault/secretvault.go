// Package secretvault stores the per-account secrets the sync engine
// needs across process restarts: the FxA uid, the session token, the
// derived master key (kB), and the last crypto/keys bundle. It is the
// one place in this module that touches anything resembling a
// credential at rest, so it is kept as a small injected interface, a
// pluggable storage backend, with a single in-memory reference
// implementation.
package secretvault

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Load when no secrets are stored for the
// given account.
var ErrNotFound = errors.New("secretvault: no secrets for account")

// Secrets is the full set of durable, per-account sync state. All
// fields are hex- or base64-encoded strings rather than raw bytes so
// that a concrete Vault can serialize the struct as-is (e.g. to JSON
// in a GNOME Keyring secret, or a libsecret blob) without the caller
// needing to know the encoding.
type Secrets struct {
	UID          string
	SessionToken string
	MasterKey    string
	// CryptoKeys is the hex-encoded cleartext of the last crypto/keys
	// record the engine decrypted, so a restart can resume without a
	// storage round trip before the first sync pass refreshes it.
	CryptoKeys string
}

// Vault loads, stores and clears the Secrets for an account, keyed by
// the account's email address.
type Vault interface {
	Load(email string) (*Secrets, error)
	Store(email string, s *Secrets) error
	Clear(email string) error
}

// MemVault is an in-memory Vault. It is the reference implementation
// used by tests and by callers that don't need secrets to survive a
// process restart; a real client would back Vault with an OS keyring.
type MemVault struct {
	mu   sync.Mutex
	data map[string]Secrets
}

// NewMemVault returns an empty in-memory vault.
func NewMemVault() *MemVault {
	return &MemVault{data: make(map[string]Secrets)}
}

func (v *MemVault) Load(email string) (*Secrets, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s, ok := v.data[email]
	if !ok {
		return nil, ErrNotFound
	}
	cp := s
	return &cp, nil
}

func (v *MemVault) Store(email string, s *Secrets) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data[email] = *s
	return nil
}

func (v *MemVault) Clear(email string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.data, email)
	return nil
}
