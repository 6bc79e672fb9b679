// Package syncservice is the engine: it owns the signed-in account's
// session state, runs the onepw/BrowserID credential pipeline, queues
// and signs storage requests, drives the per-collection sync loop,
// and republishes each manager's own signals alongside its own. It is
// the "hard part" of this module — every other package is a building
// block this one assembles.
package syncservice

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/GNOME/epiphany-sub000/crypto"
	"github.com/GNOME/epiphany-sub000/managers"
	"github.com/GNOME/epiphany-sub000/secretvault"
	"github.com/GNOME/epiphany-sub000/settings"
)

// storageCredentials are the scoped, expiring credentials the Token
// Server hands back in exchange for a BrowserID assertion.
type storageCredentials struct {
	Endpoint string
	ID       string
	Key      []byte
	Expiry   int64 // unix seconds
}

// credentialExpiryMargin treats credentials as expired this many
// seconds before their stated expiry, so a request never races a
// server that is about to reject the token.
const credentialExpiryMargin = 60

func (c *storageCredentials) valid(now time.Time) bool {
	return c != nil && now.Unix() < c.Expiry-credentialExpiryMargin
}

// Options configures a Service at construction time: the HTTP session,
// FxA and Token Server hosts, user agent, plus the storage dependencies
// it treats as external collaborators.
type Options struct {
	HTTPClient  *http.Client
	UserAgent   string
	FxAHost     string
	TokenServer string

	Vault    secretvault.Vault
	Settings settings.Store

	Log logrus.FieldLogger

	// Application names the client in its self-describing clients
	// record, e.g. "Epiphany".
	Application string
	OS          string
}

// Service is the sync engine singleton: one signed-in account, one
// credential lifecycle, one request queue, one set of registered
// managers.
type Service struct {
	mu sync.Mutex

	httpClient  *http.Client
	userAgent   string
	fxaHost     string
	tokenServer string
	log         logrus.FieldLogger

	vault    secretvault.Vault
	settings settings.Store

	application string
	os          string

	// Signed-in account state. Zero value throughout means signed out.
	accountEmail   string
	uid            string
	sessionToken   []byte
	masterKey      []byte // kB
	defaultKeys    *crypto.KeyBundle
	collectionKeys map[string]*crypto.KeyBundle

	// lastPersistedCryptoKeys is the crypto/keys cleartext last written
	// to the vault; cryptoKeysDirty tracks whether the in-memory bundle
	// has since diverged from it, so a sync pass that fetches the same
	// crypto/keys record it already persisted doesn't hit the vault again.
	lastPersistedCryptoKeys []byte
	cryptoKeysDirty         bool

	managers      []managers.SynchronizableManager
	managerByName map[string]managers.SynchronizableManager

	creds       *storageCredentials
	certificate string
	rsaKey      *crypto.RSAKeyPair

	queue  []*pendingRequest
	locked bool
	cancel bool

	clientID string

	signalHandler Handler

	periodicStop chan struct{}
}

// New constructs a Service. It does not sign in; call SignIn once FxA
// session/key-fetch tokens are available.
func New(opts Options) *Service {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Service{
		httpClient:     opts.HTTPClient,
		userAgent:      opts.UserAgent,
		fxaHost:        opts.FxAHost,
		tokenServer:    opts.TokenServer,
		log:            opts.Log,
		vault:          opts.Vault,
		settings:       opts.Settings,
		application:    opts.Application,
		os:             opts.OS,
		managerByName:  make(map[string]managers.SynchronizableManager),
		collectionKeys: make(map[string]*crypto.KeyBundle),
	}
}

// RegisterManager adds m to the set the sync loop iterates and
// subscribes the engine to its modified/deleted signals. Its
// last-sync bookkeeping is restored from the settings store.
func (s *Service) RegisterManager(m managers.SynchronizableManager) {
	s.mu.Lock()
	name := m.CollectionName()
	s.managers = append(s.managers, m)
	s.managerByName[name] = m
	s.mu.Unlock()

	if v, ok := s.settings.GetInt64(settings.CollectionLastSyncTimeKey(name)); ok {
		m.SetLastSyncTime(v)
	}
	isInitial := true
	if v, ok := s.settings.GetBool(settings.CollectionIsInitialKey(name)); ok {
		isInitial = v
	}
	m.SetIsInitialSync(isInitial)

	m.Subscribe(func(ev managers.Event) {
		s.handleManagerEvent(name, ev)
	})
}

// UnregisterManager removes m from the sync loop and its signal
// subscription.
func (s *Service) UnregisterManager(m managers.SynchronizableManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := m.CollectionName()
	delete(s.managerByName, name)
	for i, mgr := range s.managers {
		if mgr == m {
			s.managers = append(s.managers[:i], s.managers[i+1:]...)
			break
		}
	}
	m.Subscribe(nil)
}

// IsSignedIn reports whether an account is currently signed in.
func (s *Service) IsSignedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountEmail != ""
}

// clientRecord is the self-describing entry this device maintains in
// the "clients" collection.
type clientRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	OS          string   `json:"os"`
	Application string   `json:"application"`
	Protocols   []string `json:"protocols"`
	FxADeviceID string   `json:"fxaDeviceId"`
}

func (s *Service) clientRecord() clientRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clientRecord{
		ID:          s.clientID,
		Name:        fmt.Sprintf("%s on %s", s.clientID, s.application),
		Type:        "desktop",
		OS:          s.os,
		Application: s.application,
		Protocols:   []string{"1.5"},
		FxADeviceID: s.uid,
	}
}

// fxaURL builds a full FxA API URL for path (e.g. "certificate/sign").
func (s *Service) fxaURL(path string) string {
	return s.fxaHost + "/" + path
}

// tokenServerAudience returns scheme://host[:port] of the Token
// Server URL, the "aud" claim of the BrowserID assertion body.
func (s *Service) tokenServerAudience() (string, error) {
	u, err := url.Parse(s.tokenServer)
	if err != nil {
		return "", errors.Wrap(err, "syncservice: invalid token server url")
	}
	return u.Scheme + "://" + u.Host, nil
}

// SignOut cancels any in-flight credential exchange, drains the queue
// with ErrCancelled, deletes this device's client record and destroys
// the FxA session best-effort, clears the vault entry, and stops the
// periodic timer.
func (s *Service) SignOut() {
	s.mu.Lock()
	email := s.accountEmail
	queued := s.queue
	s.queue = nil
	s.cancel = true
	s.mu.Unlock()

	for _, req := range queued {
		req.callback(nil, nil, ErrCancelled)
	}

	s.deleteClientRecordBestEffort()
	s.destroySessionBestEffort()

	if email != "" {
		if err := s.vault.Clear(email); err != nil {
			s.log.WithError(err).Warn("syncservice: failed to clear vault on sign-out")
		}
	}

	s.StopPeriodicSync()
	s.signOutLocally()
}

func (s *Service) signOutLocally() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountEmail = ""
	s.uid = ""
	s.sessionToken = nil
	s.masterKey = nil
	s.defaultKeys = nil
	s.collectionKeys = make(map[string]*crypto.KeyBundle)
	s.lastPersistedCryptoKeys = nil
	s.cryptoKeysDirty = false
	s.creds = nil
	s.certificate = ""
	s.rsaKey = nil
	s.locked = false
	s.cancel = false
}

// destroySessionBestEffort tells FxA to invalidate the session token.
// Failure is logged, not surfaced: sign-out always succeeds locally.
func (s *Service) destroySessionBestEffort() {
	s.mu.Lock()
	sessionToken := append([]byte(nil), s.sessionToken...)
	s.mu.Unlock()
	if len(sessionToken) == 0 {
		return
	}

	keys, err := crypto.DeriveSessionToken(sessionToken)
	if err != nil {
		return
	}
	id := crypto.EncodeHex(keys.TokenID)
	if _, _, err := s.doHawkRequest(http.MethodPost, s.fxaURL("session/destroy"), id, keys.ReqHMACKey, []byte("{}"), nil); err != nil {
		s.log.WithError(err).Warn("syncservice: session/destroy failed")
	}
}
