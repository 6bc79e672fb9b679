package syncservice

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	xcrypto "github.com/GNOME/epiphany-sub000/crypto"
	"github.com/GNOME/epiphany-sub000/secretvault"
)

// certificateDuration bounds the lifetime requested for the BrowserID
// certificate; it is regenerated every refresh, so a short lifetime
// costs nothing.
const certificateDuration = 1 * time.Hour

// accountKeysPollAttempts and accountKeysPollBackoff bound how long
// SignIn will wait for FxA to report the account verified (errno 104)
// before giving up.
const (
	accountKeysPollAttempts = 5
	accountKeysPollBackoff  = 2 * time.Second
)

// SignIn runs the onepw ladder against FxA's account/keys response,
// derives kB, and persists {uid, session_token, master_key} to the
// vault. sessionToken and keyFetchToken are the 32-byte tokens FxA's
// own login step returns; unwrapKB is derived from the account
// password. Both of those steps are out of this core's scope — they
// happen upstream, in the sign-in UI flow.
func (s *Service) SignIn(email, uid string, sessionToken, keyFetchToken, unwrapKB []byte) error {
	kfk, err := xcrypto.DeriveKeyFetchToken(keyFetchToken)
	if err != nil {
		return err
	}

	bundle, err := s.pollAccountKeysBundle(kfk)
	if err != nil {
		s.emit(Signal{Kind: SignalSignInError, Err: err, Message: err.Error()})
		return err
	}

	_, kB, err := xcrypto.DeriveMasterKeys(bundle, kfk.RespHMAC, kfk.RespXOR, unwrapKB)
	if err != nil {
		s.emit(Signal{Kind: SignalSignInError, Err: err, Message: err.Error()})
		return err
	}

	s.mu.Lock()
	s.accountEmail = email
	s.uid = uid
	s.sessionToken = sessionToken
	s.masterKey = kB
	s.mu.Unlock()

	secrets := &secretvault.Secrets{
		UID:          uid,
		SessionToken: xcrypto.EncodeHex(sessionToken),
		MasterKey:    xcrypto.EncodeHex(kB),
	}
	storeErr := s.vault.Store(email, secrets)
	s.emit(Signal{Kind: SignalSecretsStoreFinished, Err: storeErr})
	if storeErr != nil {
		return storeErr
	}

	s.ensureClientID()
	if err := s.uploadClientRecord(); err != nil {
		s.log.WithError(err).Warn("syncservice: failed to upload client record at sign-in")
	}

	return nil
}

// RestoreSession re-establishes in-memory session state from
// previously stored secrets, without re-running the onepw ladder.
// Used to resume a signed-in account across process restarts.
func (s *Service) RestoreSession(email string) error {
	secrets, err := s.vault.Load(email)
	if err != nil {
		return errors.Wrap(err, "syncservice: load secrets")
	}
	sessionToken, err := xcrypto.DecodeHex(secrets.SessionToken)
	if err != nil {
		return errors.Wrap(err, "syncservice: stored session token is not valid hex")
	}
	masterKey, err := xcrypto.DecodeHex(secrets.MasterKey)
	if err != nil {
		return errors.Wrap(err, "syncservice: stored master key is not valid hex")
	}

	var def *xcrypto.KeyBundle
	var collections map[string]*xcrypto.KeyBundle
	var cryptoKeysCleartext []byte
	if secrets.CryptoKeys != "" {
		cryptoKeysCleartext, err = xcrypto.DecodeHex(secrets.CryptoKeys)
		if err != nil {
			return errors.Wrap(err, "syncservice: stored crypto keys are not valid hex")
		}
		def, collections, err = parseCryptoKeys(cryptoKeysCleartext)
		if err != nil {
			return errors.Wrap(err, "syncservice: stored crypto keys are not valid json")
		}
	}

	s.mu.Lock()
	s.accountEmail = email
	s.uid = secrets.UID
	s.sessionToken = sessionToken
	s.masterKey = masterKey
	s.defaultKeys = def
	s.collectionKeys = collections
	s.lastPersistedCryptoKeys = cryptoKeysCleartext
	s.mu.Unlock()

	s.ensureClientID()
	return nil
}

// pollAccountKeysBundle GETs /account/keys, re-polling while FxA
// reports the account as not-yet-verified (errno 104).
func (s *Service) pollAccountKeysBundle(kfk *xcrypto.KeyFetchTokenKeys) ([]byte, error) {
	id := xcrypto.EncodeHex(kfk.TokenID)
	rawURL := s.fxaURL("account/keys")

	for attempt := 1; attempt <= accountKeysPollAttempts; attempt++ {
		resp, body, err := s.doHawkRequest(http.MethodGet, rawURL, id, kfk.ReqHMACKey, nil, nil)
		if err != nil {
			return nil, errors.Wrap(err, "syncservice: account/keys request")
		}

		if resp.StatusCode == http.StatusOK {
			var out struct {
				Bundle string `json:"bundle"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return nil, errors.Wrap(err, "syncservice: account/keys response is not valid json")
			}
			return xcrypto.DecodeHex(out.Bundle)
		}

		var fe fxaError
		_ = json.Unmarshal(body, &fe)
		switch classifyFxAErrno(fe.Errno) {
		case ErrNotVerified:
			s.log.WithField("attempt", attempt).Info("syncservice: account not yet verified, retrying account/keys")
			time.Sleep(accountKeysPollBackoff)
			continue
		case ErrAuthExpired:
			return nil, ErrAuthExpired
		}
		return nil, errors.Errorf("syncservice: account/keys returned %d: %s", resp.StatusCode, fe.Message)
	}

	return nil, ErrNotVerified
}

// refreshCredentials runs the full credential pipeline (cert sign +
// BrowserID assertion + Token Server exchange), gated by the locked
// flag so at most one refresh runs at a time; every storage request
// that arrived while locked is drained in FIFO order once it finishes.
func (s *Service) refreshCredentials() {
	s.mu.Lock()
	if s.locked {
		s.mu.Unlock()
		return
	}
	s.locked = true
	sessionToken := append([]byte(nil), s.sessionToken...)
	uid := s.uid
	masterKey := append([]byte(nil), s.masterKey...)
	s.mu.Unlock()

	creds, err := s.fetchStorageCredentials(sessionToken, uid, masterKey)

	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	s.locked = false

	if err != nil {
		s.mu.Unlock()

		switch {
		case errors.Is(err, ErrAuthExpired), errors.Is(err, ErrCertInvalid), errors.Is(err, ErrStorageVersion):
			s.signOutLocally()
			s.emit(Signal{Kind: SignalSignInError, Err: err, Message: err.Error()})
		default:
			s.log.WithError(err).Warn("syncservice: credential refresh failed")
		}
		for _, req := range queued {
			req.callback(nil, nil, err)
		}
		return
	}

	s.creds = creds
	s.mu.Unlock()

	for _, req := range queued {
		s.sendStorageRequest(req)
	}
}

func (s *Service) fetchStorageCredentials(sessionToken, uid, masterKey []byte) (*storageCredentials, error) {
	sessionKeys, err := xcrypto.DeriveSessionToken(sessionToken)
	if err != nil {
		return nil, err
	}

	rsaKey, err := xcrypto.GenerateRSAKeyPair()
	if err != nil {
		return nil, err
	}

	cert, err := s.certificateSign(sessionKeys, uid, rsaKey)
	if err != nil {
		return nil, err
	}

	assertion, err := s.buildAssertion(cert, rsaKey)
	if err != nil {
		return nil, err
	}

	creds, err := s.tokenServerExchange(assertion, clientStateHeader(masterKey))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.rsaKey = rsaKey
	s.certificate = cert
	s.mu.Unlock()

	return creds, nil
}

// publicKeyJWK is the certificate/sign request's public-key shape.
type publicKeyJWK struct {
	Algorithm string `json:"algorithm"`
	N         string `json:"n"`
	E         string `json:"e"`
}

type certSignRequest struct {
	PublicKey publicKeyJWK `json:"publicKey"`
	Duration  int64        `json:"duration"`
}

type certSignResponse struct {
	Cert string `json:"cert"`
}

func (s *Service) certificateSign(sessionKeys *xcrypto.SessionTokenKeys, uid string, rsaKey *xcrypto.RSAKeyPair) (string, error) {
	n, e := rsaKey.PublicKeyJWK()
	body, err := json.Marshal(certSignRequest{
		PublicKey: publicKeyJWK{Algorithm: "RS", N: n, E: e},
		Duration:  certificateDuration.Milliseconds(),
	})
	if err != nil {
		return "", errors.Wrap(err, "syncservice: marshal certificate/sign request")
	}

	rawURL := s.fxaURL("certificate/sign")
	id := xcrypto.EncodeHex(sessionKeys.TokenID)
	resp, data, err := s.doHawkRequest(http.MethodPost, rawURL, id, sessionKeys.ReqHMACKey, body, nil)
	if err != nil {
		return "", errors.Wrap(err, "syncservice: certificate/sign request")
	}

	if resp.StatusCode != http.StatusOK {
		var fe fxaError
		_ = json.Unmarshal(data, &fe)
		if classified := classifyFxAErrno(fe.Errno); classified != nil {
			return "", classified
		}
		return "", errors.Errorf("syncservice: certificate/sign returned %d: %s", resp.StatusCode, fe.Message)
	}

	var out certSignResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", errors.Wrap(err, "syncservice: certificate/sign response is not valid json")
	}

	if err := verifyCertPrincipal(out.Cert, uid, s.fxaHost); err != nil {
		return "", err
	}
	return out.Cert, nil
}

// certPayload is the subset of a BrowserID certificate's JSON body
// this core needs: the identity it vouches for.
type certPayload struct {
	Principal struct {
		Email string `json:"email"`
	} `json:"principal"`
}

// verifyCertPrincipal checks that cert (a "header.payload.sig" triple)
// vouches for uid@fxaHost.
func verifyCertPrincipal(cert, uid, fxaHost string) error {
	parts := strings.Split(cert, ".")
	if len(parts) != 3 {
		return errors.Wrap(ErrCertInvalid, "syncservice: malformed certificate")
	}
	payloadJSON, err := xcrypto.DecodeBase64URL(parts[1])
	if err != nil {
		return errors.Wrap(ErrCertInvalid, "syncservice: certificate payload is not base64url")
	}
	var p certPayload
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return errors.Wrap(ErrCertInvalid, "syncservice: certificate payload is not valid json")
	}

	host := fxaHost
	if u, err := url.Parse(fxaHost); err == nil && u.Host != "" {
		host = u.Host
	}
	if p.Principal.Email != fmt.Sprintf("%s@%s", uid, host) {
		return ErrCertInvalid
	}
	return nil
}

// assertionHeader / assertionBody are the two JSON objects a
// BrowserID assertion's own header.body.sig triple carries.
type assertionHeader struct {
	Alg string `json:"alg"`
}

type assertionBody struct {
	Exp int64  `json:"exp"`
	Aud string `json:"aud"`
}

// buildAssertion signs {exp, aud} with rsaKey (the key certified by
// cert) and returns the full assertion string the Token Server wants
// in its Authorization header.
func (s *Service) buildAssertion(cert string, rsaKey *xcrypto.RSAKeyPair) (string, error) {
	aud, err := s.tokenServerAudience()
	if err != nil {
		return "", err
	}

	header, err := json.Marshal(assertionHeader{Alg: "RS256"})
	if err != nil {
		return "", errors.Wrap(err, "syncservice: marshal assertion header")
	}
	body, err := json.Marshal(assertionBody{
		Exp: time.Now().Add(2 * time.Minute).UnixMilli(),
		Aud: aud,
	})
	if err != nil {
		return "", errors.Wrap(err, "syncservice: marshal assertion body")
	}

	message := xcrypto.EncodeBase64URL(header) + "." + xcrypto.EncodeBase64URL(body)
	sig, err := rsaKey.SignSHA256([]byte(message))
	if err != nil {
		return "", err
	}

	return cert + "~" + message + "." + xcrypto.EncodeBase64URL(sig), nil
}

// clientStateHeader is the X-Client-State header value: the first 16
// bytes of SHA-256(kB), hex-encoded (32 hex characters).
func clientStateHeader(kB []byte) string {
	sum := sha256.Sum256(kB)
	return xcrypto.EncodeHex(sum[:])[:32]
}

type tokenServerResponse struct {
	APIEndpoint string `json:"api_endpoint"`
	ID          string `json:"id"`
	Key         string `json:"key"`
	Duration    int64  `json:"duration"`
}

// tokenServerExchange trades a BrowserID assertion for scoped storage
// credentials. duration is treated as seconds, not milliseconds, per
// the Token Server's published API: expiry = now + duration.
func (s *Service) tokenServerExchange(assertion, clientState string) (*storageCredentials, error) {
	req, err := http.NewRequest(http.MethodGet, s.tokenServer, nil)
	if err != nil {
		return nil, errors.Wrap(err, "syncservice: build token server request")
	}
	req.Header.Set("Authorization", "BrowserID "+assertion)
	req.Header.Set("X-Client-State", clientState)
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "syncservice: token server request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "syncservice: read token server response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrCredentialsExpired, "token server returned %d", resp.StatusCode)
	}

	var out tokenServerResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "syncservice: token server response is not valid json")
	}

	key, err := xcrypto.DecodeBase64URL(out.Key)
	if err != nil {
		key, err = xcrypto.DecodeBase64(out.Key)
		if err != nil {
			return nil, errors.Wrap(err, "syncservice: token server key is not valid base64")
		}
	}

	return &storageCredentials{
		Endpoint: out.APIEndpoint,
		ID:       out.ID,
		Key:      key,
		Expiry:   time.Now().Unix() + out.Duration,
	}, nil
}
