package syncservice

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/GNOME/epiphany-sub000/bso"
	xcrypto "github.com/GNOME/epiphany-sub000/crypto"
	"github.com/GNOME/epiphany-sub000/managers"
	"github.com/GNOME/epiphany-sub000/settings"
)

// storageVersion is the meta/global.storageVersion this core speaks.
// A mismatch means the account was touched by a Sync client this core
// cannot interoperate with.
const storageVersion = 5

// SyncAll runs one full sync pass: bootstrap meta/global and
// crypto/keys if needed, then sync every registered manager in
// registration order, emitting SignalSyncFinished once the last one
// completes.
func (s *Service) SyncAll() {
	if !s.IsSignedIn() {
		return
	}

	if err := s.ensureCryptoKeys(); err != nil {
		s.log.WithError(err).Warn("syncservice: crypto/keys bootstrap failed")
		return
	}

	s.mu.Lock()
	mgrs := append([]managers.SynchronizableManager(nil), s.managers...)
	s.mu.Unlock()

	for _, m := range mgrs {
		if err := s.syncCollection(m); err != nil {
			s.log.WithError(err).WithField("collection", m.CollectionName()).Warn("syncservice: collection sync failed")
		}
	}

	s.emit(Signal{Kind: SignalSyncFinished})
}

// ensureMetaGlobal GETs meta/global, bootstrapping a fresh
// storageVersion=5 record on 404 (first-time account setup).
func (s *Service) ensureMetaGlobal() error {
	resp, data, err := s.storageRequestSync(http.MethodGet, "storage/meta/global", nil, "", "")
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		payload, err := json.Marshal(struct {
			StorageVersion int `json:"storageVersion"`
		}{StorageVersion: storageVersion})
		if err != nil {
			return errors.Wrap(err, "syncservice: marshal meta/global")
		}
		body, err := json.Marshal(bso.BSO{ID: "global", Payload: string(payload)})
		if err != nil {
			return errors.Wrap(err, "syncservice: marshal meta/global envelope")
		}
		_, _, err = s.storageRequestSync(http.MethodPut, "storage/meta/global", body, "", "")
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("syncservice: GET meta/global returned %d", resp.StatusCode)
	}

	var envelope bso.BSO
	if err := json.Unmarshal(data, &envelope); err != nil {
		return errors.Wrap(err, "syncservice: meta/global response is not valid json")
	}
	var meta struct {
		StorageVersion int `json:"storageVersion"`
	}
	if err := json.Unmarshal([]byte(envelope.Payload), &meta); err != nil {
		return errors.Wrap(err, "syncservice: meta/global payload is not valid json")
	}
	if meta.StorageVersion != storageVersion {
		return ErrStorageVersion
	}
	return nil
}

// ensureCryptoKeys GETs crypto/keys, decrypting it with the master
// bundle derived from kB, or bootstrapping a fresh default key bundle
// on 404 (first sync on a brand new account).
func (s *Service) ensureCryptoKeys() error {
	if err := s.ensureMetaGlobal(); err != nil {
		return err
	}

	s.mu.Lock()
	masterKey := append([]byte(nil), s.masterKey...)
	s.mu.Unlock()

	masterBundle, err := xcrypto.DeriveMasterBundle(masterKey)
	if err != nil {
		return err
	}

	resp, data, err := s.storageRequestSync(http.MethodGet, "storage/crypto/keys", nil, "", "")
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		def, err := xcrypto.GenerateKeyBundle()
		if err != nil {
			return err
		}
		cleartext, err := marshalCryptoKeys(def, nil)
		if err != nil {
			return err
		}
		envelope, err := bso.ToBSO("keys", cleartext, masterBundle)
		if err != nil {
			return err
		}
		body, err := json.Marshal(envelope)
		if err != nil {
			return errors.Wrap(err, "syncservice: marshal crypto/keys envelope")
		}
		if _, _, err := s.storageRequestSync(http.MethodPut, "storage/crypto/keys", body, "", ""); err != nil {
			return err
		}

		return s.setCryptoKeys(def, make(map[string]*xcrypto.KeyBundle))
	}

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("syncservice: GET crypto/keys returned %d", resp.StatusCode)
	}

	var envelope bso.BSO
	if err := json.Unmarshal(data, &envelope); err != nil {
		return errors.Wrap(err, "syncservice: crypto/keys response is not valid json")
	}
	cleartext, tomb, _, err := bso.FromBSO(&envelope, masterBundle)
	if err != nil {
		return err
	}
	if tomb != nil {
		return errors.New("syncservice: crypto/keys is unexpectedly a tombstone")
	}

	def, collections, err := parseCryptoKeys(cleartext)
	if err != nil {
		return err
	}

	return s.setCryptoKeys(def, collections)
}

// syncCollection runs one manager's sync pass: fetch remote changes,
// fold them in, and upload whatever Merge wants PUT back.
func (s *Service) syncCollection(m managers.SynchronizableManager) error {
	name := m.CollectionName()
	isInitial := m.IsInitialSync()

	path := fmt.Sprintf("storage/%s?full=true", name)
	if !isInitial {
		path = fmt.Sprintf("storage/%s?full=true&newer=%d", name, m.LastSyncTime())
	}

	resp, data, err := s.storageRequestSync(http.MethodGet, path, nil, "", "")
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("syncservice: GET %s returned %d", path, resp.StatusCode)
	}

	var envelopes []bso.BSO
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return errors.Wrap(err, "syncservice: collection response is not valid json")
	}

	bundle := s.bundleFor(name)

	var deletedIDs []string
	var updated []managers.RemoteRecord
	for _, envelope := range envelopes {
		cleartext, tomb, serverModified, err := bso.FromBSO(&envelope, bundle)
		if err != nil {
			s.log.WithError(err).WithField("id", envelope.ID).Warn("syncservice: skipping unreadable record")
			continue
		}
		if tomb != nil {
			deletedIDs = append(deletedIDs, tomb.ID)
			continue
		}
		updated = append(updated, managers.RemoteRecord{ID: envelope.ID, Cleartext: cleartext, ServerModified: serverModified})
	}

	if ts, err := strconv.ParseFloat(resp.Header.Get("X-Last-Modified"), 64); err == nil {
		m.SetLastSyncTime(int64(ts))
		s.settings.SetInt64(settings.CollectionLastSyncTimeKey(name), int64(ts))
	}
	m.SetIsInitialSync(false)
	s.settings.SetBool(settings.CollectionIsInitialKey(name), false)

	toUpload, err := m.Merge(isInitial, deletedIDs, updated)
	if err != nil {
		return err
	}

	for _, item := range toUpload {
		if err := s.putRecord(name, bundle, item.ID, item.Cleartext, "", ""); err != nil {
			s.log.WithError(err).WithField("id", item.ID).Warn("syncservice: upload failed")
		}
	}
	return nil
}

// putRecord encrypts cleartext under bundle and PUTs it to
// storage/<collection>/<id>, handling the 412 "server has newer"
// recovery path by downloading and folding the newer copy in.
func (s *Service) putRecord(collection string, bundle *xcrypto.KeyBundle, id string, cleartext []byte, ifModifiedSince, ifUnmodifiedSince string) error {
	if bundle == nil {
		return errors.Errorf("syncservice: no key bundle for %s yet", collection)
	}
	envelope, err := bso.ToBSO(id, cleartext, bundle)
	if err != nil {
		return err
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "syncservice: marshal bso envelope")
	}

	path := fmt.Sprintf("storage/%s/%s", collection, url.QueryEscape(id))
	resp, _, err := s.storageRequestSync(http.MethodPut, path, body, ifModifiedSince, ifUnmodifiedSince)
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusPreconditionFailed:
		return s.downloadAndReplace(collection, bundle, id)
	default:
		return errors.Errorf("syncservice: PUT %s returned %d", path, resp.StatusCode)
	}
}

// downloadAndReplace fetches the current server copy of id and folds
// it into the owning manager's local store via Merge: the generic
// download-and-replace recovery path for a 412 precondition failure.
func (s *Service) downloadAndReplace(collection string, bundle *xcrypto.KeyBundle, id string) error {
	path := fmt.Sprintf("storage/%s/%s", collection, url.QueryEscape(id))
	resp, data, err := s.storageRequestSync(http.MethodGet, path, nil, "", "")
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("syncservice: GET %s returned %d", path, resp.StatusCode)
	}

	var envelope bso.BSO
	if err := json.Unmarshal(data, &envelope); err != nil {
		return errors.Wrap(err, "syncservice: record response is not valid json")
	}
	cleartext, tomb, _, err := bso.FromBSO(&envelope, bundle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	m, ok := s.managerByName[collection]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if tomb != nil {
		_, err := m.Merge(false, []string{tomb.ID}, nil)
		return err
	}
	_, err = m.Merge(false, nil, []managers.RemoteRecord{{ID: envelope.ID, Cleartext: cleartext}})
	return err
}

// handleManagerEvent reacts to a manager's own
// synchronizable-modified/synchronizable-deleted signal, uploading
// immediately rather than waiting for the next periodic sync.
func (s *Service) handleManagerEvent(collection string, ev managers.Event) {
	switch ev.Kind {
	case managers.EventModified:
		bundle := s.bundleFor(collection)
		err := s.putRecord(collection, bundle, ev.RecordID, ev.Cleartext, "", "")
		s.emit(Signal{Kind: SignalManagerModified, Collection: collection, RecordID: ev.RecordID, Uploaded: err == nil, Err: err})
	case managers.EventDeleted:
		err := s.putTombstone(collection, ev.RecordID)
		s.emit(Signal{Kind: SignalManagerDeleted, Collection: collection, RecordID: ev.RecordID, Err: err})
	}
}

func (s *Service) putTombstone(collection, id string) error {
	payload, err := json.Marshal(struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}{ID: id, Deleted: true})
	if err != nil {
		return errors.Wrap(err, "syncservice: marshal tombstone")
	}
	return s.putRecord(collection, s.bundleFor(collection), id, payload, "", "")
}

// ensureClientID returns this install's stable client id, generating
// and persisting one on first use.
func (s *Service) ensureClientID() string {
	if v, ok := s.settings.GetString(settings.KeyClientID); ok && v != "" {
		s.mu.Lock()
		s.clientID = v
		s.mu.Unlock()
		return v
	}
	id := uuid.NewString()
	s.settings.SetString(settings.KeyClientID, id)
	s.mu.Lock()
	s.clientID = id
	s.mu.Unlock()
	return id
}

func (s *Service) uploadClientRecord() error {
	rec := s.clientRecord()
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "syncservice: marshal client record")
	}
	return s.putRecord("clients", s.bundleFor("clients"), rec.ID, payload, "", "")
}

// deleteClientRecordBestEffort DELETEs this device's clients record
// with the cached storage credentials, sent directly rather than
// through Request (which SignOut's cancel flag makes refuse new work).
// It is skipped when no valid credentials are cached.
func (s *Service) deleteClientRecordBestEffort() {
	s.mu.Lock()
	id := s.clientID
	creds := s.creds
	s.mu.Unlock()
	if id == "" || !creds.valid(time.Now()) {
		return
	}
	rawURL := strings.TrimRight(creds.Endpoint, "/") + "/" + fmt.Sprintf("storage/clients/%s", url.QueryEscape(id))
	if _, _, err := s.doHawkRequest(http.MethodDelete, rawURL, creds.ID, creds.Key, nil, nil); err != nil {
		s.log.WithError(err).Warn("syncservice: failed to delete client record at sign-out")
	}
}

// StartPeriodicSync runs SyncAll every interval until StopPeriodicSync
// is called; it replaces any previously running timer.
func (s *Service) StartPeriodicSync(interval time.Duration) {
	s.StopPeriodicSync()

	stop := make(chan struct{})
	s.mu.Lock()
	s.periodicStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.SyncAll()
			}
		}
	}()
}

// StopPeriodicSync stops the periodic sync timer, if one is running.
func (s *Service) StopPeriodicSync() {
	s.mu.Lock()
	stop := s.periodicStop
	s.periodicStop = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
