package managers

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/GNOME/epiphany-sub000/bso"
)

// HistoryManager is the reference implementation of
// SynchronizableManager for the "history" collection. It keeps an
// in-memory store standing in for the browser's real history
// database, an external collaborator this core never owns directly.
type HistoryManager struct {
	eventBus
	syncState

	mu    sync.Mutex
	byID  map[string]*bso.HistoryRecord
	byURL map[string]string // histUri -> id
}

// NewHistoryManager returns an empty history manager.
func NewHistoryManager() *HistoryManager {
	return &HistoryManager{
		byID:  make(map[string]*bso.HistoryRecord),
		byURL: make(map[string]string),
	}
}

func (m *HistoryManager) CollectionName() string { return "history" }

// Add inserts rec into the local store directly (not via sync), and
// emits synchronizable-modified.
func (m *HistoryManager) Add(rec *bso.HistoryRecord) {
	m.mu.Lock()
	m.byID[rec.ID] = rec
	m.byURL[rec.HistURI] = rec.ID
	m.mu.Unlock()
	m.emitModified(rec)
}

// Remove deletes the record with id from the local store and emits
// synchronizable-deleted.
func (m *HistoryManager) Remove(id string) {
	m.mu.Lock()
	rec, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byURL, rec.HistURI)
	}
	m.mu.Unlock()
	if ok {
		m.emit(Event{Kind: EventDeleted, Collection: m.CollectionName(), RecordID: id})
	}
}

// Save persists rec as the authoritative local copy, e.g. after a
// successful upload sets its server-time-modified.
func (m *HistoryManager) Save(rec *bso.HistoryRecord) {
	m.mu.Lock()
	m.byID[rec.ID] = rec
	m.byURL[rec.HistURI] = rec.ID
	m.mu.Unlock()
}

// Get returns the stored local record with id, if any (not a copy).
func (m *HistoryManager) Get(id string) (*bso.HistoryRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	return rec, ok
}

func (m *HistoryManager) emitModified(rec *bso.HistoryRecord) {
	data, _ := json.Marshal(rec)
	m.emit(Event{Kind: EventModified, Collection: m.CollectionName(), RecordID: rec.ID, Cleartext: data})
}

// mergeVisits returns the union of local and remote, deduplicated by
// Date and sorted descending, and reports which side(s) gained visits
// they didn't already have — localHasExtra means the merged set has
// visits remote lacked (so remote needs a re-upload); remoteHasExtra
// means it has visits local lacked (so the local copy changed).
func mergeVisits(local, remote []bso.HistoryVisit) (merged []bso.HistoryVisit, localHasExtra, remoteHasExtra bool) {
	localDates := make(map[int64]bool, len(local))
	for _, v := range local {
		localDates[v.Date] = true
	}
	remoteDates := make(map[int64]bool, len(remote))
	for _, v := range remote {
		remoteDates[v.Date] = true
	}

	seen := make(map[int64]bool, len(local)+len(remote))
	out := make([]bso.HistoryVisit, 0, len(local)+len(remote))
	for _, v := range local {
		if !seen[v.Date] {
			seen[v.Date] = true
			out = append(out, v)
		}
		if !remoteDates[v.Date] {
			localHasExtra = true
		}
	}
	for _, v := range remote {
		if !seen[v.Date] {
			seen[v.Date] = true
			out = append(out, v)
		}
		if !localDates[v.Date] {
			remoteHasExtra = true
		}
	}

	rec := bso.HistoryRecord{Visits: out}
	rec.SortVisits()
	return rec.Visits, localHasExtra, remoteHasExtra
}

// Merge implements the history merge algorithm: initial sync folds
// every remote record in by id, then by url, then adds brand new
// records; regular sync additionally drops local records whose remote
// tombstone matches and removes locally when a "forget this site"
// (non-positive last-visit-time) update arrives.
func (m *HistoryManager) Merge(isInitial bool, deletedIDs []string, updated []RemoteRecord) ([]UploadItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !isInitial {
		for _, id := range deletedIDs {
			if rec, ok := m.byID[id]; ok {
				delete(m.byID, id)
				delete(m.byURL, rec.HistURI)
			}
		}
	}

	matched := make(map[string]bool, len(m.byID))
	var toUpload []UploadItem

	for _, u := range updated {
		var r bso.HistoryRecord
		if err := json.Unmarshal(u.Cleartext, &r); err != nil {
			return nil, errors.Wrap(err, "managers: history record is malformed json")
		}

		if local, ok := m.byID[r.ID]; ok {
			if !isInitial && r.LastVisitTime() <= 0 {
				delete(m.byID, r.ID)
				delete(m.byURL, local.HistURI)
				continue
			}

			merged, localHasExtra, _ := mergeVisits(local.Visits, r.Visits)

			local.Visits = merged
			local.Title = r.Title
			local.HistURI = r.HistURI
			m.byID[r.ID] = local
			m.byURL[local.HistURI] = r.ID
			matched[r.ID] = true

			// The merged record carries data the server doesn't have
			// (visits only the local copy knew about) — push it back up.
			if localHasExtra {
				r.Visits = merged
				toUpload = append(toUpload, UploadItem{ID: r.ID, Cleartext: mustMarshal(r)})
			}
			continue
		}

		if localID, ok := m.byURL[r.HistURI]; ok {
			local := m.byID[localID]
			staleRemoteID := r.ID

			merged, _, _ := mergeVisits(local.Visits, r.Visits)
			r.ID = local.ID
			r.Visits = merged

			delete(m.byID, localID)
			delete(m.byURL, local.HistURI)
			m.byID[r.ID] = &r
			m.byURL[r.HistURI] = r.ID
			matched[r.ID] = true

			m.emit(Event{Kind: EventDeleted, Collection: m.CollectionName(), RecordID: staleRemoteID})
			toUpload = append(toUpload, UploadItem{ID: r.ID, Cleartext: mustMarshal(r)})
			continue
		}

		if r.LastVisitTime() > 0 {
			rec := r
			m.byID[rec.ID] = &rec
			m.byURL[rec.HistURI] = rec.ID
			matched[rec.ID] = true
		}
	}

	for id, rec := range m.byID {
		if matched[id] {
			continue
		}
		toUpload = append(toUpload, UploadItem{ID: id, Cleartext: mustMarshal(*rec)})
	}

	return toUpload, nil
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
