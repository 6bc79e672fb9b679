package managers

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/GNOME/epiphany-sub000/bso"
)

// BookmarksManager is the reference implementation of
// SynchronizableManager for the "bookmarks" collection. Beyond the
// base history-style id/url merge, it applies Firefox-specific
// filtering: non-"bookmark" types and the "unfiled" parent are
// dropped, "mobile" gets tagged, and colliding ids with different
// URLs are split rather than merged.
type BookmarksManager struct {
	eventBus
	syncState

	mu    sync.Mutex
	byID  map[string]*bso.BookmarkRecord
	byURL map[string]string
}

// NewBookmarksManager returns an empty bookmarks manager.
func NewBookmarksManager() *BookmarksManager {
	return &BookmarksManager{
		byID:  make(map[string]*bso.BookmarkRecord),
		byURL: make(map[string]string),
	}
}

func (m *BookmarksManager) CollectionName() string { return "bookmarks" }

// Add inserts rec into the local store directly (not via sync) and
// emits synchronizable-modified.
func (m *BookmarksManager) Add(rec *bso.BookmarkRecord) {
	normalizeTags(rec)
	m.mu.Lock()
	m.byID[rec.ID] = rec
	m.byURL[rec.BmkURI] = rec.ID
	m.mu.Unlock()
	data, _ := json.Marshal(rec)
	m.emit(Event{Kind: EventModified, Collection: m.CollectionName(), RecordID: rec.ID, Cleartext: data})
}

// Remove deletes the record with id and emits synchronizable-deleted.
func (m *BookmarksManager) Remove(id string) {
	m.mu.Lock()
	rec, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		delete(m.byURL, rec.BmkURI)
	}
	m.mu.Unlock()
	if ok {
		m.emit(Event{Kind: EventDeleted, Collection: m.CollectionName(), RecordID: id})
	}
}

// Save persists rec as the authoritative local copy.
func (m *BookmarksManager) Save(rec *bso.BookmarkRecord) {
	normalizeTags(rec)
	m.mu.Lock()
	m.byID[rec.ID] = rec
	m.byURL[rec.BmkURI] = rec.ID
	m.mu.Unlock()
}

// Get returns the local record with id, if any.
func (m *BookmarksManager) Get(id string) (*bso.BookmarkRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	return rec, ok
}

// normalizeTags trims blank entries and drops duplicates, and adds
// the "mobile" tag for bookmarks filed under the mobile folder.
func normalizeTags(rec *bso.BookmarkRecord) {
	if rec.ParentID == "mobile" {
		rec.Tags = appendUniqueTag(rec.Tags, "mobile")
	}
	seen := make(map[string]bool, len(rec.Tags))
	out := make([]string, 0, len(rec.Tags))
	for _, t := range rec.Tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	rec.Tags = out
}

func appendUniqueTag(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

// Merge implements the bookmark merge algorithm: the history-style
// id/url three-way merge, plus bookmark-only filtering and the
// same-id/different-url split.
func (m *BookmarksManager) Merge(isInitial bool, deletedIDs []string, updated []RemoteRecord) ([]UploadItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !isInitial {
		for _, id := range deletedIDs {
			if rec, ok := m.byID[id]; ok {
				delete(m.byID, id)
				delete(m.byURL, rec.BmkURI)
			}
		}
	}

	matched := make(map[string]bool, len(m.byID))
	var toUpload []UploadItem

	for _, u := range updated {
		var r bso.BookmarkRecord
		if err := json.Unmarshal(u.Cleartext, &r); err != nil {
			return nil, errors.Wrap(err, "managers: bookmark record is malformed json")
		}

		if r.Type != "" && r.Type != "bookmark" {
			continue
		}
		if r.ParentID == "unfiled" {
			continue
		}
		normalizeTags(&r)

		if local, ok := m.byID[r.ID]; ok {
			if local.BmkURI != r.BmkURI {
				// Same id, different URL: split. Keep both records — the
				// local one gets a new random id so the remote one can be
				// added verbatim under its original id.
				newLocalID := uuid.NewString()
				delete(m.byID, local.ID)
				delete(m.byURL, local.BmkURI)
				local.ID = newLocalID
				m.byID[local.ID] = local
				m.byURL[local.BmkURI] = local.ID
				toUpload = append(toUpload, UploadItem{ID: local.ID, Cleartext: mustMarshal(*local)})
				matched[local.ID] = true

				rec := r
				m.byID[rec.ID] = &rec
				m.byURL[rec.BmkURI] = rec.ID
				matched[rec.ID] = true
				continue
			}

			*local = r
			m.byID[r.ID] = local
			m.byURL[local.BmkURI] = r.ID
			matched[r.ID] = true
			continue
		}

		if localID, ok := m.byURL[r.BmkURI]; ok {
			local := m.byID[localID]
			staleRemoteID := r.ID

			r.ID = local.ID
			delete(m.byID, localID)
			m.byID[r.ID] = &r
			m.byURL[r.BmkURI] = r.ID
			matched[r.ID] = true

			m.emit(Event{Kind: EventDeleted, Collection: m.CollectionName(), RecordID: staleRemoteID})
			toUpload = append(toUpload, UploadItem{ID: r.ID, Cleartext: mustMarshal(r)})
			continue
		}

		rec := r
		m.byID[rec.ID] = &rec
		m.byURL[rec.BmkURI] = rec.ID
		matched[rec.ID] = true
	}

	for id, rec := range m.byID {
		if matched[id] {
			continue
		}
		toUpload = append(toUpload, UploadItem{ID: id, Cleartext: mustMarshal(*rec)})
	}

	return toUpload, nil
}
