package managers

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/GNOME/epiphany-sub000/bso"
)

// OpenTabsManager is the reference implementation of
// SynchronizableManager for the "clients"-adjacent "tabs" collection.
// Every sync is "initial": there is no local merge, only an always-
// fresh upload of this device's own tabs and an in-memory cache of
// every other device's record for display.
type OpenTabsManager struct {
	eventBus
	syncState

	mu         sync.Mutex
	localID    string
	local      bso.OpenTabsRecord
	remoteByID map[string]bso.OpenTabsRecord
}

// NewOpenTabsManager returns a manager for the local device localID.
func NewOpenTabsManager(localID, clientName string) *OpenTabsManager {
	return &OpenTabsManager{
		localID:    localID,
		local:      bso.OpenTabsRecord{ID: localID, ClientName: clientName},
		remoteByID: make(map[string]bso.OpenTabsRecord),
	}
}

func (m *OpenTabsManager) CollectionName() string { return "tabs" }

// IsInitialSync always reports true: every open-tabs sync fetches the
// full collection.
func (m *OpenTabsManager) IsInitialSync() bool { return true }

// SetLocalTabs replaces the set of open tabs reported for this
// device and emits synchronizable-modified so the engine uploads it
// promptly rather than waiting for the next periodic sync.
func (m *OpenTabsManager) SetLocalTabs(tabs []bso.OpenTab) {
	m.mu.Lock()
	m.local.Tabs = tabs
	rec := m.local
	m.mu.Unlock()

	data, _ := json.Marshal(rec)
	m.emit(Event{Kind: EventModified, Collection: m.CollectionName(), RecordID: m.localID, Cleartext: data})
}

// RemoteRecords returns every other device's cached open-tabs record,
// excluding the local device's own id, for UI display.
func (m *OpenTabsManager) RemoteRecords() []bso.OpenTabsRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bso.OpenTabsRecord, 0, len(m.remoteByID))
	for id, rec := range m.remoteByID {
		if id == m.localID {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Merge caches every remote record except the local device's own
// (which is a stale echo of a previous upload) and uploads exactly the
// local device's current record, or nothing when it has no tabs.
func (m *OpenTabsManager) Merge(isInitial bool, deletedIDs []string, updated []RemoteRecord) ([]UploadItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range deletedIDs {
		delete(m.remoteByID, id)
	}

	for _, u := range updated {
		var r bso.OpenTabsRecord
		if err := json.Unmarshal(u.Cleartext, &r); err != nil {
			return nil, errors.Wrap(err, "managers: open-tabs record is malformed json")
		}
		if r.ID == m.localID {
			continue
		}
		m.remoteByID[r.ID] = r
	}

	// A record with zero tabs still serializes fine, but there is
	// nothing worth announcing to other devices yet (e.g. tabs haven't
	// loaded locally at process start) — suppress the upload.
	if len(m.local.Tabs) == 0 {
		return nil, nil
	}

	return []UploadItem{{ID: m.local.ID, Cleartext: mustMarshal(m.local)}}, nil
}
