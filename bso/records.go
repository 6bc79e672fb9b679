package bso

import (
	"encoding/json"
	"sort"
)

// HistoryVisit is one visit to a page, µs since epoch and a Firefox
// transition-type code.
type HistoryVisit struct {
	Date int64 `json:"date"`
	Type int   `json:"type"`
}

// HistoryRecord is the cleartext form of a history collection record.
// Visits are kept sorted descending by Date; LastVisitTime reports the
// head timestamp, or -1 when there are no visits.
type HistoryRecord struct {
	ID      string         `json:"id"`
	Title   string         `json:"title"`
	HistURI string         `json:"histUri"`
	Visits  []HistoryVisit `json:"visits"`
}

// SortVisits orders Visits descending by Date, the invariant the
// wire format and merge algorithm both depend on.
func (r *HistoryRecord) SortVisits() {
	sort.Slice(r.Visits, func(i, j int) bool { return r.Visits[i].Date > r.Visits[j].Date })
}

// LastVisitTime returns the most recent visit's Date, or -1 if Visits
// is empty.
func (r *HistoryRecord) LastVisitTime() int64 {
	if len(r.Visits) == 0 {
		return -1
	}
	return r.Visits[0].Date
}

// MarshalJSON encodes a nil Visits slice as [] rather than null
// before delegating to the default encoding.
func (r HistoryRecord) MarshalJSON() ([]byte, error) {
	type alias HistoryRecord
	visits := r.Visits
	if visits == nil {
		visits = []HistoryVisit{}
	}
	a := alias(r)
	a.Visits = visits
	return json.Marshal(a)
}

// OpenTab is one browser tab within a device's open-tabs record.
type OpenTab struct {
	Title      string   `json:"title"`
	URLHistory []string `json:"urlHistory"`
	Icon       string   `json:"icon"`
	LastUsed   int64    `json:"lastUsed"`
}

// OpenTabsRecord is one device's open-tabs record; ID is the device
// id, not a BSO-local identifier.
type OpenTabsRecord struct {
	ID         string    `json:"id"`
	ClientName string    `json:"clientName"`
	Tabs       []OpenTab `json:"tabs"`
}

func (r OpenTabsRecord) MarshalJSON() ([]byte, error) {
	type alias OpenTabsRecord
	tabs := r.Tabs
	if tabs == nil {
		tabs = []OpenTab{}
	}
	a := alias(r)
	a.Tabs = tabs
	return json.Marshal(a)
}

// BookmarkRecord is the cleartext form of a bookmark collection
// record. TimeAdded is local-only bookkeeping and is never serialized.
type BookmarkRecord struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	BmkURI        string   `json:"bmkUri"`
	Tags          []string `json:"tags"`
	Type          string   `json:"type"`
	ParentID      string   `json:"parentid"`
	ParentName    string   `json:"parentName"`
	LoadInSidebar bool     `json:"loadInSidebar"`
	TimeAdded     int64    `json:"-"`
}

func (r BookmarkRecord) MarshalJSON() ([]byte, error) {
	type alias BookmarkRecord
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	typ := r.Type
	if typ == "" {
		typ = "bookmark"
	}
	a := alias(r)
	a.Tags = tags
	a.Type = typ
	return json.Marshal(a)
}
