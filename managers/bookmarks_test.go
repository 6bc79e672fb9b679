package managers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GNOME/epiphany-sub000/bso"
)

func bookmarkRemote(t *testing.T, rec bso.BookmarkRecord) RemoteRecord {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return RemoteRecord{ID: rec.ID, Cleartext: data}
}

func TestBookmarksIgnoresNonBookmarkType(t *testing.T) {
	m := NewBookmarksManager()
	remote := bookmarkRemote(t, bso.BookmarkRecord{ID: "x", Type: "folder", BmkURI: "https://x/"})
	upload, err := m.Merge(true, nil, []RemoteRecord{remote})
	require.NoError(t, err)
	assert.Empty(t, upload)
	_, ok := m.Get("x")
	assert.False(t, ok)
}

func TestBookmarksIgnoresUnfiledParent(t *testing.T) {
	m := NewBookmarksManager()
	remote := bookmarkRemote(t, bso.BookmarkRecord{ID: "x", Type: "bookmark", ParentID: "unfiled", BmkURI: "https://x/"})
	_, err := m.Merge(true, nil, []RemoteRecord{remote})
	require.NoError(t, err)
	_, ok := m.Get("x")
	assert.False(t, ok)
}

func TestBookmarksMobileParentAddsTag(t *testing.T) {
	m := NewBookmarksManager()
	remote := bookmarkRemote(t, bso.BookmarkRecord{ID: "x", Type: "bookmark", ParentID: "mobile", BmkURI: "https://x/"})
	_, err := m.Merge(true, nil, []RemoteRecord{remote})
	require.NoError(t, err)
	rec, ok := m.Get("x")
	require.True(t, ok)
	assert.Contains(t, rec.Tags, "mobile")
}

func TestBookmarksSameIDDifferentURLSplits(t *testing.T) {
	m := NewBookmarksManager()
	m.Add(&bso.BookmarkRecord{ID: "shared-id", Type: "bookmark", BmkURI: "https://local/"})

	remote := bookmarkRemote(t, bso.BookmarkRecord{ID: "shared-id", Type: "bookmark", BmkURI: "https://remote/"})
	upload, err := m.Merge(true, nil, []RemoteRecord{remote})
	require.NoError(t, err)

	// the remote record is kept verbatim under its id...
	rec, ok := m.Get("shared-id")
	require.True(t, ok)
	assert.Equal(t, "https://remote/", rec.BmkURI)

	// ...and the local one survives under a freshly minted id, queued
	// for upload.
	require.Len(t, upload, 1)
	assert.NotEqual(t, "shared-id", upload[0].ID)
}

func TestBookmarksSameURLDifferentIDKeepsLocalID(t *testing.T) {
	m := NewBookmarksManager()
	m.Add(&bso.BookmarkRecord{ID: "local-id", Type: "bookmark", BmkURI: "https://u/"})

	remote := bookmarkRemote(t, bso.BookmarkRecord{ID: "remote-id", Type: "bookmark", BmkURI: "https://u/"})
	_, err := m.Merge(true, nil, []RemoteRecord{remote})
	require.NoError(t, err)

	_, hasLocal := m.Get("local-id")
	assert.True(t, hasLocal)
	_, hasRemote := m.Get("remote-id")
	assert.False(t, hasRemote)
}
