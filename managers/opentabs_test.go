package managers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GNOME/epiphany-sub000/bso"
)

func TestOpenTabsMergeCachesOtherDevicesExcludingSelf(t *testing.T) {
	m := NewOpenTabsManager("local-device", "My Desktop")
	m.SetLocalTabs([]bso.OpenTab{{Title: "a", URLHistory: []string{"https://a/"}}})

	selfEcho, err := json.Marshal(bso.OpenTabsRecord{ID: "local-device", ClientName: "stale"})
	require.NoError(t, err)
	other, err := json.Marshal(bso.OpenTabsRecord{ID: "other-device", ClientName: "Phone"})
	require.NoError(t, err)

	upload, err := m.Merge(true, nil, []RemoteRecord{
		{ID: "local-device", Cleartext: selfEcho},
		{ID: "other-device", Cleartext: other},
	})
	require.NoError(t, err)

	require.Len(t, upload, 1)
	assert.Equal(t, "local-device", upload[0].ID)

	remotes := m.RemoteRecords()
	require.Len(t, remotes, 1)
	assert.Equal(t, "other-device", remotes[0].ID)
}

func TestOpenTabsZeroTabsSuppressesUpload(t *testing.T) {
	m := NewOpenTabsManager("local-device", "My Desktop")
	upload, err := m.Merge(true, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, upload)
}
