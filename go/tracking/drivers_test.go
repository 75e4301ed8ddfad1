package tracking

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openDriverMap(t *testing.T) *DriverMap {
	t.Helper()
	var store = openStore(t, filepath.Join(t.TempDir(), "tracking.db"), testClock())
	var m, err = store.DriverMap()
	require.NoError(t, err)
	return m
}

func TestDriverMapAddAndLookup(t *testing.T) {
	var m = openDriverMap(t)

	ok, err := m.Add("R1", "L1")
	require.NoError(t, err)
	require.True(t, ok)

	// Duplicates on either side are rejected without error.
	ok, err = m.Add("R1", "L9")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = m.Add("R9", "L1")
	require.NoError(t, err)
	require.False(t, ok)

	local, found := m.LookupLocal("R1")
	require.True(t, found)
	require.Equal(t, "L1", local)
	remote, found := m.LookupRemote("L1")
	require.True(t, found)
	require.Equal(t, "R1", remote)

	require.NoError(t, m.Delete("R1"))
	_, found = m.LookupLocal("R1")
	require.False(t, found)
	_, found = m.LookupRemote("L1")
	require.False(t, found)
}

func TestDriverMapAddManyIsIdempotent(t *testing.T) {
	var m = openDriverMap(t)

	var pairs = []DriverPair{
		{RemoteID: "R1", LocalID: "L1"},
		{RemoteID: "R2", LocalID: "L2"},
	}
	n, err := m.AddMany(pairs)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = m.AddMany(pairs)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.ElementsMatch(t, pairs, m.ListAll())
	require.True(t, m.Covers([]string{"R1", "R2"}))
	require.False(t, m.Covers([]string{"R1", "R3"}))
}

func TestProposePairs(t *testing.T) {
	var remote = []NamedDriver{
		{ID: "R1", Name: "João Silva"},
		{ID: "R2", Name: "Maria Souza"},
		{ID: "R3", Name: "Zed"},
	}
	var local = []NamedDriver{
		{ID: "L1", Name: "joao silva"},
		{ID: "L2", Name: "MARIA  SOUZA"},
		{ID: "L3", Name: "Completely Different"},
	}

	var proposals = ProposePairs(remote, local)
	var byRemote = make(map[string]string)
	for _, p := range proposals {
		byRemote[p.Remote.ID] = p.Local.ID
	}
	require.Equal(t, "L2", byRemote["R2"])
	require.Equal(t, "L1", byRemote["R1"])
	// Nothing plausible for Zed.
	_, ok := byRemote["R3"]
	require.False(t, ok)
}
