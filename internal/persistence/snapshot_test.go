package persistence

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")

	snap := Snapshot{
		"set_angles": json.RawMessage(`[1,2,3]`),
	}
	require.NoError(t, Save(path, snap))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, loaded, "set_angles")
	assert.JSONEq(t, `[1,2,3]`, string(loaded["set_angles"]))
}

func TestLoadMissingFileYieldsEmptySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does_not_exist.json")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestFilterKeepsOnlyRequestedKeys(t *testing.T) {
	snap := Snapshot{
		"a": json.RawMessage(`1`),
		"b": json.RawMessage(`2`),
	}
	filtered := Filter(snap, []string{"a", "missing"})
	assert.Len(t, filtered, 1)
	assert.Contains(t, filtered, "a")
}
