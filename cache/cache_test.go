package cache

import (
	"testing"

	"github.com/grailbio/base/digest"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskflow"
)

func digestFromString(s string) digest.Digest {
	return taskflow.Digester.FromString(s)
}

func TestCacheIndexMapAndLookup(t *testing.T) {
	idx := New(100, 0.01)
	key := digestFromString("task-a")
	entry := Entry{WorkDir: "/work/a", Outputs: []taskflow.FileHolder{{SourcePath: "/work/a/out.txt", StoredName: "out.txt"}}}
	require.NoError(t, idx.Map(key, entry))

	got, err := idx.Lookup(key)
	require.NoError(t, err)
	require.Equal(t, entry, got)
}

func TestCacheIndexLookupMiss(t *testing.T) {
	idx := New(100, 0.01)
	_, err := idx.Lookup(digestFromString("missing"))
	require.Error(t, err)
}

func TestCacheIndexUnmap(t *testing.T) {
	idx := New(100, 0.01)
	key := digestFromString("task-b")
	require.NoError(t, idx.Map(key, Entry{WorkDir: "/work/b"}))
	require.NoError(t, idx.Unmap(key))
	_, err := idx.Lookup(key)
	require.Error(t, err)
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	idx := New(100, 0.01)
	key := digestFromString("task-c")
	entry := Entry{WorkDir: "/work/c"}
	require.NoError(t, idx.Map(key, entry))

	path := t.TempDir() + "/index.json"
	require.NoError(t, idx.Save(path))

	loaded, err := Load(path, 0.01)
	require.NoError(t, err)
	got, err := loaded.Lookup(key)
	require.NoError(t, err)
	require.Equal(t, entry, got)
}
