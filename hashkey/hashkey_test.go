package hashkey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/digest"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskflow"
)

func TestDigestStableAndSensitive(t *testing.T) {
	inputs := []KeyedValue{{Key: "x", Value: "42"}}
	d1, err := Digest(Standard, "sess", "echo $x", inputs)
	require.NoError(t, err)
	d2, err := Digest(Standard, "sess", "echo $x", inputs)
	require.NoError(t, err)
	require.Equal(t, d1, d2, "identical inputs must hash identically")

	d3, err := Digest(Standard, "sess", "echo $x!", inputs)
	require.NoError(t, err)
	require.NotEqual(t, d1, d3, "changing the script must change the hash")

	d4, err := Digest(Standard, "sess", "echo $x", []KeyedValue{{Key: "x", Value: "43"}})
	require.NoError(t, err)
	require.NotEqual(t, d1, d4, "changing an input must change the hash")

	d5, err := Digest(Deep, "sess", "echo $x", inputs)
	require.NoError(t, err)
	require.NotEqual(t, d1, d5, "changing the hash mode must change the hash")
}

func TestDigestFileContent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0644))

	fh := taskflow.FileHolder{SourcePath: p, StoredName: "a.txt"}
	d1, err := Digest(Standard, "sess", "cat a.txt", []KeyedValue{{Key: "a", Value: fh}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(p, []byte("world"), 0644))
	d2, err := Digest(Standard, "sess", "cat a.txt", []KeyedValue{{Key: "a", Value: fh}})
	require.NoError(t, err)
	require.NotEqual(t, d1, d2, "changing file content must change the hash")
}

func TestMergeDigestOrderIndependent(t *testing.T) {
	a, err := Digest(Standard, "sess", "a", nil)
	require.NoError(t, err)
	b, err := Digest(Standard, "sess", "b", nil)
	require.NoError(t, err)

	m1 := MergeDigest("sess", []digest.Digest{a, b})
	m2 := MergeDigest("sess", []digest.Digest{b, a})
	require.Equal(t, m1, m2, "merge digest must not depend on arrival order")
}
