package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpandWildcardSingleFile(t *testing.T) {
	holders, err := Expand("*.fa", []string{"/in/a.fa"})
	require.NoError(t, err)
	require.Len(t, holders, 1)
	require.Equal(t, "file1.fa", holders[0].StoredName)
}

func TestExpandQuestionMarkCounter(t *testing.T) {
	holders, err := Expand("?.txt", []string{"/in/a.txt", "/in/b.txt"})
	require.NoError(t, err)
	require.Equal(t, "1.txt", holders[0].StoredName)
	require.Equal(t, "2.txt", holders[1].StoredName)
}

func TestExpandLiteralRequiresOne(t *testing.T) {
	_, err := Expand("fixed.txt", []string{"/in/a.txt", "/in/b.txt"})
	require.Error(t, err)
}

func TestExpandAbsentPattern(t *testing.T) {
	holders, err := Expand("", []string{"/in/a.txt", "/in/b.txt"})
	require.NoError(t, err)
	require.Equal(t, "file1", holders[0].StoredName)
	require.Equal(t, "file2", holders[1].StoredName)
}

func TestExpandLiteralSingleFile(t *testing.T) {
	_, err := Expand("x", []string{"/in/a.txt"})
	require.NoError(t, err)
}

func TestMatchOutputsGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "out2.txt"), []byte("y"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.log"), []byte("z"), 0644))

	holders, err := MatchOutputs(dir, "**/*.txt")
	require.NoError(t, err)
	require.Len(t, holders, 2)
}

func TestNormalizeFlattensNested(t *testing.T) {
	paths, err := Normalize([]interface{}{"/a.txt", []string{"/b.txt", "/c.txt"}})
	require.NoError(t, err)
	require.Equal(t, []string{"/a.txt", "/b.txt", "/c.txt"}, paths)
}
