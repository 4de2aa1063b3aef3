package pathtrie

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootsSingleDir(t *testing.T) {
	tr := New()
	tr.Add("/work/a/in1.txt")
	tr.Add("/work/a/in2.txt")
	require.Equal(t, []string{"/work/a"}, tr.Roots())
}

func TestRootsDivergingDirs(t *testing.T) {
	tr := New()
	tr.Add("/work/a/in1.txt")
	tr.Add("/work/b/in2.txt")
	require.Equal(t, []string{"/work"}, tr.Roots())
}

func TestRootsEmpty(t *testing.T) {
	tr := New()
	require.Nil(t, tr.Roots())
}
