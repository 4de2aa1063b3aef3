package wrapper

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderPlain(t *testing.T) {
	script, err := Render("/work/t1", Script{
		Env:     []EnvVar{{Name: "SAMPLE", Value: "a1"}},
		StageIn: []string{"ln -s /stage/a.fa a.fa"},
		Command: "wc -l a.fa",
	})
	require.NoError(t, err)
	require.Contains(t, script, `export SAMPLE="a1"`)
	require.Contains(t, script, "ln -s /stage/a.fa a.fa")
	require.Contains(t, script, "wc -l a.fa")
	require.Contains(t, script, ExitCodeFile)
	require.Contains(t, script, TraceFile)
	require.True(t, strings.HasPrefix(script, "#!/bin/bash\n"))
}

func TestRenderContainerTagsBareImage(t *testing.T) {
	script, err := Render("/work/t1", Script{
		Command:   "echo hi",
		Container: "ubuntu",
		Mounts:    []string{"/data"},
	})
	require.NoError(t, err)
	require.Contains(t, script, "ubuntu:latest")
	require.Contains(t, script, "-v /data:/data:ro")
}

func TestRenderContainerKeepsExplicitTag(t *testing.T) {
	script, err := Render("/work/t1", Script{
		Command:   "echo hi",
		Container: "ubuntu:20.04",
	})
	require.NoError(t, err)
	require.Contains(t, script, "ubuntu:20.04")
	require.NotContains(t, script, "ubuntu:20.04:latest")
}

func TestRenderContainerWritesEnvFile(t *testing.T) {
	script, err := Render("/work/t1", Script{
		Env:       []EnvVar{{Name: "SAMPLE", Value: "a1"}},
		Command:   "echo $SAMPLE",
		Container: "ubuntu",
	})
	require.NoError(t, err)
	require.NotContains(t, script, `export SAMPLE="a1"`)
	require.Contains(t, script, "cat > "+EnvFile)
	require.Contains(t, script, "SAMPLE=a1")
	require.Contains(t, script, "--env-file "+EnvFile)
}

func TestMountHintsGroupsCommonDir(t *testing.T) {
	hints := MountHints([]string{"/data/a.fa", "/data/b.fa"})
	require.Equal(t, []string{"/data"}, hints)
}
