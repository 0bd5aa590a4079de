package runlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewCreatesRunsDirectory(t *testing.T) {
	base := t.TempDir()
	_, err := New(base, nil, nil)
	require.NoError(t, err)
	require.DirExists(t, base+"/.runs")
}

func TestAppendAccumulatesFilesAcrossRuns(t *testing.T) {
	base := t.TempDir()
	j, err := New(base, nil, nil)
	require.NoError(t, err)

	known, err := j.Append([]string{"/pool/a.tar.xz"})
	require.NoError(t, err)
	require.True(t, known["/pool/a.tar.xz"])

	time.Sleep(2 * time.Millisecond)
	known, err = j.Append([]string{"/pool/b.tar.xz"})
	require.NoError(t, err)
	require.True(t, known["/pool/a.tar.xz"])
	require.True(t, known["/pool/b.tar.xz"])
}

func TestLatestReturnsEmptySetWhenNoRunsRecorded(t *testing.T) {
	base := t.TempDir()
	j, err := New(base, nil, nil)
	require.NoError(t, err)

	files, err := j.Latest(time.Time{})
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestLatestHonorsCutoff(t *testing.T) {
	base := t.TempDir()
	j, err := New(base, nil, nil)
	require.NoError(t, err)

	_, err = j.Append([]string{"/pool/a.tar.xz"})
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(-time.Hour)
	files, err := j.Latest(cutoff)
	require.NoError(t, err)
	require.Empty(t, files, "a cutoff before any run was recorded must exclude that run")
}
