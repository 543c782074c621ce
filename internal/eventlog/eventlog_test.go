package eventlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventAppendsToFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	l, err := New("seed", 5001)
	require.NoError(t, err)

	l.Event("REGISTER_COMMIT %s", "127.0.0.1:6001")
	l.Event("SHUTDOWN")
	l.Close()

	data, err := os.ReadFile(filepath.Join(dir, "outputfile_seed_5001.txt"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "[seed_5001] REGISTER_COMMIT 127.0.0.1:6001")
	require.Contains(t, lines[1], "[seed_5001] SHUTDOWN")
}

func TestEventAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	l, err := New("peer", 6001)
	require.NoError(t, err)
	l.Event("first run")
	l.Close()

	l2, err := New("peer", 6001)
	require.NoError(t, err)
	l2.Event("second run")
	l2.Close()

	data, err := os.ReadFile(filepath.Join(dir, "outputfile_peer_6001.txt"))
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "\n"))
}

func TestDiscardNeverWrites(t *testing.T) {
	l := Discard("peer", 6002)
	l.Event("nothing hits disk")
	l.Close()
}
