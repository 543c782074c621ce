package journal

import (
	"path/filepath"
	"testing"

	"gossipmesh/internal/identity"

	"github.com/stretchr/testify/require"
)

func TestAppendAndScan(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")

	j, err := Open(dir)
	require.NoError(t, err)

	p1 := identity.New("127.0.0.1", 6001)
	p2 := identity.New("127.0.0.1", 6002)

	require.NoError(t, j.Append(OpRegister, p1))
	require.NoError(t, j.Append(OpRegister, p2))
	require.NoError(t, j.Append(OpDeath, p1))

	var got []Record
	require.NoError(t, j.Scan(func(r Record) error {
		got = append(got, r)
		return nil
	}))

	require.Len(t, got, 3)
	require.Equal(t, OpRegister, got[0].Op)
	require.Equal(t, p1, got[0].Peer)
	require.Equal(t, OpDeath, got[2].Op)
	require.Equal(t, p1, got[2].Peer)

	require.NoError(t, j.Close())
}

func TestScanEmptyJournal(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Scan(func(Record) error {
		t.Fatal("empty journal must not yield records")
		return nil
	}))
}

// The journal survives reopen: it is an audit trail, appended across
// process lifetimes even though it is never replayed into the peer list.
func TestReopenContinuesSequence(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")

	j, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(OpRegister, identity.New("127.0.0.1", 6001)))
	require.NoError(t, j.Close())

	j2, err := Open(dir)
	require.NoError(t, err)
	defer j2.Close()
	require.NoError(t, j2.Append(OpDeath, identity.New("127.0.0.1", 6001)))

	var count int
	require.NoError(t, j2.Scan(func(Record) error {
		count++
		return nil
	}))
	require.Equal(t, 2, count)
}
