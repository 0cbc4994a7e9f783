package dirwalk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgreplica/basestream/internal/logutil"
	"github.com/pgreplica/basestream/internal/tarformat"
	"github.com/pgreplica/basestream/internal/tarwriter"
)

func setupDataDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "PG_VERSION"), []byte("16\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "base", "1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "base", "1", "1259"), []byte("data"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "postmaster.pid"), []byte("123"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pg_xlog"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "pg_xlog", "000000010000000000000001"), []byte("wal"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pg_tblspc"), 0755))
	extTarget := t.TempDir()
	require.NoError(t, os.Symlink(extTarget, filepath.Join(root, "pg_tblspc", "16401")))
	return root
}

func TestWalkSizeModeExcludesReservedPaths(t *testing.T) {
	root := setupDataDir(t)
	w := New(root, logutil.Default(false))

	total, err := w.Walk(PurposeSize, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len("16\n")+len("data")), total) // pg_xlog and postmaster.pid excluded
}

func TestWalkEmitModeProducesMembers(t *testing.T) {
	root := setupDataDir(t)
	w := New(root, logutil.Default(false))

	var buf bytes.Buffer
	tw := tarwriter.New(&buf, nil)
	_, err := w.Walk(PurposeEmit, tw)
	require.NoError(t, err)

	// Walk the emitted archive back apart by scanning headers.
	var names []string
	var kinds []tarformat.Kind
	data := buf.Bytes()
	for len(data) >= 512 {
		h := data[:512]
		name := tarformat.ParseName(h)
		if name == "" {
			break
		}
		names = append(names, name)
		typeflag := tarformat.Typeflag(h)
		switch typeflag {
		case '5':
			kinds = append(kinds, tarformat.Directory)
			data = data[512:]
		case '2':
			kinds = append(kinds, tarformat.Symlink)
			data = data[512:]
		default:
			kinds = append(kinds, tarformat.Regular)
			size, err := tarformat.ParseSize(h)
			require.NoError(t, err)
			pad := (512 - (size % 512)) % 512
			data = data[512+size+pad:]
		}
	}

	assert.Contains(t, names, "./PG_VERSION")
	assert.Contains(t, names, "./pg_tblspc/16401/")
	assert.NotContains(t, names, "./postmaster.pid")
	assert.NotContains(t, names, "./pg_xlog/")
}
