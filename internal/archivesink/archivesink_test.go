package archivesink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileNameVariants(t *testing.T) {
	assert.Equal(t, "base.tar", FileName("", 0))
	assert.Equal(t, "base.tar.gz", FileName("", 6))
	assert.Equal(t, "16401.tar", FileName("16401", 0))
	assert.Equal(t, "16401.tar.gz", FileName("16401", 9))
}

func TestNewFileRejectsOutOfRangeCompress(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFile(dir, "", -1)
	assert.Error(t, err)
	_, err = NewFile(dir, "", 10)
	assert.Error(t, err)
}

func TestWriteAndCloseAppendsTerminatorUncompressed(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFile(dir, "", 0)
	require.NoError(t, err)

	payload := []byte("tar member bytes")
	_, err = s.Write(payload)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	got, err := os.ReadFile(filepath.Join(dir, "base.tar"))
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, payload...), make([]byte, 1024)...), got)
}

func TestWriteAndCloseGzipRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFile(dir, "16401", 6)
	require.NoError(t, err)

	payload := []byte("compressed tablespace batch bytes")
	_, err = s.Write(payload)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	f, err := os.Open(filepath.Join(dir, "16401.tar.gz"))
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	buf := make([]byte, 0, len(payload)+1024)
	tmp := make([]byte, 4096)
	for {
		n, err := gz.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	assert.Equal(t, append(append([]byte{}, payload...), make([]byte, 1024)...), buf)
}
