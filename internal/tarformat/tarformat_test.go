package tarformat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeaderRoundTrip(t *testing.T) {
	m := Member{
		Name:  "./PG_VERSION",
		Kind:  Regular,
		Mode:  0600,
		UID:   1000,
		GID:   1000,
		Size:  3,
		Mtime: time.Unix(1700000000, 0),
	}
	h, err := EncodeHeader(m)
	require.NoError(t, err)

	assert.Equal(t, "./PG_VERSION", ParseName(h[:]))
	assert.Equal(t, byte('0'), Typeflag(h[:]))
	size, err := ParseSize(h[:])
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)
}

func TestEncodeHeaderDirectoryAndSymlink(t *testing.T) {
	dir := Member{Name: "./pg_wal/", Kind: Directory, Mode: 0700, Mtime: time.Unix(0, 0)}
	h, err := EncodeHeader(dir)
	require.NoError(t, err)
	assert.Equal(t, byte('5'), Typeflag(h[:]))

	link := Member{Name: "./pg_tblspc/16401", Kind: Symlink, Mode: 0777, LinkTarget: "/data/ts1", Mtime: time.Unix(0, 0)}
	h, err = EncodeHeader(link)
	require.NoError(t, err)
	assert.Equal(t, byte('2'), Typeflag(h[:]))
	assert.Equal(t, "/data/ts1", LinkTarget(h[:]))
}

func TestEncodeHeaderRejectsOversizeMember(t *testing.T) {
	m := Member{Name: "huge", Kind: Regular, Size: MaxMemberSize + 1, Mtime: time.Unix(0, 0)}
	_, err := EncodeHeader(m)
	assert.Error(t, err)
}

func TestChecksumConverges(t *testing.T) {
	m := Member{Name: "./x", Kind: Regular, Mode: 0644, Size: 0, Mtime: time.Unix(0, 0)}
	h, err := EncodeHeader(m)
	require.NoError(t, err)
	// Recomputing the checksum over the header (with the checksum field
	// blanked exactly as EncodeHeader does internally) must reproduce
	// the same value stored in the header.
	got := Checksum(h[:])
	assert.Greater(t, got, 0)
	stored, err := parseOctalField(h[chksumOff : chksumOff+6])
	require.NoError(t, err)
	assert.EqualValues(t, got, stored)
}

func TestEncodeHeaderTruncatesOverlongName(t *testing.T) {
	name := make([]byte, 200)
	for i := range name {
		name[i] = 'a'
	}
	m := Member{Name: string(name), Kind: Regular, Mtime: time.Unix(0, 0)}
	h, err := EncodeHeader(m)
	require.NoError(t, err)
	assert.Len(t, ParseName(h[:]), 99)
}
