package replconn

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeConnPairRoundTrip(t *testing.T) {
	a, b := NewFakeConnPair()

	go func() {
		a.SendRowDescription([]Field{{Name: "size", OID: 20, Len: 8}})
		a.SendDataRow(Row{[]byte("1234")})
		a.SendCommandComplete("SELECT")
		a.BeginCopyOut()
		a.SendCopyData([]byte("hello"))
		a.EndCopyOut()
	}()

	fields, err := b.ReadRowDescription()
	require.NoError(t, err)
	assert.Equal(t, "size", fields[0].Name)

	row, err := b.ReadDataRow()
	require.NoError(t, err)
	assert.Equal(t, []byte("1234"), row[0])

	tag, err := b.ReadCommandComplete()
	require.NoError(t, err)
	assert.Equal(t, "SELECT", tag)

	data, err := b.NextCopyData()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = b.NextCopyData()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFakeConnCommandResult(t *testing.T) {
	a, b := NewFakeConnPair()
	go a.SendCommandResult(false, "disk full")

	ok, msg, err := b.CommandResult()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "disk full", msg)
}

func TestNetConnRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sc := NewNetConn(server)
	cc := NewNetConn(client)

	go func() {
		sc.SendRowDescription([]Field{{Name: "spclocation", OID: 25, Len: -1}})
		sc.SendDataRow(Row{nil, []byte("/data/ts1"), []byte("1024")})
		sc.SendCommandComplete("SELECT")
		sc.BeginCopyBoth()
		sc.SendCopyData([]byte("payload"))
		sc.SendCommandResult(true, "")
	}()

	fields, err := cc.ReadRowDescription()
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, int16(-1), fields[0].Len)

	row, err := cc.ReadDataRow()
	require.NoError(t, err)
	assert.Nil(t, row[0])
	assert.Equal(t, "/data/ts1", string(row[1]))

	_, err = cc.ReadCommandComplete()
	require.NoError(t, err)

	data, err := cc.NextCopyData()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	ok, _, err := cc.CommandResult()
	require.NoError(t, err)
	assert.True(t, ok)
}
