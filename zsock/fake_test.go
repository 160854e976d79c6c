package zsock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeQueuesInOrder(t *testing.T) {
	s := &Fake{}
	s.Push([]byte("first"))
	s.Push([]byte("second"))

	ready, err := s.Poll(0)
	require.NoError(t, err)
	assert.True(t, ready)

	frames, err := s.RecvMessage()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("first")}, frames)

	frames, err = s.RecvMessage()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("second")}, frames)

	ready, err = s.Poll(0)
	require.NoError(t, err)
	assert.False(t, ready)

	_, err = s.RecvMessage()
	assert.Error(t, err)
}

func TestFakeRecordsSent(t *testing.T) {
	ctx := NewFakeContext()
	sock, err := ctx.NewSocket(Dealer)
	require.NoError(t, err)
	require.NoError(t, sock.Connect("tcp://host:12300"))
	require.NoError(t, sock.SendMessage([][]byte{[]byte("frame")}))

	fake := ctx.Sockets[0]
	assert.Equal(t, "tcp://host:12300", fake.Addr)
	assert.Equal(t, [][][]byte{{[]byte("frame")}}, fake.Sent)

	require.NoError(t, sock.Close())
	assert.True(t, fake.Closed)
	assert.Error(t, sock.SendMessage([][]byte{[]byte("frame")}))
}
