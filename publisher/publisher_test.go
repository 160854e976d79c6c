package publisher

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pymeasure/goleco/zsock"
)

func newTestPublisher(t *testing.T) (*Publisher, *zsock.Fake) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	sock := &zsock.Fake{Type: zsock.Pub}
	p, err := New("localhost", 0, withSocket(sock), WithLogger(logger))
	require.NoError(t, err)
	return p, sock
}

func TestPublish(t *testing.T) {
	p, sock := newTestPublisher(t)
	require.NoError(t, p.Publish("temperature", 20.5))
	assert.Equal(t, [][][]byte{
		{[]byte("temperature"), []byte("20.5")},
	}, sock.Sent)
}

func TestPublishStructured(t *testing.T) {
	p, sock := newTestPublisher(t)
	require.NoError(t, p.Publish("reading", map[string]any{"magnitude": 1.5, "units": "V"}))
	assert.Equal(t, [][][]byte{
		{[]byte("reading"), []byte(`{"magnitude":1.5,"units":"V"}`)},
	}, sock.Sent)
}

func TestPublishAllSendsEachPairSeparately(t *testing.T) {
	p, sock := newTestPublisher(t)
	require.NoError(t, p.PublishAll(map[string]any{"a": 1.0, "b": 2.0}))
	assert.Len(t, sock.Sent, 2)
	for _, sent := range sock.Sent {
		assert.Len(t, sent, 2)
	}
}

func TestCloseShutsSocket(t *testing.T) {
	p, sock := newTestPublisher(t)
	require.NoError(t, p.Close())
	assert.True(t, sock.Closed)
}
