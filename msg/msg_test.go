package msg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFramesTooFew(t *testing.T) {
	_, err := FromFrames([][]byte{{0}, []byte("rec"), []byte("send")})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFromFramesBadVersionFrame(t *testing.T) {
	_, err := FromFrames([][]byte{{}, []byte("rec"), []byte("send"), []byte(";")})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFromFramesVersionTooNew(t *testing.T) {
	_, err := FromFrames([][]byte{{Version + 1}, []byte("rec"), []byte("send"), []byte(";")})
	assert.ErrorIs(t, err, ErrVersionTooNew)
}

func TestFramesRoundTrip(t *testing.T) {
	in := [][]byte{{0}, []byte("N1.rec"), []byte("N2.send"), []byte("7;1"), []byte(`[["P"]]`), []byte("extra")}
	m, err := FromFrames(in)
	require.NoError(t, err)
	out, err := m.Frames()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFramesWithoutPayload(t *testing.T) {
	m := New([]byte("rec"), []byte("send"))
	frames, err := m.Frames()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0}, []byte("rec"), []byte("send"), []byte(";")}, frames)
}

func TestFramesEmptySender(t *testing.T) {
	m := New([]byte("rec"), nil)
	_, err := m.Frames()
	assert.ErrorIs(t, err, ErrEmptySender)
}

func TestMessageParts(t *testing.T) {
	m, err := FromFrames([][]byte{{0}, []byte("N1.rec"), []byte("send"), []byte("7;1")})
	require.NoError(t, err)
	assert.Equal(t, []byte("N1"), m.ReceiverNamespace())
	assert.Equal(t, []byte("rec"), m.ReceiverName())
	assert.Empty(t, m.SenderNamespace())
	assert.Equal(t, []byte("send"), m.SenderName())
	assert.Equal(t, []byte("7"), m.ConversationID())
	assert.Equal(t, []byte("1"), m.MessageID())
}

func TestSettersDropCache(t *testing.T) {
	m := New([]byte("N1.rec"), []byte("N2.send"))
	assert.Equal(t, []byte("rec"), m.ReceiverName())
	assert.Equal(t, []byte("send"), m.SenderName())
	assert.Equal(t, []byte(""), m.ConversationID())

	m.SetReceiver([]byte("N3.other"))
	m.SetSender([]byte("me"))
	m.SetHeader(NewHeader([]byte("con"), []byte("5")))

	assert.Equal(t, []byte("N3"), m.ReceiverNamespace())
	assert.Equal(t, []byte("other"), m.ReceiverName())
	assert.Equal(t, []byte("me"), m.SenderName())
	assert.Equal(t, []byte("con"), m.ConversationID())
	assert.Equal(t, []byte("5"), m.MessageID())
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		full, def, ns, name string
	}{
		{"N1.comp", "N0", "N1", "comp"},
		{"comp", "N0", "N0", "comp"},
		{"a.b.c", "N0", "a.b", "c"},
		{"", "N0", "N0", ""},
		{".comp", "N0", "", "comp"},
	}
	for _, tt := range tests {
		ns, name := SplitName([]byte(tt.full), []byte(tt.def))
		assert.Equal(t, tt.ns, string(ns), tt.full)
		assert.Equal(t, tt.name, string(name), tt.full)
	}
}

func TestJoinName(t *testing.T) {
	assert.Equal(t, []byte("N1.comp"), JoinName([]byte("N1"), []byte("comp")))
	assert.Equal(t, []byte("comp"), JoinName(nil, []byte("comp")))
}

func TestSplitJoinRoundTrip(t *testing.T) {
	full := []byte("N1.comp")
	ns, name := SplitName(full, nil)
	assert.Equal(t, full, JoinName(ns, name))
}

func TestNewHeader(t *testing.T) {
	assert.Equal(t, []byte("7;1"), NewHeader([]byte("7"), []byte("1")))
	assert.Equal(t, []byte(";"), NewHeader(nil, nil))
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		header, cid, mid string
	}{
		{"7;1", "7", "1"},
		{";", "", ""},
		{"", "", ""},
		{"no separator", "", ""},
		{"con;ver;sation;5", "con;ver;sation", "5"},
	}
	for _, tt := range tests {
		cid, mid := ParseHeader([]byte(tt.header))
		assert.Equal(t, tt.cid, string(cid), tt.header)
		assert.Equal(t, tt.mid, string(mid), tt.header)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	header := NewHeader([]byte("conversation"), []byte("42"))
	cid, mid := ParseHeader(header)
	assert.Equal(t, []byte("conversation"), cid)
	assert.Equal(t, []byte("42"), mid)
}

func TestNewConversationID(t *testing.T) {
	a := NewConversationID()
	b := NewConversationID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}

func TestSerializeData(t *testing.T) {
	payload, err := SerializeData([]Command{Cmd(SignIn)})
	require.NoError(t, err)
	assert.Equal(t, `[["SI"]]`, string(payload))

	payload, err = SerializeData([]Command{Cmd(Error, ErrNodeUnknown, "N3")})
	require.NoError(t, err)
	assert.Equal(t, `[["E","Node is not known.","N3"]]`, string(payload))
}

func TestDeserializeData(t *testing.T) {
	data, err := DeserializeData([]byte(`[["S",{"directory":["send"]}],["P"]]`))
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, Set, data[0].Verb())
	assert.Equal(t, Ping, data[1].Verb())
	values, ok := data[0].Arg(0).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"send"}, values["directory"])
}

func TestDeserializeDataInvalid(t *testing.T) {
	_, err := DeserializeData([]byte("no json"))
	assert.Error(t, err)
}

func TestCommandVerbAndArg(t *testing.T) {
	c := Cmd(Error, ErrExecutionFailed, "detail")
	assert.Equal(t, Error, c.Verb())
	assert.Equal(t, ErrExecutionFailed, c.Arg(0))
	assert.Equal(t, "detail", c.Arg(1))
	assert.Nil(t, c.Arg(2))

	assert.Equal(t, Verb(""), Command{}.Verb())
	assert.Equal(t, Verb(""), Command{5}.Verb())
}
