// Package msg implements the LECO control protocol frame format.
// A message travels as a multipart sequence of version, receiver,
// sender and header frames, followed by optional payload frames.
// Receiver and sender are dotted namespace.name byte strings.
package msg

import (
	"bytes"

	"github.com/pkg/errors"
)

// Version is the current protocol version, sent as a single byte frame.
const Version = 0

var (
	ErrMalformed     = errors.New("message has fewer than four frames or an invalid version frame")
	ErrVersionTooNew = errors.New("message version is above current protocol version")
	ErrEmptySender   = errors.New("empty sender frame not allowed to send")
)

// Message is one unit of the control protocol. The receiver, sender and
// header frames are accessed through getters and setters so that the
// split name and header parts can be cached; a setter drops the cache.
type Message struct {
	Version byte
	Payload [][]byte

	receiver []byte
	sender   []byte
	header   []byte

	receiverParts *nameParts
	senderParts   *nameParts
	headerParts   *headerParts
}

type nameParts struct {
	namespace []byte
	name      []byte
}

type headerParts struct {
	conversationID []byte
	messageID      []byte
}

// New creates a message addressed to receiver from sender with an empty
// header frame.
func New(receiver, sender []byte) *Message {
	return &Message{
		Version:  Version,
		receiver: receiver,
		sender:   sender,
		header:   NewHeader(nil, nil),
	}
}

// FromFrames builds a message from raw frames, for example after reading
// from a socket. The transport identity frame must already be stripped.
func FromFrames(frames [][]byte) (*Message, error) {
	if len(frames) < 4 {
		return nil, ErrMalformed
	}
	if len(frames[0]) != 1 {
		return nil, ErrMalformed
	}
	if frames[0][0] > Version {
		return nil, ErrVersionTooNew
	}
	m := &Message{
		Version:  frames[0][0],
		receiver: frames[1],
		sender:   frames[2],
		header:   frames[3],
	}
	if len(frames) > 4 {
		m.Payload = frames[4:]
	}
	return m, nil
}

// Frames returns the frame list of the message, ready for sending.
func (m *Message) Frames() ([][]byte, error) {
	if len(m.sender) == 0 {
		return nil, ErrEmptySender
	}
	frames := make([][]byte, 0, 4+len(m.Payload))
	frames = append(frames, []byte{m.Version}, m.receiver, m.sender, m.header)
	frames = append(frames, m.Payload...)
	return frames, nil
}

func (m *Message) Receiver() []byte { return m.receiver }

func (m *Message) SetReceiver(receiver []byte) {
	m.receiver = receiver
	m.receiverParts = nil
}

func (m *Message) Sender() []byte { return m.sender }

func (m *Message) SetSender(sender []byte) {
	m.sender = sender
	m.senderParts = nil
}

func (m *Message) Header() []byte { return m.header }

func (m *Message) SetHeader(header []byte) {
	m.header = header
	m.headerParts = nil
}

// ReceiverNamespace returns the namespace part of the receiver frame,
// empty if the receiver carries no namespace.
func (m *Message) ReceiverNamespace() []byte {
	if m.receiverParts == nil {
		ns, name := SplitName(m.receiver, nil)
		m.receiverParts = &nameParts{ns, name}
	}
	return m.receiverParts.namespace
}

// ReceiverName returns the name part of the receiver frame.
func (m *Message) ReceiverName() []byte {
	m.ReceiverNamespace()
	return m.receiverParts.name
}

// SenderNamespace returns the namespace part of the sender frame.
func (m *Message) SenderNamespace() []byte {
	if m.senderParts == nil {
		ns, name := SplitName(m.sender, nil)
		m.senderParts = &nameParts{ns, name}
	}
	return m.senderParts.namespace
}

// SenderName returns the name part of the sender frame.
func (m *Message) SenderName() []byte {
	m.SenderNamespace()
	return m.senderParts.name
}

// ConversationID returns the conversation id of the header frame.
func (m *Message) ConversationID() []byte {
	if m.headerParts == nil {
		cid, mid := ParseHeader(m.header)
		m.headerParts = &headerParts{cid, mid}
	}
	return m.headerParts.conversationID
}

// MessageID returns the message id of the header frame.
func (m *Message) MessageID() []byte {
	m.ConversationID()
	return m.headerParts.messageID
}

// Equal reports whether two messages carry the same frames.
func (m *Message) Equal(other *Message) bool {
	if m.Version != other.Version ||
		!bytes.Equal(m.receiver, other.receiver) ||
		!bytes.Equal(m.sender, other.sender) ||
		!bytes.Equal(m.header, other.header) ||
		len(m.Payload) != len(other.Payload) {
		return false
	}
	for i := range m.Payload {
		if !bytes.Equal(m.Payload[i], other.Payload[i]) {
			return false
		}
	}
	return true
}
