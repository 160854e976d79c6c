package msg

import (
	"bytes"

	"github.com/google/uuid"
)

// NewHeader composes a header frame from a conversation id and a message
// id. The message id must not contain ";".
func NewHeader(conversationID, messageID []byte) []byte {
	header := make([]byte, 0, len(conversationID)+1+len(messageID))
	header = append(header, conversationID...)
	header = append(header, ';')
	return append(header, messageID...)
}

// ParseHeader splits a header frame at the last ";" into conversation id
// and message id. A header without separator yields two empty slices.
func ParseHeader(header []byte) (conversationID, messageID []byte) {
	i := bytes.LastIndexByte(header, ';')
	if i < 0 {
		return []byte{}, []byte{}
	}
	return header[:i], header[i+1:]
}

// SplitName splits a dotted full name at the rightmost dot. A name
// without namespace gets the given default.
func SplitName(full, defaultNamespace []byte) (namespace, name []byte) {
	i := bytes.LastIndexByte(full, '.')
	if i < 0 {
		return defaultNamespace, full
	}
	return full[:i], full[i+1:]
}

// JoinName composes a full name from namespace and name. An empty
// namespace yields the bare name.
func JoinName(namespace, name []byte) []byte {
	if len(namespace) == 0 {
		return name
	}
	full := make([]byte, 0, len(namespace)+1+len(name))
	full = append(full, namespace...)
	full = append(full, '.')
	return append(full, name...)
}

// NewConversationID generates a fresh conversation id.
func NewConversationID() []byte {
	id := uuid.New()
	return id[:]
}
