package zsock

import (
	"time"

	"github.com/pkg/errors"
)

// FakeContext hands out fake sockets, mirroring a ZeroMQ context for
// unit tests.
type FakeContext struct {
	// Sockets records every socket created, in creation order.
	Sockets []*Fake
}

// NewFakeContext returns a context producing in-memory fake sockets.
func NewFakeContext() *FakeContext {
	return &FakeContext{}
}

func (c *FakeContext) NewSocket(t Type) (Socket, error) {
	s := &Fake{Type: t}
	c.Sockets = append(c.Sockets, s)
	return s, nil
}

func (c *FakeContext) Term() error { return nil }

// Fake is an in-memory socket. Frames sent through it are recorded in
// Sent; inbound frames are queued with Push and handed out in order.
type Fake struct {
	Type   Type
	Addr   string
	Closed bool
	Sent   [][][]byte

	inbox [][][]byte
}

// Push queues one inbound frame group.
func (s *Fake) Push(frames ...[]byte) {
	s.inbox = append(s.inbox, frames)
}

func (s *Fake) Bind(endpoint string) error {
	s.Addr = endpoint
	return nil
}

func (s *Fake) Connect(endpoint string) error {
	s.Addr = endpoint
	return nil
}

func (s *Fake) Close() error {
	s.Addr = ""
	s.Closed = true
	return nil
}

func (s *Fake) SendMessage(frames [][]byte) error {
	if s.Closed {
		return errors.New("socket is closed")
	}
	s.Sent = append(s.Sent, frames)
	return nil
}

func (s *Fake) RecvMessage() ([][]byte, error) {
	if len(s.inbox) == 0 {
		return nil, errors.New("no message queued")
	}
	frames := s.inbox[0]
	s.inbox = s.inbox[1:]
	return frames, nil
}

func (s *Fake) Poll(time.Duration) (bool, error) {
	return len(s.inbox) > 0, nil
}
