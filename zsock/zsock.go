// Package zsock wraps the ZeroMQ sockets the LECO protocol runs on
// behind narrow interfaces, so that routing logic can be driven
// frame-by-frame in tests through an in-memory fake.
package zsock

import (
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"
)

// Type selects the socket role.
type Type int

const (
	Router Type = iota
	Dealer
	Pub
	Sub
)

// Context creates sockets. It mirrors the small part of a ZeroMQ
// context the protocol needs.
type Context interface {
	NewSocket(t Type) (Socket, error)
	Term() error
}

// Socket is a message-oriented socket carrying multipart frames.
type Socket interface {
	Bind(endpoint string) error
	Connect(endpoint string) error
	Close() error
	SendMessage(frames [][]byte) error
	RecvMessage() ([][]byte, error)
	// Poll reports whether a message can be received within timeout.
	Poll(timeout time.Duration) (bool, error)
}

type zmqContext struct {
	ctx *zmq.Context
}

// NewContext returns a Context backed by a fresh ZeroMQ context.
func NewContext() (Context, error) {
	ctx, err := zmq.NewContext()
	if err != nil {
		return nil, errors.Wrap(err, "creating zmq context")
	}
	return &zmqContext{ctx: ctx}, nil
}

func (c *zmqContext) NewSocket(t Type) (Socket, error) {
	var zt zmq.Type
	switch t {
	case Router:
		zt = zmq.ROUTER
	case Dealer:
		zt = zmq.DEALER
	case Pub:
		zt = zmq.PUB
	case Sub:
		zt = zmq.SUB
	default:
		return nil, errors.Errorf("unknown socket type %d", t)
	}
	sock, err := c.ctx.NewSocket(zt)
	if err != nil {
		return nil, errors.Wrap(err, "creating zmq socket")
	}
	if err = sock.SetLinger(time.Second); err != nil {
		sock.Close()
		return nil, errors.Wrap(err, "setting linger")
	}
	poller := zmq.NewPoller()
	poller.Add(sock, zmq.POLLIN)
	return &zmqSocket{sock: sock, poller: poller}, nil
}

func (c *zmqContext) Term() error {
	return c.ctx.Term()
}

type zmqSocket struct {
	sock   *zmq.Socket
	poller *zmq.Poller
}

func (s *zmqSocket) Bind(endpoint string) error {
	return errors.Wrapf(s.sock.Bind(endpoint), "binding %s", endpoint)
}

func (s *zmqSocket) Connect(endpoint string) error {
	return errors.Wrapf(s.sock.Connect(endpoint), "connecting %s", endpoint)
}

func (s *zmqSocket) Close() error {
	return s.sock.Close()
}

func (s *zmqSocket) SendMessage(frames [][]byte) error {
	parts := make([]interface{}, len(frames))
	for i, frame := range frames {
		parts[i] = frame
	}
	_, err := s.sock.SendMessage(parts...)
	return err
}

func (s *zmqSocket) RecvMessage() ([][]byte, error) {
	return s.sock.RecvMessageBytes(0)
}

func (s *zmqSocket) Poll(timeout time.Duration) (bool, error) {
	polled, err := s.poller.Poll(timeout)
	if err != nil {
		return false, err
	}
	return len(polled) > 0, nil
}
