// Package client maintains the connection of a component to its
// Coordinator: it signs in, replies to commands and keeps the liveness
// heartbeat going.
package client

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pymeasure/goleco/msg"
	"github.com/pymeasure/goleco/zsock"
)

const coordinatorName = "COORDINATOR"

// CommandFunc handles one command the built-in handling does not cover.
// A non-nil return value is appended to the reply batch.
type CommandFunc func(m *msg.Message, command msg.Command) msg.Command

// Handler maintains a DEALER connection to a Coordinator and listens to
// incoming messages.
type Handler struct {
	name      string
	namespace []byte // learned from the sign-in acknowledgement

	sock zsock.Socket

	waitingTime       time.Duration
	heartbeatInterval time.Duration

	// OnCommand handles commands not covered by the built-in replies.
	OnCommand CommandFunc

	// OnReply observes acknowledgements from the Coordinator, e.g. the
	// directory object of a LIST request.
	OnReply func(m *msg.Message, command msg.Command)

	// OnTick runs every TickInterval on the listen goroutine, which is
	// the only one allowed to use the socket.
	OnTick       func()
	TickInterval time.Duration

	logger *logrus.Logger
	log    *logrus.Entry

	stop     chan struct{}
	stopOnce sync.Once
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithWaitingTime sets the poll timeout of the listen loop.
func WithWaitingTime(d time.Duration) HandlerOption {
	return func(h *Handler) { h.waitingTime = d }
}

// WithHeartbeatInterval sets the interval between two heartbeats.
func WithHeartbeatInterval(d time.Duration) HandlerOption {
	return func(h *Handler) { h.heartbeatInterval = d }
}

// WithLogger sets the logger the handler logs to.
func WithLogger(logger *logrus.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// withSocket injects a socket, for tests.
func withSocket(sock zsock.Socket) HandlerOption {
	return func(h *Handler) { h.sock = sock }
}

// New connects a handler for the component name to the Coordinator at
// host and port.
func New(name, host string, port int, opts ...HandlerOption) (*Handler, error) {
	h := &Handler{
		name:              name,
		waitingTime:       100 * time.Millisecond,
		heartbeatInterval: 10 * time.Second,
		stop:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logrus.StandardLogger()
	}
	h.log = h.logger.WithField("name", name)
	if h.sock == nil {
		ctx, err := zsock.NewContext()
		if err != nil {
			return nil, err
		}
		sock, err := ctx.NewSocket(zsock.Dealer)
		if err != nil {
			return nil, err
		}
		if err = sock.Connect(fmt.Sprintf("tcp://%s:%d", host, port)); err != nil {
			sock.Close()
			return nil, errors.Wrapf(err, "connecting to coordinator at %s:%d", host, port)
		}
		h.sock = sock
	}
	return h, nil
}

// FullName returns the name of the handler, prefixed with its namespace
// once that is known.
func (h *Handler) FullName() []byte {
	return msg.JoinName(h.namespace, []byte(h.name))
}

// Send composes a message to the receiver and sends it.
func (h *Handler) Send(receiver string, conversationID []byte, data []msg.Command) error {
	m := msg.New([]byte(receiver), h.FullName())
	m.SetHeader(msg.NewHeader(conversationID, nil))
	if len(data) > 0 {
		payload, err := msg.SerializeData(data)
		if err != nil {
			return errors.Wrap(err, "serializing payload")
		}
		m.Payload = [][]byte{payload}
	}
	frames, err := m.Frames()
	if err != nil {
		return err
	}
	return h.sock.SendMessage(frames)
}

// SignIn announces the handler at the Coordinator.
func (h *Handler) SignIn() error {
	return h.Send(coordinatorName, nil, []msg.Command{msg.Cmd(msg.SignIn)})
}

// SignOut removes the handler from the Coordinator directory.
func (h *Handler) SignOut() error {
	return h.Send(coordinatorName, nil, []msg.Command{msg.Cmd(msg.SignOut)})
}

// Stop ends the listen loop. It may be called from any goroutine.
func (h *Handler) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Listen signs in and handles incoming messages until Stop or an OFF
// command, sending a heartbeat whenever the connection went quiet.
func (h *Handler) Listen() error {
	h.log.Info("start listening")
	if err := h.SignIn(); err != nil {
		return err
	}
	nextBeat := time.Now().Add(h.heartbeatInterval)
	nextTick := time.Now().Add(h.TickInterval)
	for {
		select {
		case <-h.stop:
			h.log.Info("stop listening")
			if err := h.SignOut(); err != nil {
				return err
			}
			return nil
		default:
		}
		ready, err := h.sock.Poll(h.waitingTime)
		if err != nil {
			return errors.Wrap(err, "polling coordinator connection")
		}
		if ready {
			if err := h.handleMessage(); err != nil {
				h.log.WithError(err).Error("handling message failed")
			}
			nextBeat = time.Now().Add(h.heartbeatInterval)
		} else if now := time.Now(); now.After(nextBeat) {
			h.heartbeat()
			nextBeat = now.Add(h.heartbeatInterval)
		}
		if h.OnTick != nil && h.TickInterval > 0 {
			if now := time.Now(); now.After(nextTick) {
				h.OnTick()
				nextTick = now.Add(h.TickInterval)
			}
		}
	}
}

// heartbeat sends an empty message to refresh the liveness timestamp.
func (h *Handler) heartbeat() {
	h.log.Debug("heartbeating")
	if err := h.Send(coordinatorName, nil, nil); err != nil {
		h.log.WithError(err).Error("heartbeat failed")
	}
}

func (h *Handler) handleMessage() error {
	frames, err := h.sock.RecvMessage()
	if err != nil {
		return err
	}
	m, err := msg.FromFrames(frames)
	if err != nil {
		return err
	}
	if len(m.Payload) == 0 || len(m.Payload[0]) == 0 {
		return nil // heartbeat
	}
	data, err := msg.DeserializeData(m.Payload[0])
	if err != nil {
		return errors.Wrap(err, "payload decoding error")
	}
	var reply []msg.Command
	for _, command := range data {
		switch command.Verb() {
		case "":
			continue
		case msg.Acknowledge:
			h.learnNamespace(m)
			if h.OnReply != nil {
				h.OnReply(m, command)
			}
		case msg.Error:
			h.log.WithField("error", fmt.Sprint([]any(command))).Warn("coordinator reported an error")
		case msg.Ping:
			h.heartbeat()
		case msg.Off:
			reply = append(reply, msg.Cmd(msg.Acknowledge))
			h.Stop()
		default:
			if h.OnCommand != nil {
				if r := h.OnCommand(m, command); r != nil {
					reply = append(reply, r)
				}
			}
		}
	}
	if len(reply) == 0 {
		return nil
	}
	return h.Send(string(m.Sender()), m.ConversationID(), reply)
}

// learnNamespace extracts the own namespace from the sign-in
// acknowledgement of the Coordinator.
func (h *Handler) learnNamespace(m *msg.Message) {
	if len(h.namespace) > 0 {
		return
	}
	ns, name := msg.SplitName(m.Sender(), nil)
	if bytes.Equal(name, []byte(coordinatorName)) && len(ns) > 0 {
		h.namespace = append([]byte(nil), ns...)
		h.log.WithField("namespace", string(ns)).Info("signed in")
	}
}
