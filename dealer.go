package leco

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/pymeasure/goleco/zsock"
)

type dealerState int

const (
	dealerWaitingAck dealerState = iota
	dealerActive
	dealerClosed
)

func (s dealerState) String() string {
	switch s {
	case dealerWaitingAck:
		return "WAITING_ACK"
	case dealerActive:
		return "ACTIVE"
	case dealerClosed:
		return "CLOSED"
	}
	return ""
}

// dealer is the outbound socket to one remote Coordinator. Until the
// sign-in acknowledgement reveals the true namespace of the peer it is
// keyed by a temporary token and parked in the waiting set.
type dealer struct {
	sock     zsock.Socket
	endpoint string
	state    dealerState
}

// newDealer connects a fresh DEALER socket to a peer router endpoint.
func newDealer(ctx zsock.Context, host string, port int) (*dealer, error) {
	sock, err := ctx.NewSocket(zsock.Dealer)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("tcp://%s:%d", host, port)
	if err = sock.Connect(endpoint); err != nil {
		sock.Close()
		return nil, errors.Wrapf(err, "connecting dealer to %s", endpoint)
	}
	return &dealer{sock: sock, endpoint: endpoint, state: dealerWaitingAck}, nil
}

// send passes one frame group to the peer.
func (d *dealer) send(frames [][]byte) error {
	if d.state == dealerClosed {
		return errors.New("dealer is closed")
	}
	return d.sock.SendMessage(frames)
}

// close disconnects the dealer. No more messages will be sent to the
// peer until a new dealer is created.
func (d *dealer) close() {
	if d.state != dealerClosed {
		d.sock.Close()
		d.state = dealerClosed
	}
}
