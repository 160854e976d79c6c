// Package publisher implements the one-way data channel of the LECO
// protocol. Measurement data travels as key-value pairs over a PUB
// socket, independent of the control routing.
package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pymeasure/goleco/zsock"
)

// DefaultPort is the port of the default data proxy.
const DefaultPort = 11100

// Publisher publishes key-value data. The key is the first frame, for
// topic filtering, the second frame carries the JSON encoded value.
type Publisher struct {
	sock zsock.Socket
	log  *logrus.Entry
}

// Option configures a Publisher.
type Option func(*config)

type config struct {
	standalone bool
	logger     *logrus.Logger
	sock       zsock.Socket
}

// Standalone binds the publisher itself instead of connecting to a
// proxy server.
func Standalone() Option {
	return func(c *config) { c.standalone = true }
}

// WithLogger sets the logger the publisher logs to.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// withSocket injects a socket, for tests.
func withSocket(sock zsock.Socket) Option {
	return func(c *config) { c.sock = sock }
}

// New creates a publisher for the proxy at host and port.
func New(host string, port int, opts ...Option) (*Publisher, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logrus.StandardLogger()
	}
	if port == 0 {
		port = DefaultPort
	}
	p := &Publisher{
		sock: cfg.sock,
		log:  cfg.logger.WithField("publisher", fmt.Sprintf("%s:%d", host, port)),
	}
	if p.sock == nil {
		ctx, err := zsock.NewContext()
		if err != nil {
			return nil, err
		}
		sock, err := ctx.NewSocket(zsock.Pub)
		if err != nil {
			return nil, err
		}
		if cfg.standalone {
			err = sock.Bind(fmt.Sprintf("tcp://*:%d", port))
		} else {
			err = sock.Connect(fmt.Sprintf("tcp://%s:%d", host, port))
		}
		if err != nil {
			sock.Close()
			return nil, errors.Wrap(err, "opening publisher socket")
		}
		p.sock = sock
	}
	p.log.Info("publisher started")
	return p, nil
}

// Publish sends one key-value pair as its own message.
func (p *Publisher) Publish(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encoding value for %q", key)
	}
	return p.sock.SendMessage([][]byte{[]byte(key), encoded})
}

// PublishAll sends each pair of the map as its own message.
func (p *Publisher) PublishAll(values map[string]any) error {
	for key, value := range values {
		if err := p.Publish(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the publisher socket.
func (p *Publisher) Close() error {
	return p.sock.Close()
}
