package leco

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pymeasure/goleco/zsock"
)

// Option configures a Coordinator before it binds.
type Option func(*Coordinator)

// WithNamespace sets the namespace of the Coordinator. Defaults to the
// hostname.
func WithNamespace(namespace string) Option {
	return func(c *Coordinator) { c.namespace = []byte(namespace) }
}

// WithHost sets the host name advertised to peers. Defaults to the
// hostname.
func WithHost(host string) Option {
	return func(c *Coordinator) { c.host = host }
}

// WithPort sets the port the router endpoint binds to.
func WithPort(port int) Option {
	return func(c *Coordinator) { c.port = port }
}

// WithTimeout sets the router poll timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) { c.timeout = timeout }
}

// WithCleaningInterval sets the interval between two expiry sweeps.
func WithCleaningInterval(interval time.Duration) Option {
	return func(c *Coordinator) { c.cleaningInterval = interval }
}

// WithExpiration sets the time after which a silent component is pinged
// and after twice of which it is forgotten.
func WithExpiration(expiration time.Duration) Option {
	return func(c *Coordinator) { c.expiration = expiration }
}

// WithContext sets the socket context, e.g. a fake one for tests.
func WithContext(ctx zsock.Context) Option {
	return func(c *Coordinator) { c.ctx = ctx }
}

// WithLogger sets the logger the Coordinator logs to.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}
