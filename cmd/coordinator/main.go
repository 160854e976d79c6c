// The coordinator command runs a LECO Coordinator: it binds the router
// endpoint, optionally connects to peer Coordinators and routes
// messages until an OFF command or an interrupt.
package main

import (
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	leco "github.com/pymeasure/goleco"
)

var (
	host         = flag.StringP("host", "h", "", "host name advertised to peers, defaults to the hostname")
	namespace    = flag.StringP("namespace", "n", "", "namespace of this node, defaults to the hostname")
	port         = flag.IntP("port", "p", leco.DefaultPort, "port the router endpoint binds to")
	coordinators = flag.StringArrayP("coordinator", "c", nil, "peer coordinator host[:port] to connect to, repeatable")
	verbose      = flag.BoolP("verbose", "v", false, "verbose logging")
)

func main() {
	flag.Parse()

	logger := logrus.StandardLogger()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	opts := []leco.Option{
		leco.WithPort(*port),
		leco.WithLogger(logger),
	}
	if *host != "" {
		opts = append(opts, leco.WithHost(*host))
	}
	if *namespace != "" {
		opts = append(opts, leco.WithNamespace(*namespace))
	}

	c, err := leco.New(opts...)
	if err != nil {
		logger.WithError(err).Error("starting coordinator failed")
		os.Exit(1)
	}

	for _, peer := range *coordinators {
		peerHost, peerPort := splitPeer(peer)
		c.AddCoordinator(peerHost, peerPort)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		c.Stop()
	}()

	if err := c.Run(); err != nil {
		logger.WithError(err).Error("coordinator failed")
		os.Exit(1)
	}
}

func splitPeer(peer string) (string, int) {
	host, portStr, err := net.SplitHostPort(peer)
	if err != nil {
		return peer, leco.DefaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, leco.DefaultPort
	}
	return host, port
}
