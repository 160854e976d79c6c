// The monitor command signs in at a Coordinator as an ordinary
// component and tails the directory: it requests the list of connected
// components and known nodes in a fixed interval and prints them.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	leco "github.com/pymeasure/goleco"
	"github.com/pymeasure/goleco/client"
	"github.com/pymeasure/goleco/msg"
)

var (
	host     = flag.StringP("host", "h", "localhost", "host of the coordinator")
	port     = flag.IntP("port", "p", leco.DefaultPort, "port of the coordinator")
	name     = flag.StringP("name", "n", "monitor", "component name to sign in with")
	interval = flag.DurationP("interval", "i", 5*time.Second, "interval between directory requests")
	verbose  = flag.BoolP("verbose", "v", false, "verbose logging")
)

func main() {
	flag.Parse()

	logger := logrus.StandardLogger()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	h, err := client.New(*name, *host, *port, client.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Error("connecting failed")
		os.Exit(1)
	}
	h.OnReply = func(m *msg.Message, command msg.Command) {
		values, ok := command.Arg(0).(map[string]any)
		if !ok {
			return
		}
		fmt.Printf("directory: %v\n", values["directory"])
		fmt.Printf("nodes:     %v\n", values["nodes"])
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		h.Stop()
	}()

	h.TickInterval = *interval
	h.OnTick = func() {
		if err := h.Send("COORDINATOR", nil, []msg.Command{msg.Cmd(msg.List)}); err != nil {
			logger.WithError(err).Error("requesting directory failed")
		}
	}

	if err := h.Listen(); err != nil {
		logger.WithError(err).Error("listening failed")
		os.Exit(1)
	}
}
