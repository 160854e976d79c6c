// Package leco implements the routing node of the LECO laboratory
// experiment control protocol. A Coordinator binds a ROUTER endpoint for
// local components and inbound peer Coordinators, keeps one DEALER
// socket per remote namespace, and delivers addressed messages between
// them under a liveness protocol.
package leco

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pymeasure/goleco/msg"
	"github.com/pymeasure/goleco/zsock"
)

// DefaultPort is the port a Coordinator binds to unless configured.
const DefaultPort = 12300

// coordinatorName is the reserved receiver name of the Coordinator
// within its namespace.
const coordinatorName = "COORDINATOR"

// signInPayload is the only payload an unknown identity may deliver.
var signInPayload = []byte(`[["SI"]]`)

// Coordinator routes messages among connected components and federates
// with peer Coordinators in other namespaces. All sockets and maps are
// owned exclusively by the goroutine running the routing loop.
type Coordinator struct {
	namespace []byte
	fullName  []byte // namespace.COORDINATOR
	host      string
	port      int

	timeout          time.Duration
	cleaningInterval time.Duration
	expiration       time.Duration

	ctx  zsock.Context
	sock zsock.Socket

	directory  map[string][]byte    // component name -> router identity
	heartbeats map[string]time.Time // component name -> last seen

	nodeIdentities  map[string][]byte    // router identity -> namespace
	nodeHeartbeats  map[string]time.Time // router identity -> last seen
	dealers         map[string]*dealer   // namespace or temporary key -> dealer
	waiting         map[string]*dealer   // dealers awaiting the sign-in acknowledgement
	nodeAddresses   map[string]string    // namespace -> host:port
	globalDirectory map[string][]string  // namespace -> component names

	running  bool
	stop     chan struct{}
	stopOnce sync.Once

	logger *logrus.Logger
	log    *logrus.Entry

	// injected for tests
	now     func() time.Time
	tempKey func() string
}

// New creates a Coordinator and binds its router endpoint. A failure to
// bind is fatal.
func New(opts ...Option) (*Coordinator, error) {
	hostname, _ := os.Hostname()
	c := &Coordinator{
		namespace:        []byte(hostname),
		host:             hostname,
		port:             DefaultPort,
		timeout:          50 * time.Millisecond,
		cleaningInterval: 5 * time.Second,
		expiration:       15 * time.Second,
		directory:        make(map[string][]byte),
		heartbeats:       make(map[string]time.Time),
		nodeIdentities:   make(map[string][]byte),
		nodeHeartbeats:   make(map[string]time.Time),
		dealers:          make(map[string]*dealer),
		waiting:          make(map[string]*dealer),
		nodeAddresses:    make(map[string]string),
		globalDirectory:  make(map[string][]string),
		stop:             make(chan struct{}),
		now:              time.Now,
		tempKey:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fullName = msg.JoinName(c.namespace, []byte(coordinatorName))
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	c.log = c.logger.WithField("namespace", string(c.namespace))
	if c.ctx == nil {
		ctx, err := zsock.NewContext()
		if err != nil {
			return nil, err
		}
		c.ctx = ctx
	}
	sock, err := c.ctx.NewSocket(zsock.Router)
	if err != nil {
		return nil, err
	}
	if err = sock.Bind(fmt.Sprintf("tcp://*:%d", c.port)); err != nil {
		sock.Close()
		return nil, errors.Wrapf(err, "binding router to port %d", c.port)
	}
	c.sock = sock
	c.nodeAddresses[string(c.namespace)] = fmt.Sprintf("%s:%d", c.host, c.port)
	c.log.WithField("port", c.port).Info("coordinator listening")
	return c, nil
}

// Namespace returns the namespace of the Coordinator.
func (c *Coordinator) Namespace() string { return string(c.namespace) }

// AddCoordinator connects to a peer Coordinator and starts the sign-in
// handshake. Call it before Run or from within the routing goroutine.
func (c *Coordinator) AddCoordinator(host string, port int) {
	c.addCoordinator(host, port, "")
}

func (c *Coordinator) addCoordinator(host string, port int, key string) {
	if port == 0 {
		port = DefaultPort
	}
	if key == "" {
		key = c.tempKey()
	}
	log := c.log.WithFields(logrus.Fields{"peer": key, "host": host, "port": port})
	d, err := newDealer(c.ctx, host, port)
	if err != nil {
		log.WithError(err).Error("connecting to peer coordinator failed")
		return
	}
	log.Debug("adding dealer for peer coordinator")
	frames, err := c.compose([]byte(coordinatorName), nil, []msg.Command{
		msg.Cmd(msg.CoSignIn, map[string]any{"host": c.host, "port": c.port}),
	})
	if err == nil {
		err = d.send(frames)
	}
	if err != nil {
		log.WithError(err).Error("sending coordinator sign-in failed")
		d.close()
		return
	}
	c.dealers[key] = d
	c.waiting[key] = d
	c.nodeAddresses[key] = fmt.Sprintf("%s:%d", host, port)
}

// Stop requests a graceful shutdown. It may be called from any
// goroutine; the routing loop honors it at the top of its next cycle.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run routes messages until an OFF command or Stop. It owns all sockets
// and maps while it runs.
func (c *Coordinator) Run() error {
	c.running = true
	defer c.sock.Close()
	nextClean := c.now().Add(c.cleaningInterval)
	for c.running {
		select {
		case <-c.stop:
			c.running = false
			continue
		default:
		}
		ready, err := c.sock.Poll(c.timeout)
		if err != nil {
			return errors.Wrap(err, "polling router")
		}
		if ready {
			frames, err := c.sock.RecvMessage()
			if err != nil {
				c.log.WithError(err).Error("receiving frames failed")
			} else if len(frames) > 0 {
				c.deliver(frames[0], frames[1:])
			}
		}
		for _, key := range c.waitingKeys() {
			d, ok := c.waiting[key]
			if !ok {
				continue
			}
			ready, err := d.sock.Poll(0)
			if err != nil || !ready {
				continue
			}
			c.handleDealerReply(d, key)
		}
		if now := c.now(); !now.Before(nextClean) {
			c.cleanAddresses(c.expiration)
			nextClean = now.Add(c.cleaningInterval)
		}
	}
	c.signOut()
	c.log.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) waitingKeys() []string {
	keys := make([]string, 0, len(c.waiting))
	for key := range c.waiting {
		keys = append(keys, key)
	}
	return keys
}

// deliver dispatches one frame group. A nil sourceIdentity marks frames
// composed by the Coordinator itself, which skip authentication.
func (c *Coordinator) deliver(sourceIdentity []byte, frames [][]byte) {
	m, err := msg.FromFrames(frames)
	if err != nil {
		c.log.WithError(err).Error("dropping message")
		return
	}
	rNS, rName := msg.SplitName(m.Receiver(), c.namespace)
	sNS, sName := msg.SplitName(m.Sender(), c.namespace)
	cid := m.ConversationID()
	c.log.WithFields(logrus.Fields{
		"sender":   string(m.Sender()),
		"receiver": string(m.Receiver()),
	}).Debug("routing message")

	// Authenticate the sender and refresh its heartbeat.
	if len(sourceIdentity) > 0 {
		if bytes.Equal(sNS, c.namespace) {
			name := string(sName)
			if id, ok := c.directory[name]; ok && bytes.Equal(id, sourceIdentity) {
				c.heartbeats[name] = c.now()
			} else if c.isSignIn(m.Payload) || name == coordinatorName {
				// signing in, no heartbeat yet
			} else {
				c.log.WithField("sender", string(m.Sender())).Error("message from not signed in component")
				c.sendMessageRaw(sourceIdentity, m.Sender(), cid,
					[]msg.Command{msg.Cmd(msg.Error, msg.ErrNotSignedIn)})
				return
			}
		} else if string(sName) == coordinatorName || c.isPeerIdentity(sourceIdentity) {
			c.nodeHeartbeats[string(sourceIdentity)] = c.now()
		} else {
			c.log.WithField("sender", string(m.Sender())).Error("message from not signed in component")
			c.sendMessageRaw(sourceIdentity, m.Sender(), cid,
				[]msg.Command{msg.Cmd(msg.Error, msg.ErrNotSignedIn)})
			return
		}
	}

	// Route the message.
	switch {
	case !bytes.Equal(rNS, c.namespace):
		d, ok := c.dealers[string(rNS)]
		if !ok {
			c.sendMessage(m.Sender(), cid,
				[]msg.Command{msg.Cmd(msg.Error, msg.ErrNodeUnknown, string(rNS))})
			return
		}
		// forward the frame group unchanged
		if err := d.send(frames); err != nil {
			c.log.WithError(err).WithField("peer", string(rNS)).Error("forwarding to peer failed")
			c.removeCoordinator(string(rNS), c.identityOf(string(rNS)))
		}
	case len(rName) == 0 || string(rName) == coordinatorName:
		c.handleCommands(sourceIdentity, m, sNS, sName)
	default:
		id, ok := c.directory[string(rName)]
		if !ok {
			c.log.WithField("receiver", string(m.Receiver())).Error("receiver is not in the addresses list")
			c.sendMessage(m.Sender(), cid,
				[]msg.Command{msg.Cmd(msg.Error, msg.ErrReceiverUnknown, string(m.Receiver()))})
			return
		}
		withIdentity := make([][]byte, 0, len(frames)+1)
		withIdentity = append(withIdentity, id)
		withIdentity = append(withIdentity, frames...)
		if err := c.sock.SendMessage(withIdentity); err != nil {
			c.log.WithError(err).Error("delivering to component failed")
		}
	}
}

func (c *Coordinator) isSignIn(payload [][]byte) bool {
	return len(payload) == 1 && bytes.Equal(payload[0], signInPayload)
}

func (c *Coordinator) isPeerIdentity(identity []byte) bool {
	_, ok := c.nodeIdentities[string(identity)]
	return ok
}

// identityOf returns the router identity of the peer occupying the
// namespace, empty when none is known.
func (c *Coordinator) identityOf(namespace string) string {
	for identity, ns := range c.nodeIdentities {
		if string(ns) == namespace {
			return identity
		}
	}
	return ""
}

// handleCommands executes a batch of commands addressed to the
// Coordinator itself and replies with a mirrored batch.
func (c *Coordinator) handleCommands(sourceIdentity []byte, m *msg.Message, sNS, sName []byte) {
	if len(m.Payload) == 0 || len(m.Payload[0]) == 0 {
		return // pure heartbeat
	}
	data, err := msg.DeserializeData(m.Payload[0])
	if err != nil {
		c.log.WithError(err).Error("payload decoding error")
		return
	}
	cid := m.ConversationID()
	sender := m.Sender()
	var reply []msg.Command
	var off bool
	for _, command := range data {
		switch command.Verb() {
		case "":
			continue

		case msg.SignIn:
			name := string(sName)
			if _, taken := c.directory[name]; taken || name == coordinatorName {
				c.log.WithField("name", name).Info("rejecting sign in, name already taken")
				c.sendMessageRaw(sourceIdentity, sender, cid,
					[]msg.Command{msg.Cmd(msg.Error, msg.ErrDuplicateName)})
				return
			}
			c.log.WithField("name", name).Info("new component signed in")
			c.directory[name] = append([]byte(nil), sourceIdentity...)
			c.heartbeats[name] = c.now()
			reply = append(reply, msg.Cmd(msg.Acknowledge))

		case msg.SignOut:
			name := string(sName)
			if id, ok := c.directory[name]; ok && bytes.Equal(id, sourceIdentity) {
				delete(c.directory, name)
				delete(c.heartbeats, name)
				c.log.WithField("name", name).Info("component signed out")
				reply = append(reply, msg.Cmd(msg.Acknowledge))
			}

		case msg.CoSignIn:
			ns := string(sNS)
			if _, exists := c.dealers[ns]; exists || c.identityOf(ns) != "" {
				c.log.WithField("peer", ns).Info("rejecting peer sign in, namespace already taken")
				c.sendMessageRaw(sourceIdentity, sender, cid,
					[]msg.Command{msg.Cmd(msg.Error, msg.ErrDuplicateName)})
				return
			}
			c.nodeIdentities[string(sourceIdentity)] = append([]byte(nil), sNS...)
			c.nodeHeartbeats[string(sourceIdentity)] = c.now()
			c.recordPeerAddress(ns, command.Arg(0))
			c.log.WithField("peer", ns).Info("peer coordinator signed in")
			c.sendMessageRaw(sourceIdentity, sender, cid,
				[]msg.Command{msg.Cmd(msg.Acknowledge)})
			return

		case msg.CoSignOut:
			ns := string(sNS)
			identity := c.identityOf(ns)
			if identity == "" {
				return // peer already removed
			}
			if identity != string(sourceIdentity) {
				c.sendMessageRaw(sourceIdentity, sender, cid,
					[]msg.Command{msg.Cmd(msg.Error, msg.ErrExecutionFailed, msg.ErrNotYou)})
				return
			}
			if d, ok := c.dealers[ns]; ok {
				frames, err := c.compose(sender, cid, []msg.Command{msg.Cmd(msg.CoSignOut)})
				if err == nil {
					d.send(frames)
				}
			}
			c.removeCoordinator(ns, identity)
			c.log.WithField("peer", ns).Info("peer coordinator signed out")
			return

		case msg.Ping:
			// heartbeat update already performed

		case msg.Off:
			reply = append(reply, msg.Cmd(msg.Acknowledge))
			off = true

		case msg.Clear:
			c.cleanAddresses(0)
			reply = append(reply, msg.Cmd(msg.Acknowledge))

		case msg.List:
			reply = append(reply, msg.Cmd(msg.Acknowledge, c.composeDirectory()))

		case msg.Set:
			if err := c.handleSet(sNS, command); err != nil {
				c.log.WithError(err).Error("executing set command failed")
				reply = append(reply, msg.Cmd(msg.Error, msg.ErrExecutionFailed))
				continue
			}
			reply = append(reply, msg.Cmd(msg.Acknowledge))

		default:
			// not a Coordinator operation, ignore
		}
	}
	if len(reply) > 0 {
		if bytes.Equal(sNS, c.namespace) {
			c.sendMessageRaw(sourceIdentity, sender, cid, reply)
		} else {
			c.sendMessage(sender, cid, reply)
		}
	}
	if off {
		c.signOut()
		c.running = false
	}
}

// handleSet applies a SET command: overwrite the global directory entry
// of the sending namespace or connect to newly announced nodes.
func (c *Coordinator) handleSet(sNS []byte, command msg.Command) error {
	values, ok := command.Arg(0).(map[string]any)
	if !ok {
		return errors.New("set command carries no object argument")
	}
	for key, value := range values {
		switch key {
		case "directory":
			list, ok := value.([]any)
			if !ok {
				return errors.New("directory value is no list")
			}
			names := make([]string, 0, len(list))
			for _, entry := range list {
				if name, ok := entry.(string); ok {
					names = append(names, name)
				}
			}
			c.globalDirectory[string(sNS)] = names
		case "nodes":
			nodes, ok := value.(map[string]any)
			if !ok {
				return errors.New("nodes value is no object")
			}
			for ns, addr := range nodes {
				if ns == string(c.namespace) {
					continue
				}
				if _, known := c.nodeAddresses[ns]; known {
					continue
				}
				address, ok := addr.(string)
				if !ok {
					continue
				}
				host, port, err := splitAddress(address)
				if err != nil {
					c.log.WithError(err).WithField("peer", ns).Debug("skipping unparsable node address")
					continue
				}
				c.addCoordinator(host, port, ns)
			}
		}
	}
	return nil
}

func (c *Coordinator) recordPeerAddress(namespace string, arg any) {
	values, ok := arg.(map[string]any)
	if !ok {
		return
	}
	host, _ := values["host"].(string)
	if host == "" {
		return
	}
	if _, known := c.nodeAddresses[namespace]; known {
		return
	}
	port := DefaultPort
	if p, ok := values["port"].(float64); ok && p > 0 {
		port = int(p)
	}
	c.nodeAddresses[namespace] = fmt.Sprintf("%s:%d", host, port)
}

// handleDealerReply reads one message from a dealer awaiting the peer's
// sign-in acknowledgement and re-keys or discards the dealer.
func (c *Coordinator) handleDealerReply(d *dealer, tempKey string) {
	frames, err := d.sock.RecvMessage()
	if err != nil {
		c.log.WithError(err).Error("receiving dealer reply failed")
		return
	}
	m, err := msg.FromFrames(frames)
	if err != nil {
		c.log.WithError(err).Error("dropping dealer message")
		return
	}
	if len(m.Payload) == 0 {
		c.log.WithField("peer", tempKey).Warn("unknown message at dealer socket")
		return
	}
	data, err := msg.DeserializeData(m.Payload[0])
	if err != nil {
		c.log.WithError(err).Warn("unknown message at dealer socket")
		return
	}
	switch {
	case len(data) == 1 && len(data[0]) == 1 && data[0].Verb() == msg.Acknowledge:
		sNS, _ := msg.SplitName(m.Sender(), nil)
		ns := string(sNS)
		addr := c.nodeAddresses[tempKey]
		delete(c.dealers, tempKey)
		delete(c.waiting, tempKey)
		delete(c.nodeAddresses, tempKey)
		c.dealers[ns] = d
		c.nodeAddresses[ns] = addr
		d.state = dealerActive
		c.log.WithField("peer", ns).Info("signed in at peer coordinator")
		c.sendMessage(m.Sender(), nil,
			[]msg.Command{msg.Cmd(msg.Set, c.composeDirectory())})
	case len(data) == 1 && data[0].Verb() == msg.Error && data[0].Arg(0) == msg.ErrDuplicateName:
		c.log.WithField("peer", tempKey).Info("peer rejected sign in, discarding dealer")
		d.close()
		delete(c.dealers, tempKey)
		delete(c.waiting, tempKey)
	default:
		c.log.WithFields(logrus.Fields{
			"peer":   tempKey,
			"sender": string(m.Sender()),
		}).Warn("unknown message at dealer socket")
	}
}

// cleanAddresses sweeps expired directory entries and pings stale
// components and peers. A component or peer silent for more than the
// expiration is pinged, one silent for more than twice of it forgotten.
func (c *Coordinator) cleanAddresses(expiration time.Duration) {
	c.log.Debug("cleaning addresses")
	now := c.now()
	for _, name := range sortedKeys(c.heartbeats) {
		t := c.heartbeats[name]
		switch {
		case now.After(t.Add(2 * expiration)):
			c.log.WithField("name", name).Debug("component expired, removing")
			delete(c.directory, name)
			delete(c.heartbeats, name)
		case now.After(t.Add(expiration)):
			c.sendMessageRaw(c.directory[name], msg.JoinName(c.namespace, []byte(name)), nil,
				[]msg.Command{msg.Cmd(msg.Ping)})
		}
	}
	for _, identity := range sortedKeys(c.nodeHeartbeats) {
		t := c.nodeHeartbeats[identity]
		ns, known := c.nodeIdentities[identity]
		switch {
		case now.After(t.Add(2 * expiration)):
			delete(c.nodeHeartbeats, identity)
			if known {
				c.log.WithField("peer", string(ns)).Debug("peer unresponsive, removing")
				c.removeCoordinator(string(ns), identity)
			}
		case now.After(t.Add(expiration)):
			if !known {
				delete(c.nodeHeartbeats, identity)
				continue
			}
			c.log.WithField("peer", string(ns)).Debug("peer expired, pinging")
			c.sendMessage(msg.JoinName(ns, []byte(coordinatorName)), nil,
				[]msg.Command{msg.Cmd(msg.Ping)})
		}
	}
}

// removeCoordinator tears down all entries of one peer at once.
func (c *Coordinator) removeCoordinator(namespace, identity string) {
	if d, ok := c.dealers[namespace]; ok {
		d.close()
		delete(c.dealers, namespace)
	}
	delete(c.waiting, namespace)
	delete(c.nodeAddresses, namespace)
	delete(c.nodeIdentities, identity)
	delete(c.nodeHeartbeats, identity)
}

// signOut tells every peer that this Coordinator goes away and closes
// the dealers. The router endpoint stays up until the loop exits.
func (c *Coordinator) signOut() {
	for key, d := range c.dealers {
		frames, err := c.compose(msg.JoinName([]byte(key), []byte(coordinatorName)), nil,
			[]msg.Command{msg.Cmd(msg.CoSignOut)})
		if err == nil {
			d.send(frames)
		}
		d.close()
		delete(c.dealers, key)
		delete(c.waiting, key)
	}
	c.nodeIdentities = make(map[string][]byte)
	c.nodeHeartbeats = make(map[string]time.Time)
	for ns := range c.nodeAddresses {
		if ns != string(c.namespace) {
			delete(c.nodeAddresses, ns)
		}
	}
}

// composeDirectory collects the local directory and the known node
// addresses for LIST replies and directory announcements.
func (c *Coordinator) composeDirectory() map[string]any {
	names := make([]string, 0, len(c.directory))
	for name := range c.directory {
		names = append(names, name)
	}
	sort.Strings(names)
	nodes := make(map[string]string, len(c.nodeAddresses))
	for ns, addr := range c.nodeAddresses {
		nodes[ns] = addr
	}
	return map[string]any{"directory": names, "nodes": nodes}
}

func (c *Coordinator) compose(receiver, conversationID []byte, data []msg.Command) ([][]byte, error) {
	m := msg.New(receiver, c.fullName)
	m.SetHeader(msg.NewHeader(conversationID, nil))
	if len(data) > 0 {
		payload, err := msg.SerializeData(data)
		if err != nil {
			return nil, errors.Wrap(err, "serializing payload")
		}
		m.Payload = [][]byte{payload}
	}
	return m.Frames()
}

// sendMessage sends a message from the Coordinator through the normal
// routing path, which picks the correct dealer or local identity.
func (c *Coordinator) sendMessage(receiver, conversationID []byte, data []msg.Command) {
	frames, err := c.compose(receiver, conversationID, data)
	if err != nil {
		c.log.WithError(err).Error("composing message failed")
		return
	}
	c.deliver(nil, frames)
}

// sendMessageRaw sends a message directly over the router endpoint to a
// known identity.
func (c *Coordinator) sendMessageRaw(identity, receiver, conversationID []byte, data []msg.Command) {
	frames, err := c.compose(receiver, conversationID, data)
	if err != nil {
		c.log.WithError(err).Error("composing message failed")
		return
	}
	withIdentity := make([][]byte, 0, len(frames)+1)
	withIdentity = append(withIdentity, identity)
	withIdentity = append(withIdentity, frames...)
	if err := c.sock.SendMessage(withIdentity); err != nil {
		c.log.WithError(err).Error("sending over router failed")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// splitAddress parses "host" or "host:port" with the default port.
func splitAddress(address string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return address, DefaultPort, nil
	}
	port, err = strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, errors.Errorf("invalid port in address %q", address)
	}
	return host, port, nil
}
