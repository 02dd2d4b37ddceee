// Package node wires the relay together: the message store, the
// routing table, the neighbor links and the forwarding coordinator,
// plus the operator HTTP API.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/tafallen/ProjectTeleprinter/internal/metrics"
	"github.com/tafallen/ProjectTeleprinter/internal/netutil"
	"github.com/tafallen/ProjectTeleprinter/pkg/link"
	"github.com/tafallen/ProjectTeleprinter/pkg/relay"
	"github.com/tafallen/ProjectTeleprinter/pkg/router"
	"github.com/tafallen/ProjectTeleprinter/pkg/store"
	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

// ErrUnknownMachine is returned for machine digits outside 1-9.
var ErrUnknownMachine = errors.New("unknown machine digit")

// spoolSize bounds undelivered local messages; a full spool fails the
// attempt and the message stays queued in the store.
const spoolSize = 64

// Delivery is one message handed to a local machine. The hardware
// integration drains these from Deliveries.
type Delivery struct {
	Machine byte
	Message *telex.Message
}

type spool struct {
	ch chan Delivery
}

func (s *spool) Deliver(machine byte, msg *telex.Message) error {
	select {
	case s.ch <- Delivery{Machine: machine, Message: msg}:
		return nil
	default:
		return errors.New("local spool full")
	}
}

// Node is the assembled relay exchange.
type Node struct {
	conf   *Config
	logger *logging.MasterLogger
	log    *logging.Logger
	m      metrics.Recorder

	addr     telex.Addr
	store    store.Store
	machines *router.MachineSet
	router   *router.Router
	links    *link.Manager
	relay    *relay.Coordinator
	spool    *spool

	srv    *http.Server
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// New assembles a Node from config. A nil recorder disables metrics.
func New(conf *Config, masterLogger *logging.MasterLogger, m metrics.Recorder) (*Node, error) {
	if masterLogger == nil {
		masterLogger = logging.NewMasterLogger()
	}
	if m == nil {
		m = metrics.NewDummy()
	}

	node := &Node{
		conf:   conf,
		logger: masterLogger,
		log:    masterLogger.PackageLogger("node"),
		m:      m,
		spool:  &spool{ch: make(chan Delivery, spoolSize)},
	}

	addr, err := conf.LocalAddr()
	if err != nil {
		return nil, fmt.Errorf("invalid node address: %v", err)
	}
	node.addr = addr

	switch conf.Store.Type {
	case "memory":
		node.store = store.InMemory()
	case "boltdb":
		s, err := store.BoltDB(conf.Store.Location)
		if err != nil {
			return nil, fmt.Errorf("failed to open message store: %v", err)
		}
		node.store = s
	default:
		return nil, fmt.Errorf("unknown store type %q", conf.Store.Type)
	}

	machines, err := machineSet(conf.Machines)
	if err != nil {
		return nil, err
	}
	node.machines = machines

	neighbors := make([]link.Neighbor, 0, len(conf.Links.Neighbors))
	ids := make([]string, 0, len(conf.Links.Neighbors))
	for _, nc := range conf.Links.Neighbors {
		peer, err := telex.ParseAddr(nc.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid neighbor address %q: %v", nc.Address, err)
		}
		if peer.Location == addr.Location {
			return nil, fmt.Errorf("neighbor %q shares this node's location", nc.Address)
		}
		neighbors = append(neighbors, link.Neighbor{ID: peer.String(), Addr: nc.Addr})
		ids = append(ids, peer.String())
	}

	table, err := router.NewTable(conf.Routing.Routes, ids)
	if err != nil {
		return nil, fmt.Errorf("invalid routing table: %v", err)
	}
	node.router = router.New(addr, table, machines)

	node.links = link.NewManager(link.ManagerConfig{
		Local:      addr,
		ListenAddr: conf.Links.ListenAddr,
		MaxConns:   conf.Links.MaxConns,
		Neighbors:  neighbors,
		Backoff:    netutil.DefaultBackoff(),
	}, node.ingest)

	node.relay = relay.New(node.store, node.router, node.links, node.spool, m, relay.Config{
		BatchSize:     conf.Relay.BatchSize,
		Interval:      time.Duration(conf.Relay.Interval),
		SweepInterval: time.Duration(conf.Relay.SweepInterval),
		SendTimeout:   time.Duration(conf.Links.SendTimeout),
		RetryCeiling:  conf.Relay.RetryCeiling,
	})

	return node, nil
}

// Start brings up the link manager, the forwarding coordinator and,
// when configured, the HTTP API. It returns once everything is up.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)

	if err := n.links.Serve(); err != nil {
		return fmt.Errorf("failed to start link manager: %v", err)
	}
	n.log.Infof("Exchange %s listening on %s", n.addr, n.links.Addr())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.relay.Serve(ctx); err != nil {
			n.log.Errorf("Forwarding coordinator failed: %v", err)
		}
	}()

	if n.conf.Interfaces.HTTPAddress != "" {
		n.srv = &http.Server{
			Addr:              n.conf.Interfaces.HTTPAddress,
			Handler:           n.apiHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.log.Errorf("HTTP API failed: %v", err)
			}
		}()
		n.log.Infof("HTTP API on %s", n.conf.Interfaces.HTTPAddress)
	}

	return nil
}

// Close stops the node and releases the store.
func (n *Node) Close() error {
	var err error
	n.once.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		if n.srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if sErr := n.srv.Shutdown(shutdownCtx); sErr != nil {
				err = sErr
			}
		}
		if lErr := n.links.Close(); lErr != nil && err == nil {
			err = lErr
		}
		n.wg.Wait()
		if sErr := n.store.Close(); sErr != nil && err == nil {
			err = sErr
		}
	})
	return err
}

// Addr returns the node's exchange address.
func (n *Node) Addr() telex.Addr {
	return n.addr
}

// LinkAddr returns the address the link listener is bound to. Useful
// when the configured listen address picks an ephemeral port.
func (n *Node) LinkAddr() string {
	return n.links.Addr()
}

// Deliveries exposes messages routed to local machines. The hardware
// integration must drain this channel.
func (n *Node) Deliveries() <-chan Delivery {
	return n.spool.ch
}

// Enqueue accepts a locally submitted message. It reports whether the
// message was fresh; a duplicate fingerprint is absorbed.
func (n *Node) Enqueue(origin, destination string, payload []byte) (*telex.Message, bool, error) {
	o, err := telex.ParseOrigin(origin)
	if err != nil {
		return nil, false, fmt.Errorf("invalid origin: %v", err)
	}
	dest, err := telex.ParseAddr(destination)
	if err != nil {
		return nil, false, fmt.Errorf("invalid destination: %v", err)
	}

	msg := telex.NewMessage(o, dest, payload)
	msg.ExpiresAt = msg.CreatedAt.Add(time.Duration(n.conf.Relay.TTL))
	msg.MaxHops = n.conf.Relay.MaxHops

	fresh, err := n.store.Enqueue(msg)
	if err != nil {
		return nil, false, err
	}
	if fresh {
		n.m.Enqueued()
		n.log.Infof("Accepted %s for %s", msg.Fingerprint, msg.Destination)
	}
	return msg, fresh, nil
}

// Message looks up a stored message by fingerprint.
func (n *Node) Message(fp telex.Fingerprint) (*telex.Message, error) {
	return n.store.Get(fp)
}

// SetMachineOnline flips a local machine's availability. Digits outside
// 1-9 are rejected; 0 is the wildcard, never a machine.
func (n *Node) SetMachineOnline(digit byte, online bool) error {
	if digit < 1 || digit > 9 {
		return ErrUnknownMachine
	}
	n.machines.SetOnline(digit, online)
	n.log.Infof("Machine %d now %s", digit, onlineWord(online))
	return nil
}

// Summary is the operator-facing snapshot of the exchange.
type Summary struct {
	Address  string        `json:"address"`
	Machines []string      `json:"machines_online"`
	Links    []link.Status `json:"links"`
	Queue    store.Stats   `json:"queue"`
}

// Summary reports the node's current state.
func (n *Node) Summary() (*Summary, error) {
	stats, err := n.store.Stats()
	if err != nil {
		return nil, err
	}
	online := n.machines.Online()
	machines := make([]string, len(online))
	for i, d := range online {
		machines[i] = string('0' + d)
	}
	return &Summary{
		Address:  n.addr.String(),
		Machines: machines,
		Links:    n.links.Statuses(),
		Queue:    stats,
	}, nil
}

// ingest stores a message arriving from a neighbor. Duplicates are
// absorbed so the sender still gets its ack.
func (n *Node) ingest(neighborID string, msg *telex.Message) error {
	fresh, err := n.store.Enqueue(msg)
	if err != nil {
		n.log.Warnf("Rejected message %s from %s: %v", msg.Fingerprint, neighborID, err)
		return err
	}
	if !fresh {
		n.log.Debugf("Duplicate %s from %s absorbed", msg.Fingerprint, neighborID)
		return nil
	}
	n.m.Enqueued()
	return nil
}

func machineSet(digits []string) (*router.MachineSet, error) {
	set := router.NewMachineSet()
	for _, d := range digits {
		if len(d) != 1 || d[0] < '1' || d[0] > '9' {
			return nil, fmt.Errorf("invalid machine digit %q", d)
		}
		set.SetOnline(d[0]-'0', true)
	}
	return set, nil
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
