package link

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	xnetutil "golang.org/x/net/netutil"

	"github.com/tafallen/ProjectTeleprinter/internal/ioutil"
	"github.com/tafallen/ProjectTeleprinter/internal/netutil"
	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

// ErrUnknownNeighbor is returned for sends to a neighbor missing from
// the configuration.
var ErrUnknownNeighbor = errors.New("unknown neighbor")

const inboundReadTimeout = 5 * time.Minute

// Neighbor is one configured mesh neighbor. The id is the neighbor's
// own XXXY node address, which is how inbound sessions identify
// themselves.
type Neighbor struct {
	ID   string
	Addr string
}

// IngestFunc receives every message arriving on an inbound session,
// tagged with the neighbor it arrived from. Returning an error rejects
// the frame; duplicates must be absorbed silently and return nil.
type IngestFunc func(neighborID string, msg *telex.Message) error

// ManagerConfig configures a link Manager.
type ManagerConfig struct {
	Local      telex.Addr
	ListenAddr string

	// MaxConns bounds concurrent inbound connections. 0 means no limit.
	MaxConns int

	Neighbors []Neighbor
	Backoff   netutil.Backoff
}

// Status is a point-in-time view of one neighbor link.
type Status struct {
	NeighborID string    `json:"neighbor_id"`
	Addr       string    `json:"addr"`
	State      string    `json:"state"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// Manager owns one managed Link per configured neighbor plus the
// listener for inbound sessions.
type Manager struct {
	log *logging.Logger

	cfg    ManagerConfig
	links  map[string]*Link
	ingest IngestFunc

	listener net.Listener

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewManager constructs a Manager. ingest is called for every inbound
// message frame.
func NewManager(cfg ManagerConfig, ingest IngestFunc) *Manager {
	links := make(map[string]*Link, len(cfg.Neighbors))
	for _, n := range cfg.Neighbors {
		links[n.ID] = NewLink(n.ID, n.Addr, cfg.Local, cfg.Backoff)
	}
	return &Manager{
		log:    logging.MustGetLogger("linkman"),
		cfg:    cfg,
		links:  links,
		ingest: ingest,
		done:   make(chan struct{}),
	}
}

// Serve starts the listener and every neighbor link. It returns once
// the listener is up; session upkeep continues in the background.
func (m *Manager) Serve() error {
	lis, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %v", m.cfg.ListenAddr, err)
	}
	if m.cfg.MaxConns > 0 {
		lis = xnetutil.LimitListener(lis, m.cfg.MaxConns)
	}
	m.listener = lis
	m.log.Infof("Listening on %s", lis.Addr())

	m.wg.Add(1)
	go m.acceptLoop()

	for _, l := range m.links {
		m.wg.Add(1)
		go func(l *Link) {
			defer m.wg.Done()
			l.Serve()
		}(l)
	}
	return nil
}

// Close stops the listener and every link. In-progress attempts are
// aborted; their outcomes resolve to TimedOut so the coordinator
// reverts the messages to pending.
func (m *Manager) Close() error {
	m.once.Do(func() {
		close(m.done)
		if m.listener != nil {
			m.listener.Close() // nolint: errcheck
		}
		for _, l := range m.links {
			l.Close()
		}
	})
	m.wg.Wait()
	return nil
}

// Send delivers msg to the given neighbor and reports the hop outcome.
func (m *Manager) Send(neighborID string, msg *telex.Message, timeout time.Duration) (Outcome, error) {
	l, ok := m.links[neighborID]
	if !ok {
		return TimedOut, ErrUnknownNeighbor
	}
	return l.Send(msg, timeout)
}

// Addr returns the bound listener address, or empty before Serve.
func (m *Manager) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Statuses reports the state of every configured neighbor link.
func (m *Manager) Statuses() []Status {
	statuses := make([]Status, 0, len(m.cfg.Neighbors))
	for _, n := range m.cfg.Neighbors {
		l := m.links[n.ID]
		statuses = append(statuses, Status{
			NeighborID: n.ID,
			Addr:       n.Addr,
			State:      l.State().String(),
			LastSeen:   l.LastSeen(),
		})
	}
	return statuses
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
				m.log.Warnf("Failed to accept connection: %v", err)
				continue
			}
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.serveConn(conn)
		}()
	}
}

// serveConn handles one inbound session: a hello frame identifying
// the neighbor, then message frames, each answered with an ack.
func (m *Manager) serveConn(conn net.Conn) {
	defer conn.Close() // nolint: errcheck

	rw := ioutil.NewLenReadWriter(conn)

	if err := conn.SetReadDeadline(time.Now().Add(dialTimeout)); err != nil {
		return
	}
	raw, err := rw.ReadPacket()
	if err != nil {
		m.log.Warnf("Inbound session from %s closed before hello: %v", conn.RemoteAddr(), err)
		return
	}
	remote, err := DecodeHello(raw)
	if err != nil {
		m.log.Warnf("Inbound session from %s sent bad hello: %v", conn.RemoteAddr(), err)
		return
	}
	neighborID := remote.String()
	m.log.Infof("Inbound session from neighbor %s (%s)", neighborID, conn.RemoteAddr())

	for {
		select {
		case <-m.done:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(inboundReadTimeout)); err != nil {
			return
		}
		raw, err := rw.ReadPacket()
		if err != nil {
			m.log.Debugf("Inbound session from %s ended: %v", neighborID, err)
			return
		}

		msg, err := DecodeMessage(raw)
		code := AckAccept
		var fp telex.Fingerprint
		if err != nil {
			m.log.Warnf("Bad message frame from %s: %v", neighborID, err)
			code = AckReject
		} else {
			fp = msg.Fingerprint
			msg.SeenVia = neighborID
			if err := m.ingest(neighborID, msg); err != nil {
				m.log.Warnf("Failed to ingest message %s from %s: %v", fp, neighborID, err)
				code = AckReject
			}
		}

		if l, ok := m.links[neighborID]; ok {
			// Inbound traffic also proves the neighbor is alive.
			l.markSeen()
		}

		if err := conn.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
			return
		}
		if err := rw.WritePacket(EncodeAck(fp, code)); err != nil {
			m.log.Warnf("Failed to ack message from %s: %v", neighborID, err)
			return
		}
	}
}
