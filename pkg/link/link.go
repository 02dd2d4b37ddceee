package link

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/tafallen/ProjectTeleprinter/internal/ioutil"
	"github.com/tafallen/ProjectTeleprinter/internal/netutil"
	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

// ConnState is the connection state of a neighbor link.
type ConnState int32

const (
	// Disconnected means no session is established.
	Disconnected ConnState = iota

	// Connecting means a dial is in progress.
	Connecting

	// Connected means frames can be sent.
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the result of a single delivery attempt over a link.
type Outcome int

const (
	// Acked means the neighbor confirmed receipt; this hop is complete.
	Acked Outcome = iota

	// Nacked means the neighbor rejected the frame.
	Nacked

	// TimedOut means no ack arrived within the attempt timeout.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "ACKED"
	case Nacked:
		return "NACKED"
	case TimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// ErrLinkDown is returned by Send when the link is not CONNECTED.
var ErrLinkDown = errors.New("link is not connected")

const (
	dialTimeout    = 5 * time.Second
	redialInterval = time.Second
)

// Link is a managed outbound session to one configured neighbor. It
// dials, identifies itself with a hello frame, and redials with capped
// jittered backoff whenever the session drops. Sends are serialized:
// one frame is written and acked before the next.
type Link struct {
	log *logging.Logger

	neighborID string
	remoteAddr string
	local      telex.Addr

	backoff netutil.Backoff

	connMx sync.Mutex
	conn   net.Conn
	rw     *ioutil.LenReadWriter

	state    int32
	lastSeen int64

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewLink constructs a managed link to the given neighbor.
func NewLink(neighborID, remoteAddr string, local telex.Addr, backoff netutil.Backoff) *Link {
	return &Link{
		log:        logging.MustGetLogger(fmt.Sprintf("link:%s", neighborID)),
		neighborID: neighborID,
		remoteAddr: remoteAddr,
		local:      local,
		backoff:    backoff,
		done:       make(chan struct{}),
	}
}

// NeighborID returns the neighbor this link serves.
func (l *Link) NeighborID() string { return l.neighborID }

// State returns the current connection state.
func (l *Link) State() ConnState {
	return ConnState(atomic.LoadInt32(&l.state))
}

// LastSeen returns when the neighbor last acked or connected.
func (l *Link) LastSeen() time.Time {
	n := atomic.LoadInt64(&l.lastSeen)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (l *Link) markSeen() {
	atomic.StoreInt64(&l.lastSeen, time.Now().UnixNano())
}

// Serve keeps the session established until Close. Failures return the
// link to DISCONNECTED and schedule a redial.
func (l *Link) Serve() {
	l.wg.Add(1)
	defer l.wg.Done()

	failures := 0
	ticker := time.NewTicker(redialInterval)
	defer ticker.Stop()

	for {
		if l.getConn() == nil {
			if err := l.dial(); err != nil {
				delay := l.backoff.Duration(failures)
				failures++
				l.log.Warnf("Dial %s failed: %v; next attempt in %s", l.remoteAddr, err, delay)

				select {
				case <-l.done:
					return
				case <-time.After(delay):
				}
				continue
			}
			failures = 0
		}

		select {
		case <-l.done:
			return
		case <-ticker.C:
		}
	}
}

// Close stops serving the link and drops any active session. An
// attempt in progress observes the closed connection and resolves to
// TimedOut, so its message is reverted to pending rather than stuck.
func (l *Link) Close() {
	l.once.Do(func() {
		close(l.done)
		l.clearConn()
	})
	l.wg.Wait()
}

// Send frames msg, writes it to the neighbor and awaits the matching
// ack within timeout. The hop count is incremented before framing.
func (l *Link) Send(msg *telex.Message, timeout time.Duration) (Outcome, error) {
	l.connMx.Lock()
	defer l.connMx.Unlock()

	if l.conn == nil {
		return TimedOut, ErrLinkDown
	}

	out := *msg
	out.HopCount++

	if err := l.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		l.dropConnLocked()
		return TimedOut, err
	}

	if err := l.rw.WritePacket(EncodeMessage(&out)); err != nil {
		l.dropConnLocked()
		if isTimeout(err) {
			return TimedOut, nil
		}
		return TimedOut, err
	}

	raw, err := l.rw.ReadPacket()
	if err != nil {
		l.dropConnLocked()
		if isTimeout(err) {
			return TimedOut, nil
		}
		return TimedOut, err
	}

	fp, code, err := DecodeAck(raw)
	if err != nil || fp != msg.Fingerprint {
		// Session is out of step; drop it and redial.
		l.dropConnLocked()
		return TimedOut, fmt.Errorf("unexpected ack frame: %v", err)
	}

	atomic.StoreInt64(&l.lastSeen, time.Now().UnixNano())
	if code != AckAccept {
		return Nacked, nil
	}
	return Acked, nil
}

func (l *Link) dial() error {
	atomic.StoreInt32(&l.state, int32(Connecting))

	conn, err := net.DialTimeout("tcp", l.remoteAddr, dialTimeout)
	if err != nil {
		atomic.StoreInt32(&l.state, int32(Disconnected))
		return err
	}

	rw := ioutil.NewLenReadWriter(conn)
	if err := conn.SetWriteDeadline(time.Now().Add(dialTimeout)); err != nil {
		conn.Close() // nolint: errcheck
		atomic.StoreInt32(&l.state, int32(Disconnected))
		return err
	}
	if err := rw.WritePacket(EncodeHello(l.local)); err != nil {
		conn.Close() // nolint: errcheck
		atomic.StoreInt32(&l.state, int32(Disconnected))
		return err
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		conn.Close() // nolint: errcheck
		atomic.StoreInt32(&l.state, int32(Disconnected))
		return err
	}

	l.connMx.Lock()
	l.conn = conn
	l.rw = rw
	l.connMx.Unlock()

	atomic.StoreInt32(&l.state, int32(Connected))
	atomic.StoreInt64(&l.lastSeen, time.Now().UnixNano())
	l.log.Infof("Connected to neighbor %s at %s", l.neighborID, l.remoteAddr)
	return nil
}

func (l *Link) getConn() net.Conn {
	l.connMx.Lock()
	defer l.connMx.Unlock()
	return l.conn
}

func (l *Link) clearConn() {
	l.connMx.Lock()
	defer l.connMx.Unlock()
	l.dropConnLocked()
}

func (l *Link) dropConnLocked() {
	if l.conn != nil {
		l.conn.Close() // nolint: errcheck
		l.conn = nil
		l.rw = nil
	}
	atomic.StoreInt32(&l.state, int32(Disconnected))
}

func isTimeout(err error) bool {
	var nErr net.Error
	return errors.As(err, &nErr) && nErr.Timeout()
}
