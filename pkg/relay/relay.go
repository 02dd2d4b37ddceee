// Package relay implements the forwarding coordinator: the control
// loop that pulls pending messages from the store, asks the router for
// a plan, dispatches delivery attempts over neighbor links or to local
// machines, and records the outcomes. It also runs the TTL expiry
// sweep and owns the retry-ceiling policy.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/tafallen/ProjectTeleprinter/internal/metrics"
	"github.com/tafallen/ProjectTeleprinter/pkg/link"
	"github.com/tafallen/ProjectTeleprinter/pkg/router"
	"github.com/tafallen/ProjectTeleprinter/pkg/store"
	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

// meshAttemptID is the synthetic attempt id recorded when a flood has
// already covered every eligible neighbor and the hand-off completes.
const meshAttemptID = "mesh"

// LinkSender sends a message over a neighbor link and reports the hop
// outcome. Satisfied by *link.Manager.
type LinkSender interface {
	Send(neighborID string, msg *telex.Message, timeout time.Duration) (link.Outcome, error)
}

// LocalDelivery is the hardware interface boundary: it consumes
// messages routed to a local machine. An error leaves the message
// pending for retry.
type LocalDelivery interface {
	Deliver(machine byte, msg *telex.Message) error
}

// Config holds coordinator tunables.
type Config struct {
	BatchSize     int
	Interval      time.Duration
	SweepInterval time.Duration
	SendTimeout   time.Duration
	RetryCeiling  int
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     16,
		Interval:      time.Second,
		SweepInterval: time.Minute,
		SendTimeout:   10 * time.Second,
		RetryCeiling:  5,
	}
}

func (c *Config) ensureDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = d.RetryCeiling
	}
}

// Coordinator drives message lifecycles. All state changes go through
// the store; the coordinator never mutates a message directly.
type Coordinator struct {
	log *logging.Logger

	store  store.Store
	router *router.Router
	links  LinkSender
	local  LocalDelivery
	m      metrics.Recorder

	cfg Config
}

// New constructs a Coordinator. A nil recorder disables metrics.
func New(s store.Store, r *router.Router, links LinkSender, local LocalDelivery, m metrics.Recorder, cfg Config) *Coordinator {
	cfg.ensureDefaults()
	if m == nil {
		m = metrics.NewDummy()
	}
	return &Coordinator{
		log:    logging.MustGetLogger("relay"),
		store:  s,
		router: r,
		links:  links,
		local:  local,
		m:      m,
		cfg:    cfg,
	}
}

// Serve runs the forwarding loop until ctx is canceled. On startup it
// reverts any IN_FLIGHT leftovers from a previous process: an attempt
// whose owner crashed can never report an outcome.
func (c *Coordinator) Serve(ctx context.Context) error {
	recovered, err := c.store.RecoverInFlight()
	if err != nil {
		return errors.Wrap(err, "recover in-flight messages")
	}
	if recovered > 0 {
		c.log.Infof("Reverted %d stuck in-flight message(s) to pending", recovered)
	}

	forwardTicker := time.NewTicker(c.cfg.Interval)
	defer forwardTicker.Stop()
	sweepTicker := time.NewTicker(c.cfg.SweepInterval)
	defer sweepTicker.Stop()

	c.log.Info("Forwarding coordinator started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Forwarding coordinator stopped")
			return nil
		case <-forwardTicker.C:
			c.processBatch()
		case <-sweepTicker.C:
			c.sweep(time.Now().UTC())
		}
	}
}

func (c *Coordinator) processBatch() {
	msgs, err := c.store.NextPending(c.cfg.BatchSize)
	if err != nil {
		c.log.Warnf("Failed to fetch pending batch: %v", err)
		return
	}
	for _, msg := range msgs {
		c.process(msg)
	}
}

func (c *Coordinator) process(msg *telex.Message) {
	plan, err := c.router.Resolve(msg)
	switch {
	case err == nil:
	case errors.Is(err, router.ErrNoMachineAvailable):
		// Offline machines may come back; leave the message pending.
		c.log.Debugf("Message %s waiting for a local machine", msg.Fingerprint)
		return
	case errors.Is(err, router.ErrExpired):
		// The sweep owns the EXPIRED transition.
		return
	case errors.Is(err, router.ErrNoRoute):
		c.log.Warnf("Message %s has no route; dead-lettering", msg.Fingerprint)
		c.deadLetter(msg.Fingerprint)
		return
	default:
		c.log.Warnf("Failed to resolve message %s: %v", msg.Fingerprint, err)
		return
	}

	switch plan.Kind {
	case router.DeliverLocal, router.DeliverLocalFailover:
		c.deliverLocal(msg, plan.Machine)
	case router.ForwardTo:
		c.forward(msg, plan.NeighborID)
	case router.FloodExcept:
		c.flood(msg, plan.Candidates)
	}
}

func (c *Coordinator) deliverLocal(msg *telex.Message, machine byte) {
	attemptID := fmt.Sprintf("machine:%d", machine)
	snapshot, err := c.store.MarkInFlight(msg.Fingerprint, attemptID)
	if err != nil {
		c.logAttemptRefused(msg.Fingerprint, err)
		return
	}

	start := time.Now()
	deliverErr := c.local.Deliver(machine, snapshot)
	c.m.Attempt(time.Since(start), deliverErr == nil)

	if deliverErr != nil {
		c.log.Warnf("Local delivery of %s to machine %d failed: %v", msg.Fingerprint, machine, deliverErr)
		c.retryOrDeadLetter(msg.Fingerprint)
		return
	}

	if err := c.store.MarkDelivered(msg.Fingerprint); err != nil {
		c.log.Warnf("Failed to mark %s delivered: %v", msg.Fingerprint, err)
		return
	}
	c.m.Delivered()
	c.log.Infof("Delivered %s to local machine %d", msg.Fingerprint, machine)
}

func (c *Coordinator) forward(msg *telex.Message, neighborID string) {
	snapshot, err := c.store.MarkInFlight(msg.Fingerprint, neighborID)
	if err != nil {
		c.logAttemptRefused(msg.Fingerprint, err)
		return
	}

	if !c.attempt(snapshot, neighborID) {
		c.retryOrDeadLetter(msg.Fingerprint)
		return
	}

	// The next hop holds the message now; this node's copy is done.
	if err := c.store.MarkDelivered(msg.Fingerprint); err != nil {
		c.log.Warnf("Failed to mark %s delivered: %v", msg.Fingerprint, err)
		return
	}
	c.m.Delivered()
	c.log.Infof("Forwarded %s to neighbor %s", msg.Fingerprint, neighborID)
}

// flood offers the message to each remaining candidate in turn, every
// hand-off an independent attempt. The at-most-one-in-flight invariant
// holds because attempts are sequential: each one is marked in-flight,
// resolved, and reverted before the next begins.
func (c *Coordinator) flood(msg *telex.Message, candidates []string) {
	if len(candidates) == 0 {
		// Every eligible neighbor already holds a copy.
		if _, err := c.store.MarkInFlight(msg.Fingerprint, meshAttemptID); err != nil {
			c.logAttemptRefused(msg.Fingerprint, err)
			return
		}
		if err := c.store.MarkDelivered(msg.Fingerprint); err != nil {
			c.log.Warnf("Failed to mark %s delivered: %v", msg.Fingerprint, err)
			return
		}
		c.m.Delivered()
		c.log.Infof("Flood of %s complete", msg.Fingerprint)
		return
	}

	for _, neighborID := range candidates {
		snapshot, err := c.store.MarkInFlight(msg.Fingerprint, neighborID)
		if err != nil {
			// A prior failed attempt may have dead-lettered it.
			c.logAttemptRefused(msg.Fingerprint, err)
			return
		}

		if c.attempt(snapshot, neighborID) {
			if err := c.store.MarkFlooded(msg.Fingerprint, neighborID); err != nil {
				c.log.Warnf("Failed to record flood hand-off of %s: %v", msg.Fingerprint, err)
				return
			}
			c.log.Infof("Flooded %s to neighbor %s", msg.Fingerprint, neighborID)
			continue
		}
		c.retryOrDeadLetter(msg.Fingerprint)
	}
}

// attempt sends one copy over a link and reports whether the hop was
// acked. Link failures are expected steady-state, never fatal.
func (c *Coordinator) attempt(msg *telex.Message, neighborID string) bool {
	start := time.Now()
	outcome, err := c.links.Send(neighborID, msg, c.cfg.SendTimeout)
	c.m.Attempt(time.Since(start), err == nil && outcome == link.Acked)

	if err != nil {
		c.log.Debugf("Attempt %s -> %s failed: %v", msg.Fingerprint, neighborID, err)
		return false
	}
	if outcome != link.Acked {
		c.log.Debugf("Attempt %s -> %s resolved %s", msg.Fingerprint, neighborID, outcome)
		return false
	}
	return true
}

func (c *Coordinator) retryOrDeadLetter(fp telex.Fingerprint) {
	retries, err := c.store.MarkRetry(fp)
	if err != nil {
		c.log.Warnf("Failed to record retry for %s: %v", fp, err)
		return
	}
	if retries >= c.cfg.RetryCeiling {
		c.log.Warnf("Message %s exhausted its retry budget (%d)", fp, retries)
		c.deadLetter(fp)
	}
}

func (c *Coordinator) deadLetter(fp telex.Fingerprint) {
	if err := c.store.MarkDeadLetter(fp); err != nil {
		c.log.Warnf("Failed to dead-letter %s: %v", fp, err)
		return
	}
	c.m.DeadLettered()
}

func (c *Coordinator) sweep(now time.Time) {
	count, err := c.store.SweepExpired(now)
	if err != nil {
		c.log.Warnf("Expiry sweep failed: %v", err)
		return
	}
	if count > 0 {
		c.m.Expired(count)
		c.log.Infof("Swept %d expired message(s)", count)
	}
}

// logAttemptRefused distinguishes the race guard from benign races
// with the sweep. ErrAlreadyInFlight under correct use is a logic
// fault and is logged loudly.
func (c *Coordinator) logAttemptRefused(fp telex.Fingerprint, err error) {
	if errors.Is(err, store.ErrAlreadyInFlight) {
		c.log.Errorf("Attempt refused for %s: %v", fp, err)
		return
	}
	c.log.Debugf("Attempt refused for %s: %v", fp, err)
}
