// Package router decides, for each stored message, how the local node
// should move it: deliver to a local machine, fail over to another
// machine at the same location, forward to a configured next hop, or
// flood to every neighbor the message has not already covered.
package router

import (
	"errors"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

var (
	// ErrNoMachineAvailable means no machine at the local location is
	// online. Transient: the message stays pending for a later pass.
	ErrNoMachineAvailable = errors.New("no machine available at local location")

	// ErrNoRoute means the message cannot move any further: its hop
	// budget is spent, or there is no configured route and no flood
	// candidate. Permanent for that message.
	ErrNoRoute = errors.New("no route to destination")

	// ErrExpired means the message TTL elapsed before a plan could be
	// made. The expiry sweep normally catches these first.
	ErrExpired = errors.New("message has expired")
)

// PlanKind enumerates forwarding plans.
type PlanKind int

const (
	// DeliverLocal hands the message to the addressed local machine.
	DeliverLocal PlanKind = iota

	// DeliverLocalFailover hands the message to the lowest-numbered
	// online machine at the local location instead of the addressed
	// (offline or wildcard) one.
	DeliverLocalFailover

	// ForwardTo sends the message to the single configured next-hop
	// neighbor. Never flooded.
	ForwardTo

	// FloodExcept offers the message to every remaining candidate
	// neighbor, each as an independent delivery attempt.
	FloodExcept
)

func (k PlanKind) String() string {
	switch k {
	case DeliverLocal:
		return "deliver-local"
	case DeliverLocalFailover:
		return "deliver-local-failover"
	case ForwardTo:
		return "forward-to"
	case FloodExcept:
		return "flood-except"
	default:
		return "unknown"
	}
}

// Plan is a forwarding decision for one message.
type Plan struct {
	Kind PlanKind

	// Machine is the target machine digit for local plans.
	Machine byte

	// NeighborID is the next hop for ForwardTo plans.
	NeighborID string

	// Candidates are the remaining flood targets for FloodExcept
	// plans, in deterministic order. Empty means every eligible
	// neighbor already holds a copy and the flood is complete.
	Candidates []string
}

// Router resolves forwarding plans against the local node identity,
// the static routing table and the machine registry.
type Router struct {
	local    telex.Addr
	table    *Table
	registry Registry
	log      *logging.Logger
}

// New constructs a Router.
func New(local telex.Addr, table *Table, registry Registry) *Router {
	return &Router{
		local:    local,
		table:    table,
		registry: registry,
		log:      logging.MustGetLogger("router"),
	}
}

// Resolve decides how to move msg. Expired messages never resolve to a
// delivery plan.
func (r *Router) Resolve(msg *telex.Message) (Plan, error) {
	if msg.Expired(time.Now().UTC()) {
		return Plan{}, ErrExpired
	}

	if msg.Destination.Location == r.local.Location {
		return r.resolveLocal(msg)
	}
	return r.resolveRemote(msg)
}

func (r *Router) resolveLocal(msg *telex.Message) (Plan, error) {
	machine := msg.Destination.Machine
	if !machine.Any() && r.registry.IsOnline(machine.Digit()) {
		return Plan{Kind: DeliverLocal, Machine: machine.Digit()}, nil
	}

	// Addressed machine offline, or wildcard: fail over to the
	// lowest-numbered online machine.
	online := r.registry.Online()
	if len(online) == 0 {
		return Plan{}, ErrNoMachineAvailable
	}
	return Plan{Kind: DeliverLocalFailover, Machine: online[0]}, nil
}

func (r *Router) resolveRemote(msg *telex.Message) (Plan, error) {
	if msg.HopsExhausted() {
		r.log.Debugf("Message %s exceeded hop budget (%d/%d)", msg.Fingerprint, msg.HopCount, msg.MaxHops)
		return Plan{}, ErrNoRoute
	}

	// An explicit route always wins over flooding.
	if neighborID, ok := r.table.NextHop(msg.Destination.Location); ok {
		return Plan{Kind: ForwardTo, NeighborID: neighborID}, nil
	}

	eligible := 0
	remaining := make([]string, 0)
	for _, id := range r.table.Neighbors() {
		if id == msg.SeenVia {
			continue
		}
		eligible++
		if !msg.FloodedToNeighbor(id) {
			remaining = append(remaining, id)
		}
	}
	if eligible == 0 {
		return Plan{}, ErrNoRoute
	}
	return Plan{Kind: FloodExcept, Candidates: remaining}, nil
}
