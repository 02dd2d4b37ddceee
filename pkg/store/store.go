// Package store implements the durable message store: a deduplicating
// queue of teleprinter messages with TTL expiry and atomic lifecycle
// transitions. The store is the single writer of message state; every
// other component requests transitions through this API.
package store

import (
	"errors"
	"time"

	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

var (
	// ErrNotFound is returned for fingerprints missing from the store.
	ErrNotFound = errors.New("message not found")

	// ErrAlreadyInFlight is returned when a delivery attempt is
	// already outstanding for a message. Under correct use this is a
	// logic fault, not a steady-state condition.
	ErrAlreadyInFlight = errors.New("delivery attempt already outstanding")

	// ErrNotPending is returned when a transition requires PENDING
	// state and the message is elsewhere in its lifecycle.
	ErrNotPending = errors.New("message is not pending")

	// ErrNotInFlight is returned when an outcome is reported for a
	// message without an outstanding attempt.
	ErrNotInFlight = errors.New("message is not in flight")
)

// Stats summarizes the store contents by lifecycle state.
type Stats struct {
	Pending      int `json:"pending"`
	InFlight     int `json:"in_flight"`
	Delivered    int `json:"delivered"`
	Expired      int `json:"expired"`
	DeadLettered int `json:"dead_lettered"`
	Total        int `json:"total"`
}

// Store is a durable, deduplicating message queue.
type Store interface {
	// Enqueue inserts the message if its fingerprint has not been seen
	// before. A duplicate fingerprint is a no-op returning false. This
	// is the sole deduplication gate in the system, applied to locally
	// originated and network-received messages alike.
	Enqueue(msg *telex.Message) (bool, error)

	// Get returns the message with the given fingerprint.
	Get(fp telex.Fingerprint) (*telex.Message, error)

	// NextPending returns up to limit PENDING messages ordered oldest
	// first, excluding messages whose TTL has already elapsed.
	NextPending(limit int) ([]*telex.Message, error)

	// MarkInFlight atomically transitions PENDING to IN_FLIGHT,
	// recording the active delivery attempt against neighborID.
	MarkInFlight(fp telex.Fingerprint, neighborID string) (*telex.Message, error)

	// MarkDelivered transitions IN_FLIGHT to the terminal DELIVERED
	// state: the message was handed to a local machine or acked by the
	// next hop.
	MarkDelivered(fp telex.Fingerprint) error

	// MarkRetry reverts IN_FLIGHT to PENDING after a failed attempt
	// and returns the incremented retry count.
	MarkRetry(fp telex.Fingerprint) (int, error)

	// MarkFlooded reverts IN_FLIGHT to PENDING after a successful
	// flood hand-off to neighborID, recording the neighbor so later
	// flood passes skip it. It does not count as a retry.
	MarkFlooded(fp telex.Fingerprint, neighborID string) error

	// MarkDeadLetter transitions a PENDING or IN_FLIGHT message to the
	// terminal DEAD_LETTERED state.
	MarkDeadLetter(fp telex.Fingerprint) error

	// SweepExpired transitions every PENDING or IN_FLIGHT message with
	// ExpiresAt <= now to EXPIRED and returns how many were swept.
	SweepExpired(now time.Time) (int, error)

	// RecoverInFlight reverts IN_FLIGHT leftovers to PENDING. It is
	// run once at startup: an attempt whose owning process is gone can
	// never report an outcome.
	RecoverInFlight() (int, error)

	// List returns up to limit messages ordered oldest first,
	// regardless of state. A zero limit means no limit.
	List(limit int) ([]*telex.Message, error)

	// Stats summarizes the store contents.
	Stats() (Stats, error)

	// Count returns the number of stored messages.
	Count() int

	// Close safely closes the store.
	Close() error
}

func validate(msg *telex.Message) error {
	if msg.Origin.Machine.Any() {
		return telex.ErrWildcardOrigin
	}
	if msg.Origin.Location > telex.MaxLocation || msg.Destination.Location > telex.MaxLocation {
		return telex.ErrInvalidAddress
	}
	return nil
}

func cloneMessage(msg *telex.Message) *telex.Message {
	c := *msg
	c.Payload = append([]byte(nil), msg.Payload...)
	c.FloodedTo = append([]string(nil), msg.FloodedTo...)
	if msg.Attempt != nil {
		a := *msg.Attempt
		c.Attempt = &a
	}
	return &c
}
