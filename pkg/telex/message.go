package telex

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL is how long a message may sit in the mesh before it
	// is swept as expired.
	DefaultTTL = 72 * time.Hour

	// DefaultMaxHops bounds flood forwarding generations.
	DefaultMaxHops = 8

	// fingerprintBucket is the granularity to which the creation
	// timestamp is truncated before fingerprinting. Two identical
	// payloads typed within the same bucket count as one message.
	fingerprintBucket = time.Minute
)

// State is the lifecycle state of a stored message. Transitions are
// monotonic except InFlight reverting to Pending after a failed
// delivery attempt.
type State string

const (
	// StatePending marks a message awaiting a forwarding decision.
	StatePending State = "PENDING"

	// StateInFlight marks a message with an outstanding delivery attempt.
	StateInFlight State = "IN_FLIGHT"

	// StateDelivered is terminal: the message was handed to a local
	// machine, or acked by the next hop.
	StateDelivered State = "DELIVERED"

	// StateExpired is terminal: the TTL elapsed.
	StateExpired State = "EXPIRED"

	// StateDeadLettered is terminal: every delivery path was exhausted.
	StateDeadLettered State = "DEAD_LETTERED"
)

// Terminal reports whether no further transition may occur.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateExpired, StateDeadLettered:
		return true
	}
	return false
}

// FingerprintLen is the byte length of a message fingerprint.
const FingerprintLen = 16

// Fingerprint is the deduplication key of a message: a truncated
// SHA-256 over origin, destination, payload and the creation timestamp
// rounded down to a coarse bucket. It is stable across hops.
type Fingerprint [FingerprintLen]byte

// FingerprintOf computes the fingerprint for the given message fields.
func FingerprintOf(origin, destination Addr, payload []byte, createdAt time.Time) Fingerprint {
	h := sha256.New()
	h.Write([]byte(origin.String()))
	h.Write([]byte(destination.String()))
	h.Write(payload)

	bucket := make([]byte, 8)
	binary.BigEndian.PutUint64(bucket, uint64(createdAt.UTC().Truncate(fingerprintBucket).Unix()))
	h.Write(bucket)

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// MarshalText implements encoding.TextMarshaler.
func (fp Fingerprint) MarshalText() ([]byte, error) {
	return []byte(fp.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (fp *Fingerprint) UnmarshalText(data []byte) error {
	b, err := hex.DecodeString(string(data))
	if err != nil {
		return err
	}
	if len(b) != FingerprintLen {
		return errors.New("invalid fingerprint length")
	}
	copy(fp[:], b)
	return nil
}

// FingerprintFromString parses a hex encoded fingerprint.
func FingerprintFromString(s string) (Fingerprint, error) {
	var fp Fingerprint
	err := fp.UnmarshalText([]byte(s))
	return fp, err
}

// Attempt records the single outstanding delivery attempt of an
// in-flight message. It only exists while the message is IN_FLIGHT.
type Attempt struct {
	ID         uuid.UUID `json:"id"`
	NeighborID string    `json:"neighbor_id"`
	StartedAt  time.Time `json:"started_at"`
}

// Message is a store-and-forward teleprinter message.
type Message struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Origin      Addr        `json:"origin"`
	Destination Addr        `json:"destination"`
	Payload     []byte      `json:"payload"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	HopCount uint8 `json:"hop_count"`
	MaxHops  uint8 `json:"max_hops"`

	State   State `json:"state"`
	Retries int   `json:"retries"`

	// SeenVia identifies the neighbor link the message arrived on.
	// Empty for locally originated messages. Flooding never echoes a
	// message back out on this link.
	SeenVia string `json:"seen_via,omitempty"`

	// FloodedTo lists neighbors that already acked a flooded copy, so
	// subsequent flood passes skip them.
	FloodedTo []string `json:"flooded_to,omitempty"`

	// Attempt is the active delivery attempt, set only while IN_FLIGHT.
	Attempt *Attempt `json:"attempt,omitempty"`
}

// NewMessage constructs a pending message created now, with the default
// TTL and hop budget, and derives its fingerprint.
func NewMessage(origin, destination Addr, payload []byte) *Message {
	return NewMessageAt(origin, destination, payload, time.Now().UTC())
}

// NewMessageAt is NewMessage with an explicit creation time.
func NewMessageAt(origin, destination Addr, payload []byte, createdAt time.Time) *Message {
	createdAt = createdAt.UTC()
	return &Message{
		Fingerprint: FingerprintOf(origin, destination, payload, createdAt),
		Origin:      origin,
		Destination: destination,
		Payload:     payload,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(DefaultTTL),
		MaxHops:     DefaultMaxHops,
		State:       StatePending,
	}
}

// Expired reports whether the message TTL has elapsed at the given time.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// HopsExhausted reports whether forwarding the message once more would
// exceed its hop budget.
func (m *Message) HopsExhausted() bool {
	return m.HopCount >= m.MaxHops
}

// FloodedToNeighbor reports whether a flooded copy was already handed
// to the given neighbor.
func (m *Message) FloodedToNeighbor(neighborID string) bool {
	for _, id := range m.FloodedTo {
		if id == neighborID {
			return true
		}
	}
	return false
}
