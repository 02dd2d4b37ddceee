package telex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStable(t *testing.T) {
	origin := NewAddr(1, MachineOf(1))
	dest := NewAddr(123, MachineOf(4))
	created := time.Date(2024, 3, 1, 12, 30, 15, 0, time.UTC)

	fp1 := FingerprintOf(origin, dest, []byte("HELLO"), created)
	fp2 := FingerprintOf(origin, dest, []byte("HELLO"), created)
	assert.Equal(t, fp1, fp2)

	// Same coarse bucket, different seconds: still the same message.
	fp3 := FingerprintOf(origin, dest, []byte("HELLO"), created.Add(20*time.Second))
	assert.Equal(t, fp1, fp3)

	// Different bucket, payload or addressing: different message.
	assert.NotEqual(t, fp1, FingerprintOf(origin, dest, []byte("HELLO"), created.Add(time.Minute)))
	assert.NotEqual(t, fp1, FingerprintOf(origin, dest, []byte("GOODBYE"), created))
	assert.NotEqual(t, fp1, FingerprintOf(origin, NewAddr(123, MachineOf(5)), []byte("HELLO"), created))
}

func TestFingerprintTextRoundTrip(t *testing.T) {
	fp := FingerprintOf(NewAddr(1, MachineOf(1)), NewAddr(2, MachineOf(2)), []byte("X"), time.Now())

	out, err := FingerprintFromString(fp.String())
	require.NoError(t, err)
	assert.Equal(t, fp, out)

	_, err = FingerprintFromString("abcd")
	require.Error(t, err)
}

func TestNewMessageDefaults(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := NewMessageAt(NewAddr(1, MachineOf(1)), NewAddr(123, MachineOf(4)), []byte("HELLO"), created)

	assert.Equal(t, StatePending, msg.State)
	assert.Equal(t, created.Add(DefaultTTL), msg.ExpiresAt)
	assert.Equal(t, uint8(DefaultMaxHops), msg.MaxHops)
	assert.Equal(t, uint8(0), msg.HopCount)
	assert.Equal(t, FingerprintOf(msg.Origin, msg.Destination, msg.Payload, created), msg.Fingerprint)

	assert.False(t, msg.Expired(created.Add(71*time.Hour)))
	assert.True(t, msg.Expired(created.Add(DefaultTTL)))
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateInFlight.Terminal())
	assert.True(t, StateDelivered.Terminal())
	assert.True(t, StateExpired.Terminal())
	assert.True(t, StateDeadLettered.Terminal())
}

func TestHopsExhausted(t *testing.T) {
	msg := NewMessage(NewAddr(1, MachineOf(1)), NewAddr(123, MachineOf(4)), []byte("HELLO"))
	msg.MaxHops = 2

	assert.False(t, msg.HopsExhausted())
	msg.HopCount = 2
	assert.True(t, msg.HopsExhausted())
}

func TestFloodedToNeighbor(t *testing.T) {
	msg := NewMessage(NewAddr(1, MachineOf(1)), NewAddr(123, AnyMachine()), []byte("HELLO"))
	assert.False(t, msg.FloodedToNeighbor("b"))

	msg.FloodedTo = append(msg.FloodedTo, "b")
	assert.True(t, msg.FloodedToNeighbor("b"))
	assert.False(t, msg.FloodedToNeighbor("c"))
}
