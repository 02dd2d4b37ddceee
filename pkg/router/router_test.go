package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

func mustAddr(t *testing.T, s string) telex.Addr {
	t.Helper()
	a, err := telex.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func testMessage(t *testing.T, origin, dest string) *telex.Message {
	t.Helper()
	return telex.NewMessage(mustAddr(t, origin), mustAddr(t, dest), []byte("HELLO"))
}

func newTestRouter(t *testing.T, local string, routes map[string]string, neighbors []string, online ...byte) *Router {
	t.Helper()

	tbl, err := NewTable(routes, neighbors)
	require.NoError(t, err)
	return New(mustAddr(t, local), tbl, NewMachineSet(online...))
}

func TestResolveDeliverLocal(t *testing.T) {
	r := newTestRouter(t, "1231", nil, []string{"b"}, 1, 4)

	plan, err := r.Resolve(testMessage(t, "0011", "1234"))
	require.NoError(t, err)
	assert.Equal(t, DeliverLocal, plan.Kind)
	assert.Equal(t, byte(4), plan.Machine)
}

func TestResolveLocalFailover(t *testing.T) {
	// Machines 1 online, 4 offline at location 123.
	r := newTestRouter(t, "1231", nil, []string{"b"}, 1)

	t.Run("offline machine", func(t *testing.T) {
		plan, err := r.Resolve(testMessage(t, "0011", "1234"))
		require.NoError(t, err)
		assert.Equal(t, DeliverLocalFailover, plan.Kind)
		assert.Equal(t, byte(1), plan.Machine)
	})

	t.Run("wildcard", func(t *testing.T) {
		plan, err := r.Resolve(testMessage(t, "0011", "1230"))
		require.NoError(t, err)
		assert.Equal(t, DeliverLocalFailover, plan.Kind)
		assert.Equal(t, byte(1), plan.Machine)
	})
}

func TestResolveFailoverPicksLowestOnline(t *testing.T) {
	r := newTestRouter(t, "1231", nil, []string{"b"}, 7, 3, 9)

	plan, err := r.Resolve(testMessage(t, "0011", "1230"))
	require.NoError(t, err)
	assert.Equal(t, DeliverLocalFailover, plan.Kind)
	assert.Equal(t, byte(3), plan.Machine)
}

func TestResolveNoMachineAvailable(t *testing.T) {
	r := newTestRouter(t, "1231", nil, []string{"b"})

	_, err := r.Resolve(testMessage(t, "0011", "1234"))
	assert.ErrorIs(t, err, ErrNoMachineAvailable)
}

func TestResolveForwardBeatsFlood(t *testing.T) {
	r := newTestRouter(t, "0011", map[string]string{"123": "b"}, []string{"a", "b", "c"})

	plan, err := r.Resolve(testMessage(t, "0011", "1234"))
	require.NoError(t, err)
	assert.Equal(t, ForwardTo, plan.Kind)
	assert.Equal(t, "b", plan.NeighborID)
}

func TestResolveFloodFallback(t *testing.T) {
	r := newTestRouter(t, "0011", nil, []string{"c", "a", "b"})

	msg := testMessage(t, "0011", "1234")
	msg.SeenVia = "b"

	plan, err := r.Resolve(msg)
	require.NoError(t, err)
	assert.Equal(t, FloodExcept, plan.Kind)

	// Deterministic order, never back out the way it came in.
	assert.Equal(t, []string{"a", "c"}, plan.Candidates)
}

func TestResolveFloodSkipsCoveredNeighbors(t *testing.T) {
	r := newTestRouter(t, "0011", nil, []string{"a", "b", "c"})

	msg := testMessage(t, "0011", "1234")
	msg.SeenVia = "a"
	msg.FloodedTo = []string{"b"}

	plan, err := r.Resolve(msg)
	require.NoError(t, err)
	assert.Equal(t, FloodExcept, plan.Kind)
	assert.Equal(t, []string{"c"}, plan.Candidates)

	// Every eligible neighbor covered: flood complete, no candidates.
	msg.FloodedTo = []string{"b", "c"}
	plan, err = r.Resolve(msg)
	require.NoError(t, err)
	assert.Equal(t, FloodExcept, plan.Kind)
	assert.Empty(t, plan.Candidates)
}

func TestResolveNoRouteWhenOnlyNeighborIsSource(t *testing.T) {
	r := newTestRouter(t, "0011", nil, []string{"b"})

	msg := testMessage(t, "0011", "1234")
	msg.SeenVia = "b"

	_, err := r.Resolve(msg)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestResolveHopBudget(t *testing.T) {
	r := newTestRouter(t, "0011", map[string]string{"123": "b"}, []string{"b"})

	msg := testMessage(t, "0011", "1234")
	msg.MaxHops = 3
	msg.HopCount = 3

	_, err := r.Resolve(msg)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestResolveExpired(t *testing.T) {
	r := newTestRouter(t, "1231", nil, []string{"b"}, 4)

	msg := testMessage(t, "0011", "1234")
	msg.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	_, err := r.Resolve(msg)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestNewTableValidation(t *testing.T) {
	_, err := NewTable(map[string]string{"123": "nope"}, []string{"b"})
	require.Error(t, err)

	_, err = NewTable(map[string]string{"12x": "b"}, []string{"b"})
	require.Error(t, err)

	_, err = NewTable(map[string]string{"9999": "b"}, []string{"b"})
	require.Error(t, err)
}

func TestMachineSet(t *testing.T) {
	s := NewMachineSet(2)

	assert.True(t, s.IsOnline(2))
	assert.False(t, s.IsOnline(1))

	s.SetOnline(1, true)
	assert.Equal(t, []byte{1, 2}, s.Online())

	s.SetOnline(2, false)
	assert.Equal(t, []byte{1}, s.Online())
}
