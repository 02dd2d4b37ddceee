package router

import (
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/tafallen/ProjectTeleprinter/pkg/telex"
)

// Table is the static routing table: destination location to next-hop
// neighbor, plus the full neighbor set used for flood fallback. It is
// built from configuration at startup and read-only afterwards.
type Table struct {
	routes    map[uint16]string
	neighbors []string
}

// NewTable builds a Table from a location-prefix to neighbor-id map
// and the configured neighbor ids. Route entries must reference
// configured neighbors.
func NewTable(routes map[string]string, neighborIDs []string) (*Table, error) {
	known := make(map[string]struct{}, len(neighborIDs))
	for _, id := range neighborIDs {
		known[id] = struct{}{}
	}

	parsed := make(map[uint16]string, len(routes))
	for prefix, neighborID := range routes {
		loc, err := strconv.ParseUint(prefix, 10, 16)
		if err != nil || loc > telex.MaxLocation {
			return nil, fmt.Errorf("invalid location prefix %q", prefix)
		}
		if _, ok := known[neighborID]; !ok {
			return nil, fmt.Errorf("route for %q references unknown neighbor %q", prefix, neighborID)
		}
		parsed[uint16(loc)] = neighborID
	}

	ids := append([]string(nil), neighborIDs...)
	sort.Strings(ids)

	return &Table{routes: parsed, neighbors: ids}, nil
}

// NextHop returns the configured next-hop neighbor for a location.
// Absence of an entry is what triggers flood fallback.
func (t *Table) NextHop(location uint16) (string, bool) {
	id, ok := t.routes[location]
	return id, ok
}

// Neighbors returns all configured neighbor ids in deterministic order.
func (t *Table) Neighbors() []string {
	return append([]string(nil), t.neighbors...)
}

// Registry reports which machine digits are online at the local
// location. Machine availability is an external signal the router
// consumes, not computes.
type Registry interface {
	IsOnline(digit byte) bool
	Online() []byte
}

// MachineSet is a mutable Registry fed by the hardware boundary.
type MachineSet struct {
	mu     sync.RWMutex
	online map[byte]struct{}
}

// NewMachineSet returns a MachineSet with the given digits online.
func NewMachineSet(digits ...byte) *MachineSet {
	s := &MachineSet{online: make(map[byte]struct{})}
	for _, d := range digits {
		s.online[d] = struct{}{}
	}
	return s
}

// SetOnline marks a machine digit online or offline.
func (s *MachineSet) SetOnline(digit byte, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if online {
		s.online[digit] = struct{}{}
	} else {
		delete(s.online, digit)
	}
}

// IsOnline reports whether the machine digit is online.
func (s *MachineSet) IsOnline(digit byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.online[digit]
	return ok
}

// Online returns the online machine digits in ascending order.
func (s *MachineSet) Online() []byte {
	s.mu.RLock()
	digits := make([]byte, 0, len(s.online))
	for d := range s.online {
		digits = append(digits, d)
	}
	s.mu.RUnlock()

	sort.Slice(digits, func(i, j int) bool { return digits[i] < digits[j] })
	return digits
}
