// Package telex defines the core data types of the teleprinter mesh:
// the four digit XXXY address scheme and the store-and-forward message.
package telex

import (
	"errors"
	"fmt"
)

// MaxLocation is the highest valid location code.
const MaxLocation = 999

var (
	// ErrInvalidAddress is returned when an address string does not
	// follow the XXXY format.
	ErrInvalidAddress = errors.New("invalid XXXY address")

	// ErrWildcardOrigin is returned when a wildcard machine selector
	// is used as a message origin.
	ErrWildcardOrigin = errors.New("origin address must name a specific machine")
)

// Machine selects a machine at a location. The zero digit and the '*'
// character both parse as the wildcard selector meaning "any machine
// at this location".
type Machine struct {
	digit byte
	any   bool
}

// MachineOf returns a selector for a specific machine digit (1-9).
func MachineOf(digit byte) Machine {
	return Machine{digit: digit}
}

// AnyMachine returns the wildcard machine selector.
func AnyMachine() Machine {
	return Machine{any: true}
}

// Any reports whether the selector is the wildcard.
func (m Machine) Any() bool { return m.any }

// Digit returns the specific machine digit. It is 0 for the wildcard.
func (m Machine) Digit() byte {
	if m.any {
		return 0
	}
	return m.digit
}

func (m Machine) String() string {
	if m.any {
		return "0"
	}
	return string('0' + m.digit)
}

// Addr is a four digit XXXY mesh address: XXX names a location
// (000-999) and Y a machine at that location.
type Addr struct {
	Location uint16
	Machine  Machine
}

// NewAddr constructs an address from a location code and machine selector.
func NewAddr(location uint16, machine Machine) Addr {
	return Addr{Location: location, Machine: machine}
}

// ParseAddr parses a four character XXXY address. The machine
// character '0' or '*' yields the wildcard selector.
func ParseAddr(s string) (Addr, error) {
	if len(s) != 4 {
		return Addr{}, fmt.Errorf("%w: %q must be 4 characters", ErrInvalidAddress, s)
	}

	var location uint16
	for i := 0; i < 3; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return Addr{}, fmt.Errorf("%w: bad location digit in %q", ErrInvalidAddress, s)
		}
		location = location*10 + uint16(c-'0')
	}

	switch c := s[3]; {
	case c == '0' || c == '*':
		return Addr{Location: location, Machine: AnyMachine()}, nil
	case c >= '1' && c <= '9':
		return Addr{Location: location, Machine: MachineOf(c - '0')}, nil
	default:
		return Addr{}, fmt.Errorf("%w: bad machine digit in %q", ErrInvalidAddress, s)
	}
}

// ParseOrigin parses an XXXY address and rejects wildcard machine
// selectors, which are only meaningful as destinations.
func ParseOrigin(s string) (Addr, error) {
	a, err := ParseAddr(s)
	if err != nil {
		return Addr{}, err
	}
	if a.Machine.Any() {
		return Addr{}, ErrWildcardOrigin
	}
	return a, nil
}

// String renders the address in XXXY form. The wildcard machine is
// rendered as the digit 0, matching the wire representation.
func (a Addr) String() string {
	return fmt.Sprintf("%03d%s", a.Location, a.Machine)
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(data []byte) error {
	addr, err := ParseAddr(string(data))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}
