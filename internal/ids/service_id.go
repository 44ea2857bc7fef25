// Package ids defines the identities used to address consensus participants.
//
// A service is addressed by its circuit and its service name within that
// circuit. The string form is "circuit::service".
//
// All names are normalized to Unicode NFC before they are stored or compared,
// so that two nodes that spell the same identity with different code point
// sequences agree on ordering (and therefore on the coordinator).
package ids

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// separator splits the circuit from the service in the string form.
const separator = "::"

// ErrInvalidServiceID is returned when a service identity cannot be parsed.
var ErrInvalidServiceID = errors.New("invalid service id")

// ServiceID identifies one participant's consensus instance within a circuit.
// Together with the epoch it partitions every durable record.
type ServiceID struct {
	Circuit string
	Service string
}

// New returns a normalized ServiceID.
func New(circuit, service string) ServiceID {
	return ServiceID{
		Circuit: norm.NFC.String(circuit),
		Service: norm.NFC.String(service),
	}
}

// Parse parses the "circuit::service" form.
func Parse(s string) (ServiceID, error) {
	circuit, service, ok := strings.Cut(s, separator)
	if !ok {
		return ServiceID{}, fmt.Errorf("%w: %q: missing %q", ErrInvalidServiceID, s, separator)
	}
	id := New(circuit, service)
	if err := id.Validate(); err != nil {
		return ServiceID{}, err
	}
	return id, nil
}

// MustParse is Parse that panics. Intended for tests and constants.
func MustParse(s string) ServiceID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate reports whether both parts are present and well formed.
func (id ServiceID) Validate() error {
	if id.Circuit == "" {
		return fmt.Errorf("%w: empty circuit", ErrInvalidServiceID)
	}
	if id.Service == "" {
		return fmt.Errorf("%w: empty service", ErrInvalidServiceID)
	}
	if strings.Contains(id.Circuit, separator) || strings.Contains(id.Service, separator) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidServiceID, id.String(), separator)
	}
	return nil
}

// String returns the "circuit::service" form.
func (id ServiceID) String() string {
	return id.Circuit + separator + id.Service
}

// IsZero reports whether id is the zero value.
func (id ServiceID) IsZero() bool {
	return id.Circuit == "" && id.Service == ""
}

// Peer returns the ServiceID of another service in the same circuit.
func (id ServiceID) Peer(service string) ServiceID {
	return New(id.Circuit, service)
}

// Compare orders identities by circuit, then service, byte-wise.
func Compare(a, b ServiceID) int {
	if c := strings.Compare(a.Circuit, b.Circuit); c != 0 {
		return c
	}
	return strings.Compare(a.Service, b.Service)
}

// SelectCoordinator returns the lexicographically smallest service name
// among peers and self. The result does not depend on the order of peers.
func SelectCoordinator(self string, peers []string) string {
	coordinator := norm.NFC.String(self)
	for _, p := range peers {
		if p := norm.NFC.String(p); p < coordinator {
			coordinator = p
		}
	}
	return coordinator
}

// SortedServices returns a normalized, sorted, de-duplicated copy of names.
func SortedServices(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = norm.NFC.String(n)
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
