// Package assembly implements per-event fragment reassembly and the pool
// that holds in-flight assemblies until they complete or go stale.
package assembly

import (
	"fmt"
	"time"

	"github.com/rsbio/spreadbus"
)

// Assembly holds the reassembly state for one event: a slot per data part,
// filled in as fragments arrive.
type Assembly struct {
	parts         []*spreadbus.FragmentedNotification
	receivedCount uint
	birthTime     time.Time
}

// NewAssembly creates an Assembly sized to fragment.NumDataParts and
// installs fragment at its data part.
func NewAssembly(fragment spreadbus.FragmentedNotification) *Assembly {
	a := &Assembly{
		parts:     make([]*spreadbus.FragmentedNotification, fragment.NumDataParts),
		birthTime: time.Now(),
	}
	f := fragment
	a.parts[fragment.DataPart] = &f
	a.receivedCount = 1
	return a
}

// Add installs fragment into the assembly. fragment.NumDataParts must
// equal len(parts) — the caller (Pool) is responsible for routing
// fragments of the same event id to the same Assembly, so a mismatch here
// indicates a daemon-level protocol violation.
//
// Adding a fragment for a slot already filled is a duplicate delivery and
// fails with ErrProtocolError.
func (a *Assembly) Add(fragment spreadbus.FragmentedNotification) (complete bool, err error) {
	if int(fragment.NumDataParts) != len(a.parts) {
		return false, fmt.Errorf("%w: fragment declares %d parts, assembly has %d", spreadbus.ErrProtocolError, fragment.NumDataParts, len(a.parts))
	}
	if int(fragment.DataPart) >= len(a.parts) {
		return false, fmt.Errorf("%w: fragment index %d out of range [0, %d)", spreadbus.ErrProtocolError, fragment.DataPart, len(a.parts))
	}
	if a.parts[fragment.DataPart] != nil {
		return false, fmt.Errorf("%w: duplicate fragment (%d/%d) for sender %s, seq %d",
			spreadbus.ErrProtocolError, fragment.DataPart, fragment.NumDataParts, fragment.ID.SenderID, fragment.ID.Sequence)
	}

	f := fragment
	a.parts[fragment.DataPart] = &f
	a.receivedCount++
	return a.IsComplete(), nil
}

// IsComplete reports whether every data part has arrived.
func (a *Assembly) IsComplete() bool {
	return a.receivedCount == uint(len(a.parts))
}

// Age returns how long it has been since the assembly was created.
func (a *Assembly) Age() time.Duration {
	return time.Since(a.birthTime)
}

// Finalize joins every part's data in index order into one Notification.
// The header comes from part 0, the only fragment that carries it. Finalize
// panics if called before IsComplete — a construction-order bug in the
// caller, never reachable from untrusted input (Pool only calls it
// once IsComplete is true).
func (a *Assembly) Finalize() spreadbus.Notification {
	if !a.IsComplete() {
		panic("spreadbus/assembly: Finalize called on an incomplete assembly")
	}

	first := a.parts[0]
	var payload []byte
	for _, part := range a.parts {
		payload = append(payload, part.Data...)
	}

	return spreadbus.Notification{
		Header:  *first.Header,
		Payload: payload,
	}
}
