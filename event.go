package spreadbus

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventID uniquely identifies an event on the bus: a per-sender UUID plus
// a sequence number the sender increments for every event it publishes.
type EventID struct {
	SenderID uuid.UUID
	Sequence uint32
}

// String renders an EventID as "<sender>/<sequence>", the form used for
// cause ids on the wire.
func (id EventID) String() string {
	return fmt.Sprintf("%s/%d", id.SenderID, id.Sequence)
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// parseEventID reverses EventID.String.
func parseEventID(s string) (EventID, error) {
	sender, seq, ok := strings.Cut(s, "/")
	if !ok {
		return EventID{}, fmt.Errorf("malformed event id %q", s)
	}
	senderID, err := parseUUID(sender)
	if err != nil {
		return EventID{}, fmt.Errorf("malformed event id %q: %w", s, err)
	}
	sequence, err := strconv.ParseUint(seq, 10, 32)
	if err != nil {
		return EventID{}, fmt.Errorf("malformed event id %q: %w", s, err)
	}
	return EventID{SenderID: senderID, Sequence: uint32(sequence)}, nil
}

// NotificationHeader carries the fields the core reads or writes; the rest
// of the wire-schema payload is opaque to the core.
type NotificationHeader struct {
	ID         EventID
	Scope      Scope
	WireSchema string
	Metadata   map[string]string
	Causes     []EventID
	QoS        QoS

	// SendTime is stamped by the out-connector immediately before
	// fragmentation.
	SendTime time.Time

	// ReceiveTime is stamped before the notification reaches local sinks:
	// by the receiver task once it is fully reassembled, or by the Bus when
	// it fans out its own outgoing notification.
	ReceiveTime time.Time
}

// Notification is a fully reassembled event ready for dispatch: the
// header plus the joined payload bytes.
type Notification struct {
	Header  NotificationHeader
	Payload []byte
}

// ScopeValue is a convenience accessor used by the dispatcher and Bus
// fan-out.
func (n Notification) ScopeValue() Scope {
	return n.Header.Scope
}

// OutgoingNotification is built by the out-connector before handing off
// to the Bus.
type OutgoingNotification struct {
	Scope      Scope
	WireSchema string
	Payload    []byte
	QoS        QoS
	Groups     []string
	Fragments  []FragmentedNotification
}

func (o OutgoingNotification) ScopeValue() Scope {
	return o.Scope
}

// FragmentedNotification is one daemon message belonging to a (possibly
// single-fragment) notification.
//
// Fragment 0 carries the full header; fragments 1..N-1 carry only the
// event id and their payload slice. NumDataParts is identical across every
// fragment of one event.
type FragmentedNotification struct {
	Header       *NotificationHeader // non-nil only on fragment 0
	ID           EventID
	DataPart     uint32
	NumDataParts uint32
	Data         []byte
}
