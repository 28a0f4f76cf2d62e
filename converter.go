package spreadbus

import "context"

// Event is the application-facing payload the core asks a Converter to
// produce bytes for on the way out, and build back from bytes on the way
// in. The transport never interprets anything beyond these fields;
// applications typically embed richer types behind WireSchema/Type.
type Event struct {
	Type    string
	Scope   Scope
	Payload any

	Header NotificationHeader
}

// Converter produces and consumes the opaque byte string and wire-schema
// tag carried by a notification. The core never interprets Payload or the
// produced bytes; it only fragments/reassembles them.
type Converter interface {
	// Produce serializes event for the wire, returning the wire-schema tag
	// to stamp on fragment 0's header and the serialized payload bytes.
	Produce(ctx context.Context, event Event) (wireSchema string, payload []byte, err error)

	// Consume deserializes payload (tagged with wireSchema) back into an
	// application Event. An unrecognized wireSchema is a ConverterError.
	Consume(ctx context.Context, wireSchema string, payload []byte) (Event, error)
}

// ConverterLookup resolves the Converter to use for a given event type (on
// publish) or wire-schema tag (on receive). Each connector receives one as
// a constructor argument.
type ConverterLookup interface {
	ForEventType(eventType string) (Converter, error)
	ForWireSchema(wireSchema string) (Converter, error)
}
