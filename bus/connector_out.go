package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rsbio/spreadbus"
)

// OutConnector publishes application events onto a Bus.
type OutConnector struct {
	connectorState

	bus             *Bus
	lookup          spreadbus.ConverterLookup
	senderID        uuid.UUID
	sequence        atomic.Uint32
	maxFragmentSize int
}

// OutConnectorConfig configures a new OutConnector.
type OutConnectorConfig struct {
	Scope           spreadbus.Scope
	QoS             spreadbus.QoS
	Strategy        ErrorStrategy
	MaxFragmentSize int
	Logger          *slog.Logger
}

// NewOutConnector binds lookup to bus for publishing.
func NewOutConnector(b *Bus, lookup spreadbus.ConverterLookup, cfg OutConnectorConfig) *OutConnector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxFragmentSize := cfg.MaxFragmentSize
	if maxFragmentSize <= 0 {
		maxFragmentSize = spreadbus.DefaultMaxFragmentSize
	}
	return &OutConnector{
		connectorState:  connectorState{scope: cfg.Scope, qos: cfg.QoS, strategy: cfg.Strategy, logger: logger},
		bus:             b,
		lookup:          lookup,
		senderID:        uuid.New(),
		maxFragmentSize: maxFragmentSize,
	}
}

// Activate marks the connector active. Out-connectors do not register with
// the Bus's dispatcher — only SetScope is gated by activation state.
func (o *OutConnector) Activate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = true
}

// Deactivate marks the connector inactive.
func (o *OutConnector) Deactivate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = false
}

// SetScope changes the publish scope; legal only while inactive.
func (o *OutConnector) SetScope(scope spreadbus.Scope) error {
	return o.setScope(scope)
}

// TransportURL is the spread:// endpoint URL of the Bus this connector
// publishes on.
func (o *OutConnector) TransportURL() string {
	return o.bus.TransportURL()
}

// SetQoS changes the QoS applied to subsequent Handle calls.
func (o *OutConnector) SetQoS(qos spreadbus.QoS) {
	o.setQoS(qos)
}

// Handle converts event through the converter registered for its type,
// fragments it, and hands it to the Bus.
func (o *OutConnector) Handle(ctx context.Context, event spreadbus.Event) error {
	scope, qos, _ := o.snapshot()

	event.Header.SendTime = time.Now()
	groups := o.bus.GroupsFor(scope)

	converter, err := o.lookup.ForEventType(event.Type)
	if err != nil {
		return fmt.Errorf("%w: %v", spreadbus.ErrConverterError, err)
	}
	wireSchema, payload, err := converter.Produce(ctx, event)
	if err != nil {
		return fmt.Errorf("%w: %v", spreadbus.ErrConverterError, err)
	}

	id := spreadbus.EventID{SenderID: o.senderID, Sequence: o.sequence.Add(1)}
	header := spreadbus.NotificationHeader{
		ID:         id,
		Scope:      scope,
		WireSchema: wireSchema,
		Metadata:   event.Header.Metadata,
		Causes:     event.Header.Causes,
		QoS:        qos,
		SendTime:   event.Header.SendTime,
	}

	fragments, err := fragmentPayload(id, &header, payload, o.maxFragmentSize)
	if err != nil {
		return err
	}

	out := spreadbus.OutgoingNotification{
		Scope:      scope,
		WireSchema: wireSchema,
		Payload:    payload,
		QoS:        qos,
		Groups:     groups,
		Fragments:  fragments,
	}
	return o.bus.HandleOutgoing(out, header)
}

// fragmentPayload splits payload into wire fragments no larger than
// maxFragmentSize once their own header overhead is subtracted. Fragment 0 carries
// the full header; the rest carry only the event id, so the reserved
// budget is computed separately for the first fragment and the rest.
func fragmentPayload(id spreadbus.EventID, header *spreadbus.NotificationHeader, payload []byte, maxFragmentSize int) ([]spreadbus.FragmentedNotification, error) {
	firstCap, err := fragmentDataCap(id, header, maxFragmentSize)
	if err != nil {
		return nil, err
	}

	if len(payload) == 0 {
		return []spreadbus.FragmentedNotification{{Header: header, ID: id, DataPart: 0, NumDataParts: 1}}, nil
	}

	restCap, err := fragmentDataCap(id, nil, maxFragmentSize)
	if err != nil {
		return nil, err
	}

	var chunks [][]byte
	offset := 0
	room := firstCap
	for offset < len(payload) {
		end := offset + room
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[offset:end])
		offset = end
		room = restCap
	}

	fragments := make([]spreadbus.FragmentedNotification, len(chunks))
	for k, chunk := range chunks {
		var h *spreadbus.NotificationHeader
		if k == 0 {
			h = header
		}
		fragments[k] = spreadbus.FragmentedNotification{
			Header:       h,
			ID:           id,
			DataPart:     uint32(k),
			NumDataParts: uint32(len(chunks)),
			Data:         chunk,
		}
	}
	return fragments, nil
}

func fragmentDataCap(id spreadbus.EventID, header *spreadbus.NotificationHeader, maxFragmentSize int) (int, error) {
	probe := spreadbus.FragmentedNotification{Header: header, ID: id, DataPart: 0, NumDataParts: 1}
	encoded, err := spreadbus.EncodeFragmentHeader(probe)
	if err != nil {
		return 0, err
	}
	overhead := spreadbus.FramePrefixSize + len(encoded)
	if overhead >= maxFragmentSize-spreadbus.MinDataSpace {
		return 0, fmt.Errorf("%w: meta-data too big for fragmentation", spreadbus.ErrProtocolError)
	}
	return maxFragmentSize - overhead, nil
}
