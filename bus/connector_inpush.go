package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rsbio/spreadbus"
	"github.com/rsbio/spreadbus/dispatch"
)

// InPushConnector registers with a Bus and pushes every matching
// notification synchronously to its registered application handlers.
type InPushConnector struct {
	connectorState

	bus    *Bus
	lookup spreadbus.ConverterLookup
	handle *dispatch.Handle

	handlersMu sync.Mutex
	handlers   []func(spreadbus.Event)
}

// InPushConnectorConfig configures a new InPushConnector.
type InPushConnectorConfig struct {
	Scope    spreadbus.Scope
	QoS      spreadbus.QoS
	Strategy ErrorStrategy
	Logger   *slog.Logger
}

// NewInPushConnector binds lookup to bus for receiving at cfg.Scope.
func NewInPushConnector(b *Bus, lookup spreadbus.ConverterLookup, cfg InPushConnectorConfig) *InPushConnector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &InPushConnector{
		connectorState: connectorState{scope: cfg.Scope, qos: cfg.QoS, strategy: cfg.Strategy, logger: logger},
		bus:            b,
		lookup:         lookup,
	}
}

// RegisterHandler adds an application callback invoked for every delivered
// event, in registration order.
func (c *InPushConnector) RegisterHandler(handler func(spreadbus.Event)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Activate registers this connector's sink with the Bus at its scope.
func (c *InPushConnector) Activate() error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return fmt.Errorf("%w: in-push connector already active", spreadbus.ErrIllegalState)
	}
	scope := c.scope
	c.handle = dispatch.NewHandle(c)
	c.active = true
	c.mu.Unlock()

	return c.bus.AddSink(scope, c.handle)
}

// Deactivate unregisters from the Bus's dispatcher before dropping the
// reference.
func (c *InPushConnector) Deactivate() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return fmt.Errorf("%w: in-push connector not active", spreadbus.ErrIllegalState)
	}
	scope, handle := c.scope, c.handle
	c.active = false
	c.mu.Unlock()

	return c.bus.RemoveSink(scope, handle)
}

// SetScope changes the receive scope; legal only while inactive.
func (c *InPushConnector) SetScope(scope spreadbus.Scope) error {
	return c.setScope(scope)
}

// TransportURL is the spread:// endpoint URL of the Bus this connector
// receives on.
func (c *InPushConnector) TransportURL() string {
	return c.bus.TransportURL()
}

// SetQoS changes the connector's QoS. Dropping below fully reliable
// enables assembly-pool pruning on the Bus.
func (c *InPushConnector) SetQoS(qos spreadbus.QoS) error {
	c.setQoS(qos)
	if !qos.IsFullyReliable() {
		return c.bus.SetPruning(true)
	}
	return nil
}

// OnNotification implements dispatch.Sink: deserializes notification and
// pushes the resulting event to every registered handler, isolating each
// handler so one panic or the absence of others doesn't block delivery
// to the rest.
func (c *InPushConnector) OnNotification(notification spreadbus.Notification) {
	event, err := c.deserialize(notification)
	if err != nil {
		c.reportError(err)
		return
	}

	c.handlersMu.Lock()
	handlers := append([]func(spreadbus.Event){}, c.handlers...)
	c.handlersMu.Unlock()

	for _, handler := range handlers {
		c.invoke(handler, event)
	}
}

func (c *InPushConnector) invoke(handler func(spreadbus.Event), event spreadbus.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.reportError(fmt.Errorf("%w: application handler panicked: %v", spreadbus.ErrDomainError, r))
		}
	}()
	handler(event)
}

// OnError implements dispatch.Sink.
func (c *InPushConnector) OnError(err error) {
	c.reportError(err)
}

func (c *InPushConnector) deserialize(notification spreadbus.Notification) (spreadbus.Event, error) {
	converter, err := c.lookup.ForWireSchema(notification.Header.WireSchema)
	if err != nil {
		return spreadbus.Event{}, fmt.Errorf("%w: %v", spreadbus.ErrConverterError, err)
	}
	event, err := converter.Consume(context.Background(), notification.Header.WireSchema, notification.Payload)
	if err != nil {
		return spreadbus.Event{}, fmt.Errorf("%w: %v", spreadbus.ErrConverterError, err)
	}
	event.Header = notification.Header
	event.Scope = notification.Header.Scope
	return event, nil
}
