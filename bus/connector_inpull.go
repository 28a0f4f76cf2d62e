package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rsbio/spreadbus"
	"github.com/rsbio/spreadbus/dispatch"
)

// InPullConnector registers with a Bus like InPushConnector, but queues
// incoming notifications for the participant to dequeue explicitly via
// Pull.
type InPullConnector struct {
	connectorState

	bus    *Bus
	lookup spreadbus.ConverterLookup
	handle *dispatch.Handle

	queue chan queuedItem
}

type queuedItem struct {
	notification spreadbus.Notification
	err          error
}

// InPullConnectorConfig configures a new InPullConnector. QueueSize bounds
// the internal channel; zero defaults to 64.
type InPullConnectorConfig struct {
	Scope     spreadbus.Scope
	QoS       spreadbus.QoS
	Strategy  ErrorStrategy
	QueueSize int
	Logger    *slog.Logger
}

// NewInPullConnector binds lookup to bus for receiving at cfg.Scope.
func NewInPullConnector(b *Bus, lookup spreadbus.ConverterLookup, cfg InPullConnectorConfig) *InPullConnector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &InPullConnector{
		connectorState: connectorState{scope: cfg.Scope, qos: cfg.QoS, strategy: cfg.Strategy, logger: logger},
		bus:            b,
		lookup:         lookup,
		queue:          make(chan queuedItem, queueSize),
	}
}

// Activate registers this connector with the Bus's dispatcher.
func (c *InPullConnector) Activate() error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return fmt.Errorf("%w: in-pull connector already active", spreadbus.ErrIllegalState)
	}
	scope := c.scope
	c.handle = dispatch.NewHandle(c)
	c.active = true
	c.mu.Unlock()

	return c.bus.AddSink(scope, c.handle)
}

// Deactivate unregisters from the Bus's dispatcher before dropping the
// reference.
func (c *InPullConnector) Deactivate() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return fmt.Errorf("%w: in-pull connector not active", spreadbus.ErrIllegalState)
	}
	scope, handle := c.scope, c.handle
	c.active = false
	c.mu.Unlock()

	return c.bus.RemoveSink(scope, handle)
}

// SetScope changes the receive scope; legal only while inactive.
func (c *InPullConnector) SetScope(scope spreadbus.Scope) error {
	return c.setScope(scope)
}

// TransportURL is the spread:// endpoint URL of the Bus this connector
// receives on.
func (c *InPullConnector) TransportURL() string {
	return c.bus.TransportURL()
}

// SetQoS changes the connector's QoS. Dropping below fully reliable
// enables assembly-pool pruning on the Bus.
func (c *InPullConnector) SetQoS(qos spreadbus.QoS) error {
	c.setQoS(qos)
	if !qos.IsFullyReliable() {
		return c.bus.SetPruning(true)
	}
	return nil
}

// OnNotification implements dispatch.Sink: enqueues notification for a
// later Pull.
func (c *InPullConnector) OnNotification(notification spreadbus.Notification) {
	c.queue <- queuedItem{notification: notification}
}

// OnError implements dispatch.Sink: enqueues the error, to be surfaced at
// the next Pull.
func (c *InPullConnector) OnError(err error) {
	c.queue <- queuedItem{err: err}
}

// Pull dequeues one notification, deserializing it into an Event. With
// blocking false it returns ErrQueueEmpty immediately when nothing is
// queued; with blocking true it waits for the next delivery or ctx's
// cancellation.
func (c *InPullConnector) Pull(ctx context.Context, blocking bool) (spreadbus.Event, error) {
	if !blocking {
		select {
		case item := <-c.queue:
			return c.resolve(item)
		default:
			return spreadbus.Event{}, spreadbus.ErrQueueEmpty
		}
	}

	select {
	case item := <-c.queue:
		return c.resolve(item)
	case <-ctx.Done():
		return spreadbus.Event{}, ctx.Err()
	}
}

func (c *InPullConnector) resolve(item queuedItem) (spreadbus.Event, error) {
	if item.err != nil {
		c.reportError(item.err)
		return spreadbus.Event{}, item.err
	}

	converter, err := c.lookup.ForWireSchema(item.notification.Header.WireSchema)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", spreadbus.ErrConverterError, err)
		c.reportError(wrapped)
		return spreadbus.Event{}, wrapped
	}
	event, err := converter.Consume(context.Background(), item.notification.Header.WireSchema, item.notification.Payload)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", spreadbus.ErrConverterError, err)
		c.reportError(wrapped)
		return spreadbus.Event{}, wrapped
	}
	event.Header = item.notification.Header
	event.Scope = item.notification.Header.Scope
	return event, nil
}
