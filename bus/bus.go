// Package bus implements the shared per-(host,port) hub and the factory
// that caches Buses across connectors.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"weak"

	"github.com/rsbio/spreadbus"
	"github.com/rsbio/spreadbus/assembly"
	"github.com/rsbio/spreadbus/daemonconn"
	"github.com/rsbio/spreadbus/dispatch"
	"github.com/rsbio/spreadbus/groupcache"
	"github.com/rsbio/spreadbus/membership"
	"github.com/rsbio/spreadbus/receiver"
)

// Bus is the single hub shared by every local connector bound to one
// daemon endpoint: it owns the daemon connection, the membership
// counter, the scope dispatcher, and the receiver task.
type Bus struct {
	host string
	port uint16

	conn       *daemonconn.Connection
	groupCache *groupcache.Cache
	pool       *assembly.Pool
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	// sinkMu serializes the dispatcher and the membership counter; it is
	// held during AddSink/RemoveSink and during dispatch so the two stay
	// ordered.
	sinkMu      sync.Mutex
	memberships *membership.Counter

	lifecycleMu sync.Mutex
	active      bool
	recvDone    chan struct{}
	recvErr     error
}

// New constructs an inactive Bus bound to conn. Callers obtain a Bus
// through Factory.Obtain rather than calling New directly, so that Buses
// are shared per (host,port).
func New(host string, port uint16, conn *daemonconn.Connection, cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		host:       host,
		port:       port,
		conn:       conn,
		groupCache: groupcache.New(cfg.MaxGroupName),
		pool:       assembly.New(cfg.Pruning),
		dispatcher: dispatch.New(),
		logger:     logger,
	}
	b.memberships = membership.New(conn)
	return b
}

// TransportURL is the spread:// endpoint URL this Bus serves.
func (b *Bus) TransportURL() string {
	return fmt.Sprintf("spread://%s:%d", b.host, b.port)
}

// Activate brings the Bus from inactive to active: activates the daemon
// connection, starts the receiver task, and marks the Bus active. Fails
// with ErrIllegalState if already active.
func (b *Bus) Activate(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.active {
		return fmt.Errorf("%w: bus already active", spreadbus.ErrIllegalState)
	}

	if err := b.conn.Activate(ctx); err != nil {
		return err
	}

	task := receiver.New(b.conn, b.pool, recvHandler{bus: weak.Make(b)}, b.logger)
	b.recvDone = make(chan struct{})
	b.recvErr = nil
	go func() {
		defer close(b.recvDone)
		b.recvErr = task.Run(context.Background())
	}()

	b.active = true
	b.logger.Info("bus activated", "url", b.TransportURL())
	return nil
}

// Deactivate brings the Bus from active to inactive: interrupts and joins
// the receiver task, then deactivates the daemon connection. Fails with
// ErrIllegalState if not active.
func (b *Bus) Deactivate(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if !b.active {
		return fmt.Errorf("%w: bus not active", spreadbus.ErrIllegalState)
	}

	if err := b.conn.InterruptReceive(); err != nil {
		b.logger.Warn("interrupt receive failed during deactivate", "error", err)
	}
	<-b.recvDone
	if b.recvErr != nil {
		b.logger.Warn("receiver task exited with an error", "error", b.recvErr)
	}

	if err := b.conn.Deactivate(ctx); err != nil {
		return err
	}
	b.active = false
	b.logger.Info("bus deactivated", "url", b.TransportURL())
	return nil
}

// IsActive reports whether the Bus is currently active.
func (b *Bus) IsActive() bool {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	return b.active
}

// AddSink registers handle for delivery at scope: joins every daemon group
// covering scope (reference counted) and inserts a weak dispatcher entry,
// both under sinkMu so the two stay ordered.
func (b *Bus) AddSink(scope spreadbus.Scope, handle *dispatch.Handle) error {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	for _, group := range b.groupCache.GroupsFor(scope) {
		if err := b.memberships.Join(group); err != nil {
			return err
		}
	}
	b.dispatcher.Add(scope, handle)
	return nil
}

// RemoveSink undoes AddSink: removes the dispatcher entry, then leaves
// every daemon group covering scope.
func (b *Bus) RemoveSink(scope spreadbus.Scope, handle *dispatch.Handle) error {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	b.dispatcher.Remove(scope, handle)
	for _, group := range b.groupCache.GroupsFor(scope) {
		if err := b.memberships.Leave(group); err != nil {
			return err
		}
	}
	return nil
}

// GroupsFor returns the daemon group names covering scope, used by the
// out-connector to address a send.
func (b *Bus) GroupsFor(scope spreadbus.Scope) []string {
	return b.groupCache.GroupsFor(scope)
}

// SetPruning toggles the assembly pool's staleness eviction, used by a
// connector whose QoS drops below fully reliable.
func (b *Bus) SetPruning(enabled bool) error {
	return b.pool.SetPruning(enabled)
}

// HandleOutgoing sends every fragment of out to the daemon, then fans it
// out synchronously to local sinks whose scope is a super-scope of
// out.Scope. header is the full notification header carried by out's
// first fragment, used to build the locally-delivered Notification
// without re-parsing the wire form.
//
// Fragments are sent self-discarding: local subscribers are served by the
// fan-out below, so a daemon echo to this session would deliver a second
// copy.
func (b *Bus) HandleOutgoing(out spreadbus.OutgoingNotification, header spreadbus.NotificationHeader) error {
	daemonService, err := spreadbus.MapQoS(out.QoS)
	if err != nil {
		return err
	}

	for _, fragment := range out.Fragments {
		raw, err := spreadbus.EncodeFragment(fragment)
		if err != nil {
			return err
		}
		if err := b.conn.Send(daemonconn.SendRequest{QoS: daemonService, Groups: out.Groups, Payload: raw, SelfDiscard: true}); err != nil {
			return err
		}
	}

	notification := spreadbus.Notification{Header: header, Payload: out.Payload}
	notification.Header.ReceiveTime = time.Now()
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	b.dispatcher.ForEachUnder(out.Scope, func(s dispatch.Sink) {
		s.OnNotification(notification)
	})
	return nil
}

// HandleIncoming fans a daemon-delivered notification out to local sinks;
// the daemon has already delivered it to peers on other hosts.
func (b *Bus) HandleIncoming(notification spreadbus.Notification) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	b.dispatcher.ForEachUnder(notification.ScopeValue(), func(s dispatch.Sink) {
		s.OnNotification(notification)
	})
}

// HandleError broadcasts err to every live sink regardless of scope.
func (b *Bus) HandleError(err error) {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()
	b.dispatcher.ForEachAll(func(s dispatch.Sink) {
		s.OnError(err)
	})
}

// recvHandler adapts Bus to receiver.Handler without pinning the Bus
// alive: it upgrades its weak reference on every call. Holding the Bus
// strongly here would pin the Bus/receiver pair as an uncollectable
// cycle.
type recvHandler struct {
	bus weak.Pointer[Bus]
}

func (h recvHandler) OnIncoming(notification spreadbus.Notification) {
	if b := h.bus.Value(); b != nil {
		b.HandleIncoming(notification)
	}
}

func (h recvHandler) OnError(err error) {
	if b := h.bus.Value(); b != nil {
		b.HandleError(err)
	}
}
