// Package receiver implements the blocking receive loop that turns daemon
// messages into reassembled notifications.
package receiver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rsbio/spreadbus"
	"github.com/rsbio/spreadbus/daemonconn"
)

// Connection is the subset of *daemonconn.Connection the receiver needs.
type Connection interface {
	Receive(ctx context.Context) (daemonconn.Message, error)
}

// Pool is the subset of *assembly.Pool the receiver needs.
type Pool interface {
	Add(fragment spreadbus.FragmentedNotification) (spreadbus.Notification, bool, error)
}

// Handler receives fully reassembled notifications and errors raised
// while producing them. The Bus implements this; the Task must be handed
// a handler that does not pin the Bus alive — that adapter lives with the
// Bus/factory wiring, not here.
type Handler interface {
	OnIncoming(notification spreadbus.Notification)
	OnError(err error)
}

// Task runs the receive loop on its own goroutine: receive, parse,
// reassemble, dispatch.
type Task struct {
	conn    Connection
	pool    Pool
	handler Handler
	logger  *slog.Logger
}

// New creates a Task. logger nil uses slog.Default().
func New(conn Connection, pool Pool, handler Handler, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{conn: conn, pool: pool, handler: handler, logger: logger}
}

// Run blocks, processing messages until the connection reports
// ErrCancelled (clean shutdown, triggered by InterruptReceive) or a
// non-recoverable daemon I/O error, which it returns to the caller after
// reporting it to the handler.
func (t *Task) Run(ctx context.Context) error {
	for {
		msg, err := t.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, spreadbus.ErrCancelled) {
				return nil
			}
			t.handler.OnError(err)
			return err
		}

		if msg.Kind != daemonconn.KindRegular {
			continue
		}

		fragment, err := spreadbus.DecodeFragment(msg.Data)
		if err != nil {
			t.handler.OnError(err)
			continue
		}

		if fragment.NumDataParts == 1 {
			t.dispatch(fragment)
			continue
		}

		notification, ok, err := t.pool.Add(fragment)
		if err != nil {
			t.handler.OnError(err)
			continue
		}
		if !ok {
			continue
		}
		notification.Header.ReceiveTime = time.Now()
		t.handler.OnIncoming(notification)
	}
}

func (t *Task) dispatch(fragment spreadbus.FragmentedNotification) {
	header := *fragment.Header
	header.ReceiveTime = time.Now()
	t.handler.OnIncoming(spreadbus.Notification{Header: header, Payload: fragment.Data})
}
