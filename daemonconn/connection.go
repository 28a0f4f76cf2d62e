// Package daemonconn wraps a single client session to the group-
// communication daemon. The session is carried over a websocket
// connection: coder/websocket's contract — one reader, one writer, reads
// and writes may proceed concurrently — is exactly the threading contract
// Receive needs against Send/InterruptReceive.
package daemonconn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/rsbio/spreadbus"
)

// MaxMessagePayload is the daemon's per-message payload limit.
const MaxMessagePayload = 180_000

// MaxGroupName is the assumed upper bound on a group name's length, used
// to validate group names passed to Send/Join/Leave when the caller has
// not supplied a daemon-declared value.
const MaxGroupName = 32

// DefaultPort is the daemon's conventional listen port, used when a
// connector configuration leaves the port unset.
const DefaultPort = 4803

// Config configures the daemon endpoint to dial.
type Config struct {
	Host string
	Port uint16

	// DialTimeout bounds the whole of Activate: every dial attempt with
	// its backoff retries, and the handshake. Zero uses 10s.
	DialTimeout time.Duration

	// MaxGroupNameLen overrides the daemon-declared group-name width. Zero
	// uses MaxGroupName.
	MaxGroupNameLen int

	// Logger receives structured diagnostics; nil uses slog.Default().
	Logger *slog.Logger
}

func (c Config) url() string {
	return fmt.Sprintf("ws://%s/spread", net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port)))
}

// MessageKind tags a value returned by Receive.
type MessageKind int

const (
	// KindRegular is a normal data delivery.
	KindRegular MessageKind = iota
	// KindMembership is a group-membership notice the daemon delivers out
	// of band; the receiver task skips these.
	KindMembership
)

// Message is what Receive returns for a regular delivery.
type Message struct {
	Kind   MessageKind
	Groups []string
	Data   []byte
}

// SendRequest is what Send transmits.
type SendRequest struct {
	QoS     spreadbus.DaemonService
	Groups  []string
	Payload []byte

	// SelfDiscard suppresses delivery of this message back to the sending
	// session. Notification sends set it, since the Bus fans out to local
	// sinks itself and a daemon echo would deliver a second copy; the
	// self-addressed interrupt message must not set it.
	SelfDiscard bool
}

// Connection wraps one websocket session to the daemon. It is safe for
// one goroutine to call Receive while another calls Send/InterruptReceive
// concurrently, but Join/Leave must not be called concurrently with
// themselves on the same Connection.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex // guards active and conn
	active bool
	conn   *websocket.Conn

	writeMu sync.Mutex // serializes Send and InterruptReceive (both Write)

	privateGroup string
}

// New creates a Connection for cfg. It does not dial; call Activate.
func New(cfg Config) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{cfg: cfg, logger: logger}
}

// Activate opens the session and stores the daemon-assigned private group
// name, used as the self-addressed interrupt target.
//
// Dial failures are classified: a transport-level failure (daemon
// unreachable) is retried with exponential backoff up to the configured
// dial timeout; a daemon-level refusal (quota rejected, name rejected,
// version mismatch, authentication failure, protocol error) is permanent
// and returned immediately, both wrapped in ErrConnectionFailed.
func (c *Connection) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return spreadbus.ErrAlreadyActive
	}

	timeout := c.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dialWithBackoff(dialCtx)
	if err != nil {
		return err
	}
	// The websocket library caps a read at 32 KiB by default; a data frame
	// carries up to MaxMessagePayload bytes plus its frame header.
	conn.SetReadLimit(MaxMessagePayload + 64*1024)

	privateGroup, err := c.handshake(dialCtx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		return fmt.Errorf("%w: handshake: %v", spreadbus.ErrConnectionFailed, err)
	}

	c.conn = conn
	c.privateGroup = privateGroup
	c.active = true
	c.logger.Info("daemon connection activated", "host", c.cfg.Host, "port", c.cfg.Port, "private_group", privateGroup)
	return nil
}

func (c *Connection) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 2 * time.Second

	for {
		conn, _, err := websocket.Dial(ctx, c.cfg.url(), nil)
		if err == nil {
			return conn, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: daemon unreachable at %s: %v", spreadbus.ErrConnectionFailed, c.cfg.url(), err)
		default:
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			return nil, fmt.Errorf("%w: daemon unreachable at %s: %v", spreadbus.ErrConnectionFailed, c.cfg.url(), err)
		}

		c.logger.Warn("daemon dial failed, retrying", "error", err, "backoff", sleep)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: daemon unreachable at %s: %v", spreadbus.ErrConnectionFailed, c.cfg.url(), err)
		case <-timer.C:
		}
	}
}

// handshake sends a connect frame and waits for the daemon's connected
// frame carrying the assigned private group name.
func (c *Connection) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	frame, err := encodeFrame(frameHeader{Kind: frameConnect}, nil)
	if err != nil {
		return "", err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return "", fmt.Errorf("send connect frame: %w", err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("read connected frame: %w", err)
	}
	header, _, err := decodeFrame(raw)
	if err != nil {
		return "", err
	}
	switch header.Kind {
	case frameConnected:
		if header.Group == "" {
			return "", fmt.Errorf("daemon assigned empty private group")
		}
		return header.Group, nil
	case frameError:
		return "", classifyDaemonError(header)
	default:
		return "", fmt.Errorf("unexpected frame kind %q during handshake", header.Kind)
	}
}

func classifyDaemonError(header frameHeader) error {
	switch header.Code {
	case "quota":
		return fmt.Errorf("%w: quota rejected: %s", spreadbus.ErrConnectionFailed, header.Message)
	case "name":
		return fmt.Errorf("%w: name rejected: %s", spreadbus.ErrConnectionFailed, header.Message)
	case "version":
		return fmt.Errorf("%w: version mismatch: %s", spreadbus.ErrConnectionFailed, header.Message)
	case "auth":
		return fmt.Errorf("%w: authentication failure: %s", spreadbus.ErrConnectionFailed, header.Message)
	default:
		return fmt.Errorf("%w: protocol error: %s", spreadbus.ErrConnectionFailed, header.Message)
	}
}

// Deactivate closes the session. It is idempotent with respect to partial
// failure: errors from the underlying close are logged and swallowed, and
// the connection becomes inactive regardless.
func (c *Connection) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return spreadbus.ErrNotActive
	}

	if err := c.conn.Close(websocket.StatusNormalClosure, "deactivate"); err != nil {
		c.logger.Warn("daemon connection close returned an error, ignoring", "error", err)
	}
	c.conn = nil
	c.active = false
	return nil
}

// IsActive reports whether the connection is currently active.
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// PrivateGroup returns the daemon-assigned private group name used to
// target InterruptReceive. Valid only while active.
func (c *Connection) PrivateGroup() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.privateGroup
}

// Join joins group on this session. Must not be called concurrently with
// another Join/Leave on the same Connection.
func (c *Connection) Join(group string) error {
	return c.controlRequest(frameJoin, group)
}

// Leave leaves group on this session. Must not be called concurrently with
// another Join/Leave on the same Connection.
func (c *Connection) Leave(group string) error {
	return c.controlRequest(frameLeave, group)
}

func (c *Connection) controlRequest(kind frameKind, group string) error {
	if len(group) >= c.groupNameLimit() {
		return fmt.Errorf("%w: group name %q too long", spreadbus.ErrIllegalGroup, group)
	}

	conn, err := c.activeConn()
	if err != nil {
		return err
	}

	frame, err := encodeFrame(frameHeader{Kind: kind, Group: group}, nil)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	writeErr := conn.Write(context.Background(), websocket.MessageBinary, frame)
	c.writeMu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("%w: %s %s: %v", spreadbus.ErrConnectionClosed, kind, group, writeErr)
	}
	return nil
}

// Send transmits payload to groups with the given QoS. groups must be
// non-empty; payload must be at most MaxMessagePayload bytes. A single
// group uses single-group multicast; more than one uses multi-group
// multicast — both are expressed identically on this wire
// protocol, the daemon distinguishes by len(Groups).
func (c *Connection) Send(req SendRequest) error {
	if len(req.Groups) == 0 {
		return fmt.Errorf("%w: send requires at least one group", spreadbus.ErrIllegalMessage)
	}
	if len(req.Payload) > MaxMessagePayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", spreadbus.ErrMessageTooLong, len(req.Payload), MaxMessagePayload)
	}
	for _, g := range req.Groups {
		if len(g) >= c.groupNameLimit() {
			return fmt.Errorf("%w: group name %q too long", spreadbus.ErrIllegalGroup, g)
		}
	}

	conn, err := c.activeConn()
	if err != nil {
		return err
	}

	frame, err := encodeFrame(frameHeader{Kind: frameData, Groups: req.Groups, QoS: string(req.QoS), SelfDiscard: req.SelfDiscard}, req.Payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	writeErr := conn.Write(context.Background(), websocket.MessageBinary, frame)
	c.writeMu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("%w: send: %v", spreadbus.ErrConnectionClosed, writeErr)
	}
	return nil
}

// Receive blocks until a message is delivered by the daemon. No two
// goroutines may call Receive concurrently on the same Connection.
// Cancellation is triggered when the delivered message's sole group
// equals this session's own private group — InterruptReceive sends exactly
// such a message — in which case Receive returns ErrCancelled.
func (c *Connection) Receive(ctx context.Context) (Message, error) {
	conn, err := c.activeConn()
	if err != nil {
		return Message{}, err
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		if c.IsActive() {
			return Message{}, fmt.Errorf("%w: receive: %v", spreadbus.ErrConnectionClosed, err)
		}
		return Message{}, spreadbus.ErrCancelled
	}

	header, payload, err := decodeFrame(raw)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", spreadbus.ErrProtocolError, err)
	}

	switch header.Kind {
	case frameMembership:
		return Message{Kind: KindMembership, Groups: header.Groups}, nil
	case frameData:
		if len(header.Groups) == 1 && header.Groups[0] == c.PrivateGroup() {
			return Message{}, spreadbus.ErrCancelled
		}
		return Message{Kind: KindRegular, Groups: header.Groups, Data: payload}, nil
	default:
		return Message{}, fmt.Errorf("%w: unexpected frame kind %q", spreadbus.ErrProtocolError, header.Kind)
	}
}

// InterruptReceive sends a self-addressed message that causes a blocked
// Receive to return ErrCancelled. Safe to call from any thread; serialized
// with Send by writeMu since the underlying websocket only allows one
// Write in flight at a time.
func (c *Connection) InterruptReceive() error {
	private := c.PrivateGroup()
	if private == "" {
		return spreadbus.ErrNotActive
	}
	return c.Send(SendRequest{Groups: []string{private}, Payload: nil})
}

func (c *Connection) groupNameLimit() int {
	if c.cfg.MaxGroupNameLen > 0 {
		return c.cfg.MaxGroupNameLen
	}
	return MaxGroupName
}

func (c *Connection) activeConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil, spreadbus.ErrNotActive
	}
	return c.conn, nil
}
