package spreadbus

import "errors"

// Error kinds shared across the transport. Each one is returned (or
// wrapped with fmt.Errorf("...: %w", ...)) by the package that owns the
// behavior; callers match with errors.Is/errors.As.
var (
	// ErrAlreadyActive is returned by the daemon connection's Activate when
	// the connection is already active. Connectors and the Bus report the
	// same situation with ErrIllegalState.
	ErrAlreadyActive = errors.New("spreadbus: already active")

	// ErrNotActive is returned by Deactivate, join/leave, send and receive
	// when the daemon connection is not active.
	ErrNotActive = errors.New("spreadbus: not active")

	// ErrIllegalState is returned when a lifecycle method is called from
	// the wrong state (Activate on an active Bus, Deactivate on an
	// inactive one, a connector SetScope while active, and so on).
	ErrIllegalState = errors.New("spreadbus: illegal state")

	// ErrConnectionFailed wraps a classified sub-cause raised by the daemon
	// on Activate: unreachable, quota rejected, name rejected, version
	// mismatch, authentication failure or protocol error.
	ErrConnectionFailed = errors.New("spreadbus: daemon connection failed")

	// ErrIllegalGroup is raised by join/leave for a malformed or
	// daemon-rejected group name.
	ErrIllegalGroup = errors.New("spreadbus: illegal group")

	// ErrIllegalSession is raised when the daemon rejects an operation
	// because the session handle is invalid.
	ErrIllegalSession = errors.New("spreadbus: illegal session")

	// ErrConnectionClosed is raised when the daemon session closes in the
	// middle of an operation.
	ErrConnectionClosed = errors.New("spreadbus: connection closed")

	// ErrIllegalMessage is raised by send for a malformed message.
	ErrIllegalMessage = errors.New("spreadbus: illegal message")

	// ErrMessageTooLong is raised by send when the payload exceeds the
	// daemon's per-message limit (180_000 bytes, see daemonconn).
	ErrMessageTooLong = errors.New("spreadbus: message too long")

	// ErrProtocolError covers fragment parse failures, duplicate
	// fragments, inconsistent num_data_parts and oversized metadata.
	ErrProtocolError = errors.New("spreadbus: protocol error")

	// ErrConverterError covers Converter.Produce/Consume failures and
	// unknown wire-schema tags.
	ErrConverterError = errors.New("spreadbus: converter error")

	// ErrDomainError covers invalid construction parameters, such as a
	// zero pruning max-age or interval.
	ErrDomainError = errors.New("spreadbus: domain error")

	// ErrUnsupportedQoS is returned by MapQoS for any (ordering,
	// reliability) pair outside the documented table.
	ErrUnsupportedQoS = errors.New("spreadbus: unsupported QoS combination")

	// ErrQueueEmpty is returned by a non-blocking InPullConnector.Pull when
	// no notification is queued.
	ErrQueueEmpty = errors.New("spreadbus: no event queued")

	// ErrCancelled is the internal control-flow signal raised by
	// Connection.Receive when interrupted by InterruptReceive. The
	// receiver task treats it as a clean shutdown signal; it must never be
	// surfaced to a Sink.
	ErrCancelled = errors.New("spreadbus: receive cancelled")
)
