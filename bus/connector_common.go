package bus

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/rsbio/spreadbus"
)

// connectorState is the activation/scope/QoS/error-strategy bundle every
// connector kind shares.
type connectorState struct {
	mu       sync.Mutex
	active   bool
	scope    spreadbus.Scope
	qos      spreadbus.QoS
	strategy ErrorStrategy
	logger   *slog.Logger
}

// setScope is legal only while inactive.
func (c *connectorState) setScope(scope spreadbus.Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return fmt.Errorf("%w: SetScope while active", spreadbus.ErrIllegalState)
	}
	c.scope = scope
	return nil
}

func (c *connectorState) setQoS(qos spreadbus.QoS) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qos = qos
}

func (c *connectorState) snapshot() (spreadbus.Scope, spreadbus.QoS, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope, c.qos, c.active
}

// reportError routes err through the connector's configured strategy.
func (c *connectorState) reportError(err error) {
	switch c.strategy {
	case StrategyPrint:
		fmt.Fprintln(os.Stderr, err)
	case StrategyExit:
		c.logger.Error("fatal connector error, exiting", "error", err)
		os.Exit(1)
	default:
		c.logger.Error("connector error", "error", err)
	}
}
