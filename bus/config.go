package bus

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rsbio/spreadbus"
	"github.com/rsbio/spreadbus/assembly"
	"github.com/rsbio/spreadbus/daemonconn"
)

// ErrorStrategy is how a connector reacts to a converter or deserializer
// failure.
type ErrorStrategy string

const (
	// StrategyLog records the error via the logger and continues with
	// the next event.
	StrategyLog ErrorStrategy = "log"
	// StrategyPrint writes the error to standard error and continues.
	StrategyPrint ErrorStrategy = "print"
	// StrategyExit logs the error as fatal and terminates the process.
	StrategyExit ErrorStrategy = "exit"
)

// ConnectorConfig is the per-participant configuration surface of the
// transport. The converter lookup is wired in code, not configuration,
// so it has no key here.
type ConnectorConfig struct {
	// Host is the daemon host to dial.
	Host string `json:"host" yaml:"host" env:"HOST"`

	// Port is the daemon port; zero uses the daemon's conventional port.
	Port uint16 `json:"port" yaml:"port" env:"PORT"`

	// MaxFragmentSize caps the serialized size of one outgoing fragment.
	MaxFragmentSize int `json:"maxfragmentsize" yaml:"maxfragmentsize" env:"MAX_FRAGMENT_SIZE"`

	// OnError selects the connector's error strategy: log, print or exit.
	OnError ErrorStrategy `json:"onerror" yaml:"onerror" env:"ON_ERROR"`
}

// DefaultConnectorConfig returns the documented defaults: localhost, the
// daemon's conventional port, the default fragment cap and the log
// strategy.
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		Host:            "localhost",
		Port:            daemonconn.DefaultPort,
		MaxFragmentSize: spreadbus.DefaultMaxFragmentSize,
		OnError:         StrategyLog,
	}
}

// ParseConnectorConfig decodes a YAML (or JSON, which YAML subsumes)
// document into a ConnectorConfig, applying defaults for absent keys and
// validating the error strategy.
func ParseConnectorConfig(raw []byte) (ConnectorConfig, error) {
	cfg := DefaultConnectorConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return ConnectorConfig{}, fmt.Errorf("%w: parse connector config: %v", spreadbus.ErrDomainError, err)
	}
	switch cfg.OnError {
	case StrategyLog, StrategyPrint, StrategyExit:
	default:
		return ConnectorConfig{}, fmt.Errorf("%w: unknown error strategy %q", spreadbus.ErrDomainError, cfg.OnError)
	}
	if cfg.Port == 0 {
		cfg.Port = daemonconn.DefaultPort
	}
	if cfg.MaxFragmentSize < 0 {
		return ConnectorConfig{}, fmt.Errorf("%w: negative maxfragmentsize", spreadbus.ErrDomainError)
	}
	return cfg, nil
}

// Config configures a Bus.
type Config struct {
	// MaxGroupName overrides the group-name cache's width; zero uses
	// groupcache.MaxGroupName.
	MaxGroupName int

	// Pruning configures the assembly pool's staleness eviction. Used only
	// when a connector's QoS is not fully reliable.
	Pruning assembly.PruningConfig

	// DialTimeout bounds the daemon connection attempt; zero uses the
	// daemonconn default.
	DialTimeout time.Duration

	Logger *slog.Logger
}
