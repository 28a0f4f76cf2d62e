package bus

import (
	"context"
	"sync"
	"weak"

	"github.com/rsbio/spreadbus/daemonconn"
)

type endpoint struct {
	host string
	port uint16
}

// Factory caches live Buses by (host,port), so that every connector
// created against the same daemon endpoint shares one Bus.
type Factory struct {
	mu     sync.Mutex
	buses  map[endpoint]weak.Pointer[Bus]
	cfg    Config
	dial   func(cfg daemonconn.Config) *daemonconn.Connection
}

// NewFactory creates a Factory that builds Buses with cfg.
func NewFactory(cfg Config) *Factory {
	return &Factory{
		buses: make(map[endpoint]weak.Pointer[Bus]),
		cfg:   cfg,
		dial:  daemonconn.New,
	}
}

// Obtain returns the live Bus for (host,port), creating and activating a
// fresh one if none is currently live.
func (f *Factory) Obtain(ctx context.Context, host string, port uint16) (*Bus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ep := endpoint{host: host, port: port}
	if wp, ok := f.buses[ep]; ok {
		if b := wp.Value(); b != nil {
			return b, nil
		}
	}

	conn := f.dial(daemonconn.Config{
		Host:            host,
		Port:            port,
		DialTimeout:     f.cfg.DialTimeout,
		MaxGroupNameLen: f.cfg.MaxGroupName,
		Logger:          f.cfg.Logger,
	})
	b := New(host, port, conn, f.cfg)
	if err := b.Activate(ctx); err != nil {
		return nil, err
	}
	f.buses[ep] = weak.Make(b)
	return b, nil
}
