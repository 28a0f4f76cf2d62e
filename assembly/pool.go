package assembly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/rsbio/spreadbus"
)

// key identifies one in-flight assembly: the sender that produced it and
// the sequence number it assigned the event.
type key struct {
	senderID uuid.UUID
	sequence uint32
}

// PruningConfig configures the pool's periodic eviction of stalled
// assemblies. Both fields must be positive for pruning to start:
// SetPruning(true) fails with ErrDomainError otherwise. Pool construction
// does not validate them.
type PruningConfig struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// Pool holds assemblies keyed by (sender_id, sequence_number) until they
// complete or are pruned for staleness.
type Pool struct {
	mu         sync.Mutex
	assemblies map[key]*Assembly

	pruning   PruningConfig
	pruneWG   *conc.WaitGroup
	pruneStop chan struct{}
	isPruning bool

	evictedCounter   metric.Int64Counter
	completedCounter metric.Int64Counter
}

// New creates an empty Pool. cfg is validated only when SetPruning(true)
// is called — an all-zero cfg is fine as long as pruning is never enabled.
func New(cfg PruningConfig) *Pool {
	meter := otel.Meter("spreadbus.assembly")
	evicted, _ := meter.Int64Counter("spreadbus.assembly.evicted",
		metric.WithDescription("Number of incomplete assemblies evicted by the pruner"),
		metric.WithUnit("{assembly}"))
	completed, _ := meter.Int64Counter("spreadbus.assembly.completed",
		metric.WithDescription("Number of assemblies completed and handed off"),
		metric.WithUnit("{assembly}"))

	return &Pool{
		assemblies:       make(map[key]*Assembly),
		pruning:          cfg,
		evictedCounter:   evicted,
		completedCounter: completed,
	}
}

// Add routes fragment to its assembly, creating one on first arrival. If
// the assembly is now complete, Add removes it from the pool and returns
// the joined notification; otherwise it returns ok=false.
// The single-fragment case (NumDataParts == 1) completes immediately.
func (p *Pool) Add(fragment spreadbus.FragmentedNotification) (notification spreadbus.Notification, ok bool, err error) {
	if fragment.NumDataParts == 0 || fragment.DataPart >= fragment.NumDataParts {
		return spreadbus.Notification{}, false, fmt.Errorf("%w: fragment index %d out of range [0, %d)",
			spreadbus.ErrProtocolError, fragment.DataPart, fragment.NumDataParts)
	}
	if fragment.DataPart == 0 && fragment.Header == nil {
		return spreadbus.Notification{}, false, fmt.Errorf("%w: fragment 0 is missing the notification header", spreadbus.ErrProtocolError)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	k := key{senderID: fragment.ID.SenderID, sequence: fragment.ID.Sequence}

	existing, found := p.assemblies[k]
	if !found {
		a := NewAssembly(fragment)
		if a.IsComplete() {
			p.completedCounter.Add(context.Background(), 1)
			return a.Finalize(), true, nil
		}
		p.assemblies[k] = a
		return spreadbus.Notification{}, false, nil
	}

	complete, err := existing.Add(fragment)
	if err != nil {
		return spreadbus.Notification{}, false, err
	}
	if !complete {
		return spreadbus.Notification{}, false, nil
	}

	delete(p.assemblies, k)
	p.completedCounter.Add(context.Background(), 1)
	return existing.Finalize(), true, nil
}

// Len reports the number of assemblies currently in flight. Exposed for
// tests and diagnostics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.assemblies)
}

// SetPruning starts or stops the periodic pruning task. Starting pruning
// that is already running, or stopping it when it isn't, is a no-op.
// Starting requires both PruningConfig fields to be positive, failing
// otherwise with ErrDomainError.
func (p *Pool) SetPruning(enabled bool) error {
	p.mu.Lock()
	if enabled == p.isPruning {
		p.mu.Unlock()
		return nil
	}

	if !enabled {
		stop := p.pruneStop
		wg := p.pruneWG
		p.isPruning = false
		p.pruneStop = nil
		p.pruneWG = nil
		p.mu.Unlock()

		close(stop)
		wg.Wait()
		return nil
	}

	if p.pruning.MaxAge <= 0 || p.pruning.Interval <= 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: pruning requires a positive max age and interval", spreadbus.ErrDomainError)
	}

	stop := make(chan struct{})
	wg := conc.NewWaitGroup()
	p.pruneStop = stop
	p.pruneWG = wg
	p.isPruning = true
	interval := p.pruning.Interval
	p.mu.Unlock()

	wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.pruneOnce()
			}
		}
	})
	return nil
}

func (p *Pool) pruneOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for k, a := range p.assemblies {
		if a.Age() > p.pruning.MaxAge {
			delete(p.assemblies, k)
			evicted++
		}
	}
	if evicted > 0 {
		p.evictedCounter.Add(context.Background(), int64(evicted))
	}
}
