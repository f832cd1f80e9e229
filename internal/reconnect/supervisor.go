// Package reconnect keeps long-lived auxiliary event connections alive.
package reconnect

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentdeck/agentdeck/internal/logging"
)

const (
	// InitialInterval is the first delay of the exponential policy.
	InitialInterval = time.Second
	// MaxInterval caps the exponential policy.
	MaxInterval = 30 * time.Second
	// ConstantInterval is the fixed-cadence policy's delay.
	ConstantInterval = 3 * time.Second
)

// Connect opens one connection and blocks until it fails or ctx ends.
// A nil return means the connection closed cleanly and the supervisor
// should reconnect immediately with a reset policy.
type Connect func(ctx context.Context) error

// Policy selects the retry delay strategy.
type Policy int

const (
	// Exponential backs off 1s, 2s, 4s... capped at 30s, resetting to
	// the initial interval after every successful open.
	Exponential Policy = iota
	// Constant retries at a fixed 3s cadence.
	Constant
)

// PolicyFromName maps a configured policy name to a Policy. Empty or
// unknown names select Exponential.
func PolicyFromName(name string) Policy {
	if strings.EqualFold(name, "constant") {
		return Constant
	}
	return Exponential
}

// Supervisor restarts a connection whenever it drops. Stop guarantees no
// timer fires and no connect attempt starts after teardown.
type Supervisor struct {
	connect Connect
	policy  Policy
	name    string

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates a supervisor for the given connect function. The name only
// labels log output.
func New(name string, policy Policy, connect Connect) *Supervisor {
	return &Supervisor{connect: connect, policy: policy, name: name}
}

// Start launches the supervision loop. It is a no-op if already running.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)
}

// Stop tears the supervisor down and waits for the loop to exit, so no
// stale connect attempt can write state afterwards.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	log := logging.ForComponent("reconnect")
	policy := s.newBackOff()

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Connection was open and closed cleanly; start fresh.
			policy.Reset()
			continue
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			policy.Reset()
			wait = MaxInterval
		}
		log.Warn().
			Str("name", s.name).
			Dur("retryIn", wait).
			Err(err).
			Msg("connection lost, scheduling reconnect")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// newBackOff builds the delay strategy for this supervisor's policy.
func (s *Supervisor) newBackOff() backoff.BackOff {
	switch s.policy {
	case Constant:
		return backoff.NewConstantBackOff(ConstantInterval)
	default:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = InitialInterval
		b.MaxInterval = MaxInterval
		b.Multiplier = 2.0
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0 // Retry forever; the context bounds us.
		b.Reset()
		return b
	}
}
