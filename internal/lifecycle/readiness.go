package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/codex-k8s/devstack/internal/docker"
)

// Clock abstracts time for readiness supervision.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep implements Clock and returns early with ctx.Err() on cancellation.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ReadinessOptions bounds readiness supervision.
type ReadinessOptions struct {
	Interval    time.Duration
	MaxAttempts int
	// StablePolls is the number of consecutive running polls that make a
	// service without a health check ready.
	StablePolls int
}

// DefaultReadiness polls every 0.5s for at most 30 attempts.
func DefaultReadiness() ReadinessOptions {
	return ReadinessOptions{Interval: 500 * time.Millisecond, MaxAttempts: 30, StablePolls: 10}
}

func (o ReadinessOptions) withDefaults() ReadinessOptions {
	def := DefaultReadiness()
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.StablePolls <= 0 {
		o.StablePolls = def.StablePolls
	}
	return o
}

// Poller returns the current container states.
type Poller func(ctx context.Context) ([]docker.ServiceStatus, error)

// Supervisor waits for services to become ready.
type Supervisor struct {
	Clock   Clock
	Options ReadinessOptions
	Logger  *slog.Logger
}

// WaitForReady sleeps one interval before every poll. A service listed in
// healthChecked is ready once healthy; any other service once it has been
// running for StablePolls consecutive polls. It returns the elapsed time.
func (s Supervisor) WaitForReady(ctx context.Context, services []string, healthChecked map[string]bool, poll Poller) (time.Duration, error) {
	opts := s.Options.withDefaults()
	clock := s.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	start := clock.Now()
	stable := make(map[string]int, len(services))

	var pending []string
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := clock.Sleep(ctx, opts.Interval); err != nil {
			return clock.Now().Sub(start), err
		}
		statuses, err := poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return clock.Now().Sub(start), ctx.Err()
			}
			if s.Logger != nil {
				s.Logger.Debug("readiness poll failed", "attempt", attempt, "error", err)
			}
			clear(stable)
			pending = append(pending[:0], services...)
			continue
		}

		byService := make(map[string]docker.ServiceStatus, len(statuses))
		for _, st := range statuses {
			byService[st.Service] = st
		}
		pending = pending[:0]
		for _, name := range services {
			st, ok := byService[name]
			if ok && st.Running() {
				stable[name]++
			} else {
				stable[name] = 0
			}
			ready := stable[name] >= opts.StablePolls
			if healthChecked[name] {
				ready = ok && st.Healthy()
			}
			if !ready {
				pending = append(pending, name)
			}
		}
		if len(pending) == 0 {
			return clock.Now().Sub(start), nil
		}
	}

	sort.Strings(pending)
	return clock.Now().Sub(start), &ReadinessTimeoutError{
		Pending:  pending,
		Attempts: opts.MaxAttempts,
		Elapsed:  clock.Now().Sub(start),
	}
}
