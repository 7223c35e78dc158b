// Package poller drives periodic price refreshes for one polling target while
// its view is active. Each Scheduler is an explicit state machine with a
// single Tick entry point, gated by its own rate-limit state.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"stockwatch/internal/domain"
	"stockwatch/internal/ratelimit"
	"stockwatch/internal/util"
	"stockwatch/pkg/stockwatch"
)

// Phase is the scheduler's position in its state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseScheduled
	PhaseInFlight
	PhaseSuppressed
)

var phaseNames = [...]string{"idle", "scheduled", "in-flight", "suppressed"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Outcome describes what a single Tick did.
type Outcome int

const (
	// OutcomeApplied means a fetch succeeded and its results reached the sink.
	OutcomeApplied Outcome = iota
	// OutcomeSkipped means a fetch for this target was already in flight.
	OutcomeSkipped
	// OutcomeSuppressed means the rate-limit gate refused the call.
	OutcomeSuppressed
	// OutcomeRateLimited means the backend answered 429.
	OutcomeRateLimited
	// OutcomeFailed means the fetch failed for any other reason.
	OutcomeFailed
	// OutcomeDiscarded means the target went inactive while the call was out.
	OutcomeDiscarded
	// OutcomeStopped means the scheduler was stopped before the tick.
	OutcomeStopped
)

// DefaultStaleThreshold is the number of consecutive failures after which
// the sink is marked stale.
const DefaultStaleThreshold = 3

// DefaultFirstDelay postpones the first periodic tick after Start.
const DefaultFirstDelay = time.Second

// FetchFunc retrieves the current prices for a target. Snapshots with a zero
// FetchedAt are stamped with the time the call was issued.
type FetchFunc func(ctx context.Context) ([]domain.PriceSnapshot, error)

// Sink receives fetched snapshots. Both view stores implement it.
type Sink interface {
	ApplySnapshot(domain.PriceSnapshot) bool
	MarkStale(since time.Time)
	ClearStale()
}

// Recorder is notified of every snapshot the sink accepted.
type Recorder interface {
	Record(domain.PriceSnapshot)
}

// Options configures a Scheduler.
type Options struct {
	Target         string
	Tracker        *ratelimit.Tracker
	Fetch          FetchFunc
	Sink           Sink
	Clock          util.Clock
	Logger         *slog.Logger
	StaleThreshold int
	FirstDelay     time.Duration

	// Alive is an optional liveness check owned by the caller's view. Results
	// that complete while it returns false are discarded.
	Alive func() bool

	// IntervalFor optionally adjusts the base interval at each reschedule,
	// e.g. to slow down outside market hours.
	IntervalFor func(now time.Time, base time.Duration) time.Duration

	Recorder Recorder
}

// Scheduler polls one target.
type Scheduler struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	phase    Phase
	state    ratelimit.State
	failures int
	running  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Scheduler in PhaseIdle.
func New(opts Options) *Scheduler {
	if opts.Tracker == nil {
		opts.Tracker = ratelimit.NewTracker(ratelimit.DefaultPolicy())
	}
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.FirstDelay <= 0 {
		opts.FirstDelay = DefaultFirstDelay
	}
	return &Scheduler{
		opts: opts,
		log:  opts.Logger.With("target", opts.Target),
	}
}

// Target returns the polling target name.
func (s *Scheduler) Target() string { return s.opts.Target }

// Phase returns the current phase.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Failures returns the current consecutive failure count.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// RateLimitState returns a copy of the target's rate-limit state.
func (s *Scheduler) RateLimitState() ratelimit.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins periodic ticks every interval. The first tick fires after
// FirstDelay. Start on a running or stopped scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.phase = PhaseScheduled
	go s.run(ctx, interval, s.done)
	s.log.Debug("polling started", "interval", interval)
}

func (s *Scheduler) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.opts.FirstDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// In-flight calls outlive Stop; their results are discarded instead.
		s.Tick(context.WithoutCancel(ctx))

		next := interval
		if s.opts.IntervalFor != nil {
			next = s.opts.IntervalFor(s.opts.Clock.Now(), interval)
		}
		timer.Reset(next)
	}
}

// Stop cancels periodic ticks and marks the target inactive. A call already
// in flight completes, but its result is discarded. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	cancel := s.cancel
	if s.phase != PhaseInFlight {
		s.phase = PhaseIdle
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.log.Debug("polling stopped")
}

// Wait blocks until the periodic loop has exited. It returns immediately if
// the scheduler was never started.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Scheduler) alive() bool {
	if s.stopped {
		return false
	}
	return s.opts.Alive == nil || s.opts.Alive()
}

func (s *Scheduler) restingPhase() Phase {
	if s.running {
		return PhaseScheduled
	}
	return PhaseIdle
}

// Tick performs one poll attempt. It is safe to call concurrently with the
// periodic loop, e.g. for an on-demand refresh.
func (s *Scheduler) Tick(ctx context.Context) Outcome {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return OutcomeStopped
	}
	if s.phase == PhaseInFlight {
		s.mu.Unlock()
		return OutcomeSkipped
	}
	issuedAt := s.opts.Clock.Now()
	if !s.opts.Tracker.CanCall(&s.state, issuedAt) {
		if s.running {
			s.phase = PhaseSuppressed
		}
		s.mu.Unlock()
		return OutcomeSuppressed
	}
	s.opts.Tracker.OnCallIssued(&s.state, issuedAt)
	s.phase = PhaseInFlight
	s.mu.Unlock()

	snaps, err := s.opts.Fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = s.restingPhase()

	if !s.alive() {
		s.log.Debug("discarding result for inactive target")
		return OutcomeDiscarded
	}

	now := s.opts.Clock.Now()
	if err != nil {
		outcome := OutcomeFailed
		var rle *stockwatch.RateLimitError
		if errors.As(err, &rle) {
			s.opts.Tracker.OnRateLimited(&s.state, rle.RetryAfter, now)
			s.log.Info("rate limited", "retry_after", rle.RetryAfter, "cooldown_until", s.state.CooldownUntil)
			outcome = OutcomeRateLimited
		} else {
			s.log.Warn("price refresh failed", "error", err)
		}
		s.failures++
		if s.failures >= s.opts.StaleThreshold {
			s.opts.Sink.MarkStale(now)
		}
		return outcome
	}

	s.failures = 0
	s.opts.Sink.ClearStale()
	applied := 0
	for _, snap := range snaps {
		if snap.FetchedAt.IsZero() {
			snap.FetchedAt = issuedAt
		}
		if s.opts.Sink.ApplySnapshot(snap) {
			applied++
			if s.opts.Recorder != nil {
				s.opts.Recorder.Record(snap)
			}
		}
	}
	s.log.Debug("price refresh applied", "received", len(snaps), "applied", applied)
	return OutcomeApplied
}
