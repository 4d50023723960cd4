// Package supervisor keeps a relay connection online while something wants it.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/murachue/nosteen-sub000/internal/connection"
	"github.com/murachue/nosteen-sub000/internal/constants"
	"github.com/murachue/nosteen-sub000/internal/errors"
	"github.com/murachue/nosteen-sub000/internal/logger"
	"github.com/murachue/nosteen-sub000/internal/metrics"
	"github.com/murachue/nosteen-sub000/internal/signal"
)

// Options configure a Supervisor.
type Options struct {
	BackoffBase    time.Duration
	MaxExponent    int
	AttemptTimeout time.Duration
	Clock          clock.Clock
	Logger         *zap.Logger
}

// Backoff returns the delay before the retry that follows failures
// consecutive failed attempts: base * 2^failures, with the exponent capped
// and the result saturating at constants.MaxBackoffDelay.
func Backoff(base time.Duration, failures, maxExponent int) time.Duration {
	if failures > maxExponent {
		failures = maxExponent
	}
	if base <= 0 || failures < 0 {
		return base
	}
	if failures >= 63 || base > constants.MaxBackoffDelay>>uint(failures) {
		return constants.MaxBackoffDelay
	}
	return base << uint(failures)
}

// Supervisor separates "should be connected" from "is connected" for one
// Connection.
type Supervisor struct {
	conn  *connection.Connection
	opts  Options
	clock clock.Clock
	log   *zap.Logger

	mu         sync.Mutex
	wanted     bool
	attempting bool
	failures   int
	nextRetry  time.Time
	timer      *clock.Timer
	lastErr    error
	unsub      func()

	// Died fires on every transport failure while wanted.
	Died signal.Signal[error]
	// Healthy fires after each successful connect.
	Healthy signal.Signal[struct{}]
}

// New wraps conn.
func New(conn *connection.Connection, opts Options) *Supervisor {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = constants.DefaultBackoffBase
	}
	if opts.MaxExponent <= 0 {
		opts.MaxExponent = constants.MaxBackoffExponent
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = constants.DefaultConnectTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.New("supervisor")
	}
	s := &Supervisor{
		conn:  conn,
		opts:  opts,
		clock: opts.Clock,
		log:   logger.ForRelay(opts.Logger, conn.URL()),
	}
	s.unsub = conn.Lost.Subscribe(s.onLost)
	return s
}

// Conn returns the supervised connection.
func (s *Supervisor) Conn() *connection.Connection { return s.conn }

// Want marks the connection wanted and connects unless an attempt is
// already running or scheduled.
func (s *Supervisor) Want() {
	s.mu.Lock()
	s.wanted = true
	if s.attempting || s.timer != nil || s.conn.State() == connection.StateOpen {
		s.mu.Unlock()
		return
	}
	s.attempting = true
	s.mu.Unlock()
	go s.attempt()
}

// Must connects now, ignoring any pending backoff.
func (s *Supervisor) Must() {
	s.mu.Lock()
	s.wanted = true
	s.stopTimerLocked()
	if s.attempting || s.conn.State() == connection.StateOpen {
		s.mu.Unlock()
		return
	}
	s.attempting = true
	s.mu.Unlock()
	go s.attempt()
}

// Close marks the connection unwanted and tears it down. It is the only
// way to stop reconnecting.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.wanted = false
	s.stopTimerLocked()
	s.mu.Unlock()
	s.conn.Close()
}

// Wanted reports the current intent.
func (s *Supervisor) Wanted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wanted
}

// Failures returns the consecutive failure count.
func (s *Supervisor) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// NextRetry returns when the pending reconnect fires, or zero when none is scheduled.
func (s *Supervisor) NextRetry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}
	}
	return s.nextRetry
}

// LastError returns the most recent transport failure.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Supervisor) attempt() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.AttemptTimeout)
	err := s.conn.Connect(ctx)
	cancel()

	s.mu.Lock()
	s.attempting = false
	if err == nil {
		s.failures = 0
		s.lastErr = nil
		s.stopTimerLocked()
		wanted := s.wanted
		s.mu.Unlock()
		if !wanted {
			// Close raced with the dial.
			s.conn.Close()
			return
		}
		s.Healthy.Emit(struct{}{})
		return
	}
	s.lastErr = err
	if !s.wanted {
		s.mu.Unlock()
		return
	}
	s.scheduleLocked()
	s.mu.Unlock()
	s.Died.Emit(err)
}

func (s *Supervisor) onLost(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastErr = err
	if !s.wanted || s.attempting {
		s.mu.Unlock()
		return
	}
	s.scheduleLocked()
	s.mu.Unlock()
	s.Died.Emit(err)
}

// scheduleLocked re-arms the single reconnect timer.
func (s *Supervisor) scheduleLocked() {
	s.stopTimerLocked()
	delay := Backoff(s.opts.BackoffBase, s.failures, s.opts.MaxExponent)
	s.failures++
	s.nextRetry = s.clock.Now().Add(delay)
	metrics.ReconnectsScheduled.Inc()
	metrics.BackoffDelay.Observe(delay.Seconds())
	// Plain transport failures are routine; anything else deserves attention.
	logf := s.log.Warn
	if errors.IsRecoverable(s.lastErr) {
		logf = s.log.Info
	}
	logf("relay unavailable, reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("failures", s.failures),
		zap.Error(s.lastErr))

	var timer *clock.Timer
	timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timer != timer || !s.wanted {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.attempting = true
		s.mu.Unlock()
		s.attempt()
	})
	s.timer = timer
}

func (s *Supervisor) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Release detaches the supervisor from its connection after Close.
func (s *Supervisor) Release() {
	s.Close()
	if s.unsub != nil {
		s.unsub()
	}
}
