package recovery

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
)

// BreakerStatus is the circuit breaker position.
type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half-open"
)

// BreakerState is a copy of the breaker's state.
type BreakerState struct {
	Status              BreakerStatus
	ConsecutiveFailures int
	OpenedAt            time.Time
	Cooldown            time.Duration
}

// BreakerOptions configures a Breaker.
type BreakerOptions struct {
	Threshold   int
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// Breaker blocks new connection attempts for a cooldown after repeated
// failures. A failure while half-open reopens it with double the previous
// cooldown, capped at MaxCooldown.
type Breaker struct {
	opts   BreakerOptions
	now    func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	state BreakerState
}

// NewBreaker creates a closed breaker.
func NewBreaker(opts BreakerOptions, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Threshold < 1 {
		opts.Threshold = 1
	}
	if opts.MaxCooldown < opts.Cooldown {
		opts.MaxCooldown = opts.Cooldown
	}
	return &Breaker{
		opts:   opts,
		now:    time.Now,
		logger: logger.Named("breaker"),
		state:  BreakerState{Status: BreakerClosed, Cooldown: opts.Cooldown},
	}
}

// RecordFailure counts a failed attempt for participantID.
func (b *Breaker) RecordFailure(participantID string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refreshLocked(now)
	b.state.ConsecutiveFailures++

	switch b.state.Status {
	case BreakerHalfOpen:
		next := b.state.Cooldown * 2
		if next > b.opts.MaxCooldown {
			next = b.opts.MaxCooldown
		}
		b.tripLocked(now, next, participantID)
	case BreakerClosed:
		if b.state.ConsecutiveFailures >= b.opts.Threshold {
			b.tripLocked(now, b.opts.Cooldown, participantID)
		}
	}
	return b.state
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.Status != BreakerClosed {
		b.logger.Info("breaker closed")
	}
	b.state = BreakerState{Status: BreakerClosed, Cooldown: b.opts.Cooldown}
}

// CanAttempt reports whether a new connection attempt is allowed.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked(b.now())
	return b.state.Status != BreakerOpen
}

// Allow returns a *domain.BreakerOpenError carrying the remaining cooldown
// when attempts are blocked.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refreshLocked(now)
	if b.state.Status != BreakerOpen {
		return nil
	}
	return &domain.BreakerOpenError{RetryIn: b.state.OpenedAt.Add(b.state.Cooldown).Sub(now)}
}

// Extend opens the breaker for at least d from now.
func (b *Breaker) Extend(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.refreshLocked(now)
	if b.state.Status == BreakerOpen && b.state.OpenedAt.Add(b.state.Cooldown).Sub(now) >= d {
		return
	}
	b.state.Status = BreakerOpen
	b.state.OpenedAt = now
	b.state.Cooldown = d
	b.logger.Warn("breaker held open", zap.Duration("cooldown", d))
}

// Reset closes the breaker unconditionally.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerState{Status: BreakerClosed, Cooldown: b.opts.Cooldown}
}

// State returns a copy of the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked(b.now())
	return b.state
}

func (b *Breaker) refreshLocked(now time.Time) {
	if b.state.Status == BreakerOpen && !now.Before(b.state.OpenedAt.Add(b.state.Cooldown)) {
		b.state.Status = BreakerHalfOpen
	}
}

func (b *Breaker) tripLocked(now time.Time, cooldown time.Duration, participantID string) {
	b.state.Status = BreakerOpen
	b.state.OpenedAt = now
	b.state.Cooldown = cooldown
	b.logger.Warn("breaker opened",
		zap.String("participant", participantID),
		zap.Int("failures", b.state.ConsecutiveFailures),
		zap.Duration("cooldown", cooldown))
}
