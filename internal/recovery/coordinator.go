package recovery

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
)

// Action is the recovery step chosen for a failed or stuck connection.
type Action int

const (
	ActionNone Action = iota
	// ActionSoftRetry re-runs the handshake on the existing connection.
	ActionSoftRetry
	// ActionAggressiveReset closes the connection and negotiates a new one.
	ActionAggressiveReset
	// ActionFullReset closes every connection and waits an extended cooldown.
	ActionFullReset
)

func (a Action) String() string {
	switch a {
	case ActionSoftRetry:
		return "soft-retry"
	case ActionAggressiveReset:
		return "aggressive-reset"
	case ActionFullReset:
		return "full-reset"
	}
	return "none"
}

// Escalate maps the attempt number for a participant to an action.
func Escalate(attempt int) Action {
	switch {
	case attempt <= 0:
		return ActionNone
	case attempt <= 2:
		return ActionSoftRetry
	case attempt <= 4:
		return ActionAggressiveReset
	default:
		return ActionFullReset
	}
}

// Peers is the part of the registry recovery needs.
type Peers interface {
	Remove(participantID string)
	RemoveAll()
}

// Retrier re-runs handshakes after recovery has reset connections.
type Retrier interface {
	Retry(participantID string, action Action)
	RetryAfter(participantID string, delay time.Duration)
	RetryAllAfter(delay time.Duration)
}

// Coordinator applies the escalation policy on top of the breaker.
type Coordinator struct {
	breaker          *Breaker
	peers            Peers
	retrier          Retrier
	extendedCooldown time.Duration
	logger           *zap.Logger

	mu       sync.Mutex
	attempts map[string]int
}

// NewCoordinator wires the breaker to the registry and the retrier.
func NewCoordinator(breaker *Breaker, peers Peers, retrier Retrier, extendedCooldown time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		breaker:          breaker,
		peers:            peers,
		retrier:          retrier,
		extendedCooldown: extendedCooldown,
		logger:           logger.Named("recovery"),
		attempts:         make(map[string]int),
	}
}

// Breaker returns the coordinator's breaker.
func (c *Coordinator) Breaker() *Breaker { return c.breaker }

// HandleStuck reacts to a connection that never finished connecting.
func (c *Coordinator) HandleStuck(participantID string) Action {
	return c.escalate(participantID, "stuck")
}

// HandleFailure reacts to a failed negotiation or connection.
func (c *Coordinator) HandleFailure(participantID string) Action {
	return c.escalate(participantID, "failed")
}

// HandleSuccess clears the participant's attempts and closes the breaker.
func (c *Coordinator) HandleSuccess(participantID string) {
	c.mu.Lock()
	delete(c.attempts, participantID)
	c.mu.Unlock()
	c.breaker.RecordSuccess()
}

// ForceReset drops the participant's connection and attempt count.
func (c *Coordinator) ForceReset(participantID string) {
	c.peers.Remove(participantID)
	c.mu.Lock()
	delete(c.attempts, participantID)
	c.mu.Unlock()
	c.logger.Info("forced reset", zap.String("participant", participantID))
}

// ForceResetAll drops every connection, every attempt count and closes the
// breaker.
func (c *Coordinator) ForceResetAll() {
	c.peers.RemoveAll()
	c.mu.Lock()
	c.attempts = make(map[string]int)
	c.mu.Unlock()
	c.breaker.Reset()
	c.logger.Info("forced reset of all connections")
}

// Forget drops the attempt count of a participant that left.
func (c *Coordinator) Forget(participantID string) {
	c.mu.Lock()
	delete(c.attempts, participantID)
	c.mu.Unlock()
}

// Attempts returns the recovery attempts recorded for participantID.
func (c *Coordinator) Attempts(participantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[participantID]
}

func (c *Coordinator) escalate(participantID, cause string) Action {
	c.mu.Lock()
	c.attempts[participantID]++
	attempt := c.attempts[participantID]
	c.mu.Unlock()

	c.breaker.RecordFailure(participantID)
	action := Escalate(attempt)

	log := c.logger.With(
		zap.String("participant", participantID),
		zap.String("cause", cause),
		zap.Int("attempt", attempt),
		zap.Stringer("action", action))

	if action == ActionFullReset {
		log.Warn("escalating to full reset", zap.Duration("cooldown", c.extendedCooldown))
		c.peers.RemoveAll()
		c.mu.Lock()
		c.attempts = make(map[string]int)
		c.mu.Unlock()
		c.breaker.Extend(c.extendedCooldown)
		c.retrier.RetryAllAfter(c.extendedCooldown)
		return action
	}

	if action == ActionAggressiveReset {
		c.peers.Remove(participantID)
	}

	var open *domain.BreakerOpenError
	if err := c.breaker.Allow(); errors.As(err, &open) {
		log.Info("breaker open, deferring retry", zap.Error(err))
		c.retrier.RetryAfter(participantID, open.RetryIn)
		return action
	}

	log.Info("recovering connection")
	c.retrier.Retry(participantID, action)
	return action
}
