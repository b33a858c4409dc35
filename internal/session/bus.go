package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
	"liveshow/orchestrator/internal/health"
)

// Message is an event processed by the session's dispatch goroutine.
type Message interface {
	message()
}

// PeerJoined reports a participant entering the room.
type PeerJoined struct{ ParticipantID string }

// PeerLeft reports a participant leaving the room.
type PeerLeft struct{ ParticipantID string }

// SignalReceived carries a relayed offer, answer or ICE candidate.
type SignalReceived struct{ Msg domain.SignalingMessage }

// ChannelStatus reports a signaling connection status change.
type ChannelStatus struct{ Report domain.StatusReport }

// HealthReport carries a monitor classification change.
type HealthReport struct{ Event health.Event }

// StreamLost reports that media recovery gave up on a participant.
type StreamLost struct{ ParticipantID string }

func (PeerJoined) message()     {}
func (PeerLeft) message()       {}
func (SignalReceived) message() {}
func (ChannelStatus) message()  {}
func (HealthReport) message()   {}
func (StreamLost) message()     {}

// Bus delivers messages to a single handler in publish order.
type Bus struct {
	ch     chan Message
	handle func(Message)
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewBus(size int, handle func(Message), logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		ch:     make(chan Message, size),
		handle: handle,
		logger: logger.Named("bus"),
		done:   make(chan struct{}),
	}
}

// Publish queues m. It reports false once the bus is closed.
func (b *Bus) Publish(m Message) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.ch <- m:
		return true
	case <-b.done:
		return false
	}
}

// Run dispatches messages until ctx is done or the bus is closed.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case m := <-b.ch:
			b.dispatch(m)
		}
	}
}

func (b *Bus) dispatch(m Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked", zap.Any("panic", r), zap.Any("message", m))
		}
	}()
	b.handle(m)
}

// Close stops delivery. Queued messages are dropped.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
