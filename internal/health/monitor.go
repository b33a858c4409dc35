// Package health classifies peer connections as connected, stuck or failed.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
	"liveshow/orchestrator/internal/registry"
)

// Kind classifies a connection.
type Kind string

const (
	KindPending   Kind = ""
	KindConnected Kind = "connected"
	KindStuck     Kind = "stuck"
	KindFailed    Kind = "failed"
)

// Event reports a classification change.
type Event struct {
	Kind          Kind
	ParticipantID string
	Snapshot      registry.Snapshot
	At            time.Time
}

// Source supplies snapshots and removes failed connections.
type Source interface {
	All() []registry.Snapshot
	Remove(participantID string)
}

// Options configures a Monitor.
type Options struct {
	Interval       time.Duration
	StuckThreshold time.Duration
	// MediaSilence marks a connection with a received track as stuck when
	// no frame arrived for this long. Zero disables the check.
	MediaSilence time.Duration
}

// Monitor polls the registry and reports transitions. It never decides
// how to recover.
type Monitor struct {
	opts   Options
	source Source
	sink   func(Event)
	logger *zap.Logger

	mu   sync.Mutex
	last map[string]Kind
}

func NewMonitor(opts Options, source Source, sink func(Event), logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	return &Monitor{
		opts:   opts,
		source: source,
		sink:   sink,
		logger: logger.Named("health"),
		last:   make(map[string]Kind),
	}
}

// Run checks every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Check(now)
		}
	}
}

// Check classifies every connection once and emits the changes.
func (m *Monitor) Check(now time.Time) []Event {
	snaps := m.source.All()

	var events []Event
	seen := make(map[string]bool, len(snaps))

	m.mu.Lock()
	for _, s := range snaps {
		if s.Closed {
			continue
		}
		seen[s.ParticipantID] = true

		kind := m.classify(s, now)
		if kind == m.last[s.ParticipantID] {
			continue
		}
		m.last[s.ParticipantID] = kind
		if kind == KindPending {
			continue
		}
		events = append(events, Event{Kind: kind, ParticipantID: s.ParticipantID, Snapshot: s, At: now})
	}
	for id := range m.last {
		if !seen[id] {
			delete(m.last, id)
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		log := m.logger.With(
			zap.String("participant", ev.ParticipantID),
			zap.String("connection", string(ev.Snapshot.ConnectionState)),
			zap.String("ice", string(ev.Snapshot.ICEState)))
		switch ev.Kind {
		case KindFailed:
			log.Warn("connection failed")
			m.source.Remove(ev.ParticipantID)
			m.forget(ev.ParticipantID)
		case KindStuck:
			log.Warn("connection stuck", zap.Duration("since", now.Sub(ev.Snapshot.ConnectingStartedAt)))
		default:
			log.Info("connection healthy")
		}
		if m.sink != nil {
			m.sink(ev)
		}
	}
	return events
}

// forget drops the remembered classification for participantID.
func (m *Monitor) forget(participantID string) {
	m.mu.Lock()
	delete(m.last, participantID)
	m.mu.Unlock()
}

func (m *Monitor) classify(s registry.Snapshot, now time.Time) Kind {
	switch {
	case s.ICEState == domain.ICEFailed,
		s.ICEState == domain.ICEDisconnected,
		s.ConnectionState == domain.ConnectionFailed:
		return KindFailed
	}

	if s.HasReceivedTrack && m.opts.MediaSilence > 0 {
		// A retry without a frame since restarts the silence window, and the
		// connection is not healthy again until media flows.
		since := s.LastFrameAt
		retrying := s.LastRetryAt.After(s.LastFrameAt)
		if retrying {
			since = s.LastRetryAt
		}
		if !since.IsZero() {
			if now.Sub(since) > m.opts.MediaSilence {
				return KindStuck
			}
			if retrying {
				return KindPending
			}
		}
	}

	if s.HasReceivedTrack || s.ConnectionState == domain.ConnectionConnected {
		return KindConnected
	}

	switch s.ConnectionState {
	case domain.ConnectionNew, domain.ConnectionConnecting:
	default:
		if s.ICEState != domain.ICEChecking {
			return KindPending
		}
	}
	if m.opts.StuckThreshold > 0 && now.Sub(s.ConnectingStartedAt) > m.opts.StuckThreshold {
		return KindStuck
	}
	return KindPending
}
