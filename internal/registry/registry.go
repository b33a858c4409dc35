// Package registry owns the peer connection for every remote participant.
// No other component creates or closes connections.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
)

// Observer receives events from the connections the registry owns.
// Events from replaced or removed connections are not delivered.
type Observer interface {
	OnLocalCandidate(participantID string, candidate domain.ICECandidatePayload)
	OnTrack(participantID string, stream domain.MediaStream)
	OnStateChange(snapshot Snapshot)
}

// Snapshot is a point-in-time copy of an entry.
type Snapshot struct {
	ParticipantID       string
	ConnectionState     domain.ConnectionState
	ICEState            domain.ICEState
	HasReceivedTrack    bool
	ConnectingStartedAt time.Time
	LastStateChangeAt   time.Time
	LastFrameAt         time.Time
	LastRetryAt         time.Time
	RecoveryAttempts    int
	Closed              bool
}

// Entry is the registry's record of one participant's connection.
type Entry struct {
	participantID string
	conn          domain.PeerConn

	mu                  sync.Mutex
	connState           domain.ConnectionState
	iceState            domain.ICEState
	hasReceivedTrack    bool
	stream              domain.MediaStream
	connectingStartedAt time.Time
	lastStateChangeAt   time.Time
	lastRetryAt         time.Time
	recoveryAttempts    int
	closed              bool
	discarded           bool
}

func (e *Entry) ParticipantID() string { return e.participantID }

// Conn returns the connection for negotiation. Lifecycle changes must go
// through the Registry.
func (e *Entry) Conn() domain.PeerConn { return e.conn }

// Snapshot copies the entry's observed state.
func (e *Entry) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Entry) snapshotLocked() Snapshot {
	s := Snapshot{
		ParticipantID:       e.participantID,
		ConnectionState:     e.connState,
		ICEState:            e.iceState,
		HasReceivedTrack:    e.hasReceivedTrack,
		ConnectingStartedAt: e.connectingStartedAt,
		LastStateChangeAt:   e.lastStateChangeAt,
		LastRetryAt:         e.lastRetryAt,
		RecoveryAttempts:    e.recoveryAttempts,
		Closed:              e.closed,
	}
	if fc, ok := e.stream.(domain.FrameClock); ok {
		s.LastFrameAt = fc.LastFrameAt()
	}
	return s
}

func (e *Entry) live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.discarded {
		return false
	}
	switch e.connState {
	case domain.ConnectionFailed, domain.ConnectionClosed:
		return false
	}
	switch e.iceState {
	case domain.ICEFailed, domain.ICEClosed:
		return false
	}
	return true
}

func (e *Entry) discard() {
	e.mu.Lock()
	e.discarded = true
	e.closed = true
	e.connState = domain.ConnectionClosed
	e.mu.Unlock()
}

// Registry maps participant ids to their single live connection.
type Registry struct {
	factory  domain.PeerFactory
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// New creates a registry. observer may be nil.
func New(factory domain.PeerFactory, observer Observer, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory:  factory,
		observer: observer,
		logger:   logger.Named("registry"),
		now:      time.Now,
		entries:  make(map[string]*Entry),
	}
}

// GetOrCreate returns the live entry for participantID, or closes any dead
// one and creates a fresh connection.
func (r *Registry) GetOrCreate(participantID string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[participantID]; ok {
		if e.live() {
			return e, nil
		}
		delete(r.entries, participantID)
		r.closeEntry(e, "replacing dead connection")
	}

	now := r.now()
	e := &Entry{
		participantID:       participantID,
		connState:           domain.ConnectionNew,
		iceState:            domain.ICENew,
		connectingStartedAt: now,
		lastStateChangeAt:   now,
	}
	conn, err := r.factory.NewPeer(participantID, r.hooksFor(e))
	if err != nil {
		return nil, fmt.Errorf("create peer for %s: %w", participantID, err)
	}
	e.conn = conn
	r.entries[participantID] = e

	r.logger.Info("peer connection created", zap.String("participant", participantID))
	return e, nil
}

// Get returns the current entry for participantID.
func (r *Registry) Get(participantID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[participantID]
	return e, ok
}

// Remove closes and forgets the entry for participantID. Close errors are
// logged, not returned.
func (r *Registry) Remove(participantID string) {
	r.mu.Lock()
	e, ok := r.entries[participantID]
	if ok {
		delete(r.entries, participantID)
	}
	r.mu.Unlock()

	if ok {
		r.closeEntry(e, "removed")
	}
}

// RemoveAll closes every entry.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		r.closeEntry(e, "removed")
	}
}

// All returns snapshots of every entry, ordered by participant id.
func (r *Registry) All() []Snapshot {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// MarkRetry restarts the stuck and media silence clocks for an entry being
// renegotiated in place and counts the attempt.
func (r *Registry) MarkRetry(participantID string) {
	e, ok := r.Get(participantID)
	if !ok {
		return
	}
	e.mu.Lock()
	now := r.now()
	e.connectingStartedAt = now
	e.lastRetryAt = now
	e.recoveryAttempts++
	e.mu.Unlock()
}

func (r *Registry) closeEntry(e *Entry, reason string) {
	e.discard()
	if e.conn == nil {
		return
	}
	if err := e.conn.Close(); err != nil {
		r.logger.Warn("close peer connection",
			zap.String("participant", e.participantID),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	r.logger.Info("peer connection closed",
		zap.String("participant", e.participantID),
		zap.String("reason", reason))
}

// hooksFor builds the hooks for e. They never take r.mu so connections may
// fire them synchronously from Close.
func (r *Registry) hooksFor(e *Entry) domain.PeerHooks {
	id := e.participantID

	update := func(fn func()) (Snapshot, bool) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.discarded {
			return Snapshot{}, false
		}
		fn()
		e.lastStateChangeAt = r.now()
		return e.snapshotLocked(), true
	}

	return domain.PeerHooks{
		OnICECandidate: func(c domain.ICECandidatePayload) {
			e.mu.Lock()
			discarded := e.discarded
			e.mu.Unlock()
			if discarded || r.observer == nil {
				return
			}
			r.observer.OnLocalCandidate(id, c)
		},
		OnTrack: func(stream domain.MediaStream) {
			snap, ok := update(func() {
				e.hasReceivedTrack = true
				e.stream = stream
			})
			if !ok || r.observer == nil {
				return
			}
			r.observer.OnTrack(id, stream)
			r.observer.OnStateChange(snap)
		},
		OnConnectionStateChange: func(state domain.ConnectionState) {
			snap, ok := update(func() { e.connState = state })
			if ok && r.observer != nil {
				r.observer.OnStateChange(snap)
			}
		},
		OnICEStateChange: func(state domain.ICEState) {
			snap, ok := update(func() { e.iceState = state })
			if ok && r.observer != nil {
				r.observer.OnStateChange(snap)
			}
		},
	}
}
