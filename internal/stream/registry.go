// Package stream binds received media streams to participants and keeps
// consumers up to date as streams are replaced, recovered or lost.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
)

var errInactive = errors.New("stream still inactive")

// Recoverer asks a participant's connection to resume media, usually by
// requesting a keyframe.
type Recoverer interface {
	RecoverStream(ctx context.Context, participantID string) error
}

// Options configures a Registry.
type Options struct {
	CheckInterval  time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	// OnLost is called after recovery gave up on a participant's stream.
	OnLost func(participantID string)
}

// Registry holds at most one stream per participant.
type Registry struct {
	opts      Options
	recoverer Recoverer
	logger    *zap.Logger

	mu         sync.Mutex
	streams    map[string]domain.MediaStream
	consumers  map[string]map[uint64]func(domain.MediaStream)
	nextID     uint64
	recovering map[string]bool

	wg sync.WaitGroup
}

func New(opts Options, recoverer Recoverer, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	return &Registry{
		opts:       opts,
		recoverer:  recoverer,
		logger:     logger.Named("stream"),
		streams:    make(map[string]domain.MediaStream),
		consumers:  make(map[string]map[uint64]func(domain.MediaStream)),
		recovering: make(map[string]bool),
	}
}

// Register binds stream to participantID and notifies its consumers. A
// different previous stream has its tracks stopped. Registering the bound
// stream again does nothing, and a nil stream is ignored.
func (r *Registry) Register(participantID string, stream domain.MediaStream) {
	if stream == nil {
		r.logger.Debug("nil stream ignored", zap.String("participant", participantID))
		return
	}

	r.mu.Lock()
	old := r.streams[participantID]
	if old == stream {
		r.mu.Unlock()
		return
	}
	r.streams[participantID] = stream
	cbs := r.consumersLocked(participantID)
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("replacing stream",
			zap.String("participant", participantID),
			zap.String("old", old.ID()),
			zap.String("new", stream.ID()))
		stopTracks(old)
	} else {
		r.logger.Info("stream registered",
			zap.String("participant", participantID),
			zap.String("stream", stream.ID()))
	}
	for _, cb := range cbs {
		cb(stream)
	}
}

// OnAvailable calls cb with participantID's stream now if one is bound, and
// again on every later registration. A nil argument reports loss. The
// returned func removes cb.
func (r *Registry) OnAvailable(participantID string, cb func(domain.MediaStream)) (cancel func()) {
	r.mu.Lock()
	r.nextID++
	key := r.nextID
	if r.consumers[participantID] == nil {
		r.consumers[participantID] = make(map[uint64]func(domain.MediaStream))
	}
	r.consumers[participantID][key] = cb
	current := r.streams[participantID]
	r.mu.Unlock()

	if current != nil {
		cb(current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if m, ok := r.consumers[participantID]; ok {
				delete(m, key)
				if len(m) == 0 {
					delete(r.consumers, participantID)
				}
			}
		})
	}
}

// Get returns the stream bound to participantID.
func (r *Registry) Get(participantID string) (domain.MediaStream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[participantID]
	return s, ok
}

// Unbind stops participantID's stream and reports its loss to consumers
// with nil. Consumers stay registered for the next stream.
func (r *Registry) Unbind(participantID string) {
	r.mu.Lock()
	stream := r.streams[participantID]
	if stream == nil {
		r.mu.Unlock()
		return
	}
	delete(r.streams, participantID)
	cbs := r.consumersLocked(participantID)
	r.mu.Unlock()

	stopTracks(stream)
	r.logger.Info("stream unbound", zap.String("participant", participantID))
	for _, cb := range cbs {
		cb(nil)
	}
}

// UnbindAll unbinds every stream.
func (r *Registry) UnbindAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.streams))
	for id := range r.streams {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unbind(id)
	}
}

// Remove stops participantID's stream and forgets its consumers.
func (r *Registry) Remove(participantID string) {
	r.mu.Lock()
	stream := r.streams[participantID]
	delete(r.streams, participantID)
	delete(r.consumers, participantID)
	r.mu.Unlock()

	if stream != nil {
		stopTracks(stream)
		r.logger.Info("stream removed", zap.String("participant", participantID))
	}
}

// RemoveAll removes every stream and consumer.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]domain.MediaStream)
	r.consumers = make(map[string]map[uint64]func(domain.MediaStream))
	r.mu.Unlock()

	for _, s := range streams {
		stopTracks(s)
	}
}

// Run checks stream health every CheckInterval until ctx is done, then
// waits for in-flight recoveries.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.CheckInterval)
	defer ticker.Stop()
	defer r.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Check(ctx)
		}
	}
}

// Check starts recovery for every unhealthy stream not already recovering.
func (r *Registry) Check(ctx context.Context) {
	r.mu.Lock()
	var sick map[string]domain.MediaStream
	for id, s := range r.streams {
		if healthy(s) || r.recovering[id] {
			continue
		}
		if sick == nil {
			sick = make(map[string]domain.MediaStream)
		}
		sick[id] = s
		r.recovering[id] = true
	}
	r.mu.Unlock()

	for id, s := range sick {
		r.logger.Warn("stream inactive, recovering", zap.String("participant", id))
		r.wg.Add(1)
		go func(id string, s domain.MediaStream) {
			defer r.wg.Done()
			r.recover(ctx, id, s)
		}(id, s)
	}
}

func (r *Registry) recover(ctx context.Context, participantID string, stream domain.MediaStream) {
	defer func() {
		r.mu.Lock()
		delete(r.recovering, participantID)
		r.mu.Unlock()
	}()

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = r.opts.InitialBackoff
	ebo.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(r.opts.MaxAttempts-1)), ctx)

	attempt := 0
	op := func() error {
		if !r.bound(participantID, stream) {
			return nil
		}
		if healthy(stream) {
			return nil
		}
		attempt++
		if err := r.recoverer.RecoverStream(ctx, participantID); err != nil {
			if errors.Is(err, domain.ErrClosed) {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("attempt %d: %w", attempt, err)
		}
		if !healthy(stream) {
			return fmt.Errorf("attempt %d: %w", attempt, errInactive)
		}
		return nil
	}

	err := backoff.Retry(op, b)
	if err == nil {
		if r.bound(participantID, stream) && attempt > 0 {
			r.logger.Info("stream recovered", zap.String("participant", participantID), zap.Int("attempts", attempt))
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	r.logger.Warn("stream recovery gave up", zap.String("participant", participantID), zap.Error(err))
	r.lose(participantID, stream)
}

// lose unbinds stream and notifies consumers with nil.
func (r *Registry) lose(participantID string, stream domain.MediaStream) {
	r.mu.Lock()
	if r.streams[participantID] != stream {
		r.mu.Unlock()
		return
	}
	delete(r.streams, participantID)
	cbs := r.consumersLocked(participantID)
	r.mu.Unlock()

	stopTracks(stream)
	for _, cb := range cbs {
		cb(nil)
	}
	if r.opts.OnLost != nil {
		r.opts.OnLost(participantID)
	}
}

func (r *Registry) bound(participantID string, stream domain.MediaStream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[participantID] == stream
}

func (r *Registry) consumersLocked(participantID string) []func(domain.MediaStream) {
	m := r.consumers[participantID]
	out := make([]func(domain.MediaStream), 0, len(m))
	for _, cb := range m {
		out = append(out, cb)
	}
	return out
}

func healthy(s domain.MediaStream) bool {
	if !s.Active() {
		return false
	}
	for _, t := range s.Tracks() {
		if t.Live() {
			return true
		}
	}
	return false
}

func stopTracks(s domain.MediaStream) {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
