// Package session wires signaling, connections, health, recovery and
// streams together for one participant's stay in a room.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveshow/orchestrator/internal/config"
	"liveshow/orchestrator/internal/domain"
	"liveshow/orchestrator/internal/handshake"
	"liveshow/orchestrator/internal/health"
	"liveshow/orchestrator/internal/recovery"
	"liveshow/orchestrator/internal/registry"
	"liveshow/orchestrator/internal/stream"
)

// Options configures a Session.
type Options struct {
	SelfID    string
	RoomID    string
	Role      domain.Role
	HostID    string
	Initiator domain.Role
	// Mobile marks this side as running on a mobile network.
	Mobile bool
	Timing config.Timing
	// LocalStream is sent to every participant; nil runs receive only.
	LocalStream domain.MediaStream

	// OnStatus receives per-participant status changes. An empty
	// participant id reports the signaling channel.
	OnStatus                func(participantID string, report domain.StatusReport)
	OnParticipantDisconnect func(participantID string)
}

// Session coordinates the signaling and WebRTC flows.
// It implements domain.SignalHandler, registry.Observer, recovery.Retrier
// and stream.Recoverer.
type Session struct {
	opts   Options
	logger *zap.Logger

	signal  domain.Signaler
	reg     *registry.Registry
	breaker *recovery.Breaker
	coord   *recovery.Coordinator
	seq     *handshake.Sequencer
	monitor *health.Monitor
	streams *stream.Registry
	bus     *Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	members  map[string]*domain.Participant
	statuses map[string]domain.StatusReport
	channel  domain.StatusReport
	timers   map[*time.Timer]struct{}
	disposed bool
}

// New creates a Session. Call SetSignaler before Start to complete the
// circular dependency.
func New(opts Options, factory domain.PeerFactory, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Initiator == "" {
		opts.Initiator = domain.RoleParticipant
	}
	t := opts.Timing

	s := &Session{
		opts:     opts,
		logger:   logger.Named("session").With(zap.String("self", opts.SelfID), zap.String("room", opts.RoomID)),
		members:  make(map[string]*domain.Participant),
		statuses: make(map[string]domain.StatusReport),
		channel:  domain.StatusReport{Status: domain.StatusDisconnected},
		timers:   make(map[*time.Timer]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.reg = registry.New(factory, s, logger)
	s.breaker = recovery.NewBreaker(recovery.BreakerOptions{
		Threshold:   t.BreakerThreshold,
		Cooldown:    t.BreakerCooldown,
		MaxCooldown: t.BreakerMaxCooldown,
	}, logger)
	s.coord = recovery.NewCoordinator(s.breaker, s.reg, s, t.ExtendedCooldown, logger)
	s.seq = handshake.New(handshake.Options{
		SelfID:         opts.SelfID,
		SelfRole:       opts.Role,
		RoomID:         opts.RoomID,
		HostID:         opts.HostID,
		Initiator:      opts.Initiator,
		ConfirmTimeout: t.JoinTimeout,
		AnswerTimeout:  t.AnswerTimeout,
		LocalStream:    opts.LocalStream,
		OnFailure:      s.handshakeFailed,
		OnNegotiated: func(id string) {
			s.setStatus(id, domain.StatusReport{Status: domain.StatusConnecting, Reason: "negotiated, establishing media"})
		},
	}, s.reg, signalPort{s}, signalPort{s}, s.breaker, logger)
	s.monitor = health.NewMonitor(health.Options{
		Interval:       t.MonitorInterval,
		StuckThreshold: t.StuckThreshold,
		MediaSilence:   t.MediaSilence,
	}, s.reg, func(ev health.Event) { s.bus.Publish(HealthReport{Event: ev}) }, logger)
	s.streams = stream.New(stream.Options{
		CheckInterval: t.StreamCheckInterval,
		OnLost:        func(id string) { s.bus.Publish(StreamLost{ParticipantID: id}) },
	}, s, logger)
	s.bus = NewBus(256, s.handle, logger)
	return s
}

// SetSignaler injects the signaler after construction.
func (s *Session) SetSignaler(sig domain.Signaler) {
	s.signal = sig
}

// Streams gives rendering code access to received streams.
func (s *Session) Streams() *stream.Registry {
	return s.streams
}

// Breaker exposes the session's circuit breaker state.
func (s *Session) Breaker() *recovery.Breaker {
	return s.breaker
}

// Start runs the session's loops, connects signaling and joins the room.
// On error the session should be disposed.
func (s *Session) Start(ctx context.Context) error {
	if s.signal == nil {
		return errors.New("session: no signaler")
	}

	s.spawn(func() { s.bus.Run(s.ctx) })
	s.spawn(func() { s.monitor.Run(s.ctx) })
	s.spawn(func() { s.streams.Run(s.ctx) })

	if err := s.signal.Connect(ctx); err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}
	if err := s.signal.JoinRoom(ctx, s.opts.RoomID, s.opts.SelfID); err != nil {
		return fmt.Errorf("join room %s: %w", s.opts.RoomID, err)
	}
	s.logger.Info("joined room")

	if s.opts.HostID != "" && s.seq.ShouldInitiate(s.opts.HostID) {
		s.initiate(s.opts.HostID)
	}
	return nil
}

// Dispose stops every loop and timer and closes every connection and the
// signaling channel. It is safe to call more than once.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	for t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.mu.Unlock()

	s.cancel()
	s.bus.Close()
	s.seq.Dispose()
	if s.signal != nil {
		s.signal.Close()
	}
	s.wg.Wait()
	s.reg.RemoveAll()
	s.streams.RemoveAll()
	s.logger.Info("session disposed")
}

// Status returns the last status reported for participantID.
func (s *Session) Status(participantID string) domain.StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.statuses[participantID]; ok {
		return r
	}
	return domain.StatusReport{Status: domain.StatusDisconnected}
}

// Overall summarizes the session. A channel that is not connected wins,
// then any connected participant, then any connecting one.
func (s *Session) Overall() domain.StatusReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel.Status != domain.StatusConnected {
		return s.channel
	}
	var connecting, failed *domain.StatusReport
	for _, r := range s.statuses {
		r := r
		switch r.Status {
		case domain.StatusConnected:
			return r
		case domain.StatusConnecting:
			connecting = &r
		case domain.StatusFailed:
			failed = &r
		}
	}
	switch {
	case connecting != nil:
		return *connecting
	case failed != nil:
		return *failed
	}
	return domain.StatusReport{Status: domain.StatusConnecting, Reason: "waiting for participants"}
}

// ForceReset drops participantID's connection and negotiates again.
func (s *Session) ForceReset(participantID string) {
	s.coord.ForceReset(participantID)
	s.seq.Reset(participantID)
	s.streams.Unbind(participantID)
	s.setStatus(participantID, domain.StatusReport{Status: domain.StatusConnecting, Reason: "reset requested"})
	if s.seq.ShouldInitiate(participantID) {
		s.initiate(participantID)
	}
}

// ForceResetAll drops every connection, closes the breaker and negotiates
// again with everyone.
func (s *Session) ForceResetAll() {
	s.coord.ForceResetAll()
	s.seq.ResetAll()
	s.streams.UnbindAll()
	for _, id := range s.targets() {
		s.setStatus(id, domain.StatusReport{Status: domain.StatusConnecting, Reason: "reset requested"})
		s.initiate(id)
	}
}

// Self describes the local participant.
func (s *Session) Self() domain.Participant {
	return domain.Participant{ID: s.opts.SelfID, Role: s.opts.Role, IsMobile: s.opts.Mobile}
}

// Participants returns the remote members seen in the room, by id. A member
// whose connection failed is forgotten until it signals again.
func (s *Session) Participants() []domain.Participant {
	s.mu.Lock()
	out := make([]domain.Participant, 0, len(s.members))
	for _, p := range s.members {
		out = append(out, *p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SignalHandler

func (s *Session) OnPeerJoined(participantID string) {
	s.bus.Publish(PeerJoined{ParticipantID: participantID})
}

func (s *Session) OnPeerLeft(participantID string) {
	s.bus.Publish(PeerLeft{ParticipantID: participantID})
}

func (s *Session) OnMessage(msg domain.SignalingMessage) {
	s.bus.Publish(SignalReceived{Msg: msg})
}

func (s *Session) OnConnectionStatusChanged(report domain.StatusReport) {
	s.bus.Publish(ChannelStatus{Report: report})
}

// registry.Observer

func (s *Session) OnLocalCandidate(participantID string, candidate domain.ICECandidatePayload) {
	s.seq.SendCandidate(participantID, candidate)
}

func (s *Session) OnTrack(participantID string, st domain.MediaStream) {
	s.streams.Register(participantID, st)
}

func (s *Session) OnStateChange(snap registry.Snapshot) {
	s.logger.Debug("peer state changed",
		zap.String("participant", snap.ParticipantID),
		zap.String("connection", string(snap.ConnectionState)),
		zap.String("ice", string(snap.ICEState)))
}

// recovery.Retrier

func (s *Session) Retry(participantID string, action recovery.Action) {
	if !s.seq.ShouldInitiate(participantID) {
		s.logger.Info("waiting for remote to renegotiate", zap.String("participant", participantID))
		s.seq.Reset(participantID)
		return
	}

	s.seq.Reset(participantID)
	if action == recovery.ActionSoftRetry {
		s.spawn(func() {
			if err := s.seq.Restart(s.ctx, participantID); err != nil {
				s.initiateFailed(participantID, err)
			}
		})
		return
	}
	s.initiate(participantID)
}

func (s *Session) RetryAfter(participantID string, delay time.Duration) {
	s.after(delay, func() { s.Retry(participantID, recovery.ActionAggressiveReset) })
}

func (s *Session) RetryAllAfter(delay time.Duration) {
	s.seq.ResetAll()
	s.streams.UnbindAll()
	s.after(delay, func() {
		for _, id := range s.targets() {
			s.Retry(id, recovery.ActionAggressiveReset)
		}
	})
}

// stream.Recoverer

func (s *Session) RecoverStream(ctx context.Context, participantID string) error {
	e, ok := s.reg.Get(participantID)
	if !ok {
		return fmt.Errorf("recover stream of %s: %w", participantID, domain.ErrClosed)
	}
	return e.Conn().RequestKeyframe()
}

func (s *Session) handle(m Message) {
	switch m := m.(type) {
	case PeerJoined:
		s.peerJoined(m.ParticipantID)

	case PeerLeft:
		s.peerLeft(m.ParticipantID)

	case SignalReceived:
		s.signalReceived(m.Msg)

	case ChannelStatus:
		s.mu.Lock()
		s.channel = m.Report
		s.mu.Unlock()
		s.logger.Info("signaling status", zap.String("status", string(m.Report.Status)), zap.String("reason", m.Report.Reason))
		if s.opts.OnStatus != nil {
			s.opts.OnStatus("", m.Report)
		}

	case HealthReport:
		s.healthChanged(m.Event)

	case StreamLost:
		s.setStatus(m.ParticipantID, domain.Describe(domain.ErrNoStream))
		s.coord.HandleStuck(m.ParticipantID)
	}
}

func (s *Session) peerJoined(id string) {
	if id == s.opts.SelfID {
		return
	}
	s.touch(id)
	s.logger.Info("participant joined", zap.String("participant", id))
	if s.seq.ShouldInitiate(id) {
		s.setStatus(id, domain.StatusReport{Status: domain.StatusConnecting, Reason: "participant joined"})
		s.initiate(id)
	}
}

func (s *Session) peerLeft(id string) {
	s.mu.Lock()
	delete(s.members, id)
	s.mu.Unlock()

	s.logger.Info("participant left", zap.String("participant", id))
	s.seq.Close(id)
	s.coord.Forget(id)
	s.streams.Remove(id)
	s.setStatus(id, domain.StatusReport{Status: domain.StatusDisconnected, Reason: "participant left"})
	s.disconnected(id)
}

func (s *Session) signalReceived(msg domain.SignalingMessage) {
	s.touch(msg.FromID)

	var err error
	switch msg.Kind {
	case domain.KindOffer:
		s.setStatus(msg.FromID, domain.StatusReport{Status: domain.StatusConnecting, Reason: "answering offer"})
		err = s.seq.HandleOffer(s.ctx, msg)
	case domain.KindAnswer:
		err = s.seq.HandleAnswer(msg)
	case domain.KindICE:
		err = s.seq.HandleICECandidate(msg)
	}
	if err != nil && errors.Is(err, domain.ErrProtocol) {
		s.logger.Debug("signaling message dropped",
			zap.String("participant", msg.FromID),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err))
	}
}

func (s *Session) healthChanged(ev health.Event) {
	id := ev.ParticipantID
	switch ev.Kind {
	case health.KindConnected:
		s.coord.HandleSuccess(id)
		s.setStatus(id, domain.StatusReport{Status: domain.StatusConnected})

	case health.KindStuck:
		s.setStatus(id, domain.StatusReport{Status: domain.StatusConnecting, Reason: "connection stalled, retrying"})
		s.coord.HandleStuck(id)

	case health.KindFailed:
		s.seq.Reset(id)
		s.streams.Unbind(id)
		s.mu.Lock()
		delete(s.members, id)
		s.mu.Unlock()
		s.setStatus(id, domain.StatusReport{Status: domain.StatusDisconnected, Reason: "connection failed"})
		s.disconnected(id)
		s.coord.HandleFailure(id)
	}
}

func (s *Session) handshakeFailed(id string, err error) {
	s.setStatus(id, domain.Describe(err))
	s.coord.HandleFailure(id)
}

// initiate starts a handshake in the background; it blocks on room
// confirmation.
func (s *Session) initiate(id string) {
	s.spawn(func() {
		if err := s.seq.Initiate(s.ctx, id); err != nil {
			s.initiateFailed(id, err)
		}
	})
}

// initiateFailed handles errors the sequencer did not already report.
func (s *Session) initiateFailed(id string, err error) {
	var open *domain.BreakerOpenError
	switch {
	case errors.As(err, &open):
		s.setStatus(id, domain.Describe(err))
		s.RetryAfter(id, open.RetryIn)
	case errors.Is(err, domain.ErrClosed), errors.Is(err, context.Canceled):
	default:
		s.logger.Debug("initiate failed", zap.String("participant", id), zap.Error(err))
	}
}

func (s *Session) disconnected(id string) {
	if s.opts.OnParticipantDisconnect != nil {
		s.opts.OnParticipantDisconnect(id)
	}
}

// touch records activity from id, adding it as a member when unknown.
func (s *Session) touch(id string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.members[id]; ok {
		p.LastActiveAt = now
		return
	}
	role := domain.RoleParticipant
	if id == s.opts.HostID {
		role = domain.RoleHost
	}
	s.members[id] = &domain.Participant{ID: id, Role: role, JoinedAt: now, LastActiveAt: now}
}

// targets lists the participants this side initiates to.
func (s *Session) targets() []string {
	s.mu.Lock()
	set := make(map[string]bool, len(s.members)+1)
	for id := range s.members {
		set[id] = true
	}
	s.mu.Unlock()
	if s.opts.HostID != "" {
		set[s.opts.HostID] = true
	}

	var out []string
	for id := range set {
		if s.seq.ShouldInitiate(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Session) setStatus(id string, report domain.StatusReport) {
	s.mu.Lock()
	if s.statuses[id] == report {
		s.mu.Unlock()
		return
	}
	s.statuses[id] = report
	s.mu.Unlock()

	s.logger.Info("participant status",
		zap.String("participant", id),
		zap.String("status", string(report.Status)),
		zap.String("reason", report.Reason))
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(id, report)
	}
}

// after runs fn once delay has passed unless the session is disposed first.
func (s *Session) after(delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[t]
		delete(s.timers, t)
		s.mu.Unlock()
		if live {
			fn()
		}
	})
	s.timers[t] = struct{}{}
}

func (s *Session) spawn(fn func()) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// signalPort adapts the session's signaler for the sequencer.
type signalPort struct{ s *Session }

func (p signalPort) Send(msg domain.SignalingMessage) error {
	if p.s.signal == nil {
		return fmt.Errorf("send: %w", domain.ErrTransport)
	}
	return p.s.signal.Send(msg)
}

func (p signalPort) RoomConfirmed() <-chan struct{} {
	return p.s.signal.RoomConfirmed()
}
