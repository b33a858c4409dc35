// Package handshake sequences the offer/answer/ICE exchange per participant.
package handshake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
	"liveshow/orchestrator/internal/registry"
)

// State is a participant's handshake state.
type State string

const (
	StateIdle                     State = "idle"
	StateAwaitingRoomConfirmation State = "awaiting-room-confirmation"
	StateOffering                 State = "offering"
	StateAwaitingAnswer           State = "awaiting-answer"
	StateReceivedOffer            State = "received-offer"
	StateAnswering                State = "answering"
	StateConnected                State = "connected"
	StateFailed                   State = "failed"
	StateClosed                   State = "closed"
)

func (s State) pending() bool {
	switch s {
	case StateAwaitingRoomConfirmation, StateOffering, StateAwaitingAnswer, StateReceivedOffer, StateAnswering:
		return true
	}
	return false
}

// Peers is the part of the registry the sequencer uses.
type Peers interface {
	GetOrCreate(participantID string) (*registry.Entry, error)
	Get(participantID string) (*registry.Entry, bool)
	Remove(participantID string)
	MarkRetry(participantID string)
}

// Sender relays signaling messages.
type Sender interface {
	Send(msg domain.SignalingMessage) error
}

// RoomGate exposes room-join confirmation.
type RoomGate interface {
	RoomConfirmed() <-chan struct{}
}

// AttemptGate rejects attempts while recovery is cooling down.
type AttemptGate interface {
	Allow() error
}

// Options configures a Sequencer.
type Options struct {
	SelfID   string
	SelfRole domain.Role
	RoomID   string
	HostID   string
	// Initiator is the role that sends offers.
	Initiator      domain.Role
	ConfirmTimeout time.Duration
	AnswerTimeout  time.Duration
	// LocalStream is attached to every connection; nil means receive only.
	LocalStream domain.MediaStream

	OnFailure    func(participantID string, err error)
	OnNegotiated func(participantID string)
}

type handshake struct {
	state State
	gen   uint64
	timer *time.Timer

	// Local candidates wait in outbox until this attempt's offer or answer
	// has gone out.
	sdpSent bool
	outbox  []domain.ICECandidatePayload

	// remoteFP is the DTLS fingerprint of the last remote description
	// applied to remoteEntry.
	remoteFP    string
	remoteEntry *registry.Entry
}

func (h *handshake) stopTimer() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// Sequencer drives handshakes for every remote participant of a session.
type Sequencer struct {
	opts   Options
	peers  Peers
	sender Sender
	room   RoomGate
	gate   AttemptGate
	logger *zap.Logger

	mu     sync.Mutex
	hs     map[string]*handshake
	gen    uint64
	closed bool
}

// New creates a Sequencer. gate may be nil.
func New(opts Options, peers Peers, sender Sender, room RoomGate, gate AttemptGate, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Initiator == "" {
		opts.Initiator = domain.RoleParticipant
	}
	return &Sequencer{
		opts:   opts,
		peers:  peers,
		sender: sender,
		room:   room,
		gate:   gate,
		logger: logger.Named("handshake"),
		hs:     make(map[string]*handshake),
	}
}

// ShouldInitiate reports whether this side sends the offer to remoteID.
func (s *Sequencer) ShouldInitiate(remoteID string) bool {
	if remoteID == s.opts.SelfID {
		return false
	}
	if s.opts.Initiator == domain.RoleHost {
		return s.opts.SelfRole == domain.RoleHost
	}
	return s.opts.SelfRole == domain.RoleParticipant && remoteID == s.opts.HostID
}

// State returns the handshake state for participantID.
func (s *Sequencer) State(participantID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hs[participantID]; ok {
		return h.state
	}
	return StateIdle
}

// Initiate offers a connection to participantID once the room join is
// confirmed. It is a no-op while a handshake with participantID is pending
// or established.
func (s *Sequencer) Initiate(ctx context.Context, participantID string) error {
	if s.gate != nil {
		if err := s.gate.Allow(); err != nil {
			return fmt.Errorf("initiate %s: %w", participantID, err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	h := s.handshakeLocked(participantID)
	if h.state.pending() || h.state == StateConnected {
		s.mu.Unlock()
		s.logger.Debug("handshake already in progress",
			zap.String("participant", participantID),
			zap.String("state", string(h.state)))
		return nil
	}
	gen := s.beginLocked(h, StateAwaitingRoomConfirmation)
	s.mu.Unlock()

	if err := s.awaitRoom(ctx); err != nil {
		err = fmt.Errorf("initiate %s: %w", participantID, err)
		s.fail(participantID, gen, err)
		return err
	}

	if !s.transition(participantID, gen, StateAwaitingRoomConfirmation, StateOffering) {
		return nil
	}
	return s.offer(participantID, gen, domain.OfferOptions{})
}

// Restart renegotiates an existing connection with an ICE restart, or
// initiates from scratch when there is none.
func (s *Sequencer) Restart(ctx context.Context, participantID string) error {
	if s.gate != nil {
		if err := s.gate.Allow(); err != nil {
			return fmt.Errorf("restart %s: %w", participantID, err)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	h := s.handshakeLocked(participantID)
	if h.state.pending() {
		s.mu.Unlock()
		return nil
	}
	if _, ok := s.peers.Get(participantID); !ok {
		s.resetLocked(h)
		s.mu.Unlock()
		return s.Initiate(ctx, participantID)
	}
	gen := s.beginLocked(h, StateOffering)
	s.mu.Unlock()

	s.peers.MarkRetry(participantID)
	return s.offer(participantID, gen, domain.OfferOptions{ICERestart: true})
}

func (s *Sequencer) offer(participantID string, gen uint64, opts domain.OfferOptions) error {
	entry, err := s.peers.GetOrCreate(participantID)
	if err != nil {
		err = fmt.Errorf("offer to %s: %w", participantID, err)
		s.fail(participantID, gen, err)
		return err
	}
	conn := entry.Conn()

	if err := conn.AttachLocalStream(s.opts.LocalStream); err != nil {
		err = fmt.Errorf("offer to %s: %w: %v", participantID, domain.ErrNegotiation, err)
		s.fail(participantID, gen, err)
		return err
	}

	sdp, err := conn.CreateOffer(opts)
	if err != nil {
		err = fmt.Errorf("offer to %s: %w: %v", participantID, domain.ErrNegotiation, err)
		s.fail(participantID, gen, err)
		return err
	}

	s.mu.Lock()
	h := s.hs[participantID]
	if h == nil || h.gen != gen || h.state != StateOffering {
		s.mu.Unlock()
		s.logger.Info("offer superseded", zap.String("participant", participantID))
		return nil
	}
	h.state = StateAwaitingAnswer
	if s.opts.AnswerTimeout > 0 {
		h.timer = time.AfterFunc(s.opts.AnswerTimeout, func() { s.answerTimedOut(participantID, gen) })
	}
	s.mu.Unlock()

	s.logger.Info("sending offer",
		zap.String("participant", participantID),
		zap.Bool("iceRestart", opts.ICERestart))
	s.send(domain.SignalingMessage{Kind: domain.KindOffer, ToID: participantID, SDP: &sdp})
	s.flushCandidates(participantID, gen)
	return nil
}

// HandleOffer answers a remote offer, resolving glare by participant id.
func (s *Sequencer) HandleOffer(ctx context.Context, msg domain.SignalingMessage) error {
	if err := s.accept(msg); err != nil {
		return err
	}
	id := msg.FromID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrClosed
	}
	h := s.handshakeLocked(id)
	var gen uint64
	switch h.state {
	case StateOffering, StateAwaitingAnswer:
		if s.opts.SelfID < id {
			s.mu.Unlock()
			s.logger.Info("glare: keeping initiator role", zap.String("participant", id))
			return nil
		}
		gen = s.beginLocked(h, StateReceivedOffer)
		s.mu.Unlock()
		s.logger.Info("glare: discarding local offer", zap.String("participant", id))
		s.peers.Remove(id)
	case StateReceivedOffer, StateAnswering:
		s.mu.Unlock()
		s.logger.Debug("duplicate offer dropped", zap.String("participant", id))
		return nil
	default:
		// An offer carrying a new fingerprint comes from a remote that
		// started over, so the old connection cannot take it.
		replace := false
		if entry, ok := s.peers.Get(id); ok && entry == h.remoteEntry {
			fp := fingerprint(msg.SDP.SDP)
			replace = fp != "" && h.remoteFP != "" && fp != h.remoteFP
		}
		gen = s.beginLocked(h, StateReceivedOffer)
		s.mu.Unlock()
		if replace {
			s.logger.Info("remote restarted, replacing connection", zap.String("participant", id))
			s.peers.Remove(id)
		}
	}

	return s.answer(id, gen, *msg.SDP)
}

func (s *Sequencer) answer(participantID string, gen uint64, offer domain.SDPPayload) error {
	entry, err := s.peers.GetOrCreate(participantID)
	if err != nil {
		err = fmt.Errorf("answer %s: %w", participantID, err)
		s.fail(participantID, gen, err)
		return err
	}
	conn := entry.Conn()

	if err := conn.AttachLocalStream(s.opts.LocalStream); err != nil {
		err = fmt.Errorf("answer %s: %w: %v", participantID, domain.ErrNegotiation, err)
		s.fail(participantID, gen, err)
		return err
	}
	if err := conn.SetRemoteDescription(offer); err != nil {
		err = fmt.Errorf("answer %s: %w: %v", participantID, domain.ErrNegotiation, err)
		s.fail(participantID, gen, err)
		return err
	}
	s.remoteApplied(participantID, gen, entry, offer)
	if !s.transition(participantID, gen, StateReceivedOffer, StateAnswering) {
		return nil
	}

	sdp, err := conn.CreateAnswer()
	if err != nil {
		err = fmt.Errorf("answer %s: %w: %v", participantID, domain.ErrNegotiation, err)
		s.fail(participantID, gen, err)
		return err
	}
	if !s.transition(participantID, gen, StateAnswering, StateConnected) {
		return nil
	}

	s.logger.Info("sending answer", zap.String("participant", participantID))
	s.send(domain.SignalingMessage{Kind: domain.KindAnswer, ToID: participantID, SDP: &sdp})
	s.flushCandidates(participantID, gen)
	s.negotiated(participantID)
	return nil
}

// HandleAnswer completes a handshake this side initiated. Answers from
// unknown participants or in the wrong state are dropped.
func (s *Sequencer) HandleAnswer(msg domain.SignalingMessage) error {
	if err := s.accept(msg); err != nil {
		return err
	}
	id := msg.FromID

	entry, ok := s.peers.Get(id)
	if !ok {
		s.logger.Warn("answer from unknown participant dropped", zap.String("participant", id))
		return fmt.Errorf("answer from %s: no connection: %w", id, domain.ErrProtocol)
	}

	s.mu.Lock()
	h, ok := s.hs[id]
	if !ok || h.state != StateAwaitingAnswer {
		state := StateIdle
		if ok {
			state = h.state
		}
		s.mu.Unlock()
		s.logger.Warn("unexpected answer dropped",
			zap.String("participant", id),
			zap.String("state", string(state)))
		return fmt.Errorf("answer from %s in state %s: %w", id, state, domain.ErrProtocol)
	}
	gen := h.gen
	h.stopTimer()
	s.mu.Unlock()

	if err := entry.Conn().SetRemoteDescription(*msg.SDP); err != nil {
		err = fmt.Errorf("answer from %s: %w: %v", id, domain.ErrNegotiation, err)
		s.fail(id, gen, err)
		return err
	}
	s.remoteApplied(id, gen, entry, *msg.SDP)
	if s.transition(id, gen, StateAwaitingAnswer, StateConnected) {
		s.logger.Info("answer applied", zap.String("participant", id))
		s.negotiated(id)
	}
	return nil
}

// HandleICECandidate adds a remote candidate. Add failures are expected
// while descriptions race and are only logged.
func (s *Sequencer) HandleICECandidate(msg domain.SignalingMessage) error {
	if err := s.accept(msg); err != nil {
		return err
	}

	entry, ok := s.peers.Get(msg.FromID)
	if !ok {
		s.logger.Debug("candidate for unknown participant dropped", zap.String("participant", msg.FromID))
		return fmt.Errorf("candidate from %s: no connection: %w", msg.FromID, domain.ErrProtocol)
	}
	if err := entry.Conn().AddICECandidate(*msg.Candidate); err != nil {
		s.logger.Debug("remote candidate rejected",
			zap.String("participant", msg.FromID),
			zap.Error(err))
	}
	return nil
}

// SendCandidate relays a local ICE candidate to participantID. Candidates
// gathered before the current offer or answer was sent are held until it is.
func (s *Sequencer) SendCandidate(participantID string, candidate domain.ICECandidatePayload) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	h := s.handshakeLocked(participantID)
	if !h.sdpSent {
		h.outbox = append(h.outbox, candidate)
		s.mu.Unlock()
		s.logger.Debug("candidate held until description is sent", zap.String("participant", participantID))
		return
	}
	s.mu.Unlock()
	s.send(domain.SignalingMessage{Kind: domain.KindICE, ToID: participantID, Candidate: &candidate})
}

func (s *Sequencer) flushCandidates(participantID string, gen uint64) {
	s.mu.Lock()
	h, ok := s.hs[participantID]
	if !ok || h.gen != gen {
		s.mu.Unlock()
		return
	}
	h.sdpSent = true
	held := h.outbox
	h.outbox = nil
	s.mu.Unlock()

	for i := range held {
		s.send(domain.SignalingMessage{Kind: domain.KindICE, ToID: participantID, Candidate: &held[i]})
	}
}

func (s *Sequencer) remoteApplied(participantID string, gen uint64, entry *registry.Entry, sdp domain.SDPPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hs[participantID]; ok && h.gen == gen {
		h.remoteFP = fingerprint(sdp.SDP)
		h.remoteEntry = entry
	}
}

// fingerprint returns the first a=fingerprint value of sdp, or "".
func fingerprint(sdp string) string {
	for _, line := range strings.Split(sdp, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "a=fingerprint:"); ok {
			return strings.ToLower(strings.TrimSpace(v))
		}
	}
	return ""
}

// Reset forgets the handshake with participantID and cancels its timers.
// In-flight steps for it are abandoned.
func (s *Sequencer) Reset(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.hs[participantID]; ok {
		s.resetLocked(h)
	}
}

// ResetAll resets every handshake.
func (s *Sequencer) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hs {
		s.resetLocked(h)
	}
}

// Close ends the handshake with participantID and removes its connection.
func (s *Sequencer) Close(participantID string) {
	s.mu.Lock()
	if h, ok := s.hs[participantID]; ok {
		s.resetLocked(h)
		h.state = StateClosed
	}
	s.mu.Unlock()
	s.peers.Remove(participantID)
}

// Dispose cancels every timer and rejects further calls.
func (s *Sequencer) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, h := range s.hs {
		s.resetLocked(h)
		h.state = StateClosed
	}
}

func (s *Sequencer) accept(msg domain.SignalingMessage) error {
	switch {
	case msg.FromID == "" || msg.FromID == s.opts.SelfID:
		return fmt.Errorf("%s without valid sender: %w", msg.Kind, domain.ErrProtocol)
	case msg.RoomID != "" && msg.RoomID != s.opts.RoomID:
		s.logger.Warn("message for other room dropped",
			zap.String("participant", msg.FromID),
			zap.String("room", msg.RoomID))
		return fmt.Errorf("%s for room %s: %w", msg.Kind, msg.RoomID, domain.ErrProtocol)
	case msg.ToID != "" && msg.ToID != s.opts.SelfID:
		return fmt.Errorf("%s addressed to %s: %w", msg.Kind, msg.ToID, domain.ErrProtocol)
	case (msg.Kind == domain.KindICE && msg.Candidate == nil) || (msg.Kind != domain.KindICE && msg.SDP == nil):
		return fmt.Errorf("%s without payload: %w", msg.Kind, domain.ErrProtocol)
	}
	return nil
}

func (s *Sequencer) awaitRoom(ctx context.Context) error {
	timeout := s.opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.room.RoomConfirmed():
		return nil
	case <-timer.C:
		return domain.ErrJoinTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequencer) answerTimedOut(participantID string, gen uint64) {
	s.mu.Lock()
	h, ok := s.hs[participantID]
	if !ok || h.gen != gen || h.state != StateAwaitingAnswer {
		s.mu.Unlock()
		return
	}
	h.timer = nil
	s.mu.Unlock()

	s.fail(participantID, gen, fmt.Errorf("offer to %s: %w", participantID, domain.ErrAnswerTimeout))
}

// fail marks the attempt failed, tears down its connection and reports it.
// Failures of superseded attempts are ignored.
func (s *Sequencer) fail(participantID string, gen uint64, err error) {
	s.mu.Lock()
	h, ok := s.hs[participantID]
	if !ok || h.gen != gen {
		s.mu.Unlock()
		s.logger.Debug("stale handshake failure ignored", zap.String("participant", participantID), zap.Error(err))
		return
	}
	h.stopTimer()
	h.state = StateFailed
	s.mu.Unlock()

	s.logger.Warn("handshake failed", zap.String("participant", participantID), zap.Error(err))
	s.peers.Remove(participantID)
	if s.opts.OnFailure != nil {
		s.opts.OnFailure(participantID, err)
	}
}

func (s *Sequencer) negotiated(participantID string) {
	if s.opts.OnNegotiated != nil {
		s.opts.OnNegotiated(participantID)
	}
}

func (s *Sequencer) send(msg domain.SignalingMessage) {
	msg.FromID = s.opts.SelfID
	msg.RoomID = s.opts.RoomID
	if err := s.sender.Send(msg); err != nil {
		s.logger.Warn("signaling send failed",
			zap.String("participant", msg.ToID),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err))
	}
}

func (s *Sequencer) transition(participantID string, gen uint64, from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hs[participantID]
	if !ok || h.gen != gen || h.state != from {
		return false
	}
	h.state = to
	return true
}

func (s *Sequencer) handshakeLocked(participantID string) *handshake {
	h, ok := s.hs[participantID]
	if !ok {
		h = &handshake{state: StateIdle}
		s.hs[participantID] = h
	}
	return h
}

func (s *Sequencer) beginLocked(h *handshake, state State) uint64 {
	h.stopTimer()
	s.gen++
	h.gen = s.gen
	h.state = state
	h.sdpSent = false
	h.outbox = nil
	return h.gen
}

func (s *Sequencer) resetLocked(h *handshake) {
	h.stopTimer()
	s.gen++
	h.gen = s.gen
	h.state = StateIdle
	h.sdpSent = false
	h.outbox = nil
}
