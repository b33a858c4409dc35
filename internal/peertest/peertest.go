// Package peertest provides in-memory peer connections and media streams
// for exercising the orchestrator without a network.
package peertest

import (
	"fmt"
	"sync"
	"time"

	"liveshow/orchestrator/internal/domain"
)

// Factory records every connection it creates.
type Factory struct {
	mu    sync.Mutex
	conns []*Conn
	// Err, when set, is returned by NewPeer.
	Err error
}

func (f *Factory) NewPeer(participantID string, hooks domain.PeerHooks) (domain.PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{
		ParticipantID: participantID,
		Hooks:         hooks,
		seq:           len(f.conns) + 1,
		connState:     domain.ConnectionNew,
		iceState:      domain.ICENew,
	}
	f.conns = append(f.conns, c)
	return c, nil
}

// Created returns how many connections were created.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// Conns returns every connection created for participantID, oldest first.
func (f *Factory) Conns(participantID string) []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*Conn
	for _, c := range f.conns {
		if c.ParticipantID == participantID {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the newest connection for participantID, or nil.
func (f *Factory) Last(participantID string) *Conn {
	conns := f.Conns(participantID)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// Conn is a scripted domain.PeerConn.
type Conn struct {
	ParticipantID string
	Hooks         domain.PeerHooks

	seq int

	mu           sync.Mutex
	connState    domain.ConnectionState
	iceState     domain.ICEState
	closed       bool
	attached     bool
	attachStream domain.MediaStream
	offers       []domain.OfferOptions
	answers      int
	remote       []domain.SDPPayload
	candidates   []domain.ICECandidatePayload
	keyframes    int

	// Scripted failures.
	OfferErr     error
	AnswerErr    error
	RemoteErr    error
	CandidateErr error
	KeyframeErr  error
	CloseErr     error
}

func (c *Conn) AttachLocalStream(stream domain.MediaStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached {
		c.attached = true
		c.attachStream = stream
	}
	return nil
}

func (c *Conn) CreateOffer(opts domain.OfferOptions) (domain.SDPPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OfferErr != nil {
		return domain.SDPPayload{}, c.OfferErr
	}
	c.offers = append(c.offers, opts)
	return domain.SDPPayload{Type: "offer", SDP: c.sdp("offer", len(c.offers))}, nil
}

func (c *Conn) CreateAnswer() (domain.SDPPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AnswerErr != nil {
		return domain.SDPPayload{}, c.AnswerErr
	}
	c.answers++
	return domain.SDPPayload{Type: "answer", SDP: c.sdp("answer", c.answers)}, nil
}

func (c *Conn) sdp(kind string, n int) string {
	return fmt.Sprintf("v=0\r\ns=%s-%s-%d-%d", kind, c.ParticipantID, c.seq, n)
}

func (c *Conn) SetRemoteDescription(sdp domain.SDPPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RemoteErr != nil {
		return c.RemoteErr
	}
	c.remote = append(c.remote, sdp)
	return nil
}

func (c *Conn) AddICECandidate(candidate domain.ICECandidatePayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CandidateErr != nil {
		return c.CandidateErr
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) RequestKeyframe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyframes++
	return c.KeyframeErr
}

func (c *Conn) ConnectionState() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

func (c *Conn) ICEState() domain.ICEState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iceState
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.connState = domain.ConnectionClosed
	err := c.CloseErr
	hook := c.Hooks.OnConnectionStateChange
	c.mu.Unlock()

	if hook != nil {
		hook(domain.ConnectionClosed)
	}
	return err
}

// SetConnectionState changes the state and fires the hook.
func (c *Conn) SetConnectionState(state domain.ConnectionState) {
	c.mu.Lock()
	c.connState = state
	c.mu.Unlock()
	if c.Hooks.OnConnectionStateChange != nil {
		c.Hooks.OnConnectionStateChange(state)
	}
}

// SetICEState changes the ICE state and fires the hook.
func (c *Conn) SetICEState(state domain.ICEState) {
	c.mu.Lock()
	c.iceState = state
	c.mu.Unlock()
	if c.Hooks.OnICEStateChange != nil {
		c.Hooks.OnICEStateChange(state)
	}
}

// DeliverTrack fires the track hook with stream.
func (c *Conn) DeliverTrack(stream domain.MediaStream) {
	if c.Hooks.OnTrack != nil {
		c.Hooks.OnTrack(stream)
	}
}

// EmitCandidate fires the local ICE candidate hook.
func (c *Conn) EmitCandidate(candidate string) {
	if c.Hooks.OnICECandidate != nil {
		c.Hooks.OnICECandidate(domain.ICECandidatePayload{Candidate: candidate})
	}
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Attached() (bool, domain.MediaStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached, c.attachStream
}

// Offers returns the options of every offer created.
func (c *Conn) Offers() []domain.OfferOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.OfferOptions(nil), c.offers...)
}

func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

func (c *Conn) RemoteDescriptions() []domain.SDPPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SDPPayload(nil), c.remote...)
}

func (c *Conn) Candidates() []domain.ICECandidatePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ICECandidatePayload(nil), c.candidates...)
}

func (c *Conn) Keyframes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyframes
}

// Track is an in-memory domain.MediaTrack.
type Track struct {
	TrackID   string
	TrackKind string

	mu      sync.Mutex
	stopped bool
	dead    bool
}

func NewTrack(id, kind string) *Track {
	return &Track{TrackID: id, TrackKind: kind}
}

func (t *Track) ID() string   { return t.TrackID }
func (t *Track) Kind() string { return t.TrackKind }

func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.dead
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Kill ends the track without Stop, as a remote hang-up would.
func (t *Track) Kill() {
	t.mu.Lock()
	t.dead = true
	t.mu.Unlock()
}

// Revive undoes Kill.
func (t *Track) Revive() {
	t.mu.Lock()
	t.dead = false
	t.mu.Unlock()
}

// Stream is an in-memory domain.MediaStream.
type Stream struct {
	StreamID string
	List     []*Track

	mu        sync.Mutex
	lastFrame time.Time
}

// NewStream builds a stream holding one video and one audio track.
func NewStream(id string) *Stream {
	return &Stream{
		StreamID: id,
		List:     []*Track{NewTrack(id+"-video", "video"), NewTrack(id+"-audio", "audio")},
	}
}

func (s *Stream) ID() string { return s.StreamID }

func (s *Stream) Tracks() []domain.MediaTrack {
	out := make([]domain.MediaTrack, 0, len(s.List))
	for _, t := range s.List {
		out = append(out, t)
	}
	return out
}

func (s *Stream) Active() bool {
	for _, t := range s.List {
		if t.Live() {
			return true
		}
	}
	return false
}

func (s *Stream) LastFrameAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

// SetLastFrameAt records a frame arrival time.
func (s *Stream) SetLastFrameAt(at time.Time) {
	s.mu.Lock()
	s.lastFrame = at
	s.mu.Unlock()
}
