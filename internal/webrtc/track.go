package webrtc

import (
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
)

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type stopper interface {
	Stop() error
}

// RemoteTrack is a received track. A goroutine drains its RTP packets into
// a FrameProbe until the track ends or is stopped.
type RemoteTrack struct {
	id    string
	kind  string
	ssrc  uint32
	probe *FrameProbe

	reader   rtpReader
	receiver stopper
	logger   *zap.Logger

	mu    sync.Mutex
	ended bool
	once  sync.Once
}

func newRemoteTrack(id, kind, mimeType string, ssrc uint32, reader rtpReader, receiver stopper, logger *zap.Logger) *RemoteTrack {
	return &RemoteTrack{
		id:       id,
		kind:     kind,
		ssrc:     ssrc,
		probe:    NewFrameProbe(kind, mimeType),
		reader:   reader,
		receiver: receiver,
		logger:   logger,
	}
}

func (t *RemoteTrack) ID() string   { return t.id }
func (t *RemoteTrack) Kind() string { return t.kind }

// Live reports whether the track is still being read.
func (t *RemoteTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.ended
}

// Stop ends the track and its receiver.
func (t *RemoteTrack) Stop() {
	t.once.Do(func() {
		t.markEnded()
		if t.receiver != nil {
			if err := t.receiver.Stop(); err != nil {
				t.logger.Debug("stop receiver", zap.String("track", t.id), zap.Error(err))
			}
		}
	})
}

// LastFrameAt returns when the last complete frame arrived.
func (t *RemoteTrack) LastFrameAt() time.Time {
	return t.probe.LastFrameAt()
}

func (t *RemoteTrack) markEnded() {
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
}

func (t *RemoteTrack) readLoop() {
	defer t.markEnded()

	for {
		pkt, _, err := t.reader.ReadRTP()
		if err != nil {
			if t.Live() {
				t.logger.Debug("track read ended", zap.String("track", t.id), zap.Error(err))
			}
			return
		}
		t.probe.Push(pkt, time.Now())
	}
}

// RemoteStream groups the tracks received over one peer connection.
type RemoteStream struct {
	id string

	mu     sync.Mutex
	tracks []*RemoteTrack
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id}
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) add(t *RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// Tracks returns a snapshot of the received tracks.
func (s *RemoteStream) Tracks() []domain.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// Active reports whether any track is still live.
func (s *RemoteStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tracks {
		if t.Live() {
			return true
		}
	}
	return false
}

// LastFrameAt returns the most recent frame arrival across all tracks.
func (s *RemoteStream) LastFrameAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest time.Time
	for _, t := range s.tracks {
		if at := t.LastFrameAt(); at.After(latest) {
			latest = at
		}
	}
	return latest
}

func (s *RemoteStream) videoSSRCs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []uint32
	for _, t := range s.tracks {
		if t.kind == "video" && t.Live() {
			out = append(out, t.ssrc)
		}
	}
	return out
}
