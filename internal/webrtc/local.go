package webrtc

import (
	"sync/atomic"

	pion "github.com/pion/webrtc/v4"

	"liveshow/orchestrator/internal/domain"
)

// LocalTrack wraps a pion local track produced by the media-acquisition side.
type LocalTrack struct {
	track   pion.TrackLocal
	stopped atomic.Bool
}

func (t *LocalTrack) ID() string   { return t.track.ID() }
func (t *LocalTrack) Kind() string { return t.track.Kind().String() }
func (t *LocalTrack) Live() bool   { return !t.stopped.Load() }
func (t *LocalTrack) Stop()        { t.stopped.Store(true) }

// LocalStream is the outbound stream attached to new peer connections.
type LocalStream struct {
	id     string
	tracks []*LocalTrack
}

// NewLocalStream wraps pion local tracks into a stream.
func NewLocalStream(id string, tracks ...pion.TrackLocal) *LocalStream {
	s := &LocalStream{id: id}
	for _, t := range tracks {
		s.tracks = append(s.tracks, &LocalTrack{track: t})
	}
	return s
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []domain.MediaTrack {
	out := make([]domain.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *LocalStream) Active() bool {
	for _, t := range s.tracks {
		if t.Live() {
			return true
		}
	}
	return false
}
