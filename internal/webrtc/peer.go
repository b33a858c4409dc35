package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"liveshow/orchestrator/internal/domain"
)

// Peer wraps a Pion PeerConnection for one remote participant.
type Peer struct {
	pc             *pion.PeerConnection
	participantID  string
	filterLoopback bool
	inbound        *RemoteStream
	logger         *zap.Logger

	mu                sync.Mutex
	attached          bool
	remoteDescSet     bool
	pendingCandidates []pion.ICECandidateInit
}

func (p *Peer) wire(hooks domain.PeerHooks) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.logger.Debug("ICE gathering complete")
			return
		}

		init := c.ToJSON()
		if p.filterLoopback && isLoopback(init.Candidate) {
			p.logger.Debug("filtering loopback ICE candidate")
			return
		}
		if hooks.OnICECandidate != nil {
			hooks.OnICECandidate(domain.ICECandidatePayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		}
	})

	p.pc.OnTrack(func(track *pion.TrackRemote, receiver *pion.RTPReceiver) {
		codec := track.Codec()
		p.logger.Info("got track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", codec.MimeType),
			zap.Uint8("pt", uint8(codec.PayloadType)))

		rt := newRemoteTrack(track.ID(), track.Kind().String(), codec.MimeType, uint32(track.SSRC()), track, receiver, p.logger)
		p.inbound.add(rt)
		go rt.readLoop()

		if track.Kind() == pion.RTPCodecTypeVideo {
			if err := p.RequestKeyframe(); err != nil {
				p.logger.Debug("initial keyframe request", zap.Error(err))
			}
		}
		if hooks.OnTrack != nil {
			hooks.OnTrack(p.inbound)
		}
	})

	p.pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.logger.Info("ICE connection state", zap.String("state", state.String()))
		if hooks.OnICEStateChange != nil {
			hooks.OnICEStateChange(domain.ICEState(state.String()))
		}
	})

	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.logger.Info("peer connection state", zap.String("state", state.String()))
		if hooks.OnConnectionStateChange != nil {
			hooks.OnConnectionStateChange(domain.ConnectionState(state.String()))
		}
	})
}

// AttachLocalStream adds the stream's tracks, or audio and video
// receive-only transceivers when stream is nil. Only the first call has an
// effect.
func (p *Peer) AttachLocalStream(stream domain.MediaStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attached {
		return nil
	}

	if stream == nil {
		for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
			_, err := p.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
				Direction: pion.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
		p.attached = true
		return nil
	}

	local, ok := stream.(*LocalStream)
	if !ok {
		return fmt.Errorf("attach stream %s: unsupported stream type %T", stream.ID(), stream)
	}
	for _, t := range local.tracks {
		sender, err := p.pc.AddTrack(t.track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}
	p.attached = true
	return nil
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer(opts domain.OfferOptions) (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(&pion.OfferOptions{ICERestart: opts.ICERestart})
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	p.logger.Debug("local SDP offer set", zap.Bool("iceRestart", opts.ICERestart))
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	p.logger.Debug("local SDP answer set")
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the remote offer or answer and flushes any
// ICE candidates that arrived before it.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	desc := pion.SessionDescription{
		Type: pion.NewSDPType(sdp.Type),
		SDP:  sdp.SDP,
	}

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteDescSet = true
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	p.logger.Debug("remote SDP set", zap.String("type", sdp.Type), zap.Int("flushed", len(pending)))

	var errs []error
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		p.logger.Warn("queued ICE candidates rejected", zap.Error(errors.Join(errs...)))
	}
	return nil
}

// AddICECandidate adds a remote candidate, queueing it until the remote
// description is set.
func (p *Peer) AddICECandidate(candidate domain.ICECandidatePayload) error {
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	}

	p.mu.Lock()
	if !p.remoteDescSet {
		p.pendingCandidates = append(p.pendingCandidates, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// RequestKeyframe sends a PLI for every live received video track.
func (p *Peer) RequestKeyframe() error {
	ssrcs := p.inbound.videoSSRCs()
	if len(ssrcs) == 0 {
		return fmt.Errorf("request keyframe: %w", domain.ErrNoStream)
	}

	pkts := make([]rtcp.Packet, 0, len(ssrcs))
	for _, ssrc := range ssrcs {
		pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: ssrc})
	}
	if err := p.pc.WriteRTCP(pkts); err != nil {
		return fmt.Errorf("write pli: %w", err)
	}
	return nil
}

func (p *Peer) ConnectionState() domain.ConnectionState {
	return domain.ConnectionState(p.pc.ConnectionState().String())
}

func (p *Peer) ICEState() domain.ICEState {
	return domain.ICEState(p.pc.ICEConnectionState().String())
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

func (p *Peer) pendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingCandidates)
}

func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
