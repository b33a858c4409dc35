package webrtc

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	naluIDR    = 5
	naluSPS    = 7
	naluSTAPA  = 24
	naluFUA    = 28
	naluMaxRaw = 23
)

// H264Depacketizer extracts NAL units from RTP H264 payloads.
// It keeps FU-A reassembly state per instance and drops a fragmented unit
// as soon as an RTP sequence gap is seen.
type H264Depacketizer struct {
	fuaBuf  []byte
	inFUA   bool
	lastSeq uint16
}

// NewH264Depacketizer creates a new depacketizer with its own reassembly buffer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize extracts NAL units from an RTP H264 payload.
// Handles single NAL, STAP-A, and FU-A packet types.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) < 1 {
		return nil
	}

	naluType := payload[0] & 0x1f

	switch {
	case naluType >= 1 && naluType <= naluMaxRaw:
		return [][]byte{payload}

	case naluType == naluSTAPA:
		return d.depacketizeSTAPA(payload)

	case naluType == naluFUA:
		return d.depacketizeFUA(seq, payload)

	default:
		return nil
	}
}

func (d *H264Depacketizer) depacketizeSTAPA(payload []byte) [][]byte {
	var nalus [][]byte
	offset := 1 // skip STAP-A header byte

	for offset+2 <= len(payload) {
		size := int(payload[offset])<<8 | int(payload[offset+1])
		offset += 2
		if size == 0 || offset+size > len(payload) {
			break
		}
		nalus = append(nalus, payload[offset:offset+size])
		offset += size
	}
	return nalus
}

func (d *H264Depacketizer) depacketizeFUA(seq uint16, payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}

	fnri := payload[0] & 0xe0 // F + NRI bits from FU indicator
	fuHeader := payload[1]
	start := fuHeader&0x80 != 0
	end := fuHeader&0x40 != 0
	naluType := fuHeader & 0x1f

	switch {
	case start:
		// Reconstruct NAL header: F+NRI from FU indicator + type from FU header
		d.fuaBuf = []byte{fnri | naluType}
		d.fuaBuf = append(d.fuaBuf, payload[2:]...)
		d.inFUA = true
	case !d.inFUA:
		return nil
	case seq != d.lastSeq+1:
		d.reset()
		return nil
	default:
		d.fuaBuf = append(d.fuaBuf, payload[2:]...)
	}
	d.lastSeq = seq

	if end {
		nalu := d.fuaBuf
		d.reset()
		return [][]byte{nalu}
	}

	return nil
}

func (d *H264Depacketizer) reset() {
	d.fuaBuf = nil
	d.inFUA = false
}

// FrameProbe watches an RTP stream and records when whole media frames
// arrive. H264 payloads are depacketized so a frame only counts once it
// carries a complete NAL unit; other video codecs rely on the RTP marker
// bit and every audio packet counts as a frame.
type FrameProbe struct {
	h264  *H264Depacketizer
	audio bool

	mu        sync.Mutex
	pending   bool
	keyframe  bool
	frames    uint64
	keyframes uint64
	lastFrame time.Time
}

// NewFrameProbe creates a probe for a track with the given kind and codec.
func NewFrameProbe(kind, mimeType string) *FrameProbe {
	p := &FrameProbe{audio: kind == "audio"}
	if strings.EqualFold(mimeType, "video/H264") {
		p.h264 = NewH264Depacketizer()
	}
	return p
}

// Push feeds one RTP packet and reports whether it completed a frame.
func (p *FrameProbe) Push(pkt *rtp.Packet, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.audio {
		if len(pkt.Payload) == 0 {
			return false
		}
		p.frames++
		p.lastFrame = at
		return true
	}

	if p.h264 != nil {
		for _, nalu := range p.h264.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			p.pending = true
			if t := nalu[0] & 0x1f; t == naluIDR || t == naluSPS {
				p.keyframe = true
			}
		}
	} else if len(pkt.Payload) > 0 {
		p.pending = true
	}

	if !pkt.Marker || !p.pending {
		return false
	}

	p.frames++
	if p.keyframe {
		p.keyframes++
	}
	p.pending, p.keyframe = false, false
	p.lastFrame = at
	return true
}

// Frames returns the number of complete frames seen.
func (p *FrameProbe) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Keyframes returns the number of H264 frames that carried an IDR or SPS.
func (p *FrameProbe) Keyframes() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyframes
}

// LastFrameAt returns the arrival time of the most recent frame.
func (p *FrameProbe) LastFrameAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFrame
}
