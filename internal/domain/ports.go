package domain

import (
	"context"
	"time"
)

// Signaler manages the signaling connection to the relay.
type Signaler interface {
	Connect(ctx context.Context) error
	JoinRoom(ctx context.Context, roomID, participantID string) error
	Send(msg SignalingMessage) error
	RoomConfirmed() <-chan struct{}
	Close()
}

// SignalHandler receives signaling events.
type SignalHandler interface {
	OnPeerJoined(participantID string)
	OnPeerLeft(participantID string)
	OnMessage(msg SignalingMessage)
	OnConnectionStatusChanged(report StatusReport)
}

// MediaTrack is a single audio or video track.
type MediaTrack interface {
	ID() string
	Kind() string
	Live() bool
	Stop()
}

// MediaStream groups the tracks received from or sent to one participant.
type MediaStream interface {
	ID() string
	Tracks() []MediaTrack
	Active() bool
}

// FrameClock is implemented by streams that observe media frame arrival.
type FrameClock interface {
	LastFrameAt() time.Time
}

// OfferOptions tunes offer creation.
type OfferOptions struct {
	ICERestart bool
}

// PeerConn is the opaque peer-connection handle owned by the registry.
type PeerConn interface {
	// AttachLocalStream sends the stream's tracks. A nil stream sets up
	// receive-only transceivers.
	AttachLocalStream(stream MediaStream) error
	CreateOffer(opts OfferOptions) (SDPPayload, error)
	CreateAnswer() (SDPPayload, error)
	SetRemoteDescription(sdp SDPPayload) error
	AddICECandidate(candidate ICECandidatePayload) error
	RequestKeyframe() error
	ConnectionState() ConnectionState
	ICEState() ICEState
	Close() error
}

// PeerHooks are the observation hooks wired into every new connection.
type PeerHooks struct {
	OnICECandidate          func(candidate ICECandidatePayload)
	OnTrack                 func(stream MediaStream)
	OnConnectionStateChange func(state ConnectionState)
	OnICEStateChange        func(state ICEState)
}

// PeerFactory creates peer connections with hooks attached.
type PeerFactory interface {
	NewPeer(participantID string, hooks PeerHooks) (PeerConn, error)
}
