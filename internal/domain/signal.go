package domain

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// MessageKind tags a SignalingMessage.
type MessageKind string

const (
	KindOffer  MessageKind = "offer"
	KindAnswer MessageKind = "answer"
	KindICE    MessageKind = "ice"
)

// SignalingMessage is a relayed offer, answer or ICE candidate.
// SDP is set for offers and answers, Candidate for ICE.
type SignalingMessage struct {
	Kind      MessageKind
	FromID    string
	ToID      string
	RoomID    string
	SDP       *SDPPayload
	Candidate *ICECandidatePayload
}

// Wire message types exchanged with the relay.
const (
	TypeJoin             = "join"
	TypeJoined           = "joined"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeICE              = "ice"
	TypeUserConnected    = "user-connected"
	TypeUserDisconnected = "user-disconnected"
	TypeError            = "error"
)

// Envelope is the JSON frame carried over the signaling websocket.
// Only the fields relevant to Type are populated.
type Envelope struct {
	Type          string               `json:"type"`
	RoomID        string               `json:"roomId,omitempty"`
	ParticipantID string               `json:"participantId,omitempty"`
	Timestamp     int64                `json:"timestamp,omitempty"`
	TargetID      string               `json:"targetId,omitempty"`
	FromID        string               `json:"fromId,omitempty"`
	ID            string               `json:"id,omitempty"`
	Offer         *SDPPayload          `json:"offer,omitempty"`
	Answer        *SDPPayload          `json:"answer,omitempty"`
	Candidate     *ICECandidatePayload `json:"candidate,omitempty"`
	Message       string               `json:"message,omitempty"`
}

// ToEnvelope converts a SignalingMessage into its wire form.
func (m SignalingMessage) ToEnvelope() Envelope {
	env := Envelope{
		TargetID: m.ToID,
		FromID:   m.FromID,
		RoomID:   m.RoomID,
	}
	switch m.Kind {
	case KindOffer:
		env.Type = TypeOffer
		env.Offer = m.SDP
	case KindAnswer:
		env.Type = TypeAnswer
		env.Answer = m.SDP
	case KindICE:
		env.Type = TypeICE
		env.Candidate = m.Candidate
	}
	return env
}

// SignalingMessage converts a relayed envelope back into a SignalingMessage.
// ok is false for envelope types that are not offer, answer or ice, or when
// the payload for the type is missing.
func (e Envelope) SignalingMessage() (SignalingMessage, bool) {
	msg := SignalingMessage{
		FromID: e.FromID,
		ToID:   e.TargetID,
		RoomID: e.RoomID,
	}
	switch e.Type {
	case TypeOffer:
		msg.Kind, msg.SDP = KindOffer, e.Offer
		return msg, e.Offer != nil
	case TypeAnswer:
		msg.Kind, msg.SDP = KindAnswer, e.Answer
		return msg, e.Answer != nil
	case TypeICE:
		msg.Kind, msg.Candidate = KindICE, e.Candidate
		return msg, e.Candidate != nil
	}
	return msg, false
}
