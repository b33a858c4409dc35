package domain

import "time"

// Role distinguishes the host tab from participant browsers.
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Participant is a member of a room as seen by this session.
type Participant struct {
	ID           string
	Role         Role
	JoinedAt     time.Time
	LastActiveAt time.Time
	IsMobile     bool
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
