package model

import "time"

// ParticipantPresence is a classified view on a participant. IsActive is
// computed when the snapshot is taken and never stored.
type ParticipantPresence struct {
	ParticipantID string    `json:"participantId"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	IsActive      bool      `json:"isActive"`
}

// PresenceDoc is the shared document a participant publishes for a session.
// It is the payload of the realtime presence feed.
type PresenceDoc struct {
	SessionID     string    `json:"sessionId"`
	ParticipantID string    `json:"participantId"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	Lat           float64   `json:"lat"`
	Lon           float64   `json:"lon"`
	HasPosition   bool      `json:"hasPosition"`
	State         string    `json:"state"`
}

// RouteDoc is the persisted route of one participant within one session
type RouteDoc struct {
	SessionID     string       `json:"sessionId"`
	ParticipantID string       `json:"participantId"`
	Points        []Coordinate `json:"points"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)
