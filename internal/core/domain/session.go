package domain

import "time"

type SessionID string

type SessionState string

const (
	SessionPending     SessionState = "pending"
	SessionEstablished SessionState = "established"
	SessionClosing     SessionState = "closing"
	SessionClosed      SessionState = "closed"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionPending:     {SessionEstablished, SessionClosing, SessionClosed},
	SessionEstablished: {SessionClosing},
	SessionClosing:     {SessionClosed},
}

// CanTransition reports whether to is a legal next state.
func (s SessionState) CanTransition(to SessionState) bool {
	for _, next := range sessionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Active reports whether the session still holds a relay reservation.
func (s SessionState) Active() bool {
	return s == SessionPending || s == SessionEstablished
}

type Session struct {
	ID            SessionID    `json:"id"`
	ClientConn    ConnID       `json:"client_conn"`
	ClientName    string       `json:"client_name"`
	HostID        HostID       `json:"host_id"`
	RelayID       RelayID      `json:"relay_id"`
	RelayEndpoint string       `json:"relay_endpoint"`
	State         SessionState `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	EstablishedAt time.Time    `json:"established_at,omitempty"`
}
