package domain

// ConnID identifies one accepted transport connection.
type ConnID string

type ConnStatus int

const (
	StatusConnecting ConnStatus = iota
	StatusConnected
	StatusDisconnected
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Identity is what a peer presents during the credentials step.
type Identity struct {
	Role   Role
	Name   string
	Secret string
	Token  string
}
