package ports

// Channel is the framed, encrypted byte channel supplied by the transport
// layer. Frames are delivered whole or not at all. Close must unblock a
// pending Receive.
type Channel interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
	RemoteAddr() string
}
