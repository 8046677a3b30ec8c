package peer

import (
	"sync"

	"routerd/internal/core/ports"
	rerrors "routerd/pkg/errors"
)

const pipeBuffer = 64

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
	addr  string
}

// Pipe returns two connected in-memory channels. Closing either end closes
// both; frames already buffered are still readable by the other side.
func Pipe() (ports.Channel, ports.Channel) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	state := &pipeState{closed: make(chan struct{})}

	a := &pipeEnd{in: ba, out: ab, state: state, addr: "pipe-a"}
	b := &pipeEnd{in: ab, out: ba, state: state, addr: "pipe-b"}
	return a, b
}

func (p *pipeEnd) Send(frame []byte) error {
	select {
	case <-p.state.closed:
		return rerrors.Transport(rerrors.CodeNetworkError, "pipe closed")
	default:
	}

	buf := append([]byte(nil), frame...)
	select {
	case p.out <- buf:
		return nil
	case <-p.state.closed:
		return rerrors.Transport(rerrors.CodeNetworkError, "pipe closed")
	}
}

func (p *pipeEnd) Receive() ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}

	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.state.closed:
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return nil, rerrors.Transport(rerrors.CodeNetworkError, "pipe closed")
		}
	}
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}

func (p *pipeEnd) RemoteAddr() string {
	return p.addr
}
