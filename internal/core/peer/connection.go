package peer

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/ports"
	"routerd/internal/core/protocol"
	rerrors "routerd/pkg/errors"
	rlog "routerd/pkg/logger"
	"routerd/pkg/utils"

	"go.uber.org/zap"
)

// StatusFunc observes status transitions. It runs on the goroutine that
// caused the transition and must not block or call Close.
type StatusFunc func(status domain.ConnStatus, reason rerrors.Code)

type Options struct {
	// QueueSize bounds both the inbound and outbound message queues.
	QueueSize int
	// CloseLinger bounds how long queued frames may take to flush on Close.
	CloseLinger time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:   256,
		CloseLinger: time.Second,
	}
}

type statusEvent struct {
	status domain.ConnStatus
	reason rerrors.Code
}

// Connection wraps one transport channel together with the handshake
// outcome of the peer on the other end.
type Connection struct {
	id      domain.ConnID
	channel ports.Channel
	opts    Options
	logger  *zap.SugaredLogger

	mu            sync.Mutex
	history       []statusEvent
	callbacks     []StatusFunc
	started       bool
	authenticated bool
	role          domain.Role
	identity      string
	version       protocol.Version
	permissions   domain.PermissionSet

	// notifyMu keeps callback delivery in transition order.
	notifyMu sync.Mutex

	outbound   chan []byte
	inbound    chan protocol.Message
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func New(channel ports.Channel, opts Options, logger *zap.SugaredLogger) *Connection {
	defaults := DefaultOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.CloseLinger <= 0 {
		opts.CloseLinger = defaults.CloseLinger
	}

	id := domain.ConnID(utils.GenerateConnID())
	return &Connection{
		id:         id,
		channel:    channel,
		opts:       opts,
		logger:     rlog.OrNop(logger).With("conn_id", id),
		history:    []statusEvent{{status: domain.StatusConnecting}},
		role:       domain.RoleUnknown,
		outbound:   make(chan []byte, opts.QueueSize),
		inbound:    make(chan protocol.Message, opts.QueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *Connection) ID() domain.ConnID {
	return c.id
}

func (c *Connection) RemoteAddr() string {
	return c.channel.RemoteAddr()
}

// OnStatusChange registers fn and replays the transitions already passed,
// so every observer sees each status exactly once and in order.
func (c *Connection) OnStatusChange(fn StatusFunc) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	past := append([]statusEvent(nil), c.history...)
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()

	for _, ev := range past {
		fn(ev.status, ev.reason)
	}
}

// Start moves the connection to Connected and begins pumping frames.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.started || c.isClosedLocked() {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.transition(domain.StatusConnected, "")
	go c.readLoop()
	go c.writeLoop()
}

// Status returns the current status and, once disconnected, its reason.
func (c *Connection) Status() (domain.ConnStatus, rerrors.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last := c.history[len(c.history)-1]
	return last.status, last.reason
}

// Done is closed when the connection leaves the Connected state.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send queues msg for delivery. It never blocks: a full queue means the
// remote side stopped reading and the connection is torn down.
func (c *Connection) Send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return rerrors.Wrap(err, rerrors.CategoryTransport, rerrors.CodeProtocolError, "failed to encode message")
	}

	select {
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
	}

	select {
	case c.outbound <- frame:
		return nil
	default:
		c.logger.Warnw("outbound queue full, closing connection", "queue_size", c.opts.QueueSize)
		c.closeWith(rerrors.CodeNetworkError)
		return rerrors.Transport(rerrors.CodeNetworkError, "outbound queue full")
	}
}

// SendPayload builds and queues a message in one step.
func (c *Connection) SendPayload(t protocol.MessageType, requestID string, payload interface{}) error {
	msg, err := protocol.NewMessage(t, payload)
	if err != nil {
		return rerrors.Wrap(err, rerrors.CategoryTransport, rerrors.CodeProtocolError, "failed to build message")
	}
	return c.Send(msg.WithRequestID(requestID))
}

// Receive waits for the next inbound message. It returns a transport error
// once the connection is closed, and a Timeout error when ctx expires.
func (c *Connection) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.done:
		return protocol.Message{}, c.disconnectedError()
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.Message{}, rerrors.Wrap(ctx.Err(), rerrors.CategoryTransport, rerrors.CodeTimeout, "receive deadline exceeded")
		}
		return protocol.Message{}, rerrors.Wrap(ctx.Err(), rerrors.CategoryTransport, rerrors.CodeNetworkError, "receive cancelled")
	}
}

// Close disconnects gracefully. Frames queued before Close are flushed
// within the configured linger, the rest are dropped.
func (c *Connection) Close() {
	c.closeWith("")
}

// CloseWithReason disconnects and records reason as the cause.
func (c *Connection) CloseWithReason(reason rerrors.Code) {
	c.closeWith(reason)
}

// Authenticate records the handshake outcome. The role cannot change once set.
func (c *Connection) Authenticate(role domain.Role, identity string, version protocol.Version, perms domain.PermissionSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authenticated {
		return fmt.Errorf("connection %s already authenticated as %s", c.id, c.role)
	}
	c.authenticated = true
	c.role = role
	c.identity = identity
	c.version = version
	c.permissions = perms
	return nil
}

func (c *Connection) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Connection) Role() domain.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Connection) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Connection) Version() protocol.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Connection) Permissions() domain.PermissionSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append(domain.PermissionSet(nil), c.permissions...)
}

func (c *Connection) readLoop() {
	for {
		frame, err := c.channel.Receive()
		if err != nil {
			c.closeWith(classify(err))
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Debugw("dropping connection on undecodable frame", "error", err)
			c.closeWith(rerrors.CodeProtocolError)
			return
		}

		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case frame := <-c.outbound:
			if err := c.channel.Send(frame); err != nil {
				c.closeWith(classify(err))
				return
			}
		case <-c.done:
			for {
				select {
				case frame := <-c.outbound:
					if err := c.channel.Send(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) closeWith(reason rerrors.Code) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.transition(domain.StatusDisconnected, reason)

		c.mu.Lock()
		started := c.started
		c.mu.Unlock()

		if !started {
			c.closeChannel()
			return
		}
		go func() {
			timer := time.NewTimer(c.opts.CloseLinger)
			defer timer.Stop()
			select {
			case <-c.writerDone:
			case <-timer.C:
			}
			c.closeChannel()
		}()
	})
}

func (c *Connection) closeChannel() {
	if err := c.channel.Close(); err != nil {
		c.logger.Debugw("error closing channel", "error", err)
	}
}

func (c *Connection) transition(status domain.ConnStatus, reason rerrors.Code) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	last := c.history[len(c.history)-1]
	if status <= last.status {
		c.mu.Unlock()
		return
	}
	c.history = append(c.history, statusEvent{status: status, reason: reason})
	callbacks := append([]StatusFunc(nil), c.callbacks...)
	c.mu.Unlock()

	if status == domain.StatusDisconnected {
		c.logger.Debugw("connection disconnected", "reason", reason)
	}
	for _, fn := range callbacks {
		fn(status, reason)
	}
}

func (c *Connection) isClosedLocked() bool {
	return c.history[len(c.history)-1].status == domain.StatusDisconnected
}

func (c *Connection) disconnectedError() error {
	_, reason := c.Status()
	if reason == "" {
		reason = rerrors.CodeNetworkError
	}
	return rerrors.Transport(reason, "connection closed")
}

// classify maps a channel error onto a transport error kind.
func classify(err error) rerrors.Code {
	if e := rerrors.Get(err); e != nil && e.Category == rerrors.CategoryTransport {
		return e.Code
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return rerrors.CodeTimeout
	}
	return rerrors.CodeNetworkError
}
