package services

import (
	"context"
	"testing"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/peer"
	"routerd/internal/core/ports"
	"routerd/internal/core/protocol"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// remotePeer plays the far end of a pipe.
type remotePeer struct {
	ch   ports.Channel
	msgs chan protocol.Message
	// ack answers prepare_session and bridge_session with ready (true)
	// or failed (false); nil leaves them unanswered.
	ack *bool
}

func newRemotePeer(ch ports.Channel, ack *bool) *remotePeer {
	rp := &remotePeer{ch: ch, msgs: make(chan protocol.Message, 64), ack: ack}
	go rp.read()
	return rp
}

func (rp *remotePeer) read() {
	defer close(rp.msgs)
	for {
		frame, err := rp.ch.Receive()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			return
		}
		if rp.ack != nil && (msg.Type == protocol.TypePrepareSession || msg.Type == protocol.TypeBridgeSession) {
			var body struct {
				SessionID domain.SessionID `json:"session_id"`
			}
			_ = msg.Decode(&body)
			reply := protocol.TypeSessionReady
			if !*rp.ack {
				reply = protocol.TypeSessionFailed
			}
			rp.sendRaw(reply, protocol.SessionAck{SessionID: body.SessionID})
		}
		rp.msgs <- msg
	}
}

func (rp *remotePeer) sendRaw(t protocol.MessageType, payload interface{}) error {
	msg, err := protocol.NewMessage(t, payload)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return rp.ch.Send(frame)
}

func (rp *remotePeer) send(t *testing.T, mt protocol.MessageType, payload interface{}) {
	t.Helper()
	require.NoError(t, rp.sendRaw(mt, payload))
}

// next returns the next message of type mt, skipping others.
func (rp *remotePeer) next(t *testing.T, mt protocol.MessageType) protocol.Message {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case msg, ok := <-rp.msgs:
			if !ok {
				t.Fatalf("channel closed while waiting for %s", mt)
			}
			if msg.Type == mt {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", mt)
		}
	}
}

func boolPtr(b bool) *bool { return &b }

// attach creates a started, authenticated connection registered in reg.
func attach(t *testing.T, reg *peer.Registry, role domain.Role, identity string, ack *bool) (*peer.Connection, *remotePeer) {
	t.Helper()
	local, remote := peer.Pipe()
	conn := peer.New(local, peer.Options{}, nil)
	conn.Start()
	require.NoError(t, conn.Authenticate(role, identity, protocol.Current, nil))
	reg.Add(conn)
	t.Cleanup(conn.Close)
	return conn, newRemotePeer(remote, ack)
}

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) List(ctx context.Context) ([]*domain.UserRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.UserRecord), args.Error(1)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.UserRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.UserRecord), args.Error(1)
}

func (m *MockUserRepository) Create(ctx context.Context, user *domain.UserRecord) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) Update(ctx context.Context, user *domain.UserRecord) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserRepository) Delete(ctx context.Context, id domain.UserID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockCredentialVerifier struct {
	mock.Mock
}

func (m *MockCredentialVerifier) VerifyCredentials(ctx context.Context, identity domain.Identity) (bool, error) {
	args := m.Called(ctx, identity)
	return args.Bool(0), args.Error(1)
}

func (m *MockCredentialVerifier) LookupUserPermissions(ctx context.Context, identity domain.Identity) (domain.PermissionSet, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.PermissionSet), args.Error(1)
}
