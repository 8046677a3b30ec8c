package services

import (
	"context"
	"testing"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/peer"
	"routerd/internal/core/protocol"
	rerrors "routerd/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func startHandshake(t *testing.T, verifier *MockCredentialVerifier, timeout time.Duration) (*remotePeer, <-chan AuthOutcome, *peer.Connection) {
	t.Helper()
	local, remote := peer.Pipe()
	conn := peer.New(local, peer.Options{}, nil)
	conn.Start()
	t.Cleanup(conn.Close)

	auth := NewAuthenticator(verifier, AuthenticatorConfig{Timeout: timeout}, nil)
	out := make(chan AuthOutcome, 1)
	go func() { out <- auth.Authenticate(context.Background(), conn) }()
	return newRemotePeer(remote, nil), out, conn
}

func waitOutcome(t *testing.T, out <-chan AuthOutcome) AuthOutcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(waitFor):
		t.Fatal("handshake did not finish")
		return AuthOutcome{}
	}
}

func TestAuthenticator_HostAccepted(t *testing.T) {
	verifier := new(MockCredentialVerifier)
	verifier.On("VerifyCredentials", mock.Anything, domain.Identity{Role: domain.RoleHost, Name: "h1", Token: "tok"}).Return(true, nil)

	rp, out, conn := startHandshake(t, verifier, time.Second)

	hello := rp.next(t, protocol.TypeServerHello)
	var sh protocol.ServerHello
	require.NoError(t, hello.Decode(&sh))
	assert.Equal(t, protocol.Current.String(), sh.Version)

	rp.send(t, protocol.TypeClientHello, protocol.ClientHello{Version: "2.4.1", Role: domain.RoleHost})
	rp.send(t, protocol.TypeCredentials, protocol.Credentials{ID: "h1", Token: "tok", DisplayName: "Office"})

	o := waitOutcome(t, out)
	require.True(t, o.Accepted())
	assert.Equal(t, domain.RoleHost, o.Role)
	assert.Equal(t, "h1", o.Identity)
	assert.Equal(t, protocol.Version{Major: 2, Minor: 4, Patch: 1}, o.Version, "negotiated version is the lower one")
	assert.Equal(t, "Office", o.Credentials.DisplayName)
	assert.Equal(t, domain.RoleHost, conn.Role())

	var res protocol.AuthResult
	require.NoError(t, rp.next(t, protocol.TypeAuthResult).Decode(&res))
	assert.Equal(t, rerrors.CodeSuccess, res.Code)
	assert.Equal(t, "2.4.1", res.Version)
	verifier.AssertExpectations(t)
}

func TestAuthenticator_AdminRequiresAdminPermission(t *testing.T) {
	identity := domain.Identity{Role: domain.RoleAdmin, Name: "alice", Secret: "secret1"}
	verifier := new(MockCredentialVerifier)
	verifier.On("VerifyCredentials", mock.Anything, identity).Return(true, nil)
	verifier.On("LookupUserPermissions", mock.Anything, identity).Return(domain.PermissionSet{domain.PermissionConnect}, nil)

	rp, out, _ := startHandshake(t, verifier, time.Second)
	rp.next(t, protocol.TypeServerHello)
	rp.send(t, protocol.TypeClientHello, protocol.ClientHello{Version: protocol.Current.String(), Role: domain.RoleAdmin})
	rp.send(t, protocol.TypeCredentials, protocol.Credentials{UserName: "alice", Secret: "secret1"})

	o := waitOutcome(t, out)
	assert.Equal(t, AuthRejected, o.State)
	assert.Equal(t, rerrors.CodeAccessDenied, o.Reason)

	var res protocol.AuthResult
	require.NoError(t, rp.next(t, protocol.TypeAuthResult).Decode(&res))
	assert.Equal(t, rerrors.CodeAccessDenied, res.Code)
}

func TestAuthenticator_ClientAccepted(t *testing.T) {
	identity := domain.Identity{Role: domain.RoleClient, Name: "bob", Secret: "secret1"}
	verifier := new(MockCredentialVerifier)
	verifier.On("VerifyCredentials", mock.Anything, identity).Return(true, nil)
	verifier.On("LookupUserPermissions", mock.Anything, identity).Return(domain.PermissionSet{domain.PermissionConnect}, nil)

	rp, out, _ := startHandshake(t, verifier, time.Second)
	rp.next(t, protocol.TypeServerHello)
	rp.send(t, protocol.TypeClientHello, protocol.ClientHello{Version: protocol.Current.String(), Role: domain.RoleClient})
	rp.send(t, protocol.TypeCredentials, protocol.Credentials{UserName: "bob", Secret: "secret1"})

	o := waitOutcome(t, out)
	require.True(t, o.Accepted())
	assert.True(t, o.Permissions.Has(domain.PermissionConnect))
}

func TestAuthenticator_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		hello  protocol.ClientHello
		creds  *protocol.Credentials
		verify bool
		want   rerrors.Code
	}{
		{
			name:  "major version mismatch",
			hello: protocol.ClientHello{Version: "1.9.0", Role: domain.RoleHost},
			want:  rerrors.CodeVersionMismatch,
		},
		{
			name:  "unparsable version",
			hello: protocol.ClientHello{Version: "two", Role: domain.RoleHost},
			want:  rerrors.CodeVersionMismatch,
		},
		{
			name:  "invalid role",
			hello: protocol.ClientHello{Version: protocol.Current.String(), Role: "superuser"},
			want:  rerrors.CodeVersionMismatch,
		},
		{
			name:  "missing identity",
			hello: protocol.ClientHello{Version: protocol.Current.String(), Role: domain.RoleRelay},
			creds: &protocol.Credentials{Token: "tok"},
			want:  rerrors.CodeMalformed,
		},
		{
			name:   "bad credentials",
			hello:  protocol.ClientHello{Version: protocol.Current.String(), Role: domain.RoleRelay},
			creds:  &protocol.Credentials{ID: "r1", Token: "forged"},
			verify: true,
			want:   rerrors.CodeAccessDenied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := new(MockCredentialVerifier)
			if tt.verify {
				verifier.On("VerifyCredentials", mock.Anything, mock.Anything).Return(false, nil)
			}

			rp, out, _ := startHandshake(t, verifier, time.Second)
			rp.next(t, protocol.TypeServerHello)
			rp.send(t, protocol.TypeClientHello, tt.hello)
			if tt.creds != nil {
				rp.send(t, protocol.TypeCredentials, *tt.creds)
			}

			o := waitOutcome(t, out)
			assert.Equal(t, AuthRejected, o.State)
			assert.Equal(t, tt.want, o.Reason)
			verifier.AssertExpectations(t)
		})
	}
}

func TestAuthenticator_UnexpectedMessageIsMalformed(t *testing.T) {
	rp, out, _ := startHandshake(t, new(MockCredentialVerifier), time.Second)
	rp.next(t, protocol.TypeServerHello)
	rp.send(t, protocol.TypeConnectRequest, protocol.ConnectRequest{HostID: "h1"})

	o := waitOutcome(t, out)
	assert.Equal(t, rerrors.CodeMalformed, o.Reason)
}

func TestAuthenticator_TimeoutWhileAwaitingVersion(t *testing.T) {
	rp, out, _ := startHandshake(t, new(MockCredentialVerifier), 50*time.Millisecond)
	rp.next(t, protocol.TypeServerHello)

	o := waitOutcome(t, out)
	assert.Equal(t, AuthRejected, o.State)
	assert.Equal(t, rerrors.CodeTimeout, o.Reason)
}

func TestAuthenticator_TimeoutWhileAwaitingCredentials(t *testing.T) {
	rp, out, _ := startHandshake(t, new(MockCredentialVerifier), 80*time.Millisecond)
	rp.next(t, protocol.TypeServerHello)
	rp.send(t, protocol.TypeClientHello, protocol.ClientHello{Version: protocol.Current.String(), Role: domain.RoleClient})

	o := waitOutcome(t, out)
	assert.Equal(t, rerrors.CodeTimeout, o.Reason)
	assert.Equal(t, domain.RoleClient, o.Role)
}

func TestAuthenticator_SlowBackendTimesOut(t *testing.T) {
	verifier := new(MockCredentialVerifier)
	verifier.On("VerifyCredentials", mock.Anything, mock.Anything).
		After(time.Second).Return(true, nil).Maybe()

	rp, out, _ := startHandshake(t, verifier, 80*time.Millisecond)
	rp.next(t, protocol.TypeServerHello)
	rp.send(t, protocol.TypeClientHello, protocol.ClientHello{Version: protocol.Current.String(), Role: domain.RoleHost})
	rp.send(t, protocol.TypeCredentials, protocol.Credentials{ID: "h1", Token: "tok"})

	start := time.Now()
	o := waitOutcome(t, out)
	assert.Equal(t, rerrors.CodeTimeout, o.Reason)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestAuthenticator_PeerDisconnects(t *testing.T) {
	rp, out, _ := startHandshake(t, new(MockCredentialVerifier), time.Second)
	rp.next(t, protocol.TypeServerHello)
	require.NoError(t, rp.ch.Close())

	o := waitOutcome(t, out)
	assert.Equal(t, AuthRejected, o.State)
	assert.Equal(t, rerrors.CodeNetworkError, o.Reason)
}
