package services

import (
	"context"
	stderrors "errors"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/peer"
	"routerd/internal/core/ports"
	"routerd/internal/core/protocol"
	rerrors "routerd/pkg/errors"
	rlog "routerd/pkg/logger"
	"routerd/pkg/tracing"
	"routerd/pkg/utils"

	"go.uber.org/zap"
)

type AuthState int

const (
	AuthStart AuthState = iota
	AuthAwaitingVersion
	AuthAwaitingCredentials
	AuthAccepted
	AuthRejected
)

func (s AuthState) String() string {
	switch s {
	case AuthStart:
		return "start"
	case AuthAwaitingVersion:
		return "awaiting_version"
	case AuthAwaitingCredentials:
		return "awaiting_credentials"
	case AuthAccepted:
		return "accepted"
	case AuthRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

const DefaultHandshakeTimeout = 10 * time.Second

// AuthOutcome is the terminal result of one handshake. Reason is set only
// when State is AuthRejected.
type AuthOutcome struct {
	State       AuthState
	Role        domain.Role
	Identity    string
	Version     protocol.Version
	Permissions domain.PermissionSet
	// Credentials keeps the announced host or relay metadata.
	Credentials protocol.Credentials
	Reason      rerrors.Code
}

func (o AuthOutcome) Accepted() bool {
	return o.State == AuthAccepted
}

type AuthenticatorConfig struct {
	Version protocol.Version
	Timeout time.Duration
}

// Authenticator runs the router side of the handshake. It never retries;
// the caller closes rejected connections.
type Authenticator struct {
	verifier ports.CredentialVerifier
	cfg      AuthenticatorConfig
	logger   *zap.SugaredLogger
}

func NewAuthenticator(verifier ports.CredentialVerifier, cfg AuthenticatorConfig, logger *zap.SugaredLogger) *Authenticator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHandshakeTimeout
	}
	if cfg.Version.IsZero() {
		cfg.Version = protocol.Current
	}
	return &Authenticator{
		verifier: verifier,
		cfg:      cfg,
		logger:   rlog.OrNop(logger),
	}
}

// Authenticate drives conn through the handshake within the configured
// deadline. On acceptance the outcome is recorded on conn.
func (a *Authenticator) Authenticate(ctx context.Context, conn *peer.Connection) AuthOutcome {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	ctx, span := tracing.TraceHandshake(ctx, string(conn.ID()))
	defer span.End()

	log := a.logger.With("conn_id", conn.ID(), "remote_addr", conn.RemoteAddr())
	outcome := a.run(ctx, conn)

	tracing.AddSpanAttributes(ctx,
		tracing.RoleKey.String(string(outcome.Role)),
		tracing.ResultKey.String(string(outcome.resultCode())),
	)

	if !outcome.Accepted() {
		log.Infow("Peer rejected", "role", outcome.Role, "reason", outcome.Reason)
		// Best effort; the peer may already be gone.
		_ = conn.SendPayload(protocol.TypeAuthResult, "", protocol.AuthResult{Code: outcome.Reason})
		return outcome
	}

	if err := conn.Authenticate(outcome.Role, outcome.Identity, outcome.Version, outcome.Permissions); err != nil {
		log.Warnw("Connection already authenticated", "error", err)
		return reject(outcome, rerrors.CodeMalformed)
	}

	err := conn.SendPayload(protocol.TypeAuthResult, "", protocol.AuthResult{
		Code:        rerrors.CodeSuccess,
		Role:        outcome.Role,
		Identity:    outcome.Identity,
		Version:     outcome.Version.String(),
		Permissions: outcome.Permissions,
	})
	if err != nil {
		return reject(outcome, rerrors.CodeOf(err))
	}

	log.Infow("Peer authenticated",
		"role", outcome.Role,
		"identity", outcome.Identity,
		"version", outcome.Version.String())
	return outcome
}

func (a *Authenticator) run(ctx context.Context, conn *peer.Connection) AuthOutcome {
	outcome := AuthOutcome{State: AuthStart, Role: domain.RoleUnknown}

	if err := conn.SendPayload(protocol.TypeServerHello, "", protocol.ServerHello{Version: a.cfg.Version.String()}); err != nil {
		return reject(outcome, rerrors.CodeOf(err))
	}
	outcome.State = AuthAwaitingVersion

	var hello protocol.ClientHello
	if code := a.expect(ctx, conn, protocol.TypeClientHello, &hello); code != rerrors.CodeSuccess {
		return reject(outcome, code)
	}
	role, ok := domain.ParseRole(string(hello.Role))
	if !ok {
		return reject(outcome, rerrors.CodeVersionMismatch)
	}
	peerVersion, err := protocol.ParseVersion(hello.Version)
	if err != nil || !a.cfg.Version.Compatible(peerVersion) {
		outcome.Role = role
		return reject(outcome, rerrors.CodeVersionMismatch)
	}
	outcome.Role = role
	outcome.Version = protocol.Min(a.cfg.Version, peerVersion)
	outcome.State = AuthAwaitingCredentials

	var creds protocol.Credentials
	if code := a.expect(ctx, conn, protocol.TypeCredentials, &creds); code != rerrors.CodeSuccess {
		return reject(outcome, code)
	}

	identity := domain.Identity{Role: role}
	if role.IsConsole() {
		identity.Name = utils.SanitizeString(creds.UserName)
		identity.Secret = creds.Secret
	} else {
		identity.Name = utils.SanitizeString(creds.ID)
		identity.Token = creds.Token
	}
	if identity.Name == "" {
		return reject(outcome, rerrors.CodeMalformed)
	}
	outcome.Identity = identity.Name
	outcome.Credentials = creds

	ok, code := a.verify(ctx, identity)
	if code != rerrors.CodeSuccess {
		return reject(outcome, code)
	}
	if !ok {
		return reject(outcome, rerrors.CodeAccessDenied)
	}

	if role.IsConsole() {
		perms, err := a.verifier.LookupUserPermissions(ctx, identity)
		if err != nil {
			return reject(outcome, rerrors.CodeAccessDenied)
		}
		if !permitted(role, perms) {
			return reject(outcome, rerrors.CodeAccessDenied)
		}
		outcome.Permissions = perms
	}

	outcome.State = AuthAccepted
	return outcome
}

// expect receives the next message and decodes it as t. Any other message
// type is malformed.
func (a *Authenticator) expect(ctx context.Context, conn *peer.Connection, t protocol.MessageType, v interface{}) rerrors.Code {
	msg, err := conn.Receive(ctx)
	if err != nil {
		return receiveCode(ctx, err)
	}
	if msg.Type != t {
		return rerrors.CodeMalformed
	}
	if err := msg.Decode(v); err != nil {
		return rerrors.CodeMalformed
	}
	return rerrors.CodeSuccess
}

// verify calls the credential backend without letting it outlive ctx.
func (a *Authenticator) verify(ctx context.Context, identity domain.Identity) (bool, rerrors.Code) {
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := a.verifier.VerifyCredentials(ctx, identity)
		done <- result{ok: ok, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if stderrors.Is(r.err, context.DeadlineExceeded) {
				return false, rerrors.CodeTimeout
			}
			a.logger.Warnw("Credential backend error", "role", identity.Role, "identity", identity.Name, "error", r.err)
			return false, rerrors.CodeAccessDenied
		}
		return r.ok, rerrors.CodeSuccess
	case <-ctx.Done():
		return false, rerrors.CodeTimeout
	}
}

func receiveCode(ctx context.Context, err error) rerrors.Code {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) || rerrors.HasCode(err, rerrors.CodeTimeout) {
		return rerrors.CodeTimeout
	}
	switch code := rerrors.CodeOf(err); code {
	case rerrors.CodeProtocolError:
		return rerrors.CodeMalformed
	default:
		return code
	}
}

// permitted gates console roles on the user's permission set.
func permitted(role domain.Role, perms domain.PermissionSet) bool {
	switch role {
	case domain.RoleAdmin:
		return perms.Has(domain.PermissionAdmin)
	case domain.RoleClient:
		return perms.Has(domain.PermissionConnect) || perms.Has(domain.PermissionAdmin)
	default:
		return false
	}
}

func reject(o AuthOutcome, reason rerrors.Code) AuthOutcome {
	o.State = AuthRejected
	o.Reason = reason
	return o
}

func (o AuthOutcome) resultCode() rerrors.Code {
	if o.Accepted() {
		return rerrors.CodeSuccess
	}
	return o.Reason
}
