package signal

import (
	"context"
	"sync"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/peer"
	"routerd/internal/core/ports"
	"routerd/internal/core/protocol"
	"routerd/internal/core/services"
	rerrors "routerd/pkg/errors"
	rlog "routerd/pkg/logger"
	"routerd/pkg/tracing"
	"routerd/pkg/utils"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SessionRouter is the part of services.SessionRouter the broker drives.
type SessionRouter interface {
	Connect(ctx context.Context, client *peer.Connection, hostID domain.HostID) protocol.ConnectResult
	Confirm(connID domain.ConnID, sessionID domain.SessionID, ok bool, reason string)
	CloseSession(clientConn domain.ConnID, sessionID domain.SessionID) error
	PeerDisconnected(connID domain.ConnID)
}

type UserManager interface {
	Create(ctx context.Context, req protocol.UserRequest) error
	Update(ctx context.Context, req protocol.UserRequest) error
	Delete(ctx context.Context, id domain.UserID) error
}

// BrokerObserver receives connection level events for metrics.
type BrokerObserver interface {
	PeerAuthenticated(role domain.Role, code rerrors.Code)
	PeerDisconnected(role domain.Role)
}

type Authenticator interface {
	Authenticate(ctx context.Context, conn *peer.Connection) services.AuthOutcome
}

const maxReasonLength = 256

// capabilities lists the messages each authenticated role may send.
var capabilities = map[domain.Role]map[protocol.MessageType]bool{
	domain.RoleHost: {
		protocol.TypeHostUpdate:    true,
		protocol.TypeSessionReady:  true,
		protocol.TypeSessionFailed: true,
	},
	domain.RoleRelay: {
		protocol.TypeRelayUpdate:   true,
		protocol.TypeSessionReady:  true,
		protocol.TypeSessionFailed: true,
	},
	domain.RoleClient: {
		protocol.TypeConnectRequest: true,
		protocol.TypeCloseSession:   true,
		protocol.TypeRefresh:        true,
	},
	domain.RoleAdmin: {
		protocol.TypeConnectRequest: true,
		protocol.TypeCloseSession:   true,
		protocol.TypeRefresh:        true,
		protocol.TypeCreateUser:     true,
		protocol.TypeUpdateUser:     true,
		protocol.TypeDeleteUser:     true,
		protocol.TypeRemoveHost:     true,
	},
}

// resultTypes maps requests onto the reply that carries their result code.
var resultTypes = map[protocol.MessageType]protocol.MessageType{
	protocol.TypeConnectRequest: protocol.TypeConnectResult,
	protocol.TypeCloseSession:   protocol.TypeSessionClosed,
	protocol.TypeCreateUser:     protocol.TypeUserResult,
	protocol.TypeUpdateUser:     protocol.TypeUserResult,
	protocol.TypeDeleteUser:     protocol.TypeUserResult,
	protocol.TypeRemoveHost:     protocol.TypeHostResult,
	protocol.TypeHostUpdate:     protocol.TypeHostResult,
}

func allowed(role domain.Role, t protocol.MessageType) bool {
	return capabilities[role][t]
}

func knownRequest(t protocol.MessageType) bool {
	for _, caps := range capabilities {
		if caps[t] {
			return true
		}
	}
	return false
}

// Broker owns every PeerConnection. It authenticates each one, registers
// hosts and relays, streams the directory to consoles and dispatches
// requests by role.
type Broker struct {
	auth     Authenticator
	store    ports.DirectoryStore
	router   SessionRouter
	users    UserManager
	registry *peer.Registry
	observer BrokerObserver
	opts     peer.Options

	logger *zap.SugaredLogger
	clog   *rlog.ContextLogger

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in Serve against Shutdown's wg.Wait.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

type BrokerDeps struct {
	Auth     Authenticator
	Store    ports.DirectoryStore
	Router   SessionRouter
	Users    UserManager
	Registry *peer.Registry
	Observer BrokerObserver
}

func NewBroker(deps BrokerDeps, opts peer.Options, logger *zap.SugaredLogger) *Broker {
	logger = rlog.OrNop(logger)
	registry := deps.Registry
	if registry == nil {
		registry = peer.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		auth:     deps.Auth,
		store:    deps.Store,
		router:   deps.Router,
		users:    deps.Users,
		registry: registry,
		observer: deps.Observer,
		opts:     opts,
		logger:   logger,
		clog:     rlog.NewContextLogger(logger.Desugar()),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (b *Broker) Registry() *peer.Registry {
	return b.registry
}

// Serve runs one accepted channel to completion. It returns once the
// connection is closed and every record it owned has been released.
func (b *Broker) Serve(ch ports.Channel) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		_ = ch.Close()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	defer b.wg.Done()

	conn := peer.New(ch, b.opts, b.logger)
	b.registry.Add(conn)
	defer b.registry.Remove(conn.ID())
	defer conn.Close()

	ctx := rlog.WithConnID(b.ctx, string(conn.ID()))
	conn.Start()

	outcome := b.auth.Authenticate(ctx, conn)
	if b.observer != nil {
		b.observer.PeerAuthenticated(outcome.Role, authCode(outcome))
	}
	if !outcome.Accepted() {
		return
	}
	if b.observer != nil {
		defer b.observer.PeerDisconnected(outcome.Role)
	}

	log := b.logger.With("conn_id", conn.ID(), "role", outcome.Role, "identity", outcome.Identity)

	switch outcome.Role {
	case domain.RoleHost:
		release, err := b.registerHost(conn, outcome)
		if err != nil {
			log.Infow("Host registration refused", "error", err)
			_ = conn.SendPayload(protocol.TypeHostResult, "", protocol.HostResult{Code: rerrors.CodeOf(err), HostID: domain.HostID(outcome.Identity)})
			return
		}
		defer release()

	case domain.RoleRelay:
		release, err := b.registerRelay(conn, outcome)
		if err != nil {
			log.Infow("Relay registration refused", "error", err)
			_ = conn.SendPayload(protocol.TypeError, "", protocol.ErrorPayload{Code: rerrors.CodeOf(err), Message: err.Error()})
			return
		}
		defer release()

	case domain.RoleClient, domain.RoleAdmin:
		unsubscribe := b.subscribeConsole(conn, outcome.Role)
		defer unsubscribe()
	}

	// Sessions go before the directory records, so hosts and relays are
	// told about teardown while their records still exist.
	defer b.router.PeerDisconnected(conn.ID())

	log.Infow("Peer serving")
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			status, reason := conn.Status()
			log.Infow("Peer disconnected", "status", status.String(), "reason", reason)
			return
		}
		b.dispatch(ctx, conn, msg)
	}
}

func (b *Broker) registerHost(conn *peer.Connection, outcome services.AuthOutcome) (func(), error) {
	creds := outcome.Credentials
	id := domain.HostID(outcome.Identity)
	record := domain.HostRecord{
		ID:            id,
		DisplayName:   utils.SanitizeString(creds.DisplayName),
		Addresses:     utils.SanitizeList(creds.Addresses),
		Online:        true,
		ConnID:        conn.ID(),
		SingleSession: creds.SingleSession,
	}
	if err := b.store.UpsertHost(record); err != nil {
		return nil, err
	}
	return func() {
		if err := b.store.ReleaseHost(id, conn.ID()); err != nil && !rerrors.HasCode(err, rerrors.CodeNotFound) {
			b.logger.Warnw("Failed to release host", "host_id", id, "error", err)
		}
	}, nil
}

func (b *Broker) registerRelay(conn *peer.Connection, outcome services.AuthOutcome) (func(), error) {
	creds := outcome.Credentials
	id := domain.RelayID(outcome.Identity)
	record := domain.RelayRecord{
		ID:       id,
		Endpoint: utils.SanitizeString(creds.Endpoint),
		Capacity: creds.Capacity,
		Online:   true,
		ConnID:   conn.ID(),
	}
	if err := b.store.UpsertRelay(record); err != nil {
		return nil, err
	}
	return func() {
		if err := b.store.ReleaseRelayConn(id, conn.ID()); err != nil && !rerrors.HasCode(err, rerrors.CodeNotFound) {
			b.logger.Warnw("Failed to release relay", "relay_id", id, "error", err)
		}
	}, nil
}

func authCode(o services.AuthOutcome) rerrors.Code {
	if o.Accepted() {
		return rerrors.CodeSuccess
	}
	return o.Reason
}

func consoleKinds(role domain.Role) []domain.DirectoryKind {
	if role == domain.RoleAdmin {
		return []domain.DirectoryKind{domain.KindHost, domain.KindRelay, domain.KindUser}
	}
	return []domain.DirectoryKind{domain.KindHost}
}

// subscribeConsole sends the initial snapshots and then streams deltas.
// Deltas committed before the snapshot went out are held back so the
// console always sees its snapshot first.
func (b *Broker) subscribeConsole(conn *peer.Connection, role domain.Role) func() {
	fwd := &deltaForwarder{conn: conn, admin: role == domain.RoleAdmin}
	snap, unsubscribe := b.store.SubscribeWithSnapshot(fwd.deliver, consoleKinds(role)...)
	b.sendSnapshot(conn, "", role, snap)
	fwd.open()
	return unsubscribe
}

func (b *Broker) sendSnapshot(conn *peer.Connection, requestID string, role domain.Role, snap domain.Snapshot) {
	hosts := snap.Hosts
	if role != domain.RoleAdmin {
		hosts = make([]domain.HostRecord, 0, len(snap.Hosts))
		for _, h := range snap.Hosts {
			hosts = append(hosts, h.Public())
		}
	}
	err := conn.SendPayload(protocol.TypeHostList, requestID, protocol.HostList{Seq: snap.Seq, Hosts: hosts})
	if role == domain.RoleAdmin {
		users := make([]domain.UserRecord, 0, len(snap.Users))
		for _, u := range snap.Users {
			users = append(users, u.Public())
		}
		err = multierr.Append(err, conn.SendPayload(protocol.TypeRelayList, requestID, protocol.RelayList{Seq: snap.Seq, Relays: snap.Relays}))
		err = multierr.Append(err, conn.SendPayload(protocol.TypeUserList, requestID, protocol.UserList{Seq: snap.Seq, Users: users}))
	}
	if err != nil {
		b.logger.Debugw("Failed to send snapshot", "conn_id", conn.ID(), "error", err)
	}
}

type deltaForwarder struct {
	conn    *peer.Connection
	admin   bool
	mu      sync.Mutex
	ready   bool
	pending []domain.Delta
}

// deliver runs under the directory lock; it only filters and enqueues.
func (f *deltaForwarder) deliver(d domain.Delta) {
	if d.Kind != domain.KindHost && !f.admin {
		return
	}
	if d.Host != nil && !f.admin {
		h := d.Host.Public()
		d.Host = &h
	}
	if d.User != nil {
		u := d.User.Public()
		d.User = &u
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.ready {
		f.pending = append(f.pending, d)
		return
	}
	_ = f.conn.SendPayload(protocol.TypeDirectoryDelta, "", d)
}

func (f *deltaForwarder) open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.pending {
		_ = f.conn.SendPayload(protocol.TypeDirectoryDelta, "", d)
	}
	f.pending = nil
	f.ready = true
}

func (b *Broker) dispatch(ctx context.Context, conn *peer.Connection, msg protocol.Message) {
	ctx = rlog.WithRequestID(ctx, msg.RequestID)
	role := conn.Role()

	if !allowed(role, msg.Type) {
		code := rerrors.CodeAccessDenied
		if !knownRequest(msg.Type) {
			code = rerrors.CodeMalformed
		}
		b.clog.Sugar(ctx).Debugw("Request refused", "role", role, "type", msg.Type, "code", code)
		b.reply(conn, msg, code)
		return
	}

	ctx, span := tracing.TraceBrokerMessage(ctx, string(msg.Type), string(role))
	defer span.End()

	switch msg.Type {
	case protocol.TypeConnectRequest:
		var req protocol.ConnectRequest
		if err := msg.Decode(&req); err != nil || req.HostID == "" {
			b.reply(conn, msg, rerrors.CodeMalformed)
			return
		}
		// Setup waits on other peers; keep reading this connection meanwhile.
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			res := b.router.Connect(ctx, conn, req.HostID)
			_ = conn.SendPayload(protocol.TypeConnectResult, msg.RequestID, res)
		}()

	case protocol.TypeCloseSession:
		var req protocol.CloseSession
		if err := msg.Decode(&req); err != nil {
			b.reply(conn, msg, rerrors.CodeMalformed)
			return
		}
		err := b.router.CloseSession(conn.ID(), req.SessionID)
		_ = conn.SendPayload(protocol.TypeSessionClosed, msg.RequestID, protocol.SessionClosed{
			SessionID: req.SessionID,
			Code:      rerrors.CodeOf(err),
		})

	case protocol.TypeRefresh:
		b.sendSnapshot(conn, msg.RequestID, role, b.store.Snapshot(consoleKinds(role)...))

	case protocol.TypeCreateUser, protocol.TypeUpdateUser, protocol.TypeDeleteUser:
		b.handleUser(ctx, conn, msg)

	case protocol.TypeRemoveHost:
		b.handleRemoveHost(ctx, conn, msg)

	case protocol.TypeHostUpdate:
		b.handleHostUpdate(conn, msg)

	case protocol.TypeRelayUpdate:
		b.handleRelayUpdate(conn, msg)

	case protocol.TypeSessionReady, protocol.TypeSessionFailed:
		var ack protocol.SessionAck
		if err := msg.Decode(&ack); err != nil {
			b.reply(conn, msg, rerrors.CodeMalformed)
			return
		}
		reason := utils.TruncateString(utils.SanitizeString(ack.Reason), maxReasonLength)
		b.router.Confirm(conn.ID(), ack.SessionID, msg.Type == protocol.TypeSessionReady, reason)
	}
}

func (b *Broker) handleUser(ctx context.Context, conn *peer.Connection, msg protocol.Message) {
	var req protocol.UserRequest
	if err := msg.Decode(&req); err != nil {
		b.reply(conn, msg, rerrors.CodeMalformed)
		return
	}

	var err error
	switch msg.Type {
	case protocol.TypeCreateUser:
		err = b.users.Create(ctx, req)
	case protocol.TypeUpdateUser:
		err = b.users.Update(ctx, req)
	case protocol.TypeDeleteUser:
		err = b.users.Delete(ctx, req.ID)
	}
	if err != nil && rerrors.CategoryOf(err) == rerrors.CategoryInternal {
		b.clog.LogError(ctx, err, "User request failed")
	}

	_ = conn.SendPayload(protocol.TypeUserResult, msg.RequestID, protocol.UserResult{
		Code:   rerrors.CodeOf(err),
		UserID: req.ID,
	})
}

func (b *Broker) handleRemoveHost(ctx context.Context, conn *peer.Connection, msg protocol.Message) {
	var req protocol.RemoveHost
	if err := msg.Decode(&req); err != nil {
		b.reply(conn, msg, rerrors.CodeMalformed)
		return
	}

	host, found := b.store.Host(req.HostID)
	err := b.store.RemoveHost(req.HostID)
	if err == nil && found && host.ConnID != "" {
		if hostConn, ok := b.registry.Get(host.ConnID); ok {
			hostConn.CloseWithReason(rerrors.CodeAccessDenied)
		}
	}
	b.clog.Sugar(ctx).Infow("Host removal requested", "host_id", req.HostID, "code", rerrors.CodeOf(err))

	_ = conn.SendPayload(protocol.TypeHostResult, msg.RequestID, protocol.HostResult{
		Code:   rerrors.CodeOf(err),
		HostID: req.HostID,
	})
}

func (b *Broker) handleHostUpdate(conn *peer.Connection, msg protocol.Message) {
	var req protocol.HostUpdate
	if err := msg.Decode(&req); err != nil {
		b.reply(conn, msg, rerrors.CodeMalformed)
		return
	}
	id := domain.HostID(conn.Identity())
	current, ok := b.store.Host(id)
	if !ok || current.ConnID != conn.ID() {
		b.reply(conn, msg, rerrors.CodeNotFound)
		return
	}

	current.DisplayName = utils.SanitizeString(req.DisplayName)
	current.Addresses = utils.SanitizeList(req.Addresses)
	err := b.store.UpsertHost(current)
	_ = conn.SendPayload(protocol.TypeHostResult, msg.RequestID, protocol.HostResult{
		Code:   rerrors.CodeOf(err),
		HostID: id,
	})
}

func (b *Broker) handleRelayUpdate(conn *peer.Connection, msg protocol.Message) {
	var req protocol.RelayUpdate
	if err := msg.Decode(&req); err != nil {
		b.reply(conn, msg, rerrors.CodeMalformed)
		return
	}
	id := domain.RelayID(conn.Identity())
	current, ok := b.store.Relay(id)
	if !ok || current.ConnID != conn.ID() {
		b.reply(conn, msg, rerrors.CodeNotFound)
		return
	}

	if req.Endpoint != "" {
		current.Endpoint = utils.SanitizeString(req.Endpoint)
	}
	if req.Capacity > 0 {
		current.Capacity = req.Capacity
	}
	if err := b.store.UpsertRelay(current); err != nil {
		b.reply(conn, msg, rerrors.CodeOf(err))
	}
}

// reply answers a request that could not be served with its result type,
// or with a generic error message when it has none.
func (b *Broker) reply(conn *peer.Connection, msg protocol.Message, code rerrors.Code) {
	var payload interface{}
	t, ok := resultTypes[msg.Type]
	switch {
	case !ok:
		t = protocol.TypeError
		payload = protocol.ErrorPayload{Code: code, Message: string(msg.Type)}
	case t == protocol.TypeConnectResult:
		payload = protocol.ConnectResult{Code: code}
	case t == protocol.TypeSessionClosed:
		payload = protocol.SessionClosed{Code: code}
	case t == protocol.TypeUserResult:
		payload = protocol.UserResult{Code: code}
	case t == protocol.TypeHostResult:
		payload = protocol.HostResult{Code: code}
	}
	_ = conn.SendPayload(t, msg.RequestID, payload)
}

// Shutdown closes every connection and waits for their goroutines.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	b.cancel()
	for _, c := range b.registry.All() {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Infow("Broker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.opts.CloseLinger + 30*time.Second):
		return rerrors.Transport(rerrors.CodeTimeout, "broker shutdown timed out")
	}
}
