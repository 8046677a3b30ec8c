package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/peer"
	"routerd/internal/core/ports"
	"routerd/internal/core/protocol"
	rerrors "routerd/pkg/errors"
	rlog "routerd/pkg/logger"
	"routerd/pkg/tracing"
	"routerd/pkg/utils"

	"github.com/Arceliar/phony"
	"go.uber.org/zap"
)

const DefaultSetupTimeout = 10 * time.Second

// PeerLocator resolves a connection id to a live connection.
type PeerLocator interface {
	Get(id domain.ConnID) (*peer.Connection, bool)
}

// RouterObserver receives session lifecycle events. Calls are made with
// the router lock held and must not block.
type RouterObserver interface {
	SessionTransition(s domain.Session, from domain.SessionState)
	ConnectCompleted(code rerrors.Code, elapsed time.Duration)
}

type RouterConfig struct {
	SetupTimeout time.Duration
	// AllowConcurrentHostSessions lets one host carry several sessions
	// unless the host itself announced single-session capacity.
	AllowConcurrentHostSessions bool
}

type pairKey struct {
	client domain.ConnID
	host   domain.HostID
}

type routedSession struct {
	session    domain.Session
	hostConn   domain.ConnID
	relayConn  domain.ConnID
	hostReady  bool
	relayReady bool
	released   bool
	// setup receives exactly one value while the session is pending.
	setup     chan bool
	setupOnce sync.Once
}

func (rs *routedSession) signal(ok bool) {
	rs.setupOnce.Do(func() { rs.setup <- ok })
}

type notice struct {
	conn domain.ConnID
	msg  protocol.SessionClosed
}

// SessionRouter pairs client connect requests with hosts through relays
// and owns every Session. All session state is guarded by mu; the lock
// order is SessionRouter.mu before the directory store lock.
type SessionRouter struct {
	store    ports.DirectoryStore
	peers    PeerLocator
	cfg      RouterConfig
	observer RouterObserver
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[domain.SessionID]*routedSession
	byPair   map[pairKey]domain.SessionID

	watcher     directoryWatcher
	unsubscribe func()
	closeOnce   sync.Once
}

func NewSessionRouter(store ports.DirectoryStore, peers PeerLocator, cfg RouterConfig, observer RouterObserver, logger *zap.SugaredLogger) *SessionRouter {
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	r := &SessionRouter{
		store:    store,
		peers:    peers,
		cfg:      cfg,
		observer: observer,
		logger:   rlog.OrNop(logger),
		sessions: make(map[domain.SessionID]*routedSession),
		byPair:   make(map[pairKey]domain.SessionID),
	}
	r.unsubscribe = store.Subscribe(r.onDelta)
	return r
}

// Connect sets up a relayed session between client and hostID. It blocks
// until the host and relay confirm, the setup deadline passes, ctx ends or
// the client goes away.
func (r *SessionRouter) Connect(ctx context.Context, client *peer.Connection, hostID domain.HostID) protocol.ConnectResult {
	start := time.Now()
	ctx, span := tracing.TraceSessionSetup(ctx, string(client.ID()), string(hostID))
	defer span.End()

	result := r.connect(ctx, client, hostID)

	tracing.AddSpanAttributes(ctx, tracing.ResultKey.String(string(result.Code)))
	if result.SessionID != "" {
		tracing.AddSpanAttributes(ctx, tracing.SessionIDKey.String(string(result.SessionID)))
	}
	if r.observer != nil {
		r.observer.ConnectCompleted(result.Code, time.Since(start))
	}
	r.logger.Infow("Connect request completed",
		"conn_id", client.ID(),
		"host_id", hostID,
		"session_id", result.SessionID,
		"code", result.Code)
	return result
}

func (r *SessionRouter) connect(ctx context.Context, client *peer.Connection, hostID domain.HostID) protocol.ConnectResult {
	result := protocol.ConnectResult{HostID: hostID}

	host, ok := r.store.Host(hostID)
	if !ok || !host.Online {
		result.Code = rerrors.CodeHostUnavailable
		return result
	}
	hostConn, ok := r.peers.Get(host.ConnID)
	if !ok {
		result.Code = rerrors.CodeHostUnavailable
		return result
	}

	rs, existing, code := r.reserve(client, host)
	if code != rerrors.CodeSuccess {
		result.Code = code
		return result
	}
	if existing {
		result.Code = rerrors.CodeSuccess
		result.SessionID = rs.session.ID
		result.RelayEndpoint = rs.session.RelayEndpoint
		return result
	}
	result.SessionID = rs.session.ID

	relayConn, ok := r.peers.Get(rs.relayConn)
	if !ok {
		r.finish(rs, "", rerrors.CodeSessionSetupFailed, "relay connection gone")
		result.Code = rerrors.CodeSessionSetupFailed
		return result
	}

	err := hostConn.SendPayload(protocol.TypePrepareSession, "", protocol.PrepareSession{
		SessionID:     rs.session.ID,
		RelayEndpoint: rs.session.RelayEndpoint,
		ClientID:      rs.session.ClientName,
	})
	if err == nil {
		err = relayConn.SendPayload(protocol.TypeBridgeSession, "", protocol.BridgeSession{
			SessionID: rs.session.ID,
			HostID:    hostID,
			ClientID:  rs.session.ClientName,
		})
	}
	if err != nil {
		r.finish(rs, "", rerrors.CodeSessionSetupFailed, "failed to instruct peers")
		result.Code = rerrors.CodeSessionSetupFailed
		return result
	}

	timer := time.NewTimer(r.cfg.SetupTimeout)
	defer timer.Stop()

	var established bool
	select {
	case established = <-rs.setup:
	case <-timer.C:
	case <-ctx.Done():
	case <-client.Done():
	}

	if established && r.establish(rs) {
		result.Code = rerrors.CodeSuccess
		result.RelayEndpoint = rs.session.RelayEndpoint
		return result
	}

	r.finish(rs, client.ID(), rerrors.CodeSessionSetupFailed, "session setup failed")
	result.Code = rerrors.CodeSessionSetupFailed
	return result
}

// reserve runs admission under the router lock and, when admitted, takes
// a relay slot and records the Pending session.
func (r *SessionRouter) reserve(client *peer.Connection, host domain.HostRecord) (*routedSession, bool, rerrors.Code) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{client: client.ID(), host: host.ID}
	if id, ok := r.byPair[key]; ok {
		rs := r.sessions[id]
		if rs.session.State == domain.SessionEstablished {
			return rs, true, rerrors.CodeSuccess
		}
		return nil, false, rerrors.CodeSessionSetupFailed
	}

	if host.SingleSession || !r.cfg.AllowConcurrentHostSessions {
		for _, rs := range r.sessions {
			if rs.session.HostID == host.ID && rs.session.State.Active() {
				return nil, false, rerrors.CodeHostUnavailable
			}
		}
	}

	relay, err := r.store.AcquireRelay()
	if err != nil {
		return nil, false, rerrors.CodeNoRelayAvailable
	}

	rs := &routedSession{
		session: domain.Session{
			ID:            domain.SessionID(utils.GenerateSessionID()),
			ClientConn:    client.ID(),
			ClientName:    client.Identity(),
			HostID:        host.ID,
			RelayID:       relay.ID,
			RelayEndpoint: relay.Endpoint,
			State:         domain.SessionPending,
			CreatedAt:     time.Now(),
		},
		hostConn:  host.ConnID,
		relayConn: relay.ConnID,
		setup:     make(chan bool, 1),
	}
	r.sessions[rs.session.ID] = rs
	r.byPair[key] = rs.session.ID
	if r.observer != nil {
		r.observer.SessionTransition(rs.session, "")
	}

	r.logger.Debugw("Session pending",
		"session_id", rs.session.ID,
		"host_id", host.ID,
		"relay_id", relay.ID,
		"relay_load", relay.Load)
	return rs, false, rerrors.CodeSuccess
}

func (r *SessionRouter) establish(rs *routedSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.transitionLocked(rs, domain.SessionEstablished) {
		return false
	}
	rs.session.EstablishedAt = time.Now()
	return true
}

// Confirm records a session_ready or session_failed from the host or relay
// on connID. Acks from any other connection are ignored.
func (r *SessionRouter) Confirm(connID domain.ConnID, sessionID domain.SessionID, ok bool, reason string) {
	r.mu.Lock()
	rs, found := r.sessions[sessionID]
	if !found || (connID != rs.hostConn && connID != rs.relayConn) {
		r.mu.Unlock()
		return
	}
	state := rs.session.State
	if ok {
		if connID == rs.hostConn {
			rs.hostReady = true
		}
		if connID == rs.relayConn {
			rs.relayReady = true
		}
		if state == domain.SessionPending && rs.hostReady && rs.relayReady {
			rs.signal(true)
		}
	}
	r.mu.Unlock()

	if ok {
		return
	}
	if reason == "" {
		reason = "peer reported failure"
	}
	if state == domain.SessionPending {
		rs.signal(false)
		return
	}
	r.finish(rs, connID, rerrors.CodeSessionSetupFailed, reason)
}

// CloseSession tears down a session on request of its client.
func (r *SessionRouter) CloseSession(clientConn domain.ConnID, sessionID domain.SessionID) error {
	r.mu.Lock()
	rs, ok := r.sessions[sessionID]
	if !ok || rs.session.ClientConn != clientConn {
		r.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	r.mu.Unlock()

	r.finish(rs, clientConn, rerrors.CodeSuccess, "closed by client")
	return nil
}

// PeerDisconnected tears down every session connID takes part in.
func (r *SessionRouter) PeerDisconnected(connID domain.ConnID) {
	r.mu.Lock()
	var affected []*routedSession
	for _, rs := range r.sessions {
		if rs.session.ClientConn == connID || rs.hostConn == connID || rs.relayConn == connID {
			affected = append(affected, rs)
		}
	}
	r.mu.Unlock()

	for _, rs := range affected {
		r.finish(rs, connID, rerrors.CodeNetworkError, "peer disconnected")
	}
}

// finish moves rs through Closing to Closed, notifies every endpoint but
// except and releases the relay slot. It is safe to call more than once.
func (r *SessionRouter) finish(rs *routedSession, except domain.ConnID, code rerrors.Code, reason string) {
	r.mu.Lock()
	if rs.session.State == domain.SessionClosed {
		r.mu.Unlock()
		return
	}

	wasPending := rs.session.State == domain.SessionPending
	r.transitionLocked(rs, domain.SessionClosing)

	var notices []notice
	body := protocol.SessionClosed{SessionID: rs.session.ID, Code: code, Reason: reason}
	for _, conn := range []domain.ConnID{rs.session.ClientConn, rs.hostConn, rs.relayConn} {
		if conn == except {
			continue
		}
		// A pending client learns the outcome from its connect_result.
		if wasPending && conn == rs.session.ClientConn {
			continue
		}
		notices = append(notices, notice{conn: conn, msg: body})
	}

	if !rs.released {
		rs.released = true
		if err := r.store.ReleaseRelay(rs.session.RelayID, rs.relayConn); err != nil && !rerrors.HasCode(err, rerrors.CodeNotFound) {
			r.logger.Warnw("Failed to release relay slot", "relay_id", rs.session.RelayID, "error", err)
		}
	}

	r.transitionLocked(rs, domain.SessionClosed)
	delete(r.sessions, rs.session.ID)
	key := pairKey{client: rs.session.ClientConn, host: rs.session.HostID}
	if r.byPair[key] == rs.session.ID {
		delete(r.byPair, key)
	}
	r.mu.Unlock()

	rs.signal(false)
	for _, n := range notices {
		if c, ok := r.peers.Get(n.conn); ok {
			_ = c.SendPayload(protocol.TypeSessionClosed, "", n.msg)
		}
	}

	r.logger.Infow("Session closed",
		"session_id", rs.session.ID,
		"host_id", rs.session.HostID,
		"relay_id", rs.session.RelayID,
		"code", code,
		"reason", reason)
}

func (r *SessionRouter) transitionLocked(rs *routedSession, to domain.SessionState) bool {
	from := rs.session.State
	if !from.CanTransition(to) {
		return false
	}
	rs.session.State = to
	if r.observer != nil {
		r.observer.SessionTransition(rs.session, from)
	}
	return true
}

// Session returns a copy of a live session.
func (r *SessionRouter) Session(id domain.SessionID) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.sessions[id]
	if !ok {
		return domain.Session{}, false
	}
	return rs.session, true
}

// Sessions returns the live sessions ordered by creation time.
func (r *SessionRouter) Sessions() []domain.Session {
	r.mu.Lock()
	out := make([]domain.Session, 0, len(r.sessions))
	for _, rs := range r.sessions {
		out = append(out, rs.session)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close tears down all sessions and stops the directory watcher.
func (r *SessionRouter) Close() error {
	r.closeOnce.Do(func() {
		r.unsubscribe()
		// Run whatever departures were queued before unsubscribing.
		phony.Block(&r.watcher, func() {})

		r.mu.Lock()
		all := make([]*routedSession, 0, len(r.sessions))
		for _, rs := range r.sessions {
			all = append(all, rs)
		}
		r.mu.Unlock()
		for _, rs := range all {
			r.finish(rs, "", rerrors.CodeNetworkError, "router shutting down")
		}
	})
	return nil
}

// directoryWatcher serializes directory departures away from the store
// lock. Its inbox is unbounded, so store callbacks never block.
type directoryWatcher struct {
	phony.Inbox
}

type directoryEvent struct {
	host  domain.HostID
	relay domain.RelayID
}

// onDelta runs under the store lock, so it only enqueues.
func (r *SessionRouter) onDelta(d domain.Delta) {
	var ev directoryEvent
	switch {
	case d.Kind == domain.KindHost && d.Host != nil:
		if d.Action == domain.DeltaRemoved || !d.Host.Online {
			ev.host = d.Host.ID
		}
	case d.Kind == domain.KindRelay && d.Relay != nil:
		if d.Action == domain.DeltaRemoved || !d.Relay.Online {
			ev.relay = d.Relay.ID
		}
	}
	if ev.host == "" && ev.relay == "" {
		return
	}
	r.watcher.Act(nil, func() { r.evict(ev) })
}

// evict finishes every session that used the departed host or relay.
func (r *SessionRouter) evict(ev directoryEvent) {
	r.mu.Lock()
	var affected []*routedSession
	for _, rs := range r.sessions {
		if (ev.host != "" && rs.session.HostID == ev.host) || (ev.relay != "" && rs.session.RelayID == ev.relay) {
			affected = append(affected, rs)
		}
	}
	r.mu.Unlock()

	for _, rs := range affected {
		if ev.host != "" {
			r.finish(rs, rs.hostConn, rerrors.CodeHostUnavailable, "host went offline")
		} else {
			r.finish(rs, rs.relayConn, rerrors.CodeNoRelayAvailable, "relay went offline")
		}
	}
}
