package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/ports"
	rerrors "routerd/pkg/errors"
	rlog "routerd/pkg/logger"
	"routerd/pkg/validation"

	"go.uber.org/zap"
)

type DirectoryOptions struct {
	// RetainOfflineHosts keeps a host record marked offline when its
	// connection goes away instead of removing it.
	RetainOfflineHosts bool
}

type subscriber struct {
	id uint64
	fn ports.DeltaFunc
}

// DirectoryStore holds hosts, relays and users behind a single lock.
// Subscribers run synchronously under that lock in commit order and
// must only copy or enqueue the delta; they must not call back into the
// store.
type DirectoryStore struct {
	mu      sync.Mutex
	hosts   map[domain.HostID]domain.HostRecord
	relays  map[domain.RelayID]domain.RelayRecord
	users   map[domain.UserID]domain.UserRecord
	seq     uint64
	subs    []subscriber
	nextSub uint64

	repo   ports.UserRepository
	opts   DirectoryOptions
	logger *zap.SugaredLogger
	now    func() time.Time
}

var _ ports.DirectoryStore = (*DirectoryStore)(nil)

// NewDirectoryStore creates an empty store. repo may be nil, in which case
// users live only in memory.
func NewDirectoryStore(repo ports.UserRepository, opts DirectoryOptions, logger *zap.SugaredLogger) *DirectoryStore {
	return &DirectoryStore{
		hosts:  make(map[domain.HostID]domain.HostRecord),
		relays: make(map[domain.RelayID]domain.RelayRecord),
		users:  make(map[domain.UserID]domain.UserRecord),
		repo:   repo,
		opts:   opts,
		logger: rlog.OrNop(logger),
		now:    time.Now,
	}
}

// Load reads persisted users. It is meant to run once before serving.
func (s *DirectoryStore) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	users, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = u.Clone()
	}
	s.logger.Infow("Loaded users", "count", len(users))
	return nil
}

func (s *DirectoryStore) UpsertHost(host domain.HostRecord) error {
	if err := validateHost(host); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	action := domain.DeltaAdded
	if existing, ok := s.hosts[host.ID]; ok {
		if existing.Online && existing.ConnID != "" && existing.ConnID != host.ConnID {
			return domain.ErrHostConflict
		}
		action = domain.DeltaUpdated
	}

	host = host.Clone()
	host.LastSeen = s.now()
	s.hosts[host.ID] = host
	s.commitHost(action, host)
	return nil
}

func (s *DirectoryStore) RemoveHost(id domain.HostID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, ok := s.hosts[id]
	if !ok {
		return domain.ErrHostNotFound
	}
	delete(s.hosts, id)
	s.commitHost(domain.DeltaRemoved, host)
	return nil
}

// ReleaseHost drops the host record owned by conn. Records claimed by a
// different connection are left alone.
func (s *DirectoryStore) ReleaseHost(id domain.HostID, conn domain.ConnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, ok := s.hosts[id]
	if !ok {
		return domain.ErrHostNotFound
	}
	if host.ConnID != conn {
		return nil
	}

	if s.opts.RetainOfflineHosts {
		host.Online = false
		host.ConnID = ""
		host.LastSeen = s.now()
		s.hosts[id] = host
		s.commitHost(domain.DeltaUpdated, host)
		return nil
	}

	delete(s.hosts, id)
	s.commitHost(domain.DeltaRemoved, host)
	return nil
}

func (s *DirectoryStore) Host(id domain.HostID) (domain.HostRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	return h.Clone(), ok
}

func (s *DirectoryStore) UpsertRelay(relay domain.RelayRecord) error {
	if err := validateRelay(relay); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	action := domain.DeltaAdded
	if existing, ok := s.relays[relay.ID]; ok {
		if existing.Online && existing.ConnID != "" && existing.ConnID != relay.ConnID {
			return domain.ErrRelayConflict
		}
		// Load is owned by AcquireRelay/ReleaseRelay.
		relay.Load = existing.Load
		action = domain.DeltaUpdated
	} else {
		relay.Load = 0
	}

	relay.LastSeen = s.now()
	s.relays[relay.ID] = relay
	s.commitRelay(action, relay)
	return nil
}

func (s *DirectoryStore) RemoveRelay(id domain.RelayID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	relay, ok := s.relays[id]
	if !ok {
		return domain.ErrRelayNotFound
	}
	delete(s.relays, id)
	s.commitRelay(domain.DeltaRemoved, relay)
	return nil
}

func (s *DirectoryStore) ReleaseRelayConn(id domain.RelayID, conn domain.ConnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	relay, ok := s.relays[id]
	if !ok {
		return domain.ErrRelayNotFound
	}
	if relay.ConnID != conn {
		return nil
	}
	delete(s.relays, id)
	s.commitRelay(domain.DeltaRemoved, relay)
	return nil
}

func (s *DirectoryStore) Relay(id domain.RelayID) (domain.RelayRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relays[id]
	return r, ok
}

// AcquireRelay reserves one session slot on the least loaded online relay
// with spare capacity. Ties go to the lowest relay id.
func (s *DirectoryStore) AcquireRelay() (domain.RelayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  domain.RelayRecord
		found bool
	)
	for _, r := range s.relays {
		if !r.HasSpareCapacity() {
			continue
		}
		if !found || r.Load < best.Load || (r.Load == best.Load && r.ID < best.ID) {
			best = r
			found = true
		}
	}
	if !found {
		return domain.RelayRecord{}, rerrors.Routing(rerrors.CodeNoRelayAvailable, "no relay with spare capacity")
	}

	best.Load++
	s.relays[best.ID] = best
	s.commitRelay(domain.DeltaUpdated, best)
	return best, nil
}

// ReleaseRelay returns one slot reserved on the relay connection conn.
// Releasing a relay that already left the directory yields
// ErrRelayNotFound; a slot reserved on an earlier connection of the same
// relay id is a no-op.
func (s *DirectoryStore) ReleaseRelay(id domain.RelayID, conn domain.ConnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	relay, ok := s.relays[id]
	if !ok {
		return domain.ErrRelayNotFound
	}
	if relay.ConnID != conn {
		return nil
	}
	if relay.Load == 0 {
		return rerrors.Directory(rerrors.CodeInvalidData, "relay load already zero")
	}
	relay.Load--
	s.relays[id] = relay
	s.commitRelay(domain.DeltaUpdated, relay)
	return nil
}

func (s *DirectoryStore) CreateUser(ctx context.Context, user domain.UserRecord) error {
	if err := validateUser(user); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return domain.ErrUserExists
	}

	now := s.now()
	user = user.Clone()
	user.Permissions = user.Permissions.Normalize()
	user.CreatedAt = now
	user.UpdatedAt = now

	if s.repo != nil {
		if err := s.repo.Create(ctx, &user); err != nil {
			return persistError(err, "failed to persist user")
		}
	}

	s.users[user.ID] = user
	s.commitUser(domain.DeltaAdded, user)
	return nil
}

// UpdateUser applies mutate to a copy of the stored record and commits the
// result. The id and creation time cannot be changed.
func (s *DirectoryStore) UpdateUser(ctx context.Context, id domain.UserID, mutate func(*domain.UserRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}

	updated := existing.Clone()
	if err := mutate(&updated); err != nil {
		return err
	}
	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now()
	updated.Permissions = updated.Permissions.Normalize()
	if err := validateUser(updated); err != nil {
		return err
	}

	if s.repo != nil {
		if err := s.repo.Update(ctx, &updated); err != nil {
			return persistError(err, "failed to persist user")
		}
	}

	s.users[id] = updated
	s.commitUser(domain.DeltaUpdated, updated)
	return nil
}

func (s *DirectoryStore) DeleteUser(ctx context.Context, id domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}

	if s.repo != nil {
		if err := s.repo.Delete(ctx, id); err != nil && !rerrors.HasCode(err, rerrors.CodeNotFound) {
			return rerrors.Wrap(err, rerrors.CategoryInternal, rerrors.CodeInternal, "failed to delete persisted user")
		}
	}

	delete(s.users, id)
	s.commitUser(domain.DeltaRemoved, user)
	return nil
}

// SyncUser reloads one user from the repository after another instance
// changed it. A delta is committed only when the local record differs,
// so instances echoing each other's deltas settle after one round.
func (s *DirectoryStore) SyncUser(ctx context.Context, id domain.UserID) (bool, error) {
	if s.repo == nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	local, known := s.users[id]
	stored, err := s.repo.GetByID(ctx, id)
	switch {
	case rerrors.HasCode(err, rerrors.CodeNotFound):
		if !known {
			return false, nil
		}
		delete(s.users, id)
		s.commitUser(domain.DeltaRemoved, local)
		return true, nil
	case err != nil:
		return false, persistError(err, "failed to reload user")
	}

	user := stored.Clone()
	if known && sameUser(local, user) {
		return false, nil
	}
	action := domain.DeltaAdded
	if known {
		action = domain.DeltaUpdated
	}
	s.users[id] = user
	s.commitUser(action, user)
	return true, nil
}

func sameUser(a, b domain.UserRecord) bool {
	if a.ID != b.ID || a.CredentialRef != b.CredentialRef || a.Enabled != b.Enabled ||
		!a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) ||
		len(a.Permissions) != len(b.Permissions) {
		return false
	}
	for i := range a.Permissions {
		if a.Permissions[i] != b.Permissions[i] {
			return false
		}
	}
	return true
}

func (s *DirectoryStore) User(id domain.UserID) (domain.UserRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u.Clone(), ok
}

// UserCount returns the number of stored users.
func (s *DirectoryStore) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// Snapshot returns the requested tables sorted by id. No kinds means all.
func (s *DirectoryStore) Snapshot(kinds ...domain.DirectoryKind) domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(kinds)
}

func (s *DirectoryStore) Subscribe(fn ports.DeltaFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(fn)
}

// SubscribeWithSnapshot registers fn and takes a snapshot atomically, so
// the first delta fn sees has Seq = snapshot.Seq + 1.
func (s *DirectoryStore) SubscribeWithSnapshot(fn ports.DeltaFunc, kinds ...domain.DirectoryKind) (domain.Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(kinds), s.subscribeLocked(fn)
}

func (s *DirectoryStore) subscribeLocked(fn ports.DeltaFunc) func() {
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *DirectoryStore) snapshotLocked(kinds []domain.DirectoryKind) domain.Snapshot {
	want := func(k domain.DirectoryKind) bool {
		if len(kinds) == 0 {
			return true
		}
		for _, have := range kinds {
			if have == k {
				return true
			}
		}
		return false
	}

	snap := domain.Snapshot{Seq: s.seq}
	if want(domain.KindHost) {
		snap.Hosts = make([]domain.HostRecord, 0, len(s.hosts))
		for _, h := range s.hosts {
			snap.Hosts = append(snap.Hosts, h.Clone())
		}
		sort.Slice(snap.Hosts, func(i, j int) bool { return snap.Hosts[i].ID < snap.Hosts[j].ID })
	}
	if want(domain.KindRelay) {
		snap.Relays = make([]domain.RelayRecord, 0, len(s.relays))
		for _, r := range s.relays {
			snap.Relays = append(snap.Relays, r)
		}
		sort.Slice(snap.Relays, func(i, j int) bool { return snap.Relays[i].ID < snap.Relays[j].ID })
	}
	if want(domain.KindUser) {
		snap.Users = make([]domain.UserRecord, 0, len(s.users))
		for _, u := range s.users {
			snap.Users = append(snap.Users, u.Clone())
		}
		sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	}
	return snap
}

func (s *DirectoryStore) commitHost(action domain.DeltaAction, h domain.HostRecord) {
	s.emit(func(d *domain.Delta) {
		c := h.Clone()
		d.Kind, d.Action, d.Host = domain.KindHost, action, &c
	})
}

func (s *DirectoryStore) commitRelay(action domain.DeltaAction, r domain.RelayRecord) {
	s.emit(func(d *domain.Delta) {
		c := r
		d.Kind, d.Action, d.Relay = domain.KindRelay, action, &c
	})
}

func (s *DirectoryStore) commitUser(action domain.DeltaAction, u domain.UserRecord) {
	s.emit(func(d *domain.Delta) {
		c := u.Clone()
		d.Kind, d.Action, d.User = domain.KindUser, action, &c
	})
}

// emit must be called with mu held. Each subscriber gets its own copy.
func (s *DirectoryStore) emit(fill func(*domain.Delta)) {
	s.seq++
	for _, sub := range s.subs {
		d := domain.Delta{Seq: s.seq}
		fill(&d)
		sub.fn(d)
	}
}

func validateHost(h domain.HostRecord) error {
	if err := validation.ValidateHostID(string(h.ID)); err != nil {
		return rerrors.Wrap(err, rerrors.CategoryDirectory, rerrors.CodeInvalidData, "invalid host record")
	}
	if err := validation.ValidateDisplayName(h.DisplayName); err != nil {
		return rerrors.Wrap(err, rerrors.CategoryDirectory, rerrors.CodeInvalidData, "invalid host record")
	}
	if err := validation.ValidateAddresses(h.Addresses); err != nil {
		return rerrors.Wrap(err, rerrors.CategoryDirectory, rerrors.CodeInvalidData, "invalid host record")
	}
	return nil
}

func validateRelay(r domain.RelayRecord) error {
	if err := validation.ValidateRelayID(string(r.ID)); err != nil {
		return rerrors.Wrap(err, rerrors.CategoryDirectory, rerrors.CodeInvalidData, "invalid relay record")
	}
	if err := validation.ValidateEndpoint(r.Endpoint); err != nil {
		return rerrors.Wrap(err, rerrors.CategoryDirectory, rerrors.CodeInvalidData, "invalid relay record")
	}
	if err := validation.ValidateCapacity(r.Capacity); err != nil {
		return rerrors.Wrap(err, rerrors.CategoryDirectory, rerrors.CodeInvalidData, "invalid relay record")
	}
	return nil
}

func validateUser(u domain.UserRecord) error {
	if err := validation.ValidateUsername(string(u.ID)); err != nil {
		return rerrors.Wrap(err, rerrors.CategoryDirectory, rerrors.CodeInvalidData, "invalid user record")
	}
	for _, p := range u.Permissions {
		if !p.Valid() {
			return rerrors.Directory(rerrors.CodeInvalidData, fmt.Sprintf("unknown permission %q", p))
		}
	}
	return nil
}

// persistError keeps directory outcomes reported by the repository, such
// as a user created concurrently by another instance, and wraps backend
// failures as internal errors.
func persistError(err error, msg string) error {
	if rerrors.CategoryOf(err) == rerrors.CategoryDirectory {
		return err
	}
	return rerrors.Wrap(err, rerrors.CategoryInternal, rerrors.CodeInternal, msg)
}
