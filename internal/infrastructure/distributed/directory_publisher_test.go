package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/services"
	"routerd/internal/infrastructure/repositories/memory"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryPublisher_DropsWhenQueueFull(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	p := NewDirectoryPublisher(client, "a", 1, nil)

	user := domain.UserRecord{ID: "alice", CredentialRef: "secret-hash"}
	p.enqueue(domain.Delta{Seq: 1, Kind: domain.KindUser, User: &user})
	p.enqueue(domain.Delta{Seq: 2, Kind: domain.KindHost})

	assert.Equal(t, uint64(1), p.Dropped())
	queued := <-p.queue
	assert.Equal(t, uint64(1), queued.Seq)
	assert.Empty(t, queued.User.CredentialRef, "credential references are not published")
	assert.Equal(t, "secret-hash", user.CredentialRef, "caller's record is untouched")
}

func TestDirectoryPublisher_StopWithoutStart(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	p := NewDirectoryPublisher(client, "a", 4, nil)
	assert.NoError(t, p.Stop(context.Background()))
}

func TestUserSyncHandler_AppliesPeerUserChanges(t *testing.T) {
	ctx := context.Background()
	shared := memory.NewMemoryUserRepository()
	a := services.NewDirectoryStore(shared, services.DirectoryOptions{}, nil)
	b := services.NewDirectoryStore(shared, services.DirectoryOptions{}, nil)

	var fromA, fromB []domain.Delta
	a.Subscribe(func(d domain.Delta) { fromA = append(fromA, d) })
	b.Subscribe(func(d domain.Delta) { fromB = append(fromB, d) })
	applyOnA := UserSyncHandler(ctx, a, nil)
	applyOnB := UserSyncHandler(ctx, b, nil)
	event := func(instance string, d domain.Delta) Event {
		if d.User != nil {
			u := d.User.Public()
			d.User = &u
		}
		return Event{InstanceID: instance, Delta: d}
	}

	user := domain.UserRecord{ID: "alice", CredentialRef: "hash", Permissions: domain.PermissionSet{domain.PermissionConnect}, Enabled: true}
	require.NoError(t, a.CreateUser(ctx, user))
	require.Len(t, fromA, 1)

	require.NoError(t, applyOnB(event("a", fromA[0])))
	got, ok := b.User("alice")
	require.True(t, ok)
	assert.Equal(t, "hash", got.CredentialRef, "credentials come from the shared repository")
	require.Len(t, fromB, 1)
	assert.Equal(t, domain.DeltaAdded, fromB[0].Action)

	// B's delta echoing back to A changes nothing.
	require.NoError(t, applyOnA(event("b", fromB[0])))
	assert.Len(t, fromA, 1)

	require.NoError(t, a.DeleteUser(ctx, "alice"))
	require.NoError(t, applyOnB(event("a", fromA[1])))
	_, ok = b.User("alice")
	assert.False(t, ok)
	assert.Equal(t, domain.DeltaRemoved, fromB[1].Action)

	// Host deltas are not replicated.
	host := domain.HostRecord{ID: "h1", Online: true}
	require.NoError(t, applyOnB(Event{InstanceID: "a", Delta: domain.Delta{Kind: domain.KindHost, Host: &host}}))
	_, ok = b.Host("h1")
	assert.False(t, ok)
}

// Needs a live Redis at ROUTERD_TEST_REDIS.
func TestDirectoryPublisher_RoundTrip(t *testing.T) {
	addr := os.Getenv("ROUTERD_TEST_REDIS")
	if addr == "" {
		t.Skip("ROUTERD_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	consumer := NewDirectoryPublisher(client, "consumer", 8, nil)
	events := make(chan Event, 8)
	go func() {
		_ = consumer.Subscribe(ctx, func(e Event) error {
			events <- e
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	store := services.NewDirectoryStore(nil, services.DirectoryOptions{}, nil)
	producer := NewDirectoryPublisher(client, "producer", 8, nil)
	producer.Start(store)
	require.NoError(t, store.UpsertHost(domain.HostRecord{ID: "h1", Online: true, ConnID: "c1"}))

	select {
	case e := <-events:
		assert.Equal(t, "producer", e.InstanceID)
		assert.Equal(t, domain.KindHost, e.Delta.Kind)
		assert.Equal(t, domain.HostID("h1"), e.Delta.Host.ID)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
	require.NoError(t, producer.Stop(ctx))
}
