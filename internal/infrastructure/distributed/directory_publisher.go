package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/ports"
	rlog "routerd/pkg/logger"
	"routerd/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DirectoryChannel = "routerd:directory"

// Event is one published directory delta.
type Event struct {
	InstanceID string       `json:"instance_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Delta      domain.Delta `json:"delta"`
}

// DirectoryPublisher mirrors committed directory deltas onto a redis
// channel for audit consumers. Deltas are queued from the store's
// subscriber callback and published from a separate goroutine; when the
// queue is full the delta is dropped and counted.
type DirectoryPublisher struct {
	client     redis.UniversalClient
	instanceID string
	channel    string
	policy     retry.Config
	logger     *zap.SugaredLogger

	queue   chan domain.Delta
	dropped uint64
	mu      sync.Mutex

	unsubscribe func()
	done        chan struct{}
	stopOnce    sync.Once
}

func NewDirectoryPublisher(client redis.UniversalClient, instanceID string, queueSize int, logger *zap.SugaredLogger) *DirectoryPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	policy := retry.DefaultConfig()
	policy.MaxAttempts = 2
	return &DirectoryPublisher{
		client:     client,
		instanceID: instanceID,
		channel:    DirectoryChannel,
		policy:     policy,
		logger:     rlog.OrNop(logger),
		queue:      make(chan domain.Delta, queueSize),
		done:       make(chan struct{}),
	}
}

// Start subscribes to store and publishes until Stop.
func (p *DirectoryPublisher) Start(store ports.DirectoryStore) {
	p.unsubscribe = store.Subscribe(p.enqueue)
	go p.run()
}

func (p *DirectoryPublisher) enqueue(d domain.Delta) {
	if d.User != nil {
		u := d.User.Public()
		d.User = &u
	}
	select {
	case p.queue <- d:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

// Dropped reports how many deltas were discarded on a full queue.
func (p *DirectoryPublisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *DirectoryPublisher) run() {
	defer close(p.done)
	for d := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.Publish(ctx, d); err != nil {
			p.logger.Warnw("failed to publish directory delta", "seq", d.Seq, "kind", d.Kind, "error", err)
		}
		cancel()
	}
}

func (p *DirectoryPublisher) Publish(ctx context.Context, d domain.Delta) error {
	data, err := json.Marshal(Event{
		InstanceID: p.instanceID,
		Timestamp:  time.Now(),
		Delta:      d,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = retry.Do(ctx, p.policy, func() error {
		return p.client.Publish(ctx, p.channel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debugw("published directory delta", "seq", d.Seq, "kind", d.Kind, "action", d.Action)
	return nil
}

// Subscribe delivers events from other instances to handler until ctx
// is done.
func (p *DirectoryPublisher) Subscribe(ctx context.Context, handler func(Event) error) error {
	pubsub := p.client.Subscribe(ctx, p.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				p.logger.Warnw("failed to unmarshal event", "error", err)
				continue
			}
			if event.InstanceID == p.instanceID {
				continue
			}
			if err := handler(event); err != nil {
				p.logger.Warnw("error handling event", "seq", event.Delta.Seq, "error", err)
			}
		}
	}
}

// UserSyncer reloads a user that another instance changed.
type UserSyncer interface {
	SyncUser(ctx context.Context, id domain.UserID) (bool, error)
}

// UserSyncHandler returns a Subscribe handler that refreshes local users
// from the shared repository. Published users carry no credential, so the
// event only names which record to reload. Host and relay deltas stay
// with the instance that owns the connection.
func UserSyncHandler(ctx context.Context, syncer UserSyncer, logger *zap.SugaredLogger) func(Event) error {
	logger = rlog.OrNop(logger)
	return func(ev Event) error {
		if ev.Delta.Kind != domain.KindUser || ev.Delta.User == nil {
			return nil
		}
		changed, err := syncer.SyncUser(ctx, ev.Delta.User.ID)
		if err != nil {
			return fmt.Errorf("failed to sync user %s: %w", ev.Delta.User.ID, err)
		}
		if changed {
			logger.Infow("Applied user change from peer instance",
				"from", ev.InstanceID, "user_id", ev.Delta.User.ID, "action", ev.Delta.Action)
		}
		return nil
	}
}

// Stop unsubscribes from the store and waits for queued deltas to flush.
func (p *DirectoryPublisher) Stop(ctx context.Context) error {
	if p.unsubscribe == nil {
		return nil
	}
	p.stopOnce.Do(func() {
		p.unsubscribe()
		close(p.queue)
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
