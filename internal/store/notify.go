package store

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// Notifier fans stored blocks out to the live streams of their user.
type Notifier interface {
	Publish(ctx context.Context, b model.ReplicaBlock) error
	// Subscribe returns a channel of blocks and a cancel func that closes it.
	Subscribe(ctx context.Context, user keyring.PublicKey) (<-chan model.ReplicaBlock, func(), error)
}

const subBuffer = 64

// MemoryNotifier serves a single server process.
type MemoryNotifier struct {
	mu   sync.Mutex
	next int
	subs map[keyring.PublicKey]map[int]chan model.ReplicaBlock
}

// NewMemoryNotifier constructs an in-process notifier.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: map[keyring.PublicKey]map[int]chan model.ReplicaBlock{}}
}

// Publish delivers b to current subscribers without blocking. A subscriber
// with a full buffer misses b and picks it up from the pending set later.
func (n *MemoryNotifier) Publish(_ context.Context, b model.ReplicaBlock) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[b.UserKey] {
		select {
		case ch <- b:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for user.
func (n *MemoryNotifier) Subscribe(_ context.Context, user keyring.PublicKey) (<-chan model.ReplicaBlock, func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	ch := make(chan model.ReplicaBlock, subBuffer)
	if n.subs[user] == nil {
		n.subs[user] = map[int]chan model.ReplicaBlock{}
	}
	n.subs[user][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[user], id)
			if len(n.subs[user]) == 0 {
				delete(n.subs, user)
			}
			close(ch)
		})
	}
	return ch, cancel, nil
}

// RedisNotifier shares notifications between server instances behind one database.
type RedisNotifier struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewRedisNotifier constructs a notifier on rdb.
func NewRedisNotifier(rdb *redis.Client, log *zap.Logger) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, log: log}
}

func replicaChannel(user keyring.PublicKey) string { return "fanrelay:replica:" + user.String() }

// Publish sends b on the user's channel.
func (n *RedisNotifier) Publish(ctx context.Context, b model.ReplicaBlock) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, replicaChannel(b.UserKey), data).Err()
}

// Subscribe listens on the user's channel until cancel is called or ctx ends.
func (n *RedisNotifier) Subscribe(ctx context.Context, user keyring.PublicKey) (<-chan model.ReplicaBlock, func(), error) {
	ps := n.rdb.Subscribe(ctx, replicaChannel(user))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, err
	}
	out := make(chan model.ReplicaBlock, subBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var b model.ReplicaBlock
				if err := json.Unmarshal([]byte(m.Payload), &b); err != nil {
					n.log.Warn("bad replica notification", zap.Error(err))
					continue
				}
				select {
				case out <- b:
				default:
				}
			}
		}
	}()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}
