package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"collabtext/internal/logging"
)

// Redis relays updates over Redis pub/sub, one channel per document.
type Redis struct {
	client redis.UniversalClient
	opts   options
	log    zerolog.Logger

	pubsub  *redis.PubSub
	updates chan Update
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRedis starts a relay on client. The caller keeps ownership of client.
func NewRedis(ctx context.Context, client redis.UniversalClient, opts ...Option) *Redis {
	o := newOptions(opts)
	r := &Redis{
		client:  client,
		opts:    o,
		log:     logging.For("relay").With().Str("node", o.node).Logger(),
		pubsub:  client.Subscribe(ctx),
		updates: make(chan Update, o.buffer),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.receive()
	return r
}

func (r *Redis) receive() {
	defer r.wg.Done()
	for msg := range r.pubsub.Channel() {
		u, err := decode([]byte(msg.Payload))
		if err != nil {
			r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping relay message")
			continue
		}
		if !u.accept(r.opts.node) {
			continue
		}
		select {
		case r.updates <- u:
			r.opts.metrics.Relayed("in")
		case <-r.done:
			return
		}
	}
}

func (r *Redis) channel(workspaceID, path string) string {
	return Channel(r.opts.prefix, workspaceID, path)
}

func (r *Redis) Publish(ctx context.Context, u Update) error {
	if r.isClosed() {
		return ErrClosed
	}
	u.Node = r.opts.node
	b, err := encode(u)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel(u.WorkspaceID, u.Path), b).Err(); err != nil {
		return fmt.Errorf("failed to publish update: %w", err)
	}
	r.opts.metrics.Relayed("out")
	return nil
}

func (r *Redis) Watch(ctx context.Context, workspaceID, path string) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.pubsub.Subscribe(ctx, r.channel(workspaceID, path)); err != nil {
		return fmt.Errorf("failed to subscribe %s:%s: %w", workspaceID, path, err)
	}
	return nil
}

func (r *Redis) Unwatch(ctx context.Context, workspaceID, path string) error {
	if r.isClosed() {
		return nil
	}
	if err := r.pubsub.Unsubscribe(ctx, r.channel(workspaceID, path)); err != nil {
		return fmt.Errorf("failed to unsubscribe %s:%s: %w", workspaceID, path, err)
	}
	return nil
}

func (r *Redis) Updates() <-chan Update {
	return r.updates
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close stops delivery. It does not close the Redis client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	err := r.pubsub.Close()
	r.wg.Wait()
	return err
}
