package relay

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"collabtext/internal/logging"
)

// NewBus returns an in-memory pub/sub that several Local relays can share,
// standing in for Redis when all nodes live in one process.
func NewBus() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
}

// Local relays updates over an in-memory watermill pub/sub.
type Local struct {
	bus  *gochannel.GoChannel
	opts options
	log  zerolog.Logger

	updates chan Update
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	watches map[string]context.CancelFunc
	closed  bool
}

// NewLocal attaches a relay to bus. Closing the relay leaves bus open.
func NewLocal(bus *gochannel.GoChannel, opts ...Option) *Local {
	o := newOptions(opts)
	return &Local{
		bus:     bus,
		opts:    o,
		log:     logging.For("relay").With().Str("node", o.node).Logger(),
		updates: make(chan Update, o.buffer),
		done:    make(chan struct{}),
		watches: make(map[string]context.CancelFunc),
	}
}

func (l *Local) Publish(_ context.Context, u Update) error {
	if l.isClosed() {
		return ErrClosed
	}
	u.Node = l.opts.node
	b, err := encode(u)
	if err != nil {
		return err
	}
	if err := l.bus.Publish(Channel(l.opts.prefix, u.WorkspaceID, u.Path), message.NewMessage(watermill.NewUUID(), b)); err != nil {
		return err
	}
	l.opts.metrics.Relayed("out")
	return nil
}

func (l *Local) Watch(_ context.Context, workspaceID, path string) error {
	topic := Channel(l.opts.prefix, workspaceID, path)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.watches[topic]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := l.bus.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return err
	}
	l.watches[topic] = cancel
	l.wg.Add(1)
	go l.receive(msgs)
	return nil
}

func (l *Local) receive(msgs <-chan *message.Message) {
	defer l.wg.Done()
	for msg := range msgs {
		msg.Ack()
		u, err := decode(msg.Payload)
		if err != nil {
			l.log.Warn().Err(err).Msg("dropping relay message")
			continue
		}
		if !u.accept(l.opts.node) {
			continue
		}
		select {
		case l.updates <- u:
			l.opts.metrics.Relayed("in")
		case <-l.done:
			return
		}
	}
}

func (l *Local) Unwatch(_ context.Context, workspaceID, path string) error {
	topic := Channel(l.opts.prefix, workspaceID, path)

	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.watches[topic]; ok {
		cancel()
		delete(l.watches, topic)
	}
	return nil
}

func (l *Local) Updates() <-chan Update {
	return l.updates
}

func (l *Local) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	for topic, cancel := range l.watches {
		cancel()
		delete(l.watches, topic)
	}
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
	return nil
}
