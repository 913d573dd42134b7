// Package relay fans document updates out to the other server processes
// serving the same documents.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"collabtext/internal/metrics"
)

// ErrClosed is returned by a relay after Close.
var ErrClosed = errors.New("relay closed")

// Kinds of relayed message. The zero Kind is a client delta.
const (
	KindDelta        = ""
	KindStateRequest = "state-request"
	KindState        = "state"
)

// Update is one message travelling between processes on a document channel.
type Update struct {
	Kind string `json:"kind,omitempty"`
	Node string `json:"node"`
	// To addresses a state reply to the node that asked for it.
	To          string `json:"to,omitempty"`
	WorkspaceID string `json:"workspaceId"`
	Path        string `json:"path"`
	// Update is a base64 delta: the client's delta verbatim, or a full
	// state for KindState.
	Update string `json:"update,omitempty"`
}

// accept reports whether node should deliver u.
func (u Update) accept(node string) bool {
	return u.Node != node && (u.To == "" || u.To == node)
}

// Relay publishes local updates and delivers updates published by other
// processes for the documents being watched.
type Relay interface {
	// Publish sends u to every other process watching its document.
	Publish(ctx context.Context, u Update) error
	// Watch starts delivering remote updates for a document on Updates.
	Watch(ctx context.Context, workspaceID, path string) error
	// Unwatch stops delivery for a document.
	Unwatch(ctx context.Context, workspaceID, path string) error
	// Updates delivers remote updates. Updates published by this process,
	// or addressed to another one, never appear here.
	Updates() <-chan Update
	Close() error
}

// Channel returns the pub/sub channel name of a document.
func Channel(prefix, workspaceID, path string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, workspaceID, path)
}

type options struct {
	prefix  string
	node    string
	buffer  int
	metrics *metrics.Metrics
}

// Option configures a relay.
type Option func(*options)

// WithPrefix sets the channel prefix. The default is "collabtext".
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithNode sets the id this process stamps on its updates. The default is a
// random UUID.
func WithNode(node string) Option {
	return func(o *options) { o.node = node }
}

// WithBuffer sets the capacity of the Updates channel.
func WithBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

// WithMetrics counts relayed messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func newOptions(opts []Option) options {
	o := options{prefix: "collabtext", node: uuid.NewString(), buffer: 256}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func encode(u Update) ([]byte, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay update: %w", err)
	}
	return b, nil
}

func decode(b []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(b, &u); err != nil {
		return Update{}, fmt.Errorf("failed to decode relay update: %w", err)
	}
	return u, nil
}

// Nop is a Relay for a single process deployment.
type Nop struct{}

func (Nop) Publish(context.Context, Update) error { return nil }
func (Nop) Watch(context.Context, string, string) error { return nil }
func (Nop) Unwatch(context.Context, string, string) error { return nil }
func (Nop) Updates() <-chan Update { return nil }
func (Nop) Close() error { return nil }
