// Package persist writes document snapshots through to durable storage,
// coalescing bursts of edits into one write per quiet period.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabtext/internal/logging"
	"collabtext/internal/metrics"
	"collabtext/internal/replica"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("persistence bridge closed")

// Writer stores the text and replica state of one document.
type Writer interface {
	SaveSnapshot(ctx context.Context, workspaceID, path, content string, state []byte) error
}

// Key names one document.
type Key struct {
	WorkspaceID string
	Path        string
}

func (k Key) String() string {
	return k.WorkspaceID + ":" + k.Path
}

type entry struct {
	// writing serializes durable writes for this key so an older snapshot
	// never lands after a newer one.
	writing sync.Mutex

	// Guarded by Bridge.mu.
	snap  replica.Snapshot
	dirty bool
	timer *time.Timer
}

// Bridge debounces snapshot writes per key.
type Bridge struct {
	writer       Writer
	window       time.Duration
	writeTimeout time.Duration
	log          zerolog.Logger
	metrics      *metrics.Metrics

	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithWriteTimeout bounds each durable write. The default is 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.writeTimeout = d }
}

// WithMetrics records write results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// NewBridge returns a bridge that writes a key once window has passed
// without a further Schedule for it.
func NewBridge(w Writer, window time.Duration, opts ...Option) *Bridge {
	b := &Bridge{
		writer:       w,
		window:       window,
		writeTimeout: 10 * time.Second,
		log:          logging.For("persist"),
		entries:      make(map[Key]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Schedule records snap as the latest snapshot for k and restarts its quiet
// period. It never blocks on storage.
func (b *Bridge) Schedule(k Key, snap replica.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	e, ok := b.entries[k]
	if !ok {
		e = &entry{}
		b.entries[k] = e
	}
	e.snap = snap
	e.dirty = true
	if e.timer == nil {
		e.timer = time.AfterFunc(b.window, func() { b.fire(k, e) })
	} else {
		e.timer.Reset(b.window)
	}
	return nil
}

// Pending reports whether k has a snapshot that has not been written yet.
func (b *Bridge) Pending(k Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[k]
	return ok && e.dirty
}

func (b *Bridge) fire(k Key, e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()
	if err := b.write(ctx, k, e); err != nil {
		// The next Schedule for k carries a newer snapshot and retries implicitly.
		b.log.Error().Err(err).Str("workspace", k.WorkspaceID).Str("path", k.Path).Msg("snapshot write failed")
	}
}

func (b *Bridge) write(ctx context.Context, k Key, e *entry) error {
	e.writing.Lock()
	defer e.writing.Unlock()

	b.mu.Lock()
	if !e.dirty {
		b.mu.Unlock()
		return nil
	}
	snap := e.snap
	e.dirty = false
	b.mu.Unlock()

	err := b.writer.SaveSnapshot(ctx, k.WorkspaceID, k.Path, snap.Text, snap.State)
	b.metrics.PersistWrite(err)

	b.mu.Lock()
	if err != nil && !e.dirty {
		// Keep the snapshot so Flush and Close can still write it.
		e.dirty = true
		e.snap = snap
	}
	if !e.dirty && b.entries[k] == e {
		delete(b.entries, k)
	}
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to write %s: %w", k, err)
	}
	b.log.Debug().Str("workspace", k.WorkspaceID).Str("path", k.Path).Int("bytes", len(snap.Text)).Msg("snapshot written")
	return nil
}

// Flush writes the pending snapshot for k now, cancelling its timer.
func (b *Bridge) Flush(ctx context.Context, k Key) error {
	b.mu.Lock()
	e, ok := b.entries[k]
	if ok && e.timer != nil {
		e.timer.Stop()
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.write(ctx, k, e)
}

// Close flushes every pending snapshot and makes later Schedule calls fail.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	keys := make([]Key, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := b.Flush(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
